// Package box implements JP2 file format box parsing and generation.
//
// Every JP2 box starts with a 4-byte length (1 signals a 64-bit
// extended length follows) and a 4-byte type code, followed by the
// box's own contents; super-boxes (jp2h, res, uinf) nest further boxes
// in place of raw contents.
package box

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is a 4-byte box type code, readable as its 4-character ASCII
// form via String.
type Type uint32

func (t Type) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return string(b[:])
}

// Box type codes, grouped the way ISO/IEC 15444-1 Annex I groups them.
const (
	TypeJP2Signature Type = 0x6A502020 // "jP  "
	TypeFileType     Type = 0x66747970 // "ftyp"

	TypeJP2Header    Type = 0x6A703268 // "jp2h"
	TypeImageHeader  Type = 0x69686472 // "ihdr"
	TypeBitsPerComp  Type = 0x62706363 // "bpcc"
	TypeColorSpec    Type = 0x636F6C72 // "colr"
	TypePalette      Type = 0x70636C72 // "pclr"
	TypeComponentMap Type = 0x636D6170 // "cmap"
	TypeChannelDef   Type = 0x63646566 // "cdef"
	TypeResolution   Type = 0x72657320 // "res "
	TypeCaptureRes   Type = 0x72657363 // "resc"
	TypeDisplayRes   Type = 0x72657364 // "resd"

	TypeContCodestream Type = 0x6A703263 // "jp2c"
	TypeCodestreamH    Type = 0x6A706368 // "jpch"
	TypeTilePartH      Type = 0x6A707468 // "jpth"

	TypeXML      Type = 0x786D6C20 // "xml "
	TypeUUID     Type = 0x75756964 // "uuid"
	TypeUUIDInfo Type = 0x75696E66 // "uinf"
	TypeUUIDList Type = 0x756C7374 // "ulst"
	TypeURL      Type = 0x75726C20 // "url "

	TypeIPR Type = 0x6A703269 // "jp2i"
)

// Box is one parsed (or about-to-be-written) JP2 box.
type Box struct {
	Type     Type
	Length   uint64 // total box length, header included
	Contents []byte
}

// newBox builds a Box around contents, computing Length from the
// 8-byte header plus contents (no box this package writes needs the
// 16-byte extended-length form).
func newBox(t Type, contents []byte) *Box {
	return &Box{Type: t, Length: uint64(8 + len(contents)), Contents: contents}
}

// Header returns the box's length+type header bytes, using the
// extended 64-bit length form only when Length overflows 32 bits.
func (b *Box) Header() []byte {
	if b.Length <= 0xFFFFFFFF {
		h := make([]byte, 8)
		binary.BigEndian.PutUint32(h[0:4], uint32(b.Length))
		binary.BigEndian.PutUint32(h[4:8], uint32(b.Type))
		return h
	}
	h := make([]byte, 16)
	binary.BigEndian.PutUint32(h[0:4], 1)
	binary.BigEndian.PutUint32(h[4:8], uint32(b.Type))
	binary.BigEndian.PutUint64(h[8:16], b.Length)
	return h
}

// Bytes returns the box's header followed by its contents.
func (b *Box) Bytes() []byte {
	h := b.Header()
	out := make([]byte, len(h)+len(b.Contents))
	copy(out, h)
	copy(out[len(h):], b.Contents)
	return out
}

// Reader reads a flat sequence of boxes from a stream.
type Reader struct {
	r      io.Reader
	offset int64
}

// NewReader wraps r for box-at-a-time reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Offset reports how many bytes have been consumed from the stream so
// far.
func (r *Reader) Offset() int64 {
	return r.offset
}

// ReadBox reads and returns the next box, or io.EOF once the stream is
// exhausted exactly on a box boundary.
func (r *Reader) ReadBox() (*Box, error) {
	var hdr [8]byte
	n, err := io.ReadFull(r.r, hdr[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading box header: %w", err)
	}
	r.offset += 8

	length := uint64(binary.BigEndian.Uint32(hdr[0:4]))
	boxType := Type(binary.BigEndian.Uint32(hdr[4:8]))
	headerLen := uint64(8)

	switch length {
	case 1:
		var ext [8]byte
		if _, err := io.ReadFull(r.r, ext[:]); err != nil {
			return nil, fmt.Errorf("reading extended length: %w", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
		headerLen = 16
		r.offset += 8
	case 0:
		return nil, errors.New("box extends to EOF not supported")
	}

	if length < headerLen {
		return nil, fmt.Errorf("invalid box length: %d", length)
	}
	contentLen := length - headerLen
	const maxBoxContents = 1 << 30 // refuse to trust a corrupt length into an OOM allocation
	if contentLen > maxBoxContents {
		return nil, fmt.Errorf("box too large: %d bytes", contentLen)
	}

	contents := make([]byte, contentLen)
	if _, err := io.ReadFull(r.r, contents); err != nil {
		return nil, fmt.Errorf("reading box contents: %w", err)
	}
	r.offset += int64(contentLen)

	return &Box{Type: boxType, Length: length, Contents: contents}, nil
}

// Writer writes a flat sequence of boxes to a stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for box-at-a-time writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteBox writes b in full (header and contents).
func (w *Writer) WriteBox(b *Box) error {
	_, err := w.w.Write(b.Bytes())
	return err
}

// jp2Signature is the fixed 12-byte JP2 signature box every conforming
// file starts with.
var jp2Signature = []byte{
	0x00, 0x00, 0x00, 0x0C,
	0x6A, 0x50, 0x20, 0x20,
	0x0D, 0x0A, 0x87, 0x0A,
}

// WriteSignature writes the JP2 signature box.
func (w *Writer) WriteSignature() error {
	_, err := w.w.Write(jp2Signature)
	return err
}

// JP2Header collects the boxes a jp2h super-box may contain. Fields
// left nil were absent from the parsed super-box.
type JP2Header struct {
	ImageHeader  *ImageHeaderBox
	BitsPerComp  *BitsPerCompBox
	ColorSpec    *ColorSpecBox
	Palette      *PaletteBox
	ComponentMap *ComponentMapBox
	ChannelDef   *ChannelDefBox
	Resolution   *ResolutionBox
}

// ImageHeaderBox is the mandatory ihdr box: image dimensions and
// top-level component/compression metadata.
type ImageHeaderBox struct {
	Height            uint32
	Width             uint32
	NumComponents     uint16
	BitsPerComponent  uint8 // 7-bit depth-1, or 0xFF when a bpcc box supplies per-component depths
	CompressionType   uint8 // always 7 for JP2
	UnknownColorspace uint8
	IPR               uint8
}

func (b *ImageHeaderBox) Parse(data []byte) error {
	if len(data) < 14 {
		return errors.New("image header box too short")
	}
	b.Height = binary.BigEndian.Uint32(data[0:4])
	b.Width = binary.BigEndian.Uint32(data[4:8])
	b.NumComponents = binary.BigEndian.Uint16(data[8:10])
	b.BitsPerComponent = data[10]
	b.CompressionType = data[11]
	b.UnknownColorspace = data[12]
	b.IPR = data[13]
	return nil
}

func (b *ImageHeaderBox) Bytes() []byte {
	data := make([]byte, 14)
	binary.BigEndian.PutUint32(data[0:4], b.Height)
	binary.BigEndian.PutUint32(data[4:8], b.Width)
	binary.BigEndian.PutUint16(data[8:10], b.NumComponents)
	data[10] = b.BitsPerComponent
	data[11] = b.CompressionType
	data[12] = b.UnknownColorspace
	data[13] = b.IPR
	return data
}

// BitsPerCompBox supplies a distinct bit depth per component, used
// only when ImageHeaderBox.BitsPerComponent is 0xFF.
type BitsPerCompBox struct {
	BitsPerComponent []uint8
}

func (b *BitsPerCompBox) Parse(data []byte) error {
	b.BitsPerComponent = append([]uint8(nil), data...)
	return nil
}

// Enumerated colorspace values, ISO/IEC 15444-1 Annex M Table M.16.
const (
	CSBilevel1  = 0
	CSYCbCr1    = 1
	CSYCbCr2    = 3
	CSYCbCr3    = 4
	CSPhotoYCC  = 9
	CSCMY       = 11
	CSCMYK      = 12
	CSYCCK      = 13
	CSCIELab    = 14
	CSBilevel2  = 15
	CSSRGB      = 16
	CSGray      = 17
	CSsYCC      = 18
	CSCIEJab    = 19
	CSeSRGB     = 20
	CSROMMRGB   = 21
	CSYPbPr1125 = 22
	CSYPbPr1250 = 23
	CSeSYCC     = 24
)

// ColorSpecBox is a colr box: either an enumerated colorspace (Method
// 1) or an embedded ICC profile (Method 2 restricted, Method 3 full).
type ColorSpecBox struct {
	Method               uint8
	Precedence           uint8
	Approximation        uint8
	EnumeratedColorspace uint32
	ICCProfile           []byte
}

func (b *ColorSpecBox) Parse(data []byte) error {
	if len(data) < 3 {
		return errors.New("color specification box too short")
	}
	b.Method = data[0]
	b.Precedence = data[1]
	b.Approximation = data[2]

	switch b.Method {
	case 1:
		if len(data) < 7 {
			return errors.New("color specification box too short for enumerated CS")
		}
		b.EnumeratedColorspace = binary.BigEndian.Uint32(data[3:7])
	case 2, 3:
		b.ICCProfile = data[3:]
	}
	return nil
}

func (b *ColorSpecBox) Bytes() []byte {
	if b.Method == 1 {
		data := make([]byte, 7)
		data[0], data[1], data[2] = b.Method, b.Precedence, b.Approximation
		binary.BigEndian.PutUint32(data[3:7], b.EnumeratedColorspace)
		return data
	}
	data := make([]byte, 3+len(b.ICCProfile))
	data[0], data[1], data[2] = b.Method, b.Precedence, b.Approximation
	copy(data[3:], b.ICCProfile)
	return data
}

// PaletteBox is a pclr box: an indexed-color lookup table.
type PaletteBox struct {
	NumEntries   uint16
	NumColumns   uint8
	BitsPerEntry []uint8
	Entries      [][]uint32
}

// ComponentMapBox is a cmap box, routing each output channel to either
// a raw component or a palette column.
type ComponentMapBox struct {
	Mappings []ComponentMapping
}

// ComponentMapping is one cmap entry.
type ComponentMapping struct {
	Component     uint16
	MappingType   uint8
	PaletteColumn uint8
}

// ChannelDefBox is a cdef box, assigning semantic roles (color,
// opacity, premultiplied opacity) to channels.
type ChannelDefBox struct {
	Definitions []ChannelDefinition
}

// ChannelDefinition is one cdef entry.
type ChannelDefinition struct {
	Channel     uint16
	Type        uint16 // 0 color, 1 opacity, 2 premultiplied opacity
	Association uint16
}

// ResolutionBox collects the capture/display resolution values a res
// super-box's resc/resd children carry.
type ResolutionBox struct {
	CaptureResX uint32
	CaptureResY uint32
	DisplayResX uint32
	DisplayResY uint32
}

// FileTypeBox is the ftyp box: brand, version, and compatible brands.
type FileTypeBox struct {
	Brand         Type
	MinorVersion  uint32
	Compatibility []Type
}

func (b *FileTypeBox) Parse(data []byte) error {
	if len(data) < 8 {
		return errors.New("file type box too short")
	}
	b.Brand = Type(binary.BigEndian.Uint32(data[0:4]))
	b.MinorVersion = binary.BigEndian.Uint32(data[4:8])

	numCompat := (len(data) - 8) / 4
	b.Compatibility = make([]Type, numCompat)
	for i := range b.Compatibility {
		b.Compatibility[i] = Type(binary.BigEndian.Uint32(data[8+i*4:]))
	}
	return nil
}

func (b *FileTypeBox) Bytes() []byte {
	data := make([]byte, 8+4*len(b.Compatibility))
	binary.BigEndian.PutUint32(data[0:4], uint32(b.Brand))
	binary.BigEndian.PutUint32(data[4:8], b.MinorVersion)
	for i, c := range b.Compatibility {
		binary.BigEndian.PutUint32(data[8+i*4:], uint32(c))
	}
	return data
}

// ParseJP2Header walks a jp2h super-box's contents and parses every
// child box this package understands; boxes it doesn't yet parse
// (cdef, pclr, cmap, res) are skipped rather than rejected, since a
// reader that only needs image geometry and color space shouldn't fail
// on metadata it doesn't use.
func ParseJP2Header(data []byte) (*JP2Header, error) {
	h := &JP2Header{}
	r := NewReader(bytes.NewReader(data))

	for {
		child, err := r.ReadBox()
		if err == io.EOF {
			return h, nil
		}
		if err != nil {
			return nil, err
		}

		switch child.Type {
		case TypeImageHeader:
			h.ImageHeader = &ImageHeaderBox{}
			if err := h.ImageHeader.Parse(child.Contents); err != nil {
				return nil, err
			}
		case TypeBitsPerComp:
			h.BitsPerComp = &BitsPerCompBox{}
			if err := h.BitsPerComp.Parse(child.Contents); err != nil {
				return nil, err
			}
		case TypeColorSpec:
			h.ColorSpec = &ColorSpecBox{}
			if err := h.ColorSpec.Parse(child.Contents); err != nil {
				return nil, err
			}
		case TypeChannelDef, TypePalette, TypeComponentMap, TypeResolution:
			// Not yet consumed by any caller; left unparsed.
		}
	}
}

// CreateJP2Header builds a jp2h super-box containing an ihdr and an
// enumerated-colorspace colr box.
func CreateJP2Header(width, height uint32, numComponents uint16, bitsPerComponent uint8, colorspace uint32) *Box {
	ihdr := &ImageHeaderBox{
		Width:            width,
		Height:           height,
		NumComponents:    numComponents,
		BitsPerComponent: bitsPerComponent,
		CompressionType:  7,
	}
	ihdrBox := newBox(TypeImageHeader, ihdr.Bytes())

	colr := &ColorSpecBox{Method: 1, EnumeratedColorspace: colorspace}
	colrBox := newBox(TypeColorSpec, colr.Bytes())

	contents := append(ihdrBox.Bytes(), colrBox.Bytes()...)
	return newBox(TypeJP2Header, contents)
}

// CreateFileTypeBox builds the ftyp box for a plain JP2 file.
func CreateFileTypeBox() *Box {
	const jp2Brand = Type(0x6A703220) // "jp2 "
	ftyp := &FileTypeBox{Brand: jp2Brand, Compatibility: []Type{jp2Brand}}
	return newBox(TypeFileType, ftyp.Bytes())
}

// CreateCodestreamBox wraps codestream in a jp2c box.
func CreateCodestreamBox(codestream []byte) *Box {
	return newBox(TypeContCodestream, codestream)
}
