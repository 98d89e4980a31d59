package jpeg2000

import (
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/quillj2k/jpeg2000/internal/canvas"
	"github.com/quillj2k/jpeg2000/internal/codestream"
	"github.com/quillj2k/jpeg2000/internal/lengthcache"
	"github.com/quillj2k/jpeg2000/internal/stripcache"
	"github.com/quillj2k/jpeg2000/internal/tcd"
)

// Decoder is a codestream opened for random-access or streaming decode,
// as an alternative to the one-shot Decode/DecodeConfig functions. Its
// header is parsed eagerly so NumTiles and per-tile geometry are
// available before any tile's pixel data is touched.
type Decoder struct {
	d         *decoder
	tileIndex lengthcache.TileIndex
}

// NewDecoder opens r, parses its format and codestream header, and
// returns a Decoder ready to serve DecodeTile. r must support the reads
// the format sniffing and header parse require; random access beyond
// that (seeking to an individual tile) is performed against the
// in-memory codestream buffer the header parse already populated.
func NewDecoder(r io.Reader) (*Decoder, error) {
	d := newDecoder(r)
	if err := d.readFormat(); err != nil {
		return nil, fmt.Errorf("reading format: %w", err)
	}
	if err := d.parseCodestream(); err != nil {
		return nil, fmt.Errorf("parsing codestream: %w", err)
	}

	// Main-header byte length isn't tracked separately from the raw
	// codestream buffer, so base the TileIndex on the byte offset where
	// SOT markers were actually observed: absent that bookkeeping, we
	// only have the teacher's sequential parse path, and DecodeTile
	// falls back to it when the index reports Available == false.
	idx := lengthcache.BuildTileIndex(d.header.TileLengths, 0)
	return &Decoder{d: d, tileIndex: idx}, nil
}

// NumTiles reports the number of tiles in the codestream.
func (dec *Decoder) NumTiles() int {
	h := dec.d.header
	return int(h.NumTilesX * h.NumTilesY)
}

// DecodeTile decodes only tile idx and returns an image cropped to that
// tile's rectangle in image coordinates, without decoding any other
// tile. This is the random-access entry point spec scenario "windowed
// decode" calls for: a reader wanting one tile of a large mosaic does
// not pay for the rest.
func (dec *Decoder) DecodeTile(idx int) (image.Image, error) {
	h := dec.d.header
	if idx < 0 || idx >= dec.NumTiles() {
		return nil, fmt.Errorf("jpeg2000: tile index %d out of range [0,%d)", idx, dec.NumTiles())
	}
	if !dec.tileIndex.Available {
		slog.Default().Debug("jpeg2000: TLM tile index unavailable, decoding via sequential tile-part scan", "tile", idx)
	}

	width := int(h.ImageWidth - h.ImageXOffset)
	height := int(h.ImageHeight - h.ImageYOffset)
	numComp := int(h.NumComponents)

	// Each component's canvas spans the whole image, but decoding a
	// single tile only ever writes that tile's blocks into it -- the
	// windowed read below materialises just the requested tile's
	// rectangle, never the rest of the image's coefficients.
	canvases := make([]*canvas.Canvas, numComp)
	imgBounds := canvas.Rect{X0: 0, Y0: 0, X1: width, Y1: height}
	for c := 0; c < numComp; c++ {
		cv, err := canvas.New(imgBounds, 6, 6)
		if err != nil {
			return nil, fmt.Errorf("allocating component canvas: %w", err)
		}
		canvases[c] = cv
	}

	tileDecoder := tcd.NewTileDecoder(h)
	if err := dec.d.decodeTile(tileDecoder, idx, canvases, width, height, nil); err != nil {
		return nil, fmt.Errorf("decoding tile %d: %w", idx, err)
	}

	rect := tileRect(h, idx)
	tw, th := rect.Dx(), rect.Dy()
	window := canvas.Rect{X0: rect.Min.X, Y0: rect.Min.Y, X1: rect.Max.X, Y1: rect.Max.Y}

	componentData := make([][]int32, numComp)
	for c := 0; c < numComp; c++ {
		componentData[c] = make([]int32, tw*th)
		if err := canvases[c].Read(window, componentData[c], 1, tw, true); err != nil {
			return nil, fmt.Errorf("reading tile %d canvas: %w", idx, err)
		}
	}

	precision := h.ComponentInfo[0].Precision()
	signed := h.ComponentInfo[0].IsSigned()
	return dec.d.createImage(componentData, tw, th, numComp, precision, signed)
}

// tileRect computes tile idx's rectangle in output image coordinates.
func tileRect(h *codestream.Header, idx int) image.Rectangle {
	tileX := idx % int(h.NumTilesX)
	tileY := idx / int(h.NumTilesX)
	x0 := maxi(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset)) - int(h.ImageXOffset)
	y0 := maxi(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset)) - int(h.ImageYOffset)
	x1 := mini(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth)) - int(h.ImageXOffset)
	y1 := mini(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight)) - int(h.ImageYOffset)
	return image.Rect(x0, y0, x1, y1)
}

func maxi(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mini(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// StripFunc receives one decoded, packed-pixel strip in increasing
// y-order.
type StripFunc func(s *stripcache.Strip) error

// DecodeStrips decodes r and delivers the result to onStrip as packed
// strips of up to 64 rows, in increasing y-order. Tiles are decoded
// concurrently (per cfg.Workers), but strips are only cut after every
// tile has been decoded and the whole image has been assembled in
// memory, so peak memory is the same as for DecodeConfig.
func DecodeStrips(r io.Reader, cfg *Config, onStrip StripFunc) error {
	dec, err := NewDecoder(r)
	if err != nil {
		return err
	}
	h := dec.d.header

	width := int(h.ImageWidth - h.ImageXOffset)
	height := int(h.ImageHeight - h.ImageYOffset)
	numComp := int(h.NumComponents)
	if numComp == 0 {
		return fmt.Errorf("jpeg2000: no components")
	}
	bytesPerSample := 1
	if h.ComponentInfo[0].Precision() > 8 {
		bytesPerSample = 2
	}
	packedRowBytes := width * numComp * bytesPerSample

	const nominalStripHeight = 64
	numStrips := (height + nominalStripHeight - 1) / nominalStripHeight
	numTiles := dec.NumTiles()

	cache := stripcache.New(numStrips, nominalStripHeight, numTilesPerStrip(h, numTiles), packedRowBytes, onStrip)

	canvases := make([]*canvas.Canvas, numComp)
	imgBounds := canvas.Rect{X0: 0, Y0: 0, X1: width, Y1: height}
	for c := 0; c < numComp; c++ {
		cv, err := canvas.New(imgBounds, 6, 6)
		if err != nil {
			return fmt.Errorf("allocating component canvas: %w", err)
		}
		canvases[c] = cv
	}

	if err := dec.d.decodeTilesConcurrently(numTiles, canvases, width, height, cfg); err != nil {
		return err
	}

	componentData := make([][]int32, numComp)
	for c := 0; c < numComp; c++ {
		componentData[c] = make([]int32, width*height)
		if err := canvases[c].Read(imgBounds, componentData[c], 1, width, true); err != nil {
			return fmt.Errorf("reading component %d canvas: %w", c, err)
		}
	}

	precision := h.ComponentInfo[0].Precision()
	signed := h.ComponentInfo[0].IsSigned()
	img, err := dec.d.createImage(componentData, width, height, numComp, precision, signed)
	if err != nil {
		return err
	}

	for y0 := 0; y0 < height; y0 += nominalStripHeight {
		y1 := y0 + nominalStripHeight
		if y1 > height {
			y1 = height
		}
		buf := cache.Borrow(packedRowBytes * (y1 - y0))
		packRows(img, y0, y1, width, buf, packedRowBytes)
		if err := cache.Ingest(y0, y1, buf); err != nil {
			return err
		}
		cache.Return(buf)
	}

	return nil
}

// numTilesPerStrip returns how many Ingest calls complete one strip.
// DecodeStrips ingests each strip exactly once, cut from the fully
// assembled image, so the answer is 1 whatever the tile grid.
func numTilesPerStrip(h *codestream.Header, numTiles int) int {
	return 1
}

// packRows copies pixel rows [y0,y1) of img into buf, packed
// component-interleaved per row.
func packRows(img image.Image, y0, y1, width int, buf []byte, rowBytes int) {
	for y := y0; y < y1; y++ {
		rowOff := (y - y0) * rowBytes
		switch im := img.(type) {
		case *image.Gray:
			copy(buf[rowOff:rowOff+width], im.Pix[im.PixOffset(0, y):im.PixOffset(0, y)+width])
		case *image.RGBA:
			for x := 0; x < width; x++ {
				r, g, b, _ := im.At(x, y).RGBA()
				o := rowOff + x*3
				buf[o] = byte(r >> 8)
				buf[o+1] = byte(g >> 8)
				buf[o+2] = byte(b >> 8)
			}
		default:
			for x := 0; x < width; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				o := rowOff + x*3
				if o+2 < len(buf) {
					buf[o] = byte(r >> 8)
					buf[o+1] = byte(g >> 8)
					buf[o+2] = byte(b >> 8)
				}
			}
		}
	}
}
