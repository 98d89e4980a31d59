// Package lengthcache builds random-access indexes from a codestream's
// TLM (tile-part length), PLT (packet length, tile-part), and PLM
// (packet length, main header) markers, so a decoder can seek straight
// to a given tile or packet instead of parsing every tile-part header
// in between.
//
// When a length marker is absent, malformed, or internally
// inconsistent, the cache degrades to "unavailable" for that index
// rather than failing the whole decode: callers fall back to
// sequential tile-part parsing. This package logs nothing itself; the
// codestream parser logs a warning when it drops a malformed TLM
// segment.
package lengthcache

import (
	"fmt"

	"github.com/quillj2k/jpeg2000/internal/codestream"
)

// TileEntry is one tile's byte range within the codestream, derived
// from the TLM marker.
type TileEntry struct {
	TileIndex uint16
	Offset    int64 // byte offset of the tile's first tile-part, from start of codestream
	Length    uint32
}

// TileIndex maps tile index to codestream byte range. Available
// reports whether the index is usable; when false, every other field is
// meaningless and callers should fall back to sequential parsing.
type TileIndex struct {
	Available bool
	entries   map[uint16]TileEntry
}

// BuildTileIndex derives a TileIndex from the main header's TLM
// entries. baseOffset is the codestream byte offset of the first byte
// after the main header (where tile-part data begins).
func BuildTileIndex(tileLengths []codestream.TileLength, baseOffset int64) TileIndex {
	if len(tileLengths) == 0 {
		return TileIndex{Available: false}
	}
	idx := TileIndex{Available: true, entries: make(map[uint16]TileEntry, len(tileLengths))}
	offset := baseOffset
	for _, tl := range tileLengths {
		if _, dup := idx.entries[tl.TileIndex]; dup {
			// TLM entries must be unique per tile; a duplicate means the
			// marker is malformed and the whole index is untrustworthy.
			return TileIndex{Available: false}
		}
		idx.entries[tl.TileIndex] = TileEntry{TileIndex: tl.TileIndex, Offset: offset, Length: tl.Length}
		offset += int64(tl.Length)
	}
	return idx
}

// Lookup returns the byte range for tileIndex. ok is false if the index
// is unavailable or the tile is unknown.
func (idx TileIndex) Lookup(tileIndex uint16) (entry TileEntry, ok bool) {
	if !idx.Available {
		return TileEntry{}, false
	}
	entry, ok = idx.entries[tileIndex]
	return entry, ok
}

// PacketEntry is one packet's byte length within its tile-part, derived
// from a PLT (or, for the main-header variant, PLM) marker.
type PacketEntry struct {
	Sequence int // 0-based packet sequence within the tile-part
	Length   uint32
}

// PacketIndex maps packet sequence number to byte length, letting a
// decoder compute each packet's offset within a tile-part by summing
// the lengths of the packets before it instead of parsing headers
// in-line.
type PacketIndex struct {
	Available bool
	lengths   []uint32
	offsets   []int64 // offsets[i] = byte offset of packet i, relative to tile-part data start
}

// BuildPacketIndex derives a PacketIndex from raw packet lengths decoded
// from PLT/PLM markers (the teacher's Header.PacketLengths, a flat
// VLQ-decoded length-per-packet list).
func BuildPacketIndex(lengths []uint32) PacketIndex {
	if len(lengths) == 0 {
		return PacketIndex{Available: false}
	}
	offsets := make([]int64, len(lengths))
	var acc int64
	for i, l := range lengths {
		offsets[i] = acc
		acc += int64(l)
	}
	cp := make([]uint32, len(lengths))
	copy(cp, lengths)
	return PacketIndex{Available: true, lengths: cp, offsets: offsets}
}

// Offset returns the byte offset (relative to the start of tile-part
// packet data) and length of packet seq. ok is false if the index is
// unavailable or seq is out of range.
func (p PacketIndex) Offset(seq int) (offset int64, length uint32, ok bool) {
	if !p.Available || seq < 0 || seq >= len(p.offsets) {
		return 0, 0, false
	}
	return p.offsets[seq], p.lengths[seq], true
}

// Count returns the number of packets indexed, or 0 if unavailable.
func (p PacketIndex) Count() int { return len(p.lengths) }

// TotalLength returns the sum of every indexed packet's length, useful
// for validating an index against the tile-part's declared length.
func (p PacketIndex) TotalLength() int64 {
	var total int64
	for _, l := range p.lengths {
		total += int64(l)
	}
	return total
}

// Validate checks a built PacketIndex sums to exactly declaredLength,
// the consistency check that determines whether a malformed PLT/PLM
// should downgrade to "unavailable" instead of silently returning wrong
// offsets.
func (p PacketIndex) Validate(declaredLength int64) error {
	if !p.Available {
		return nil
	}
	if total := p.TotalLength(); total != declaredLength {
		return fmt.Errorf("lengthcache: packet index totals %d bytes, tile-part declares %d", total, declaredLength)
	}
	return nil
}
