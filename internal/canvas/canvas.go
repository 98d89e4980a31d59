// Package canvas implements the sparse, block-tiled coefficient buffer
// that backs windowed (region-of-interest) wavelet decode.
//
// A resolution's sub-band coefficients are addressed in canvas
// coordinates but are not allocated densely: storage is split into
// fixed-size blocks, and a block exists only once something writes to
// it. A read against a block that was never written returns zeros
// (ForceReturnTrue) or fails, matching the "coefficients outside the
// dilated window are known to be zero and must not be materialised"
// requirement of the windowed inverse wavelet transform.
package canvas

import (
	"fmt"
	"sync"

	"golang.org/x/exp/constraints"
)

// Rect is an axis-aligned canvas rectangle, half-open on the high edge
// ([X0,X1) x [Y0,Y1)), matching the tile/resolution/band/precinct/
// codeblock rectangles used throughout the codec.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Empty reports whether the rectangle covers zero area.
func (r Rect) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// Width and Height of the rectangle (zero if empty).
func (r Rect) Width() int  { return maxInt(0, r.X1-r.X0) }
func (r Rect) Height() int { return maxInt(0, r.Y1-r.Y0) }

// Intersect returns the overlap of r and o; the result is empty if they
// do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := maxInt(r.X0, o.X0), maxInt(r.Y0, o.Y0)
	x1, y1 := minInt(r.X1, o.X1), minInt(r.Y1, o.Y1)
	return Rect{x0, y0, x1, y1}
}

func minInt[T constraints.Integer](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxInt[T constraints.Integer](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// block is one fixed-size tile of the sparse grid. nil until first
// written.
type block struct {
	data []int32
}

// Canvas is a two-level block-tiled container of int32 samples over one
// sub-band's rectangle, addressed in the band's own coefficient
// coordinates (not the full-image canvas grid).
type Canvas struct {
	mu         sync.Mutex
	lbw, lbh   int // log2 block dimensions, each in [3,7]
	blockW     int // 1 << lbw
	blockH     int // 1 << lbh
	gridW      int // blocks across
	blocks     []*block
	bounds     Rect // the full addressable rectangle
}

// New creates a Canvas covering bounds, with blocks of size
// (1<<lbw, 1<<lbh). lbw and lbh must be in [3,7].
func New(bounds Rect, lbw, lbh int) (*Canvas, error) {
	if lbw < 3 || lbw > 7 || lbh < 3 || lbh > 7 {
		return nil, fmt.Errorf("canvas: block log2 dims out of [3,7]: (%d,%d)", lbw, lbh)
	}
	blockW, blockH := 1<<lbw, 1<<lbh
	w, h := bounds.Width(), bounds.Height()
	gridW := (w + blockW - 1) / blockW
	gridH := (h + blockH - 1) / blockH
	if gridW == 0 {
		gridW = 1
	}
	if gridH == 0 {
		gridH = 1
	}
	return &Canvas{
		lbw: lbw, lbh: lbh,
		blockW: blockW, blockH: blockH,
		gridW:  gridW,
		blocks: make([]*block, gridW*gridH),
		bounds: bounds,
	}, nil
}

// Bounds returns the rectangle this canvas addresses.
func (c *Canvas) Bounds() Rect { return c.bounds }

func (c *Canvas) blockIndex(gx, gy int) int { return gy*c.gridW + gx }

func (c *Canvas) blockOrigin(gx, gy int) (int, int) {
	return c.bounds.X0 + gx*c.blockW, c.bounds.Y0 + gy*c.blockH
}

// Alloc ensures every block intersecting window exists, zero-filling new
// blocks when zeroFill is true (new blocks are always zero-initialised by
// Go's make, so zeroFill only controls whether Alloc forces the
// allocation rather than deferring it to first Write).
func (c *Canvas) Alloc(window Rect, zeroFill bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := window.Intersect(c.bounds)
	if w.Empty() {
		return
	}
	c.forEachBlock(w, func(gx, gy int, _ Rect) {
		idx := c.blockIndex(gx, gy)
		if c.blocks[idx] == nil {
			c.blocks[idx] = &block{data: make([]int32, c.blockW*c.blockH)}
		}
	})
}

// Write stores src (row-major, strideCol/strideRow element strides) into
// window, allocating any block first touched.
func (c *Canvas) Write(window Rect, src []int32, strideCol, strideRow int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := window.Intersect(c.bounds)
	if w.Empty() {
		return
	}
	c.forEachBlock(w, func(gx, gy int, clip Rect) {
		idx := c.blockIndex(gx, gy)
		b := c.blocks[idx]
		if b == nil {
			b = &block{data: make([]int32, c.blockW*c.blockH)}
			c.blocks[idx] = b
		}
		bx0, by0 := c.blockOrigin(gx, gy)
		for y := clip.Y0; y < clip.Y1; y++ {
			srcRow := (y-window.Y0)*strideRow + (clip.X0-window.X0)*strideCol
			dstRow := (y - by0) * c.blockW
			for x := clip.X0; x < clip.X1; x++ {
				b.data[dstRow+(x-bx0)] = src[srcRow+(x-clip.X0)*strideCol]
			}
		}
	})
}

// Read copies window from the canvas into dest (row-major, strideCol/
// strideRow element strides). A block never written contributes zeros
// when forceReturnTrue is true; otherwise Read returns an error the
// first time it encounters an unwritten block, so callers that expect
// every block in window to already exist can detect a logic error
// instead of silently decoding garbage.
func (c *Canvas) Read(window Rect, dest []int32, strideCol, strideRow int, forceReturnTrue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := window.Intersect(c.bounds)
	if w.Empty() {
		return nil
	}
	var missErr error
	c.forEachBlock(w, func(gx, gy int, clip Rect) {
		if missErr != nil {
			return
		}
		idx := c.blockIndex(gx, gy)
		b := c.blocks[idx]
		bx0, by0 := c.blockOrigin(gx, gy)
		if b == nil {
			if !forceReturnTrue {
				missErr = fmt.Errorf("canvas: read of unwritten block at (%d,%d)", bx0, by0)
				return
			}
			for y := clip.Y0; y < clip.Y1; y++ {
				dstRow := (y-window.Y0)*strideRow + (clip.X0-window.X0)*strideCol
				for x := clip.X0; x < clip.X1; x++ {
					dest[dstRow+(x-clip.X0)*strideCol] = 0
				}
			}
			return
		}
		for y := clip.Y0; y < clip.Y1; y++ {
			srcRow := (y - by0) * c.blockW
			dstRow := (y-window.Y0)*strideRow + (clip.X0-window.X0)*strideCol
			for x := clip.X0; x < clip.X1; x++ {
				dest[dstRow+(x-clip.X0)*strideCol] = b.data[srcRow+(x-bx0)]
			}
		}
	})
	return missErr
}

// forEachBlock invokes fn once per block intersecting w, passing the
// block's grid coordinates and the portion of w clipped to that block.
func (c *Canvas) forEachBlock(w Rect, fn func(gx, gy int, clip Rect)) {
	gx0 := (w.X0 - c.bounds.X0) / c.blockW
	gy0 := (w.Y0 - c.bounds.Y0) / c.blockH
	gx1 := (w.X1 - 1 - c.bounds.X0) / c.blockW
	gy1 := (w.Y1 - 1 - c.bounds.Y0) / c.blockH
	for gy := gy0; gy <= gy1; gy++ {
		by0, by1 := c.blockOrigin(0, gy)
		_ = by0
		blockY0 := c.bounds.Y0 + gy*c.blockH
		blockY1 := blockY0 + c.blockH
		_ = by1
		for gx := gx0; gx <= gx1; gx++ {
			blockX0 := c.bounds.X0 + gx*c.blockW
			blockX1 := blockX0 + c.blockW
			clip := Rect{
				X0: maxInt(w.X0, blockX0), Y0: maxInt(w.Y0, blockY0),
				X1: minInt(w.X1, blockX1), Y1: minInt(w.Y1, blockY1),
			}
			if clip.Empty() {
				continue
			}
			fn(gx, gy, clip)
		}
	}
}

// DilateForLift returns window grown by f taps on every side and clamped
// to bounds, the neighbourhood a lifting step with filter length f needs
// to produce correct output across window (F=2 for 5/3, F=4 for 9/7, per
// the windowed inverse wavelet transform).
func (c *Canvas) DilateForLift(window Rect, f int) Rect {
	d := Rect{
		X0: window.X0 - f, Y0: window.Y0 - f,
		X1: window.X1 + f, Y1: window.Y1 + f,
	}
	return d.Intersect(c.bounds)
}
