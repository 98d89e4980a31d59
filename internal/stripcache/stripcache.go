// Package stripcache buffers decoded tile rows into horizontal strips
// and emits each strip to a user callback in increasing row order, even
// though tiles finish decoding in whatever order the scheduler's worker
// pool happens to complete them.
//
// This mirrors StripCache from the reference decoder: an image is
// divided into a fixed number of strips of nominal height, a strip is
// "ingested" once per contributing tile, and once every tile touching a
// strip has contributed, the strip is handed to the output callback.
// Because concurrent tile decode can finish strip 7 before strip 2, a
// min-heap holds completed-but-not-yet-emitted strips until their turn
// comes, so the callback only ever sees strips in index order.
package stripcache

import (
	"container/heap"
	"fmt"
	"sync"
)

// Strip is one horizontal band of the output image, packed row-major
// across every component at PackedRowBytes per row.
type Strip struct {
	Index  int
	Y0, Y1 int
	Data   []byte
}

// Callback receives strips strictly in increasing Index order.
type Callback func(s *Strip) error

// Cache accumulates per-tile contributions into strips and emits them
// in order via Callback.
type Cache struct {
	mu sync.Mutex

	nominalHeight int
	numStrips     int
	numTiles      int
	packedRowBytes int

	strips    []*stripState
	pool      *bufPool
	callback  Callback
	nextEmit  int
	pending   emitHeap
	firstErr  error
}

type stripState struct {
	strip        *Strip
	tilesArrived int
}

// New creates a Cache for an image of the given height, divided into
// numStrips strips of nominalHeight rows each (the last strip may be
// shorter), where numTiles tiles each contribute to one or more strips
// before a strip is considered complete. Completed strips are delivered
// to cb in increasing index order.
func New(numStrips, nominalHeight, numTiles, packedRowBytes int, cb Callback) *Cache {
	c := &Cache{
		nominalHeight:  nominalHeight,
		numStrips:      numStrips,
		numTiles:       numTiles,
		packedRowBytes: packedRowBytes,
		strips:         make([]*stripState, numStrips),
		pool:           newBufPool(),
		callback:       cb,
	}
	return c
}

// stripIndexForRow returns the strip index that row y (image-relative,
// 0-based) belongs to.
func (c *Cache) stripIndexForRow(y int) int {
	return y / c.nominalHeight
}

// Ingest records that one tile has contributed rows [y0, y1) of packed
// pixel data, handing buf (borrowed from the Cache's pool - callers
// should obtain scratch space via Borrow) to the strip covering those
// rows. Completed strips are delivered via the Callback as soon as they
// become the next one in order.
func (c *Cache) Ingest(y0, y1 int, data []byte) error {
	idx := c.stripIndexForRow(y0)
	c.mu.Lock()
	if c.firstErr != nil {
		err := c.firstErr
		c.mu.Unlock()
		return err
	}
	if idx < 0 || idx >= c.numStrips {
		c.mu.Unlock()
		return fmt.Errorf("stripcache: row %d maps to strip %d out of [0,%d)", y0, idx, c.numStrips)
	}
	st := c.strips[idx]
	if st == nil {
		st = &stripState{strip: &Strip{
			Index: idx,
			Y0:    idx * c.nominalHeight,
			Y1:    min(y1, idx*c.nominalHeight+c.nominalHeight),
			Data:  c.pool.get(c.nominalHeight * c.packedRowBytes),
		}}
		c.strips[idx] = st
	}
	off := (y0 - st.strip.Y0) * c.packedRowBytes
	copy(st.strip.Data[off:], data)
	st.tilesArrived++

	var ready []*Strip
	if st.tilesArrived >= c.numTiles {
		heap.Push(&c.pending, st.strip)
		c.strips[idx] = nil
	}
	for len(c.pending) > 0 && c.pending[0].Index == c.nextEmit {
		ready = append(ready, heap.Pop(&c.pending).(*Strip))
		c.nextEmit++
	}
	c.mu.Unlock()

	for _, s := range ready {
		if err := c.callback(s); err != nil {
			c.mu.Lock()
			c.firstErr = err
			c.mu.Unlock()
			return err
		}
		c.pool.put(s.Data)
	}
	return nil
}

// Borrow returns a scratch buffer of at least n bytes from the shared
// pool, for a caller assembling a tile's packed pixel data before
// calling Ingest.
func (c *Cache) Borrow(n int) []byte { return c.pool.get(n) }

// Return releases a buffer obtained from Borrow back to the pool once
// the caller no longer needs it (e.g. Ingest copied out of it).
func (c *Cache) Return(buf []byte) { c.pool.put(buf) }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// emitHeap orders pending strips by Index, smallest first.
type emitHeap []*Strip

func (h emitHeap) Len() int            { return len(h) }
func (h emitHeap) Less(i, j int) bool  { return h[i].Index < h[j].Index }
func (h emitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *emitHeap) Push(x interface{}) { *h = append(*h, x.(*Strip)) }
func (h *emitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// bufPool is a size-bucketed sync.Pool-backed allocator reused across
// strips so repeated decodes don't churn the garbage collector with
// full-strip-sized allocations.
type bufPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

func newBufPool() *bufPool {
	return &bufPool{pools: make(map[int]*sync.Pool)}
}

func (p *bufPool) get(n int) []byte {
	p.mu.Lock()
	sp, ok := p.pools[n]
	if !ok {
		sp = &sync.Pool{New: func() interface{} { return make([]byte, n) }}
		p.pools[n] = sp
	}
	p.mu.Unlock()
	buf := sp.Get().([]byte)
	if len(buf) < n {
		buf = make([]byte, n)
	}
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func (p *bufPool) put(buf []byte) {
	n := len(buf)
	p.mu.Lock()
	sp, ok := p.pools[n]
	p.mu.Unlock()
	if !ok {
		return
	}
	sp.Put(buf)
}
