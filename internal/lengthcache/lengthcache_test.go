package lengthcache

import (
	"testing"

	"github.com/quillj2k/jpeg2000/internal/codestream"
	"github.com/stretchr/testify/require"
)

func TestBuildTileIndexComputesOffsets(t *testing.T) {
	idx := BuildTileIndex([]codestream.TileLength{
		{TileIndex: 0, Length: 100},
		{TileIndex: 1, Length: 200},
		{TileIndex: 2, Length: 50},
	}, 1000)
	require.True(t, idx.Available)

	e0, ok := idx.Lookup(0)
	require.True(t, ok)
	require.Equal(t, int64(1000), e0.Offset)

	e1, ok := idx.Lookup(1)
	require.True(t, ok)
	require.Equal(t, int64(1100), e1.Offset)

	e2, ok := idx.Lookup(2)
	require.True(t, ok)
	require.Equal(t, int64(1300), e2.Offset)
}

func TestBuildTileIndexEmpty(t *testing.T) {
	idx := BuildTileIndex(nil, 0)
	require.False(t, idx.Available)
	_, ok := idx.Lookup(0)
	require.False(t, ok)
}

func TestBuildTileIndexRejectsDuplicates(t *testing.T) {
	idx := BuildTileIndex([]codestream.TileLength{
		{TileIndex: 0, Length: 100},
		{TileIndex: 0, Length: 200},
	}, 0)
	require.False(t, idx.Available)
}

func TestPacketIndexOffsets(t *testing.T) {
	p := BuildPacketIndex([]uint32{10, 20, 30})
	require.True(t, p.Available)
	require.Equal(t, 3, p.Count())

	off, length, ok := p.Offset(1)
	require.True(t, ok)
	require.Equal(t, int64(10), off)
	require.Equal(t, uint32(20), length)

	require.Equal(t, int64(60), p.TotalLength())
	require.NoError(t, p.Validate(60))
	require.Error(t, p.Validate(61))
}

func TestPacketIndexOutOfRange(t *testing.T) {
	p := BuildPacketIndex([]uint32{5})
	_, _, ok := p.Offset(5)
	require.False(t, ok)
}
