package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockGeometry(t *testing.T) {
	cases := []struct {
		pieceLen   int64
		wantBlocks int
	}{
		{0, 0},
		{1, 1},
		{BlockLen, 1},
		{BlockLen + 1, 2},
		{BlockLen * 3, 3},
	}
	for _, c := range cases {
		assert.Equal(t, c.wantBlocks, NumBlocks(c.pieceLen))
	}

	assert.Equal(t, int64(BlockLen), BlockLenAt(BlockLen*3, 0))
	assert.Equal(t, int64(100), BlockLenAt(BlockLen*2+100, 2))
}

func TestPieceFileMapping(t *testing.T) {
	files := []FileSpan{
		{Path: "a", Length: 100, Offset: 0},
		{Path: "b", Length: 250, Offset: 100},
		{Path: "c", Length: 10, Offset: 350},
	}
	g := New(360, 128)

	var recovered int64
	for idx := 0; idx < g.NumPieces; idx++ {
		pieceLen := g.PieceLen(idx)
		spans := Intersect(files, int64(idx)*g.PieceLength, pieceLen)
		var sum int64
		for _, s := range spans {
			sum += s.Length
		}
		assert.Equal(t, pieceLen, sum, "piece %d span lengths must sum to piece length", idx)
		recovered += sum
	}
	assert.Equal(t, int64(360), recovered)
}

func TestLastPieceBounds(t *testing.T) {
	g := New(300, 128)
	assert.Equal(t, 3, g.NumPieces)
	assert.Equal(t, int64(44), g.PieceLen(2))
	assert.Greater(t, g.PieceLen(2), int64(0))
	assert.LessOrEqual(t, g.PieceLen(2), g.PieceLength)
}
