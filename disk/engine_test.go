package disk

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotorrent/geometry"
	"gotorrent/picker"
)

func TestEngineWriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(32 * 1024)
	fileLens := []int64{20000, 12000, 32768}
	var files []geometry.FileSpan
	var offset int64
	for i, l := range fileLens {
		files = append(files, geometry.FileSpan{Path: "part" + string(rune('0'+i)), Length: l, Offset: offset})
		offset += l
	}
	total := offset
	full := make([]byte, total)
	for i := range full {
		full[i] = byte(i * 7 % 256)
	}

	geom := geometry.New(total, pieceLen)
	hashes := make([][20]byte, geom.NumPieces)
	for idx := 0; idx < geom.NumPieces; idx++ {
		start := int64(idx) * pieceLen
		end := start + geom.PieceLen(idx)
		hashes[idx] = sha1.Sum(full[start:end])
	}

	notify := make(chan PieceWritten, geom.NumPieces)
	e := NewEngine(4)
	bf, err := e.AddTorrent("t1", "name", dir, files, true, hashes, geom, 10, notify)
	require.NoError(t, err)
	assert.Equal(t, 0, bf.Count())

	// Deliver every block of every piece, each piece's blocks out of order.
	// Files are not pre-allocated, so only writing every piece brings each
	// file to its declared length.
	for idx := 0; idx < geom.NumPieces; idx++ {
		pieceStart := int64(idx) * pieceLen
		pl := geom.PieceLen(idx)
		for i := geometry.NumBlocks(pl) - 1; i >= 0; i-- {
			start := pieceStart + int64(i)*geometry.BlockLen
			length := int(geometry.BlockLenAt(pl, i))
			e.WriteBlock("t1", picker.BlockInfo{PieceIdx: idx, Offset: i * geometry.BlockLen, Length: length}, full[start:start+int64(length)])
		}
	}

	written := make(map[int]bool)
	for n := 0; n < geom.NumPieces; n++ {
		select {
		case res := <-notify:
			written[res.Index] = true
			assert.True(t, res.Valid)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for PieceWritten")
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, written)

	// Verify file sizes on disk match declared lengths.
	for i, fl := range fileLens {
		path := filepath.Join(dir, "name", "part"+string(rune('0'+i)))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, fl, info.Size())
	}

	// Read back block 0 of piece 0 through the cache path.
	reply := make(chan BlockRead, 1)
	e.ReadBlock("t1", picker.BlockInfo{PieceIdx: 0, Offset: 0, Length: geometry.BlockLen}, reply)
	select {
	case br := <-reply:
		assert.Equal(t, full[:geometry.BlockLen], br.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BlockRead")
	}
}

func TestCheckExistingFilesDetectsPreVerifiedPieces(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(16384)
	data := make([]byte, pieceLen*2)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "solo"), data, 0644))

	files := []geometry.FileSpan{{Path: "solo", Length: int64(len(data)), Offset: 0}}
	geom := geometry.New(int64(len(data)), pieceLen)
	hashes := make([][20]byte, geom.NumPieces)
	for idx := 0; idx < geom.NumPieces; idx++ {
		start := int64(idx) * pieceLen
		hashes[idx] = sha1.Sum(data[start : start+geom.PieceLen(idx)])
	}

	e := NewEngine(2)
	bf, err := e.AddTorrent("t2", "solo-name", dir, files, false, hashes, geom, 10, make(chan PieceWritten, 4))
	require.NoError(t, err)
	assert.True(t, bf.Complete())
}

func TestWriteBlockDiscardsDuplicate(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(32 * 1024)
	data := make([]byte, pieceLen)
	geom := geometry.New(pieceLen, pieceLen)
	hashes := [][20]byte{sha1.Sum(data)}
	files := []geometry.FileSpan{{Path: "f", Length: pieceLen, Offset: 0}}

	notify := make(chan PieceWritten, 2)
	e := NewEngine(2)
	_, err := e.AddTorrent("t3", "n", dir, files, false, hashes, geom, 10, notify)
	require.NoError(t, err)

	e.WriteBlock("t3", picker.BlockInfo{PieceIdx: 0, Offset: 0, Length: geometry.BlockLen}, data[:geometry.BlockLen])
	// Re-deliver the same block; must not complete the piece a second time.
	e.WriteBlock("t3", picker.BlockInfo{PieceIdx: 0, Offset: 0, Length: geometry.BlockLen}, data[:geometry.BlockLen])
	e.WriteBlock("t3", picker.BlockInfo{PieceIdx: 0, Offset: geometry.BlockLen, Length: geometry.BlockLen}, data[geometry.BlockLen:])

	select {
	case res := <-notify:
		assert.True(t, res.Valid)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PieceWritten")
	}
	assert.Empty(t, notify)
}
