// Package geometry computes piece and block geometry — piece count,
// per-piece length, block counts, and the intersection of pieces with
// the flat byte space of a torrent's files — per spec §3/§8.
package geometry

// BlockLen is the fixed block size used for all request/piece wire
// messages (16 KiB, §3).
const BlockLen = 16 * 1024

// Geometry derives every piece-length and block-count fact from the
// torrent's total length and declared piece length.
type Geometry struct {
	TotalLength int64
	PieceLength int64
	NumPieces   int
}

// New builds a Geometry, computing NumPieces = ceil(totalLength/pieceLength).
func New(totalLength, pieceLength int64) Geometry {
	n := int((totalLength + pieceLength - 1) / pieceLength)
	if totalLength == 0 {
		n = 0
	}
	return Geometry{TotalLength: totalLength, PieceLength: pieceLength, NumPieces: n}
}

// PieceLen returns the length of piece idx: PieceLength for every
// piece but the last, which may be shorter.
func (g Geometry) PieceLen(idx int) int64 {
	if idx == g.NumPieces-1 {
		last := g.TotalLength - int64(idx)*g.PieceLength
		if last > 0 {
			return last
		}
	}
	return g.PieceLength
}

// NumBlocks returns ceil(pieceLen/BlockLen); NumBlocks(0) == 0.
func NumBlocks(pieceLen int64) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + BlockLen - 1) / BlockLen)
}

// BlockLenAt returns min(BlockLen, pieceLen - i*BlockLen), the length
// of block i within a piece of length pieceLen. The last block of a
// piece may be shorter than BlockLen.
func BlockLenAt(pieceLen int64, i int) int64 {
	remaining := pieceLen - int64(i)*BlockLen
	if remaining > BlockLen {
		return BlockLen
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FileSpan is a (path, length, offset) tile of the torrent's flat byte
// space, in declaration order.
type FileSpan struct {
	Path   string
	Length int64
	Offset int64
}

// End returns the exclusive end offset of the span in the flat byte space.
func (f FileSpan) End() int64 { return f.Offset + f.Length }

// PieceSpan describes the portion of a FileSpan a given piece
// intersects: byte range [FileStart, FileStart+Length) relative to the
// start of that file.
type PieceSpan struct {
	FileIndex int
	FileStart int64 // offset within the file
	Length    int64
}

// Intersect returns, in file order, the spans a piece at byte extent
// [pieceOffset, pieceOffset+pieceLen) overlaps across files. The sum
// of returned Lengths always equals pieceLen for a well-formed file
// list (§8's piece<->file testable property).
func Intersect(files []FileSpan, pieceOffset, pieceLen int64) []PieceSpan {
	pieceEnd := pieceOffset + pieceLen
	var out []PieceSpan
	for i, f := range files {
		start := max64(pieceOffset, f.Offset)
		end := min64(pieceEnd, f.End())
		if start >= end {
			continue
		}
		out = append(out, PieceSpan{
			FileIndex: i,
			FileStart: start - f.Offset,
			Length:    end - start,
		})
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
