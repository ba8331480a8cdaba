package picker

import "gotorrent/geometry"

// PartialPiece tracks per-block state and the dense write buffer for
// one piece that has at least one block in flight or received. The
// picker creates it when the piece is first picked for requesting (or
// on the first inbound block if none exists yet) and removes it from
// its map once every block has been received.
type PartialPiece struct {
	Idx    int
	Length int64
	Blocks []BlockState
	Buf    []byte
	nRecv  int
}

// NewPartialPiece allocates a PartialPiece for a piece of the given length.
func NewPartialPiece(idx int, length int64) *PartialPiece {
	return &PartialPiece{
		Idx:    idx,
		Length: length,
		Blocks: make([]BlockState, geometry.NumBlocks(length)),
		Buf:    make([]byte, length),
	}
}

// Complete reports whether every block has been received.
func (p *PartialPiece) Complete() bool { return p.nRecv == len(p.Blocks) }

// blockLen returns the length of block i within this piece.
func (p *PartialPiece) blockLen(i int) int64 { return geometry.BlockLenAt(p.Length, i) }

// blockOffset returns the byte offset within the piece of block i.
func (p *PartialPiece) blockOffset(i int) int64 { return int64(i) * geometry.BlockLen }

// PickNextBlocks selects up to n blocks to request next. In normal
// mode it only emits Free blocks (marking them Requested). In
// end-game mode it additionally re-emits Requested blocks that are
// not already present in prev, so the same block can be requested
// from more than one peer to avoid stalling on the last few blocks.
func (p *PartialPiece) PickNextBlocks(n int, prev map[BlockInfo]struct{}, endGame bool) []BlockInfo {
	var out []BlockInfo
	for i := 0; i < len(p.Blocks) && len(out) < n; i++ {
		switch p.Blocks[i] {
		case Free:
			p.Blocks[i] = Requested
			out = append(out, p.blockInfo(i))
		case Requested:
			if !endGame {
				continue
			}
			info := p.blockInfo(i)
			if _, dup := prev[info]; dup {
				continue
			}
			out = append(out, info)
		}
	}
	return out
}

func (p *PartialPiece) blockInfo(i int) BlockInfo {
	return BlockInfo{PieceIdx: p.Idx, Offset: int(p.blockOffset(i)), Length: int(p.blockLen(i))}
}

func (p *PartialPiece) blockIndex(info BlockInfo) int {
	return info.Offset / geometry.BlockLen
}

// FreeBlock resets a Requested block back to Free — used when a peer
// chokes us or a request is otherwise cancelled.
func (p *PartialPiece) FreeBlock(info BlockInfo) {
	i := p.blockIndex(info)
	if i < 0 || i >= len(p.Blocks) {
		return
	}
	if p.Blocks[i] == Requested {
		p.Blocks[i] = Free
	}
}

// FreeAllBlocks resets every block to Free — used on hash-verification failure.
func (p *PartialPiece) FreeAllBlocks() {
	for i := range p.Blocks {
		p.Blocks[i] = Free
	}
	p.nRecv = 0
}

// ReceivedBlock copies data into the piece buffer and marks the block
// Received, returning the state the block held before this call so
// the caller can detect duplicate delivery.
func (p *PartialPiece) ReceivedBlock(info BlockInfo, data []byte) BlockState {
	i := p.blockIndex(info)
	if i < 0 || i >= len(p.Blocks) {
		return Received
	}
	prev := p.Blocks[i]
	if prev != Received {
		copy(p.Buf[info.Offset:info.Offset+info.Length], data)
		p.Blocks[i] = Received
		p.nRecv++
	}
	return prev
}
