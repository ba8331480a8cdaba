// Package picker implements the rarest-first piece selection
// structure and per-piece block tracking of §4.5, shared by every
// peer session of a torrent under a single read-write lock.
package picker

import (
	"math/rand"
	"sync"

	"gotorrent/bitfield"
)

type pieceState struct {
	frequency int
	isPartial bool
}

// Picker is the torrent-wide shared selection structure: the upper
// layer (per-piece frequency/partial flags and the own bitfield) plus
// the lower layer (the live PartialPiece set). A single RWMutex
// guards both, released before any socket or disk I/O per §5.
type Picker struct {
	mu       sync.RWMutex
	pieces   []pieceState
	own      *bitfield.Bitfield
	partials map[int]*PartialPiece
	lengths  func(idx int) int64
}

// New builds a Picker for a torrent with n pieces. lengths supplies
// the byte length of a given piece index (geometry.Geometry.PieceLen).
func New(n int, lengths func(idx int) int64) *Picker {
	return &Picker{
		pieces:   make([]pieceState, n),
		own:      bitfield.New(n),
		partials: make(map[int]*PartialPiece),
		lengths:  lengths,
	}
}

// OwnBitfield returns a snapshot copy of the own bitfield.
func (p *Picker) OwnBitfield() *bitfield.Bitfield {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.own.Clone()
}

// HaveCount reports how many pieces are locally complete.
func (p *Picker) HaveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.own.Count()
}

// Have reports whether the own bitfield has piece idx.
func (p *Picker) Have(idx int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.own.Has(idx)
}

// Complete reports whether every piece is locally verified.
func (p *Picker) Complete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.own.Complete()
}

// IncrementPiece increases idx's advertised frequency by one (an
// inbound `have` message) and returns whether we already have it.
func (p *Picker) IncrementPiece(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pieces[idx].frequency++
	return p.own.Has(idx)
}

// DecrementPiece decreases idx's advertised frequency by one — used
// when a peer disconnects and its bitfield no longer counts.
func (p *Picker) DecrementPiece(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pieces[idx].frequency > 0 {
		p.pieces[idx].frequency--
	}
}

// BitfieldUpdate ORs a peer's bitfield into the frequency table and
// reports whether the peer has at least one piece we lack.
func (p *Picker) BitfieldUpdate(peerBF *bitfield.Bitfield) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	interesting := false
	for i := 0; i < len(p.pieces); i++ {
		if !peerBF.Has(i) {
			continue
		}
		p.pieces[i].frequency++
		if !p.own.Has(i) {
			interesting = true
		}
	}
	return interesting
}

// BitfieldRemove reverses BitfieldUpdate's frequency increments for a
// peer that has disconnected.
func (p *Picker) BitfieldRemove(peerBF *bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.pieces); i++ {
		if peerBF.Has(i) && p.pieces[i].frequency > 0 {
			p.pieces[i].frequency--
		}
	}
}

// ReceivedPiece marks idx as locally owned.
func (p *Picker) ReceivedPiece(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.own.Set(idx)
	delete(p.partials, idx)
}

// PickNewPiece selects the rarest piece the peer has that we neither
// own nor have already marked partial, breaking ties randomly among
// the least-frequent candidates, and marks it partial. Returns -1 if
// no such piece exists.
func (p *Picker) PickNewPiece(peerBF *bitfield.Bitfield) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickNewPieceLocked(peerBF)
}

// partialFor returns the PartialPiece for idx, creating it if absent.
// Caller must hold p.mu.
func (p *Picker) partialFor(idx int) *PartialPiece {
	pp, ok := p.partials[idx]
	if !ok {
		pp = NewPartialPiece(idx, p.lengths(idx))
		p.partials[idx] = pp
	}
	return pp
}

// FreeBlock resets a single outstanding block back to Free — used
// when a peer chokes us.
func (p *Picker) FreeBlock(info BlockInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.partials[info.PieceIdx]; ok {
		pp.FreeBlock(info)
	}
}

// FreeAllBlocks resets every block of idx to Free — used on hash
// verification failure — and clears its partial flag so it can be
// picked again.
func (p *Picker) FreeAllBlocks(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.partials[idx]; ok {
		pp.FreeAllBlocks()
	}
	p.pieces[idx].isPartial = false
}

// ReceivedBlock records an inbound block against its PartialPiece
// (creating it if this is the first block for the piece) and reports
// the block's prior state for duplicate detection. If the piece is
// now complete, the PartialPiece is returned (and removed from the
// picker) for the caller to hash and persist; otherwise the second
// return is nil.
func (p *Picker) ReceivedBlock(info BlockInfo, data []byte) (prior BlockState, complete *PartialPiece) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp := p.partialFor(info.PieceIdx)
	prior = pp.ReceivedBlock(info, data)
	if pp.Complete() {
		delete(p.partials, info.PieceIdx)
		return prior, pp
	}
	return prior, nil
}

// IsPartial reports whether idx is marked partial (a session already
// holds it, per §3's is_partial PiecePickerState field).
func (p *Picker) IsPartial(idx int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pieces[idx].isPartial
}

// PickBlocks implements the combined §4.5 pick_blocks: it drains
// blocks from PartialPieces the peer already has pieces in progress
// for, then pulls new pieces from the upper layer as needed, and
// finally enters end-game mode — re-requesting Requested blocks not
// already in outstanding — once every piece is partial.
func (p *Picker) PickBlocks(outstanding map[BlockInfo]struct{}, target int, peerBF *bitfield.Bitfield) []BlockInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := target - len(outstanding)
	if remaining <= 0 {
		return nil
	}

	var out []BlockInfo
	endGame := p.allPartialLocked()

	// Drain existing partials the peer has.
	for idx, pp := range p.partials {
		if len(out) >= remaining {
			break
		}
		if !peerBF.Has(idx) {
			continue
		}
		picked := pp.PickNextBlocks(remaining-len(out), outstanding, endGame)
		out = append(out, picked...)
	}

	// Pull new pieces from the upper layer until satisfied or exhausted.
	for len(out) < remaining {
		idx := p.pickNewPieceLocked(peerBF)
		if idx == -1 {
			break
		}
		pp := p.partialFor(idx)
		picked := pp.PickNextBlocks(remaining-len(out), outstanding, false)
		out = append(out, picked...)
	}

	if len(out) == 0 && endGame {
		// Every remaining piece is already partial; re-scan all partials
		// the peer has for duplicate-eligible blocks.
		for idx, pp := range p.partials {
			if len(out) >= remaining || !peerBF.Has(idx) {
				continue
			}
			out = append(out, pp.PickNextBlocks(remaining-len(out), outstanding, true)...)
		}
	}

	return out
}

// allPartialLocked reports whether every piece is either owned or
// already partial (the end-game trigger condition). Caller holds p.mu.
func (p *Picker) allPartialLocked() bool {
	for i, st := range p.pieces {
		if !p.own.Has(i) && !st.isPartial {
			return false
		}
	}
	return true
}

// pickNewPieceLocked is PickNewPiece's body, for callers already holding p.mu.
func (p *Picker) pickNewPieceLocked(peerBF *bitfield.Bitfield) int {
	best := -1
	var candidates []int
	for i, st := range p.pieces {
		if p.own.Has(i) || st.isPartial || st.frequency == 0 || !peerBF.Has(i) {
			continue
		}
		switch {
		case best == -1 || st.frequency < p.pieces[best].frequency:
			best = i
			candidates = []int{i}
		case st.frequency == p.pieces[best].frequency:
			candidates = append(candidates, i)
		}
	}
	if best == -1 {
		return -1
	}
	chosen := candidates[rand.Intn(len(candidates))]
	p.pieces[chosen].isPartial = true
	return chosen
}
