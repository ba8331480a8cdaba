// Package bitfield implements the N-bit, MSB-first-per-byte piece
// bitfield used for both the own bitfield and each peer's advertised
// bitfield (§3). Bit storage is backed by willf/bitset; only the wire
// Marshal/Unmarshal boundary does explicit byte-level MSB packing,
// since the wire layout is a protocol contract but the in-memory bit
// order is not.
package bitfield

import "github.com/willf/bitset"

// Bitfield tracks N bits of piece ownership/availability.
type Bitfield struct {
	n    int
	bits *bitset.BitSet
}

// New allocates a Bitfield of n bits, all clear.
func New(n int) *Bitfield {
	return &Bitfield{n: n, bits: bitset.New(uint(maxUint(n, 1)))}
}

func maxUint(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Len returns the number of pieces this bitfield tracks.
func (b *Bitfield) Len() int { return b.n }

// Has reports whether bit i is set. Out-of-range indices are always false.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits.Test(uint(i))
}

// Set sets bit i. Setting an already-set bit is a no-op (idempotent).
func (b *Bitfield) Set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits.Set(uint(i))
}

// Clear clears bit i.
func (b *Bitfield) Clear(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits.Clear(uint(i))
}

// Count returns the number of set bits.
func (b *Bitfield) Count() int { return int(b.bits.Count()) }

// Complete reports whether every one of the n bits is set.
func (b *Bitfield) Complete() bool { return b.n > 0 && b.Count() == b.n }

// Marshal packs the bitfield into ceil(n/8) bytes, MSB-first within
// each byte, with zeroed trailing pad bits — the exact wire layout of
// a BEP 3 bitfield message payload.
func (b *Bitfield) Marshal() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.Has(i) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// Unmarshal builds a Bitfield of n bits from a raw MSB-first wire
// payload. Per the spec's §9 open question, bits beyond n (including
// dangling bits in the final byte) are truncated rather than
// rejected, and a payload shorter than ceil(n/8) bytes simply leaves
// the unrepresented trailing bits clear.
func Unmarshal(raw []byte, n int) *Bitfield {
	bf := New(n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		if raw[byteIdx]&(1<<uint(7-i%8)) != 0 {
			bf.Set(i)
		}
	}
	return bf
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	out := New(b.n)
	out.bits = b.bits.Clone()
	return out
}
