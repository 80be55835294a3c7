// Package bitfield adapts willf/bitset to BitTorrent's bit order: bit
// index 0 is the most-significant bit of byte 0, per BEP 3.
package bitfield

import "github.com/willf/bitset"

// Bitfield tracks which piece indices are present.
type Bitfield struct {
	set *bitset.BitSet
	len uint32
}

// New returns an empty Bitfield sized for n pieces.
func New(n uint32) *Bitfield {
	return &Bitfield{set: bitset.New(uint(n)), len: n}
}

// NewFromBytes parses a wire-format bitfield payload (MSB-first
// packed bits) sized for n pieces. It rejects payloads whose length is
// not exactly ceil(n/8) bytes or with any of the unused trailing bits
// set.
func NewFromBytes(b []byte, n uint32) (*Bitfield, error) {
	want := int((n + 7) / 8)
	if len(b) != want {
		return nil, errShortBitfield
	}
	bf := New(n)
	for i := uint32(0); i < n; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if b[byteIdx]&(1<<bitIdx) != 0 {
			bf.Set(i)
		}
	}
	// Any set bit beyond the declared piece count is a protocol
	// violation; check the padding bits of the final byte.
	if n%8 != 0 {
		last := b[want-1]
		padMask := byte(1<<(8-n%8)) - 1
		if last&padMask != 0 {
			return nil, errPaddingBitsSet
		}
	}
	return bf, nil
}

func (bf *Bitfield) Len() uint32 { return bf.len }

func (bf *Bitfield) Set(i uint32)   { bf.set.Set(uint(i)) }
func (bf *Bitfield) Clear(i uint32) { bf.set.Clear(uint(i)) }
func (bf *Bitfield) Test(i uint32) bool {
	if i >= bf.len {
		return false
	}
	return bf.set.Test(uint(i))
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() uint32 { return uint32(bf.set.Count()) }

// All reports whether every bit up to Len is set.
func (bf *Bitfield) All() bool { return bf.Count() == bf.len }

// Bytes packs the bitfield into BEP-3 wire format.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.len+7)/8)
	for i := uint32(0); i < bf.len; i++ {
		if bf.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

type bitfieldError string

func (e bitfieldError) Error() string { return string(e) }

const (
	errShortBitfield  = bitfieldError("bitfield payload length does not match piece count")
	errPaddingBitsSet = bitfieldError("bitfield has set bits beyond the declared piece count")
)
