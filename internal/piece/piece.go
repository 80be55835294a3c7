// Package piece defines the mutable in-flight piece and its
// fixed-size block request units.
package piece

import "crypto/sha1"

// BlockSize is the fixed request unit; the last block of the last
// piece may be shorter.
const BlockSize = 16 * 1024

// State is a piece's lifecycle stage.
type State int

const (
	Empty State = iota
	Downloading
	Complete
)

// Block identifies one request unit of a piece.
type Block struct {
	Begin  uint32
	Length uint32
}

// Piece is the mutable per-piece download state.
type Piece struct {
	Index  uint32
	Length int64 // nominal length; shorter only for the last piece
	Hash   [20]byte

	State State

	blocks    []Block
	requested []bool // per-block: currently assigned to some peer
	received  []bool // per-block arrival bitmap
	buf       []byte // allocated lazily on first block received
	resets    int
}

// New builds a Piece description; buf is not allocated until the
// first block arrives.
func New(index uint32, length int64, hash [20]byte) *Piece {
	p := &Piece{Index: index, Length: length, Hash: hash}
	p.blocks = blocksFor(length)
	p.requested = make([]bool, len(p.blocks))
	p.received = make([]bool, len(p.blocks))
	return p
}

func blocksFor(length int64) []Block {
	n := int(length / BlockSize)
	rem := length % BlockSize
	blocks := make([]Block, 0, n+1)
	var begin int64
	for i := 0; i < n; i++ {
		blocks = append(blocks, Block{Begin: uint32(begin), Length: BlockSize})
		begin += BlockSize
	}
	if rem > 0 {
		blocks = append(blocks, Block{Begin: uint32(begin), Length: uint32(rem)})
	}
	return blocks
}

// NumBlocks returns the number of blocks this piece is split into.
func (p *Piece) NumBlocks() int { return len(p.blocks) }

// NextRequestableBlock returns a block that is neither currently
// assigned to a peer nor received, and marks it assigned. Returns
// ok=false if every block is already assigned or received.
func (p *Piece) NextRequestableBlock() (Block, bool) {
	for i, b := range p.blocks {
		if !p.requested[i] && !p.received[i] {
			p.requested[i] = true
			return b, true
		}
	}
	return Block{}, false
}

// RequeueBlock returns a block to the requestable pool without
// touching any other block's state, e.g. when the peer it was
// assigned to chokes or disconnects before delivering it. A no-op if
// the block was already received or doesn't belong to this piece.
func (p *Piece) RequeueBlock(begin uint32) {
	for i, b := range p.blocks {
		if b.Begin == begin {
			if !p.received[i] {
				p.requested[i] = false
			}
			return
		}
	}
}

// AcceptBlock writes the arriving bytes at the given offset and marks
// that block received. It is the caller's responsibility (the
// scheduler) to have already confirmed the (index, offset) pair was
// pending. Returns whether this completes the piece's byte coverage
// (all blocks received) - hash verification is a separate step.
func (p *Piece) AcceptBlock(begin uint32, data []byte) bool {
	if p.buf == nil {
		p.buf = make([]byte, p.Length)
		p.State = Downloading
	}
	copy(p.buf[begin:], data)
	for i, b := range p.blocks {
		if b.Begin == begin {
			p.received[i] = true
			p.requested[i] = true
			break
		}
	}
	return p.allReceived()
}

func (p *Piece) allReceived() bool {
	for _, r := range p.received {
		if !r {
			return false
		}
	}
	return true
}

// VerifyAndComplete hashes the assembled buffer and, on match, marks
// the piece Complete and returns its bytes. On mismatch it resets the
// piece to Empty (clearing the buffer and bitmap) and returns ok=false.
func (p *Piece) VerifyAndComplete() (data []byte, ok bool) {
	sum := sha1.Sum(p.buf)
	if sum != p.Hash {
		p.reset()
		return nil, false
	}
	p.State = Complete
	data = p.buf
	return data, true
}

// FreeBuffer releases the piece buffer after a successful write; the
// completion flag (State == Complete) persists.
func (p *Piece) FreeBuffer() {
	p.buf = nil
}

func (p *Piece) reset() {
	p.resets++
	p.State = Empty
	p.buf = nil
	for i := range p.received {
		p.received[i] = false
		p.requested[i] = false
	}
}

// Resets returns how many times this piece has failed hash
// verification and been reset.
func (p *Piece) Resets() int { return p.resets }

// SetComplete marks a piece Complete without going through the normal
// download path - used when on-disk verification at startup already
// found the piece's bytes match the expected hash.
func (p *Piece) SetComplete() {
	p.State = Complete
	p.buf = nil
	for i := range p.received {
		p.received[i] = true
		p.requested[i] = true
	}
}
