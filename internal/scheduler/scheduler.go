// Package scheduler implements the piece/block request planner: it
// tracks which peers have which pieces, which pieces are in flight,
// and which are finished and verified, and hands out the next block
// to request for a given peer. All mutation happens on the
// orchestrator's single event-loop goroutine; the scheduler itself
// does no locking.
package scheduler

import (
	"crypto/sha1"
	"sort"

	"github.com/nilgrip/bitdl/internal/logger"
	"github.com/nilgrip/bitdl/internal/metainfo"
	"github.com/nilgrip/bitdl/internal/piece"
)

// PeerID is an opaque handle a peer connection is addressed by. The
// scheduler never holds a reference to a peer connection itself -
// only this id - so peer and scheduler lifetimes don't need to
// reference each other directly.
type PeerID uint64

// Request identifies one outstanding (piece, offset) request.
type Request struct {
	Index uint32
	Begin uint32
}

// WriteRequest is handed to the file writer once a piece is verified.
type WriteRequest struct {
	Index  uint32
	Offset int64
	Data   []byte
}

// Scheduler is the piece/block request planner: it tracks which piece
// each peer has, which pieces are in flight, and hands out the next
// block to request.
type Scheduler struct {
	mi *metainfo.Metainfo
	log logger.Logger

	pieces []*piece.Piece

	piecePeers  []map[PeerID]struct{} // piece index -> peers known to have it
	downloading map[uint32]*piece.Piece
	completed   map[uint32]struct{}

	pending        map[Request]PeerID
	pendingByPeer  map[PeerID]map[Request]struct{}

	maxResets int
}

// New builds a Scheduler for all pieces described by mi. Pieces
// already marked complete by pre-download on-disk verification should
// be passed in completedAtStart.
func New(mi *metainfo.Metainfo, maxResets int, completedAtStart map[uint32]bool, log logger.Logger) *Scheduler {
	s := &Scheduler{
		mi:            mi,
		log:           log,
		pieces:        make([]*piece.Piece, mi.NumPieces),
		piecePeers:    make([]map[PeerID]struct{}, mi.NumPieces),
		downloading:   make(map[uint32]*piece.Piece),
		completed:     make(map[uint32]struct{}),
		pending:       make(map[Request]PeerID),
		pendingByPeer: make(map[PeerID]map[Request]struct{}),
		maxResets:     maxResets,
	}
	for i := uint32(0); i < mi.NumPieces; i++ {
		s.pieces[i] = piece.New(i, mi.PieceLengthFor(i), mi.PieceHashes[i])
		s.piecePeers[i] = make(map[PeerID]struct{})
		if completedAtStart[i] {
			s.pieces[i].SetComplete()
			s.completed[i] = struct{}{}
		}
	}
	return s
}

// NumPieces returns the total piece count.
func (s *Scheduler) NumPieces() uint32 { return uint32(len(s.pieces)) }

// Done reports whether every piece is complete and verified.
func (s *Scheduler) Done() bool { return len(s.completed) == len(s.pieces) }

// CompletedCount returns how many pieces are verified complete.
func (s *Scheduler) CompletedCount() int { return len(s.completed) }

// BytesLeft returns the number of bytes remaining across
// not-yet-complete pieces, the figure reported to the tracker as
// "left".
func (s *Scheduler) BytesLeft() int64 {
	var left int64
	for _, p := range s.pieces {
		if p.State != piece.Complete {
			left += p.Length
		}
	}
	return left
}

// OnBitfield records that peer p claims every piece index i in
// 0..NumPieces-1 for which has(i) reports true (caller-decoded).
func (s *Scheduler) OnBitfield(p PeerID, has func(i uint32) bool) {
	for i := range s.pieces {
		if has(uint32(i)) {
			s.piecePeers[i][p] = struct{}{}
		}
	}
}

// OnHave records that peer p now claims piece index.
func (s *Scheduler) OnHave(p PeerID, index uint32) {
	if int(index) >= len(s.pieces) {
		return
	}
	s.piecePeers[index][p] = struct{}{}
}

// RemovePeer drops all bookkeeping for a disconnected peer: its
// availability entries and any outstanding requests. Any block that
// was in flight to p is returned to the requestable pool so another
// peer (or p itself, if it later reconnects) can pick it up.
func (s *Scheduler) RemovePeer(p PeerID) {
	for _, peers := range s.piecePeers {
		delete(peers, p)
	}
	s.CancelPeerRequests(p)
	delete(s.pendingByPeer, p)
}

// CancelPeerRequests cancels every outstanding request owned by peer
// p without touching its piece-availability bookkeeping, e.g. when p
// chokes us: it won't service any request already sent, so each block
// is returned to the requestable pool and p keeps a clean pipeline to
// refill once it unchokes.
func (s *Scheduler) CancelPeerRequests(p PeerID) {
	for req := range s.pendingByPeer[p] {
		delete(s.pending, req)
		if pc, ok := s.downloading[req.Index]; ok {
			pc.RequeueBlock(req.Begin)
		}
	}
	s.pendingByPeer[p] = make(map[Request]struct{})
}

// HasPiece reports whether peer p is known (via bitfield/have) to hold
// piece index - used by a peer connection to decide interest.
func (s *Scheduler) HasPiece(p PeerID, index uint32) bool {
	if int(index) >= len(s.piecePeers) {
		return false
	}
	_, ok := s.piecePeers[index][p]
	return ok
}

// NextRequest selects the next block to request from peer p: continue
// an in-progress piece p can supply before starting a new one. Returns
// ok=false when there is nothing requestable from this peer right now.
func (s *Scheduler) NextRequest(p PeerID) (index uint32, begin uint32, length uint32, ok bool) {
	// Step 1: continue the lowest-index piece already downloading that p has.
	var keys []uint32
	for idx := range s.downloading {
		keys = append(keys, idx)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, idx := range keys {
		if _, has := s.piecePeers[idx][p]; !has {
			continue
		}
		pc := s.downloading[idx]
		if b, ok := pc.NextRequestableBlock(); ok {
			req := Request{Index: idx, Begin: b.Begin}
			s.markPending(p, req)
			return idx, b.Begin, b.Length, true
		}
	}

	// Step 2: start the lowest-index piece p has that isn't downloaded or downloading.
	var candidates []uint32
	for idx := range s.piecePeers {
		if _, has := s.piecePeers[idx][p]; !has {
			continue
		}
		if _, done := s.completed[uint32(idx)]; done {
			continue
		}
		if _, inProgress := s.downloading[uint32(idx)]; inProgress {
			continue
		}
		candidates = append(candidates, uint32(idx))
	}
	if len(candidates) == 0 {
		return 0, 0, 0, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	idx := candidates[0]
	pc := s.pieces[idx]
	s.downloading[idx] = pc
	b, ok := pc.NextRequestableBlock()
	if !ok {
		// Zero-block piece is impossible (length > 0 guaranteed by metainfo), but
		// guard defensively rather than panic.
		delete(s.downloading, idx)
		return 0, 0, 0, false
	}
	req := Request{Index: idx, Begin: b.Begin}
	s.markPending(p, req)
	return idx, b.Begin, b.Length, true
}

func (s *Scheduler) markPending(p PeerID, req Request) {
	s.pending[req] = p
	if s.pendingByPeer[p] == nil {
		s.pendingByPeer[p] = make(map[Request]struct{})
	}
	s.pendingByPeer[p][req] = struct{}{}
}

// CancelRequest removes a single request from the pending set and
// returns its block to the requestable pool, without marking any
// block data received, e.g. after a Cancel message or a per-request
// timeout.
func (s *Scheduler) CancelRequest(p PeerID, index, begin uint32) {
	req := Request{Index: index, Begin: begin}
	if owner, ok := s.pending[req]; ok && owner == p {
		delete(s.pending, req)
		delete(s.pendingByPeer[p], req)
		if pc, ok := s.downloading[index]; ok {
			pc.RequeueBlock(begin)
		}
	}
}

// PendingCount returns the number of outstanding requests across all peers.
func (s *Scheduler) PendingCount() int { return len(s.pending) }

// BlockResult is returned by OnBlock describing what happened.
type BlockResult struct {
	Accepted   bool // false means the block was a late/duplicate arrival and was dropped
	Completed  bool // true if this block completed and verified the piece
	Mismatched bool // true if completing the piece failed hash verification
	Fatal      bool // true once the piece's reset count has reached maxResets (never when maxResets is zero)
	Write      WriteRequest
}

// OnBlock processes an arriving piece message from peer p.
func (s *Scheduler) OnBlock(p PeerID, index, begin uint32, data []byte) BlockResult {
	req := Request{Index: index, Begin: begin}
	owner, ok := s.pending[req]
	if !ok || owner != p {
		return BlockResult{Accepted: false}
	}
	delete(s.pending, req)
	delete(s.pendingByPeer[p], req)

	pc, ok := s.downloading[index]
	if !ok {
		// Piece finished or was reset by a concurrent verification failure
		// between request and arrival; drop it.
		return BlockResult{Accepted: false}
	}
	complete := pc.AcceptBlock(begin, data)
	if !complete {
		return BlockResult{Accepted: true}
	}

	bytesOut, ok := pc.VerifyAndComplete()
	if !ok {
		s.log.Warningln("hash mismatch for piece", index, "resets:", pc.Resets())
		fatal := s.maxResets > 0 && pc.Resets() >= s.maxResets
		if !fatal {
			delete(s.downloading, index)
			// piece.reset() already cleared its per-block state; it
			// becomes requestable again the next time a peer is asked.
		}
		return BlockResult{Accepted: true, Completed: true, Mismatched: true, Fatal: fatal}
	}

	delete(s.downloading, index)
	s.completed[index] = struct{}{}
	offset := int64(index) * s.mi.PieceLength
	return BlockResult{
		Accepted:  true,
		Completed: true,
		Write:     WriteRequest{Index: index, Offset: offset, Data: bytesOut},
	}
}

// FreePieceBuffer releases the verified piece's memory once the
// writer has finished with it.
func (s *Scheduler) FreePieceBuffer(index uint32) {
	s.pieces[index].FreeBuffer()
}

// VerifySum is exposed so callers (e.g. a resume-time scan) can check
// an assembled buffer's hash without going through the request path.
func VerifySum(data []byte, want [20]byte) bool {
	return sha1.Sum(data) == want
}

// CompletedIndices returns a sorted snapshot of verified piece indices.
func (s *Scheduler) CompletedIndices() []uint32 {
	out := make([]uint32, 0, len(s.completed))
	for i := range s.completed {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
