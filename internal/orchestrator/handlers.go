package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nilgrip/bitdl/internal/bitfield"
	"github.com/nilgrip/bitdl/internal/peerconn"
	"github.com/nilgrip/bitdl/internal/peerprotocol"
	"github.com/nilgrip/bitdl/internal/scheduler"
)

func (o *Orchestrator) handleMessage(ps *peerState, ev peerconn.Event) {
	msg := ev.Message
	switch msg.ID {
	case peerprotocol.Choke:
		ps.conn.PeerChoking = true
		// The peer won't service anything already in flight; return
		// those blocks to the requestable pool and clear the pipeline
		// so requestMore can refill it once unchoked.
		o.sched.CancelPeerRequests(ps.id)
		ps.outst = 0
	case peerprotocol.Unchoke:
		ps.conn.PeerChoking = false
		o.requestMore(ps)
	case peerprotocol.Interested:
		ps.conn.PeerInterested = true
	case peerprotocol.NotInterested:
		ps.conn.PeerInterested = false
	case peerprotocol.Have:
		ps.conn.ApplyHave(msg.Index, o.mi.NumPieces)
		o.sched.OnHave(ps.id, msg.Index)
		o.maybeExpressInterest(ps)
		o.requestMore(ps)
	case peerprotocol.Bitfield:
		bf, err := bitfield.NewFromBytes(msg.Data, o.mi.NumPieces)
		if err != nil {
			o.log.Warningln("peer", ps.conn, "sent invalid bitfield:", err)
			o.removePeer(ps)
			return
		}
		ps.conn.HasPieces = bf
		for i := uint32(0); i < o.mi.NumPieces; i++ {
			if bf.Test(i) {
				o.sched.OnHave(ps.id, i)
			}
		}
		o.maybeExpressInterest(ps)
		o.requestMore(ps)
	case peerprotocol.Request:
		// Download-only client: never holds data the remote doesn't
		// already have reason to request from a seeder, and never
		// unchokes anyone, so uploads are not served.
	case peerprotocol.Piece:
		o.onBlock(ps, msg)
	case peerprotocol.Cancel:
		// No outbound upload queue to cancel against.
	}
}

func (o *Orchestrator) maybeExpressInterest(ps *peerState) {
	if ps.conn.AmInterested {
		return
	}
	for i := uint32(0); i < o.mi.NumPieces; i++ {
		if o.sched.HasPiece(ps.id, i) {
			ps.conn.SendInterested()
			return
		}
	}
}

func (o *Orchestrator) requestMore(ps *peerState) {
	if ps.conn.PeerChoking {
		return
	}
	for ps.outst < o.cfg.PipelineDepth {
		index, begin, length, ok := o.sched.NextRequest(ps.id)
		if !ok {
			return
		}
		ps.conn.SendRequest(index, begin, length)
		ps.outst++
	}
}

func (o *Orchestrator) onBlock(ps *peerState, msg peerprotocol.Message) {
	ps.outst--
	if ps.outst < 0 {
		ps.outst = 0
	}
	res := o.sched.OnBlock(ps.id, msg.Index, msg.Begin, msg.Data)
	if !res.Accepted {
		o.requestMore(ps)
		return
	}
	o.downSpeed.Update(int64(len(msg.Data)))

	if res.Completed && res.Mismatched {
		if res.Fatal {
			o.log.Errorln("piece", msg.Index, "reached max hash-mismatch resets")
			o.fatalErr = fmt.Errorf("piece %d reached %d hash-mismatch resets", msg.Index, o.cfg.MaxPieceResets)
			return
		}
		o.requestMore(ps)
		return
	}
	if res.Completed {
		o.dispatchWrite(res.Write)
	}
	o.requestMore(ps)
}

// dispatchWrite hands a verified piece to the bounded disk worker
// pool. It never blocks the event loop: the semaphore acquire happens
// inside the spawned goroutine, not here.
func (o *Orchestrator) dispatchWrite(w scheduler.WriteRequest) {
	o.pendingWrites++
	go func() {
		ctx := context.Background()
		if err := o.diskSem.Acquire(ctx, 1); err != nil {
			o.writesC <- writeOutcome{index: w.Index, err: err}
			return
		}
		defer o.diskSem.Release(1)
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.limiter.WaitN(waitCtx, len(w.Data)); err != nil {
			o.writesC <- writeOutcome{index: w.Index, err: err}
			return
		}
		err := o.store.WriteAt(w.Offset, w.Data)
		o.writesC <- writeOutcome{index: w.Index, err: err}
	}()
}

func (o *Orchestrator) handleWriteOutcome(w writeOutcome) {
	o.pendingWrites--
	o.sched.FreePieceBuffer(w.Index)
	if w.err != nil {
		o.log.Errorln("writing piece", w.Index, "to disk:", w.err)
		// A piece that failed to write is still marked complete in the
		// scheduler, but its bytes never reached storage - the download
		// cannot be allowed to report success. Abort the whole run
		// rather than let Done()+pendingWrites==0 declare completion.
		o.fatalErr = fmt.Errorf("writing piece %d to disk: %w", w.Index, w.err)
		return
	}
	o.myBits.Set(w.Index)
	if o.resume != nil {
		if err := o.resume.Save(o.mi.InfoHash, o.sched.CompletedIndices()); err != nil {
			o.log.Warningln("saving resume cache:", err)
		}
	}
	for _, ps := range o.peers {
		ps.conn.SendHave(w.Index)
	}
}

func (o *Orchestrator) drainPeers() {
	for _, ps := range o.peers {
		ps.conn.Close()
	}
	o.peers = make(map[scheduler.PeerID]*peerState)
}
