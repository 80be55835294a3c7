// Package orchestrator ties the metainfo, scheduler, tracker, peer
// connection, and storage layers together into one download. It runs
// a single cooperative event loop, dispatching disk writes to a small
// bounded worker pool so the loop itself never blocks on I/O.
package orchestrator

import (
	"context"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nilgrip/bitdl/internal/bitfield"
	"github.com/nilgrip/bitdl/internal/config"
	"github.com/nilgrip/bitdl/internal/logger"
	"github.com/nilgrip/bitdl/internal/metainfo"
	"github.com/nilgrip/bitdl/internal/peerconn"
	"github.com/nilgrip/bitdl/internal/ratelimit"
	"github.com/nilgrip/bitdl/internal/resumecache"
	"github.com/nilgrip/bitdl/internal/scheduler"
	"github.com/nilgrip/bitdl/internal/storage"
	"github.com/nilgrip/bitdl/internal/tracker"
)

// Status is the download's lifecycle stage.
type Status int

const (
	Running Status = iota
	Stopping
	Stopped
	Completed
)

type peerState struct {
	conn  *peerconn.Conn
	id    scheduler.PeerID
	outst int // outstanding (pipelined) requests
}

// Orchestrator drives one torrent's download from start to completion
// or cancellation.
type Orchestrator struct {
	cfg *config.Config
	mi  *metainfo.Metainfo
	id  string // correlates this run's log lines across components
	log logger.Logger

	store     *storage.FileStorage
	sched     *scheduler.Scheduler
	announcer *tracker.Announcer
	resume    *resumecache.Cache
	limiter   *ratelimit.Limiter

	peerID [20]byte
	myBits *bitfield.Bitfield

	port     int
	localIPs map[string]struct{} // this host's interface addresses, for candidate dedup

	peers       map[scheduler.PeerID]*peerState
	nextPeerID  scheduler.PeerID
	candidatesC chan tracker.PeerInfo
	connResultC chan dialResult
	peerEventC  chan peerEvent

	diskSem  *semaphore.Weighted
	writesC  chan writeOutcome

	downSpeed *speedCounter

	startedAt     time.Time
	status        Status
	pendingWrites int
	fatalErr      error // set by a failed disk write or a piece reaching its reset limit; aborts the event loop

	stopC    chan struct{}
	stoppedC chan struct{}

	statsReqC chan chan Stats
}

type dialResult struct {
	addr string
	conn *peerconn.Conn
	err  error
}

type peerEvent struct {
	id  scheduler.PeerID
	ev  peerconn.Event
}

type writeOutcome struct {
	index uint32
	err   error
}

// New builds an Orchestrator for one torrent. dest is the destination
// directory/file path per the metainfo layout; resume may be nil to
// disable the resume cache.
func New(cfg *config.Config, mi *metainfo.Metainfo, dest string, peerID [20]byte, resume *resumecache.Cache, log logger.Logger) (*Orchestrator, error) {
	runID := uuid.NewV4().String()
	log = log.With(map[string]interface{}{"download_id": runID})

	store := storage.New(dest, mi.Files)

	completedAtStart := map[uint32]bool{}
	if resume != nil {
		cached, err := resume.Load(mi.InfoHash)
		if err != nil {
			log.Warningln("resume cache load failed, falling back to full verification:", err)
		} else {
			completedAtStart = verifyAgainstDisk(store, mi, cached, log)
		}
	}

	sched := scheduler.New(mi, cfg.MaxPieceResets, completedAtStart, log)

	o := &Orchestrator{
		cfg:         cfg,
		mi:          mi,
		id:          runID,
		log:         log,
		store:       store,
		sched:       sched,
		resume:      resume,
		limiter:     ratelimit.New(cfg.DownloadRateLimit),
		peerID:      peerID,
		myBits:      bitfieldFromCompleted(mi.NumPieces, sched.CompletedIndices()),
		peers:       make(map[scheduler.PeerID]*peerState),
		candidatesC: make(chan tracker.PeerInfo, cfg.PeerQueueSize),
		connResultC: make(chan dialResult, cfg.PeerPoolSize),
		peerEventC:  make(chan peerEvent, 256),
		diskSem:     semaphore.NewWeighted(int64(cfg.DiskWorkers)),
		writesC:     make(chan writeOutcome, cfg.DiskWorkers),
		downSpeed:   newSpeedCounter(),
		stopC:       make(chan struct{}),
		stoppedC:    make(chan struct{}),
		statsReqC:   make(chan chan Stats),
	}
	return o, nil
}

// verifyAgainstDisk hashes each piece the resume cache claims is
// complete to confirm it still matches; pieces that fail fall back to
// full re-download via the scheduler's normal path.
func verifyAgainstDisk(store *storage.FileStorage, mi *metainfo.Metainfo, cached map[uint32]bool, log logger.Logger) map[uint32]bool {
	confirmed := make(map[uint32]bool, len(cached))
	for idx := range cached {
		length := mi.PieceLengthFor(idx)
		buf := make([]byte, length)
		offset := int64(idx) * mi.PieceLength
		if err := store.ReadAt(offset, buf); err != nil {
			continue
		}
		if scheduler.VerifySum(buf, mi.PieceHashes[idx]) {
			confirmed[idx] = true
		} else {
			log.Warningln("resume cache piece", idx, "failed re-verification, will re-download")
		}
	}
	return confirmed
}

func bitfieldFromCompleted(n uint32, completed []uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for _, idx := range completed {
		bf.Set(idx)
	}
	return bf
}

// Run builds the tracker session, starts the announce loop, and runs
// the event loop until the download completes or ctx/Stop cancels it.
// It blocks until the download finishes and returns the terminal
// error, if any.
func (o *Orchestrator) Run(ctx context.Context, client *tracker.Client, announceURLs [][]string, port int) error {
	o.startedAt = time.Now()
	o.port = port
	o.localIPs = localInterfaceIPs(o.log)
	sess := tracker.Session{
		InfoHash:        o.mi.InfoHash,
		PeerID:          o.peerID,
		Port:            port,
		BytesLeft:       o.sched.BytesLeft(),
		BytesDownloaded: 0,
		BytesUploaded:   0,
	}
	o.announcer = tracker.NewAnnouncer(client, sess, announceURLs, o.log)
	go o.announcer.Run(ctx)
	defer o.announcer.Stop()

	return o.eventLoop(ctx)
}

// Stop requests a graceful shutdown. Idempotent; safe to call more
// than once and from any goroutine.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stopC:
	default:
		close(o.stopC)
	}
}

// Done returns a channel closed once the event loop has fully exited.
func (o *Orchestrator) Done() <-chan struct{} { return o.stoppedC }

// Stats returns a snapshot of current progress. Safe to call from any
// goroutine while Run is active.
func (o *Orchestrator) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case o.statsReqC <- reply:
		return <-reply
	case <-o.stoppedC:
		return o.snapshotStats()
	}
}

func (o *Orchestrator) snapshotStats() Stats {
	active := 0
	for range o.peers {
		active++
	}
	return Stats{
		BytesLeft:       o.sched.BytesLeft(),
		PiecesComplete:  o.sched.CompletedCount(),
		PiecesTotal:     int(o.sched.NumPieces()),
		ActivePeers:     len(o.peers),
		DownloadRateBps: o.downSpeed.Rate(),
		Done:            o.sched.Done(),
	}
}

// addCandidates feeds newly discovered peer addresses in; called by
// the announcer's consumer (normally the same goroutine running the
// event loop, via the announcer's PeersC). Peers matching our own
// announced (IP, port) are dropped rather than queued: the tracker
// sometimes echoes us back as one of the swarm's peers.
func (o *Orchestrator) addCandidates(peers []tracker.PeerInfo) {
	for _, p := range peers {
		if o.isLocalEndpoint(p) {
			continue
		}
		select {
		case o.candidatesC <- p:
		default:
			// Queue full; drop the rest of this batch rather than block
			// the event loop. The next announce will resupply candidates.
			return
		}
	}
}

func (o *Orchestrator) isLocalEndpoint(p tracker.PeerInfo) bool {
	if int(p.Port) != o.port {
		return false
	}
	_, ok := o.localIPs[p.IP.String()]
	return ok
}

// localInterfaceIPs collects every IP address bound to a local network
// interface, so candidate peers reported back to us by the tracker can
// be recognized as ourselves and skipped.
func localInterfaceIPs(log logger.Logger) map[string]struct{} {
	ips := make(map[string]struct{})
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warningln("listing local interface addresses:", err)
		return ips
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil {
			ips[ip.String()] = struct{}{}
		}
	}
	return ips
}

func (o *Orchestrator) eventLoop(ctx context.Context) error {
	defer close(o.stoppedC)

	speedTicker := time.NewTicker(5 * time.Second)
	defer speedTicker.Stop()

	var finalErr error
	for {
		if o.fatalErr != nil {
			o.log.Errorln("aborting download:", o.fatalErr)
			o.drainPeers()
			return o.fatalErr
		}

		o.fillPeerPool(ctx)

		if o.sched.Done() && o.pendingWrites == 0 && o.status != Completed {
			o.status = Completed
			o.announcer.Complete()
			o.log.Infoln("download completed")
			o.drainPeers()
			return nil
		}

		select {
		case <-ctx.Done():
			finalErr = ctx.Err()
			o.drainPeers()
			return finalErr

		case <-o.stopC:
			o.drainPeers()
			return nil

		case peers := <-o.announcer.PeersC:
			o.addCandidates(peers)

		case err := <-o.announcer.ErrC:
			o.log.Errorln("tracker announce failed permanently:", err)

		case res := <-o.connResultC:
			o.handleDialResult(res)

		case pe := <-o.peerEventC:
			o.handlePeerEvent(pe)

		case w := <-o.writesC:
			o.handleWriteOutcome(w)

		case <-speedTicker.C:
			o.downSpeed.Tick()

		case reply := <-o.statsReqC:
			reply <- o.snapshotStats()
		}
	}
}

func (o *Orchestrator) fillPeerPool(ctx context.Context) {
	if o.status == Completed {
		return
	}
	for len(o.peers) < o.cfg.PeerPoolSize {
		var cand tracker.PeerInfo
		select {
		case cand = <-o.candidatesC:
		default:
			return
		}
		addr := cand.String()
		go o.dial(ctx, addr)
	}
}

func (o *Orchestrator) dial(ctx context.Context, addr string) {
	conn, err := peerconn.Dial(ctx, addr, o.mi.InfoHash, o.peerID, o.cfg.PeerDialTimeout, o.cfg.PeerHandshakeTimeout, o.log)
	select {
	case o.connResultC <- dialResult{addr: addr, conn: conn, err: err}:
	case <-ctx.Done():
		if conn != nil {
			conn.Close()
		}
	}
}

func (o *Orchestrator) handleDialResult(res dialResult) {
	if res.err != nil {
		o.log.Debugln("dial", res.addr, "failed:", res.err)
		return
	}
	id := o.nextPeerID
	o.nextPeerID++
	ps := &peerState{conn: res.conn, id: id}
	o.peers[id] = ps

	if o.myBits.Count() > 0 {
		res.conn.SendBitfield(o.myBits)
	}
	go res.conn.Run(2 * time.Minute)
	go o.pumpPeerEvents(id, res.conn)

	res.conn.SendInterested()
	o.requestMore(ps)
}

func (o *Orchestrator) pumpPeerEvents(id scheduler.PeerID, conn *peerconn.Conn) {
	for ev := range conn.Messages() {
		select {
		case o.peerEventC <- peerEvent{id: id, ev: ev}:
		case <-o.stopC:
			return
		}
	}
}

func (o *Orchestrator) handlePeerEvent(pe peerEvent) {
	ps, ok := o.peers[pe.id]
	if !ok {
		return
	}
	ev := pe.ev
	if ev.Closed {
		o.removePeer(ps)
		return
	}
	if ev.KeepAlive {
		return
	}
	o.handleMessage(ps, ev)
}

func (o *Orchestrator) removePeer(ps *peerState) {
	ps.conn.Close()
	o.sched.RemovePeer(ps.id)
	delete(o.peers, ps.id)
}
