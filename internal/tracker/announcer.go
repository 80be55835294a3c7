package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/nilgrip/bitdl/internal/logger"
)

// urlDeque is a rotating deque of announce URLs flattened from the
// metainfo's tiered announce-list, per design note (c): simple
// round-robin over the flattened set.
type urlDeque struct {
	urls []string
	pos  int
}

func newURLDeque(tiers [][]string) *urlDeque {
	var flat []string
	for _, tier := range tiers {
		flat = append(flat, tier...)
	}
	return &urlDeque{urls: flat}
}

func (d *urlDeque) empty() bool { return len(d.urls) == 0 }

// current returns the URL to try next without rotating.
func (d *urlDeque) current() string { return d.urls[d.pos] }

// rotate advances to the next URL in the deque.
func (d *urlDeque) rotate() { d.pos = (d.pos + 1) % len(d.urls) }

// Announcer runs the periodic announce loop: an initial "started"
// announce, periodic re-announces at the server's interval, URL
// rotation on transport failure, and a final completed/stopped
// announce on shutdown.
type Announcer struct {
	client  *Client
	session Session
	deque   *urlDeque
	log     logger.Logger

	PeersC chan []PeerInfo // delivers freshly discovered peers
	ErrC   chan error       // signals the loop has given up (all URLs exhausted)

	completedC chan struct{} // closed externally when the download finishes
	stopC      chan struct{} // closed externally to request shutdown
	doneC      chan struct{} // closed when the loop has fully exited
}

// NewAnnouncer builds an Announcer for the given tiered announce URLs.
func NewAnnouncer(client *Client, session Session, tiers [][]string, log logger.Logger) *Announcer {
	return &Announcer{
		client:     client,
		session:    session,
		deque:      newURLDeque(tiers),
		log:        log,
		PeersC:     make(chan []PeerInfo, 1),
		ErrC:       make(chan error, 1),
		completedC: make(chan struct{}),
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}
}

// UpdateSession lets the orchestrator refresh uploaded/downloaded/left
// counters between announces without restarting the loop.
func (a *Announcer) UpdateSession(s Session) { a.session = s }

// Complete signals that the download is finished; the loop will send
// a "completed" event on its next iteration and then stop.
func (a *Announcer) Complete() {
	select {
	case <-a.completedC:
	default:
		close(a.completedC)
	}
}

// Stop requests the loop exit and send a "stopped" event (unless
// Complete was already signaled). Idempotent.
func (a *Announcer) Stop() {
	select {
	case <-a.stopC:
	default:
		close(a.stopC)
	}
}

// Done returns a channel closed once the loop has fully exited and
// sent its final announce.
func (a *Announcer) Done() <-chan struct{} { return a.doneC }

// Run executes the announce loop until Stop/Complete is observed or
// every announce URL is exhausted by repeated failure. It is meant to
// run on its own goroutine.
func (a *Announcer) Run(ctx context.Context) {
	defer close(a.doneC)
	if a.deque.empty() {
		a.ErrC <- fmt.Errorf("no announce urls configured")
		return
	}

	interval, err := a.doAnnounce(ctx, EventStarted)
	if err != nil {
		a.ErrC <- err
		return
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-a.completedC:
			a.sendFinal(ctx, EventCompleted)
			return
		case <-a.stopC:
			a.sendFinal(ctx, EventStopped)
			return
		case <-ctx.Done():
			a.sendFinal(ctx, EventStopped)
			return
		case <-timer.C:
			next, err := a.doAnnounce(ctx, EventNone)
			if err != nil {
				a.ErrC <- err
				return
			}
			timer.Reset(next)
		}
	}
}

func (a *Announcer) sendFinal(ctx context.Context, ev Event) {
	finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = a.doAnnounce(finalCtx, ev)
	_ = ctx
}

// doAnnounce tries the current URL, rotating through the deque on
// failure until one succeeds or the deque is exhausted, then
// publishes peers and returns the next interval to wait.
func (a *Announcer) doAnnounce(ctx context.Context, ev Event) (time.Duration, error) {
	attempts := len(a.deque.urls)
	var lastErr error
	for i := 0; i < attempts; i++ {
		u := a.deque.current()
		resp, err := a.client.Announce(ctx, u, a.session, ev)
		if err != nil {
			a.log.Warningln("announce to", u, "failed:", err)
			lastErr = err
			a.deque.rotate()
			continue
		}
		select {
		case a.PeersC <- resp.Peers:
		default:
			// Replace a stale, unread batch so the pool never acts on
			// outdated peer addresses.
			select {
			case <-a.PeersC:
			default:
			}
			a.PeersC <- resp.Peers
		}
		return resp.Interval, nil
	}
	return 0, fmt.Errorf("all announce urls exhausted: %w", lastErr)
}
