// Package peerconn implements the per-peer connection state machine:
// dialing and handshaking, reading/writing wire messages on dedicated
// goroutines, and tracking the four choke/interest flags.
package peerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nilgrip/bitdl/internal/bitfield"
	"github.com/nilgrip/bitdl/internal/errs"
	"github.com/nilgrip/bitdl/internal/logger"
	"github.com/nilgrip/bitdl/internal/peerprotocol"
)

// State is the connection's lifecycle stage.
type State int

const (
	Connecting State = iota
	Handshaking
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on the Messages channel: either a decoded wire
// message or the connection closing (Err holds the read error, io.EOF
// for a clean peer-initiated close).
type Event struct {
	Message   peerprotocol.Message
	KeepAlive bool
	Closed    bool
	Err       error
}

// Conn is one outbound connection to a peer, past the handshake.
type Conn struct {
	conn   net.Conn
	id     [20]byte
	addr   string
	log    logger.Logger
	state  State

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	HasPieces *bitfield.Bitfield // nil until the peer sends a bitfield or have

	messages chan Event
	outbox   chan peerprotocol.Message

	closeC  chan struct{}
	closedC chan struct{}
}

// Dial opens a TCP connection to addr and performs the handshake
// exchange, returning a Conn ready to Run. infoHash must match what
// the remote peer reports back or the connection is rejected.
func Dial(ctx context.Context, addr string, infoHash, myPeerID [20]byte, dialTimeout, handshakeTimeout time.Duration, log logger.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.New(errs.KindPeer, "dial "+addr, err)
	}

	c := &Conn{
		conn:      nc,
		addr:      addr,
		log:       log.With(map[string]interface{}{"peer": addr}),
		state:     Connecting,
		AmChoking: true,
		messages:  make(chan Event, 64),
		outbox:    make(chan peerprotocol.Message, 64),
		closeC:    make(chan struct{}),
		closedC:   make(chan struct{}),
	}

	if err := nc.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		nc.Close()
		return nil, errs.New(errs.KindPeer, "set handshake deadline", err)
	}
	c.state = Handshaking

	hs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: myPeerID}
	if _, err := nc.Write(hs.Marshal()); err != nil {
		nc.Close()
		return nil, errs.New(errs.KindPeer, "write handshake", err)
	}
	remote, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, errs.New(errs.KindPeer, "read handshake", err)
	}
	if remote.InfoHash != infoHash {
		nc.Close()
		return nil, errs.New(errs.KindPeer, "handshake", fmt.Errorf("info hash mismatch"))
	}
	if remote.PeerID == myPeerID {
		nc.Close()
		return nil, errs.New(errs.KindPeer, "handshake", fmt.Errorf("connected to self"))
	}
	c.id = remote.PeerID

	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, errs.New(errs.KindPeer, "clear deadline", err)
	}
	c.state = Ready
	return c, nil
}

// ID returns the remote peer's 20-byte id.
func (c *Conn) ID() [20]byte { return c.id }

// Addr returns the dialed address.
func (c *Conn) Addr() string { return c.addr }

// State returns the current lifecycle stage.
func (c *Conn) State() State { return c.state }

func (c *Conn) String() string { return c.addr }

// Messages returns the channel of decoded events; it is closed when
// Run returns. An Event{Closed: true} precedes that when the read side
// failed or hit EOF; after a local Close none is delivered.
func (c *Conn) Messages() <-chan Event { return c.messages }

// Send queues an outgoing message. It never blocks past the
// connection's close.
func (c *Conn) Send(msg peerprotocol.Message) {
	select {
	case c.outbox <- msg:
	case <-c.closeC:
	}
}

// Close begins a graceful shutdown and waits for both pump goroutines
// to exit. Safe to call more than once.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// Run starts the reader and writer pumps and blocks until the
// connection closes, either because Close was called, the remote
// peer's stream ended, or a protocol error occurred. keepAliveEvery
// controls how often a keep-alive is sent on an otherwise idle
// outbox.
func (c *Conn) Run(keepAliveEvery time.Duration) {
	defer close(c.closedC)
	defer close(c.messages)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(keepAliveEvery)
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.conn.Close()
	<-readerDone
	<-writerDone
}

func (c *Conn) readLoop() {
	for {
		msg, keepAlive, err := peerprotocol.ReadMessage(c.conn)
		if err != nil {
			select {
			case c.messages <- Event{Closed: true, Err: err}:
			case <-c.closeC:
			}
			return
		}
		select {
		case c.messages <- Event{Message: msg, KeepAlive: keepAlive}:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeLoop(keepAliveEvery time.Duration) {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	if keepAliveEvery > 0 {
		ticker = time.NewTicker(keepAliveEvery)
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-c.closeC:
			return
		case msg := <-c.outbox:
			if _, err := c.conn.Write(msg.Marshal()); err != nil {
				return
			}
		case <-tickC:
			if err := peerprotocol.WriteKeepAlive(c.conn); err != nil {
				return
			}
		}
	}
}

// SendBitfield sends our own piece bitmap.
func (c *Conn) SendBitfield(bf *bitfield.Bitfield) {
	c.Send(peerprotocol.Message{ID: peerprotocol.Bitfield, Data: bf.Bytes()})
}

// SendInterested announces interest, tracking the local flag.
func (c *Conn) SendInterested() {
	c.AmInterested = true
	c.Send(peerprotocol.Message{ID: peerprotocol.Interested})
}

// SendNotInterested withdraws interest, tracking the local flag.
func (c *Conn) SendNotInterested() {
	c.AmInterested = false
	c.Send(peerprotocol.Message{ID: peerprotocol.NotInterested})
}

// SendRequest asks for one block.
func (c *Conn) SendRequest(index, begin, length uint32) {
	c.Send(peerprotocol.Message{ID: peerprotocol.Request, Index: index, Begin: begin, Length: length})
}

// SendCancel cancels a previously sent request.
func (c *Conn) SendCancel(index, begin, length uint32) {
	c.Send(peerprotocol.Message{ID: peerprotocol.Cancel, Index: index, Begin: begin, Length: length})
}

// SendHave announces a newly completed, verified piece.
func (c *Conn) SendHave(index uint32) {
	c.Send(peerprotocol.Message{ID: peerprotocol.Have, Index: index})
}

// ApplyHave records a Have message's effect on HasPieces, allocating
// a bitfield lazily if the peer never sent one (permitted by the
// protocol - peers with no pieces at all may skip the bitfield
// message entirely).
func (c *Conn) ApplyHave(index uint32, numPieces uint32) {
	if c.HasPieces == nil {
		c.HasPieces = bitfield.New(numPieces)
	}
	c.HasPieces.Set(index)
}
