// Package tracker implements the HTTP announce client: a single
// request/response exchange, a rotating deque of announce URLs, and
// the periodic announce loop that feeds discovered peers to the
// orchestrator.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nilgrip/bitdl/internal/bencode"
	"github.com/nilgrip/bitdl/internal/errs"
	"github.com/nilgrip/bitdl/internal/logger"
)

// Event is the optional announce event.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// PeerInfo is one peer address returned by a tracker.
type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) String() string { return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port))) }

// Addr returns the peer as a resolved TCP address.
func (p PeerInfo) Addr() *net.TCPAddr { return &net.TCPAddr{IP: p.IP, Port: int(p.Port)} }

// Response is a decoded, validated tracker announce response.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []PeerInfo
}

// Client issues single announce requests. It holds no swarm state;
// the announce loop below owns URL rotation and timing.
type Client struct {
	httpClient *http.Client
	userAgent  string
	retries    int
	log        logger.Logger
}

// NewClient returns a Client with the given per-attempt timeout and
// retry count, backing off exponentially between retries before the
// caller gives up and rotates to the next announce URL.
func NewClient(timeout time.Duration, retries int, userAgent string, log logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
		retries:    retries,
		log:        log,
	}
}

// Announce sends one announce request (with retry/backoff) to
// announceURL and returns the decoded response.
func (c *Client) Announce(ctx context.Context, announceURL string, s Session, ev Event) (*Response, error) {
	var resp *Response
	op := func() error {
		r, err := c.announceOnce(ctx, announceURL, s, ev)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithMaxRetries(bo, uint64(maxInt(c.retries, 0)))
	if err := backoff.Retry(op, boCtx); err != nil {
		return nil, errs.New(errs.KindTracker, "announce "+announceURL, err)
	}
	return resp, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *Client) announceOnce(ctx context.Context, announceURL string, s Session, ev Event) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid announce url: %w", err)
	}
	q := u.Query()
	q.Set("info_hash", string(s.InfoHash[:]))
	q.Set("peer_id", string(s.PeerID[:]))
	q.Set("port", strconv.Itoa(s.Port))
	q.Set("uploaded", strconv.FormatInt(s.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(s.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(s.BytesLeft, 10))
	q.Set("compact", "1")
	if ev != EventNone {
		q.Set("event", string(ev))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return parseResponse(body)
}

func parseResponse(body []byte) (*Response, error) {
	v, _, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decoding tracker response: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := v.Get("failure reason"); ok {
		return nil, fmt.Errorf("tracker failure: %s", string(reason.MustString()))
	}
	intervalVal, ok := v.Get("interval")
	if !ok || intervalVal.Kind != bencode.KindInt {
		return nil, fmt.Errorf("missing interval in tracker response")
	}
	resp := &Response{Interval: time.Duration(intervalVal.Int) * time.Second}
	if minVal, ok := v.Get("min interval"); ok && minVal.Kind == bencode.KindInt {
		resp.MinInterval = time.Duration(minVal.Int) * time.Second
		if resp.MinInterval < resp.Interval {
			resp.Interval = resp.MinInterval
		}
	}
	peersVal, ok := v.Get("peers")
	if !ok {
		return nil, fmt.Errorf("missing peers in tracker response")
	}
	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

func parsePeers(v bencode.Value) ([]PeerInfo, error) {
	switch v.Kind {
	case bencode.KindString:
		raw := v.MustString()
		if len(raw)%6 != 0 {
			return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(raw))
		}
		n := len(raw) / 6
		peers := make([]PeerInfo, n)
		for i := 0; i < n; i++ {
			off := i * 6
			ip := net.IPv4(raw[off], raw[off+1], raw[off+2], raw[off+3])
			port := uint16(raw[off+4])<<8 | uint16(raw[off+5])
			peers[i] = PeerInfo{IP: ip, Port: port}
		}
		return peers, nil
	case bencode.KindList:
		peers := make([]PeerInfo, 0, len(v.List))
		for _, item := range v.List {
			ipVal, ok := item.Get("ip")
			if !ok {
				continue
			}
			portVal, ok := item.Get("port")
			if !ok || portVal.Kind != bencode.KindInt {
				continue
			}
			ip := net.ParseIP(string(ipVal.MustString()))
			if ip == nil {
				continue
			}
			peers = append(peers, PeerInfo{IP: ip, Port: uint16(portVal.Int)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unrecognized peers encoding")
	}
}
