package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilgrip/bitdl/internal/bencode"
	"github.com/nilgrip/bitdl/internal/logger"
)

func compactPeersBody(t *testing.T, interval int64, peers ...PeerInfo) []byte {
	t.Helper()
	var raw []byte
	for _, p := range peers {
		raw = append(raw, p.IP.To4()...)
		raw = append(raw, byte(p.Port>>8), byte(p.Port))
	}
	v := bencode.Dict(
		bencode.Entry("interval", bencode.Int(interval)),
		bencode.Entry("peers", bencode.String(raw)),
	)
	return bencode.Encode(v)
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	want := PeerInfo{IP: []byte{10, 0, 0, 1}, Port: 6881}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write(compactPeersBody(t, 1800, want))
	}))
	defer srv.Close()

	client := NewClient(time.Second, 0, "bitdl/test", logger.New("test"))
	sess := Session{InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 6881}
	resp, err := client.Announce(context.Background(), srv.URL, sess, EventStarted)
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, want.Port, resp.Peers[0].Port)
	require.True(t, resp.Peers[0].IP.Equal(want.IP))
}

func TestAnnounceReturnsErrorOnFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := bencode.Dict(bencode.Entry("failure reason", bencode.String([]byte("nope"))))
		w.Write(bencode.Encode(v))
	}))
	defer srv.Close()

	client := NewClient(time.Second, 0, "bitdl/test", logger.New("test"))
	sess := Session{InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 6881}
	_, err := client.Announce(context.Background(), srv.URL, sess, EventNone)
	require.Error(t, err)
}

func TestAnnouncerRotatesToNextURLOnFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(compactPeersBody(t, 1, PeerInfo{IP: []byte{1, 2, 3, 4}, Port: 1}))
	}))
	defer good.Close()

	client := NewClient(100*time.Millisecond, 0, "bitdl/test", logger.New("test"))
	sess := Session{InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 1}
	tiers := [][]string{{"http://127.0.0.1:1", good.URL}}

	a := NewAnnouncer(client, sess, tiers, logger.New("test"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go a.Run(ctx)

	select {
	case peers := <-a.PeersC:
		require.Len(t, peers, 1)
	case err := <-a.ErrC:
		t.Fatalf("announcer gave up: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for rotated announce to succeed")
	}
	a.Stop()
	<-a.Done()
}

func TestURLDequeRotatesRoundRobin(t *testing.T) {
	d := newURLDeque([][]string{{"a", "b"}, {"c"}})
	require.Equal(t, "a", d.current())
	d.rotate()
	require.Equal(t, "b", d.current())
	d.rotate()
	require.Equal(t, "c", d.current())
	d.rotate()
	require.Equal(t, "a", d.current())
}
