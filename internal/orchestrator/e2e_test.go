package orchestrator

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilgrip/bitdl/internal/bencode"
	"github.com/nilgrip/bitdl/internal/bitfield"
	"github.com/nilgrip/bitdl/internal/config"
	"github.com/nilgrip/bitdl/internal/logger"
	"github.com/nilgrip/bitdl/internal/metainfo"
	"github.com/nilgrip/bitdl/internal/peerprotocol"
	"github.com/nilgrip/bitdl/internal/tracker"
)

// seederPeer is a minimal in-process BitTorrent peer that serves every
// byte of one torrent's content to whoever connects, used to drive the
// orchestrator through a real TCP handshake and block exchange without
// a real swarm.
type seederPeer struct {
	ln        net.Listener
	infoHash  [20]byte
	peerID    [20]byte
	content   []byte
	numPieces uint32
}

func newSeederPeer(t *testing.T, infoHash [20]byte, content []byte, numPieces uint32) *seederPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var id [20]byte
	id[0] = 0xEE
	s := &seederPeer{ln: ln, infoHash: infoHash, peerID: id, content: content, numPieces: numPieces}
	go s.acceptLoop(t)
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *seederPeer) addr() string { return s.ln.Addr().String() }

func (s *seederPeer) acceptLoop(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(t, conn)
	}
}

func (s *seederPeer) serve(t *testing.T, conn net.Conn) {
	defer conn.Close()
	hs, err := peerprotocol.ReadHandshake(conn)
	if err != nil || hs.InfoHash != s.infoHash {
		return
	}
	reply := peerprotocol.Handshake{InfoHash: s.infoHash, PeerID: s.peerID}
	if _, err := conn.Write(reply.Marshal()); err != nil {
		return
	}
	bf := bitfield.New(s.numPieces)
	for i := uint32(0); i < s.numPieces; i++ {
		bf.Set(i)
	}
	if _, err := conn.Write(peerprotocol.Message{ID: peerprotocol.Bitfield, Data: bf.Bytes()}.Marshal()); err != nil {
		return
	}
	if _, err := conn.Write(peerprotocol.Message{ID: peerprotocol.Unchoke}.Marshal()); err != nil {
		return
	}
	for {
		msg, keepAlive, err := peerprotocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if keepAlive {
			continue
		}
		switch msg.ID {
		case peerprotocol.Interested, peerprotocol.NotInterested:
		case peerprotocol.Request:
			begin, length := msg.Begin, msg.Length
			data := s.content[begin : begin+length]
			out := peerprotocol.Message{ID: peerprotocol.Piece, Index: msg.Index, Begin: begin, Data: append([]byte(nil), data...)}
			if _, err := conn.Write(out.Marshal()); err != nil {
				return
			}
		}
	}
}

func announceServer(t *testing.T, peerAddr string) *httptest.Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(peerAddr)
	require.NoError(t, err)
	ip := net.ParseIP(host).To4()
	require.NotNil(t, ip)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	raw := append(append([]byte{}, ip...), byte(port>>8), byte(port))
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := bencode.Dict(
			bencode.Entry("interval", bencode.Int(1800)),
			bencode.Entry("peers", bencode.String(raw)),
		)
		w.Write(bencode.Encode(v))
	}))
}

func TestEndToEndSingleFileSinglePieceDownload(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog!!!!")
	mi := &metainfo.Metainfo{
		PieceLength: int64(len(content)),
		NumPieces:   1,
		TotalLength: int64(len(content)),
		Files:       []metainfo.File{{Path: "out.bin", Length: int64(len(content))}},
	}
	mi.PieceHashes = [][20]byte{sha1.Sum(content)}
	mi.InfoHash = sha1.Sum([]byte("test-info-hash-e2e-single"))

	seeder := newSeederPeer(t, mi.InfoHash, content, mi.NumPieces)
	srv := announceServer(t, seeder.addr())
	defer srv.Close()

	cfg := config.Default()
	dest := filepath.Join(t.TempDir(), "download")
	var myPeerID [20]byte
	myPeerID[0] = 0x01

	o, err := New(&cfg, mi, dest, myPeerID, nil, logger.New("test"))
	require.NoError(t, err)

	client := tracker.NewClient(2*time.Second, 1, "bitdl/test", logger.New("test"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errC := make(chan error, 1)
	go func() { errC <- o.Run(ctx, client, [][]string{{srv.URL}}, 0) }()

	select {
	case err := <-errC:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("download did not complete before deadline")
	}

	got, err := os.ReadFile(filepath.Join(dest, "out.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}
