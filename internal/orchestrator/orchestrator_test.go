package orchestrator

import (
	"crypto/sha1"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilgrip/bitdl/internal/config"
	"github.com/nilgrip/bitdl/internal/logger"
	"github.com/nilgrip/bitdl/internal/metainfo"
	"github.com/nilgrip/bitdl/internal/resumecache"
	"github.com/nilgrip/bitdl/internal/tracker"
)

func newTestCache(t *testing.T) *resumecache.Cache {
	t.Helper()
	c, err := resumecache.Open(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func singlePieceMetainfo(content string) *metainfo.Metainfo {
	mi := &metainfo.Metainfo{
		PieceLength: int64(len(content)),
		NumPieces:   1,
		TotalLength: int64(len(content)),
		Files: []metainfo.File{
			{Path: "file.bin", Length: int64(len(content))},
		},
	}
	mi.PieceHashes = [][20]byte{sha1.Sum([]byte(content))}
	return mi
}

func TestNewBuildsWithoutResumeCache(t *testing.T) {
	cfg := config.Default()
	mi := singlePieceMetainfo("hello world")
	dest := filepath.Join(t.TempDir(), "out")
	var peerID [20]byte

	o, err := New(&cfg, mi, dest, peerID, nil, logger.New("test"))
	require.NoError(t, err)
	require.NotNil(t, o)

	s := o.snapshotStats()
	require.Equal(t, 1, s.PiecesTotal)
	require.Equal(t, 0, s.PiecesComplete)
	require.False(t, s.Done)
}

func TestNewSkipsPreVerifiedPiecesFromResumeCache(t *testing.T) {
	cfg := config.Default()
	content := "hello world"
	mi := singlePieceMetainfo(content)
	dest := filepath.Join(t.TempDir(), "out")
	var peerID [20]byte

	// Build storage ahead of time containing the already-correct bytes.
	pre, err := New(&cfg, mi, dest, peerID, nil, logger.New("test"))
	require.NoError(t, err)
	require.NoError(t, pre.store.WriteAt(0, []byte(content)))

	cache := newTestCache(t)
	require.NoError(t, cache.Save(mi.InfoHash, []uint32{0}))

	o, err := New(&cfg, mi, dest, peerID, cache, logger.New("test"))
	require.NoError(t, err)
	require.True(t, o.sched.Done())
}

func TestResumeCacheMismatchFallsBackToRedownload(t *testing.T) {
	cfg := config.Default()
	mi := singlePieceMetainfo("hello world")
	dest := filepath.Join(t.TempDir(), "out")
	var peerID [20]byte

	cache := newTestCache(t)
	require.NoError(t, cache.Save(mi.InfoHash, []uint32{0}))

	// No file written to disk at all, so re-verification must fail and
	// the piece should remain requestable.
	o, err := New(&cfg, mi, dest, peerID, cache, logger.New("test"))
	require.NoError(t, err)
	require.False(t, o.sched.Done())
}

func TestAddCandidatesDropsLocalEndpoint(t *testing.T) {
	cfg := config.Default()
	mi := singlePieceMetainfo("hello world")
	dest := filepath.Join(t.TempDir(), "out")
	var peerID [20]byte

	o, err := New(&cfg, mi, dest, peerID, nil, logger.New("test"))
	require.NoError(t, err)
	o.port = 6881
	o.localIPs = map[string]struct{}{"203.0.113.5": {}}

	o.addCandidates([]tracker.PeerInfo{
		{IP: net.ParseIP("203.0.113.5"), Port: 6881}, // us
		{IP: net.ParseIP("203.0.113.5"), Port: 6882}, // same host, different port
		{IP: net.ParseIP("198.51.100.9"), Port: 6881}, // different host
	})

	var got []tracker.PeerInfo
	for {
		select {
		case p := <-o.candidatesC:
			got = append(got, p)
			continue
		default:
		}
		break
	}
	require.Len(t, got, 2)
}

func TestHandleWriteOutcomeErrorIsFatal(t *testing.T) {
	cfg := config.Default()
	mi := singlePieceMetainfo("hello world")
	dest := filepath.Join(t.TempDir(), "out")
	var peerID [20]byte

	o, err := New(&cfg, mi, dest, peerID, nil, logger.New("test"))
	require.NoError(t, err)
	o.pendingWrites = 1

	o.handleWriteOutcome(writeOutcome{index: 0, err: errors.New("disk full")})
	require.Error(t, o.fatalErr)
	require.False(t, o.myBits.Test(0))
}
