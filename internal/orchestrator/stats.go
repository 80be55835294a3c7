package orchestrator

import "github.com/rcrowley/go-metrics"

// Stats is a point-in-time snapshot exposed to a launcher.
type Stats struct {
	BytesDownloaded   int64
	BytesUploaded     int64
	BytesLeft         int64
	DownloadRateBps   int64
	PiecesComplete    int
	PiecesTotal       int
	ActivePeers       int
	Done              bool
}

// speedCounter wraps an EWMA meter, ticked every five seconds (the
// interval go-metrics' EWMA assumes) to produce a smoothed
// bytes-per-second rate.
type speedCounter struct {
	ewma metrics.EWMA
}

func newSpeedCounter() *speedCounter {
	return &speedCounter{ewma: metrics.NewEWMA1()}
}

func (s *speedCounter) Update(n int64) { s.ewma.Update(n) }
func (s *speedCounter) Tick()          { s.ewma.Tick() }
func (s *speedCounter) Rate() int64    { return int64(s.ewma.Rate()) }
