package tracker

// Session is the per-swarm state reported on every announce: the
// swarm and peer identifiers, the local port, and the cumulative
// counters the protocol requires. The rotating deque of announce URLs
// is held by Announcer, not here.
type Session struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}
