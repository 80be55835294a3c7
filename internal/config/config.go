// Package config holds the orchestrator's tunables, loadable from an
// optional YAML file and falling back to sane defaults otherwise.
package config

import (
	"io/ioutil"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config controls a single download. None of this is global state; a
// launcher builds one Config per invocation and hands it to the
// orchestrator.
type Config struct {
	// PeerPoolSize is the number of concurrent peer connections kept
	// busy against the peer queue.
	PeerPoolSize int `yaml:"peer_pool_size"`

	// PipelineDepth is the number of outstanding block requests kept
	// in flight per peer.
	PipelineDepth int `yaml:"pipeline_depth"`

	// PeerQueueSize bounds the tracker-to-pool peer address queue.
	PeerQueueSize int `yaml:"peer_queue_size"`

	// MaxPieceResets is the number of hash-mismatch resets of a single
	// piece at which the download is aborted as fatal; zero disables
	// the limit.
	MaxPieceResets int `yaml:"max_piece_resets"`

	// TrackerTimeout bounds a single announce attempt.
	TrackerTimeout time.Duration `yaml:"tracker_timeout"`

	// TrackerRetries is the number of backoff retries attempted
	// against one announce URL before rotating to the next.
	TrackerRetries int `yaml:"tracker_retries"`

	// PeerHandshakeTimeout bounds the handshake exchange.
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`

	// PeerDialTimeout bounds the initial TCP connect.
	PeerDialTimeout time.Duration `yaml:"peer_dial_timeout"`

	// DiskWorkers is the size of the worker pool used for writing
	// verified pieces to disk; hash verification is not pooled.
	DiskWorkers int `yaml:"disk_workers"`

	// DownloadRateLimit caps download throughput in bytes/sec; zero
	// means unlimited.
	DownloadRateLimit int `yaml:"download_rate_limit"`

	// ResumeCachePath is the boltdb file used to remember verified
	// piece state across restarts; empty disables the cache.
	ResumeCachePath string `yaml:"resume_cache_path"`

	// UserAgent is sent on tracker announce requests.
	UserAgent string `yaml:"user_agent"`
}

// Default returns the client's default tunables.
func Default() Config {
	return Config{
		PeerPoolSize:         5,
		PipelineDepth:        5,
		PeerQueueSize:        200,
		MaxPieceResets:       3,
		TrackerTimeout:       5 * time.Second,
		TrackerRetries:       2,
		PeerHandshakeTimeout: 10 * time.Second,
		PeerDialTimeout:      10 * time.Second,
		DiskWorkers:          4,
		DownloadRateLimit:    0,
		ResumeCachePath:      "",
		UserAgent:            "bitdl/1.0",
	}
}

// Load reads a YAML config file over top of Default, tolerating a
// missing file.
func Load(filename string) (Config, error) {
	c := Default()
	if filename == "" {
		return c, nil
	}
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	if c.ResumeCachePath != "" {
		expanded, err := homedir.Expand(c.ResumeCachePath)
		if err != nil {
			return Config{}, err
		}
		c.ResumeCachePath = expanded
	}
	return c, nil
}
