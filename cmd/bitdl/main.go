// Command bitdl downloads a single torrent's content to a destination
// path and exits. It is a thin launcher: flag parsing only, with all
// real work delegated to the internal orchestrator package.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/nilgrip/bitdl/internal/config"
	"github.com/nilgrip/bitdl/internal/logger"
	"github.com/nilgrip/bitdl/internal/metainfo"
	"github.com/nilgrip/bitdl/internal/orchestrator"
	"github.com/nilgrip/bitdl/internal/resumecache"
	"github.com/nilgrip/bitdl/internal/tracker"
)

const peerIDPrefix = "-BD0010-"

func main() {
	var (
		verbose      = flag.Bool("v", false, "enable debug logging")
		configPath   = flag.String("config", "", "path to a YAML config file overriding defaults")
		port         = flag.Int("port", 6881, "local port reported to the tracker")
		resumeDBPath = flag.String("resume-db", "", "path to the resume cache database (disabled if empty)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] download <torrent-file> <destination>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 || args[0] != "download" {
		flag.Usage()
		os.Exit(2)
	}
	torrentPath, dest := args[1], args[2]
	if expanded, err := homedir.Expand(dest); err == nil {
		dest = expanded
	}

	logger.SetVerbose(*verbose)
	log := logger.New("main")

	if err := run(*configPath, *resumeDBPath, torrentPath, dest, *port, log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(configPath, resumeDBPath, torrentPath, dest string, port int, log logger.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if resumeDBPath != "" {
		cfg.ResumeCachePath = resumeDBPath
	}

	raw, err := ioutil.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("reading torrent file: %w", err)
	}
	mi, err := metainfo.Load(raw)
	if err != nil {
		return fmt.Errorf("loading metainfo: %w", err)
	}
	log.Infoln("loaded", mi.String())

	var cache *resumecache.Cache
	if cfg.ResumeCachePath != "" {
		cache, err = resumecache.Open(cfg.ResumeCachePath)
		if err != nil {
			return fmt.Errorf("opening resume cache: %w", err)
		}
		defer cache.Close()
	}

	peerID, err := newPeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	o, err := orchestrator.New(&cfg, mi, dest, peerID, cache, log)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	client := tracker.NewClient(cfg.TrackerTimeout, cfg.TrackerRetries, cfg.UserAgent, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigC:
			log.Infoln("received shutdown signal")
			o.Stop()
		case <-ctx.Done():
		}
	}()

	go logProgress(o, log)

	return o.Run(ctx, client, mi.AnnounceList, port)
}

func logProgress(o *orchestrator.Orchestrator, log logger.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		select {
		case <-o.Done():
			return
		default:
		}
		s := o.Stats()
		log.Infof("progress: %d/%d pieces, %d peers, %d B/s", s.PiecesComplete, s.PiecesTotal, s.ActivePeers, s.DownloadRateBps)
		if s.Done {
			return
		}
	}
}

func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}
