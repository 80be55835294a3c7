// Package resumecache persists the set of verified piece indices per
// torrent so a restarted download can skip re-fetching pieces already
// on disk; the orchestrator still re-hashes each listed piece before
// trusting it. It is a thin boltdb store, grounded on the teacher's
// bolt-backed resumer.
package resumecache

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/boltdb/bolt"

	"github.com/nilgrip/bitdl/internal/errs"
)

var errCorruptRecord = errors.New("resume cache record length is not a multiple of 4")

var bucketName = []byte("torrents")

// Cache is a boltdb-backed store of completed piece index lists, keyed
// by info hash.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errs.New(errs.KindMetainfo, "opening resume cache", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.New(errs.KindMetainfo, "initializing resume cache", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database file.
func (c *Cache) Close() error { return c.db.Close() }

// Load returns the set of piece indices previously recorded complete
// for infoHash. A torrent with no prior record returns an empty,
// non-nil set.
func (c *Cache) Load(infoHash [20]byte) (map[uint32]bool, error) {
	completed := make(map[uint32]bool)
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(infoHash[:])
		if raw == nil {
			return nil
		}
		if len(raw)%4 != 0 {
			return errs.New(errs.KindIntegrity, "resume cache record", errCorruptRecord)
		}
		for i := 0; i < len(raw); i += 4 {
			completed[binary.BigEndian.Uint32(raw[i:i+4])] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// Save overwrites the recorded completed-piece set for infoHash.
func (c *Cache) Save(infoHash [20]byte, completed []uint32) error {
	buf := make([]byte, 4*len(completed))
	for i, idx := range completed {
		binary.BigEndian.PutUint32(buf[i*4:], idx)
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(infoHash[:], buf)
	})
	if err != nil {
		return errs.New(errs.KindMetainfo, "saving resume cache", err)
	}
	return nil
}

// Forget removes any record for infoHash, e.g. after a torrent
// completes and the cache entry is no longer useful.
func (c *Cache) Forget(infoHash [20]byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Delete(infoHash[:])
	})
	if err != nil {
		return errs.New(errs.KindMetainfo, "forgetting resume cache entry", err)
	}
	return nil
}
