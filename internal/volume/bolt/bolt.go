// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bolt keeps volumes in a local bbolt database. Each volume is a
// bucket named after the volume, each chunk a value keyed by its big endian
// index. It is meant for single host setups and tests of the full stack
// without an object store.
package bolt

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/asch/pfbd/internal/volume"
)

const (
	BackendName = "bolt"

	// Used when the configuration leaves the lock timeout unset.
	DefaultOpenTimeout = time.Second
)

func init() {
	volume.Register(BackendName, Open)
}

// Store is a ChunkStore backed by one bbolt bucket.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

// Open opens the database configured in cfg, defaulting to <name>.db, and
// makes sure the bucket of the volume exists. The database is locked
// exclusively, so a second open of the same file fails after the lock timeout.
func Open(name string, cfg *volume.Config) (volume.Store, error) {
	path := cfg.Bolt.Path
	if path == "" {
		path = fmt.Sprintf("%s.db", name)
	}

	timeout := time.Duration(cfg.Bolt.OpenTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}

	s, err := New(path, name, timeout)
	if err != nil {
		return nil, err
	}

	return volume.NewChunked(s, cfg.Bolt.ChunkSize), nil
}

func New(path, bucket string, timeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt database %s", path)
	}

	s := &Store{db: db, bucket: []byte(bucket)}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "creating bucket %s", bucket)
	}

	return s, nil
}

func (s *Store) ReadChunkAt(idx int64, p []byte, off int64) (bool, error) {
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(key(idx))
		if v == nil {
			return nil
		}

		found = true
		// Values are only valid inside the transaction.
		n := copy(p, v[off:])
		for i := n; i < len(p); i++ {
			p[i] = 0
		}

		return nil
	})

	return found, err
}

func (s *Store) PutChunk(idx int64, chunk []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(key(idx), chunk)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(idx int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(idx))

	return k
}
