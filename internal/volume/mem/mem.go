// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mem keeps volumes in memory. Volumes with the same name share
// their data for the lifetime of the process, so a volume can be closed and
// opened again without losing content.
package mem

import (
	"sync"

	"github.com/asch/pfbd/internal/volume"
)

const (
	BackendName = "mem"

	chunkSize = 64 * 1024
)

func init() {
	volume.Register(BackendName, Open)
}

var (
	volumesMu sync.Mutex
	volumes   = make(map[string]*Store)
)

// Store is a ChunkStore keeping chunks in a map.
type Store struct {
	mu     sync.RWMutex
	chunks map[int64][]byte
}

func New() *Store {
	return &Store{chunks: make(map[int64][]byte)}
}

// Open returns the shared in-memory store of the volume name.
func Open(name string, cfg *volume.Config) (volume.Store, error) {
	volumesMu.Lock()
	defer volumesMu.Unlock()

	s, ok := volumes[name]
	if !ok {
		s = New()
		volumes[name] = s
	}

	return volume.NewChunked(s, chunkSize), nil
}

func (s *Store) ReadChunkAt(idx int64, p []byte, off int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunk, ok := s.chunks[idx]
	if !ok {
		return false, nil
	}

	copy(p, chunk[off:])

	return true, nil
}

func (s *Store) PutChunk(idx int64, chunk []byte) error {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	s.mu.Lock()
	s.chunks[idx] = c
	s.mu.Unlock()

	return nil
}

// Close keeps the data, the store stays reachable by name.
func (s *Store) Close() error {
	return nil
}
