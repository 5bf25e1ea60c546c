// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"sync"
)

const (
	// Number of locks serializing read-modify-write cycles of chunks.
	chunkLockStripes = 64
)

// ChunkStore keeps a volume as a sequence of fixed size chunks addressed by
// index. Chunks never written do not exist and read as zeros.
type ChunkStore interface {
	// ReadChunkAt reads len(p) bytes at offset off inside chunk idx.
	// found is false when the chunk does not exist.
	ReadChunkAt(idx int64, p []byte, off int64) (found bool, err error)

	// PutChunk stores the whole chunk idx.
	PutChunk(idx int64, chunk []byte) error

	Close() error
}

// Chunked implements Store on top of a ChunkStore. Partial chunk writes are
// done as read-modify-write under a per-chunk lock.
type Chunked struct {
	Instance  ChunkStore
	chunkSize int64
	locks     [chunkLockStripes]sync.Mutex
}

func NewChunked(cs ChunkStore, chunkSize int64) *Chunked {
	return &Chunked{Instance: cs, chunkSize: chunkSize}
}

// Calls fn for every chunk piece of the byte range. p is the part of buf
// belonging to chunk idx starting at off inside the chunk.
func (c *Chunked) split(buf []byte, off int64, fn func(idx int64, p []byte, off int64) error) error {
	for len(buf) > 0 {
		idx := off / c.chunkSize
		inChunk := off % c.chunkSize

		n := c.chunkSize - inChunk
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}

		if err := fn(idx, buf[:n], inChunk); err != nil {
			return err
		}

		buf = buf[n:]
		off += n
	}

	return nil
}

func (c *Chunked) ReadAt(p []byte, off int64) error {
	return c.split(p, off, func(idx int64, p []byte, off int64) error {
		found, err := c.Instance.ReadChunkAt(idx, p, off)
		if err == nil && !found {
			for i := range p {
				p[i] = 0
			}
		}

		return err
	})
}

func (c *Chunked) WriteAt(p []byte, off int64) error {
	return c.split(p, off, func(idx int64, p []byte, off int64) error {
		l := &c.locks[idx%chunkLockStripes]
		l.Lock()
		defer l.Unlock()

		if off == 0 && int64(len(p)) == c.chunkSize {
			return c.Instance.PutChunk(idx, p)
		}

		chunk := make([]byte, c.chunkSize)
		if _, err := c.Instance.ReadChunkAt(idx, chunk, 0); err != nil {
			return err
		}

		copy(chunk[off:], p)

		return c.Instance.PutChunk(idx, chunk)
	})
}

func (c *Chunked) Close() error {
	return c.Instance.Close()
}
