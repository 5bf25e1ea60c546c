// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// ProxyOptions to use in NewProxy() due to the number of parameters.
type ProxyOptions struct {
	// Number of go routines to spawn for handling reads and writes.
	Readers int
	Writers int

	// Capacity of each queue. Submissions beyond it are rejected with
	// ErrBusy instead of blocking the submitter.
	QueueDepth int
}

// Proxy turns a synchronous Store into an asynchronous Volume. Reads and
// writes are queued into separate channels and served by their own workers,
// so a burst of slow writes does not starve reads. Callbacks are called on the
// worker goroutines.
type Proxy struct {
	Instance Store

	size int64

	// Guards closing of the channels against concurrent submissions.
	mu     sync.RWMutex
	closed bool

	reads  chan request
	writes chan request
	wg     sync.WaitGroup
}

// Request is internal structure for wrapping the submission into channels.
type request struct {
	iovs   [][]byte
	length int64
	offset int64
	cb     Callback
}

// NewProxy returns a volume of size bytes backed by store. It immediately
// spawns the read and write workers.
func NewProxy(store Store, size int64, o ProxyOptions) *Proxy {
	if o.Readers < 1 {
		o.Readers = 1
	}
	if o.Writers < 1 {
		o.Writers = 1
	}
	if o.QueueDepth < 1 {
		o.QueueDepth = 1
	}

	p := &Proxy{
		Instance: store,
		size:     size,
		reads:    make(chan request, o.QueueDepth),
		writes:   make(chan request, o.QueueDepth),
	}

	for i := 0; i < o.Readers; i++ {
		p.wg.Add(1)
		go p.worker(p.reads, false)
	}

	for i := 0; i < o.Writers; i++ {
		p.wg.Add(1)
		go p.worker(p.writes, true)
	}

	return p
}

func (p *Proxy) Size() int64 {
	return p.size
}

// Submit validates the request and queues it without waiting.
func (p *Proxy) Submit(iovs [][]byte, length, offset int64, cb Callback, write bool) error {
	if length < 0 || offset < 0 || offset+length > p.size || offset+length < offset {
		return ErrOutOfRange
	}

	var total int64
	for _, iov := range iovs {
		total += int64(len(iov))
	}
	if total < length {
		return ErrShortIov
	}

	c := p.reads
	if write {
		c = p.writes
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case c <- request{iovs: iovs, length: length, offset: offset, cb: cb}:
		return nil
	default:
		return ErrBusy
	}
}

// Close stops accepting submissions, waits for queued requests to complete
// and closes the store.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.reads)
	close(p.writes)
	p.mu.Unlock()

	p.wg.Wait()

	return p.Instance.Close()
}

func (p *Proxy) worker(c chan request, write bool) {
	defer p.wg.Done()

	for r := range c {
		status := StatusOK
		if err := p.serve(r, write); err != nil {
			log.Error().Err(err).Bool("write", write).Int64("offset", r.offset).
				Int64("length", r.length).Msg("Volume request failed")
			status = StatusIOError
		}
		r.cb(context.Background(), status)
	}
}

// Walks the scatter/gather list and issues one store operation per iovec.
func (p *Proxy) serve(r request, write bool) error {
	remaining := r.length
	off := r.offset

	for _, iov := range r.iovs {
		if remaining == 0 {
			break
		}

		n := int64(len(iov))
		if n > remaining {
			n = remaining
		}

		var err error
		if write {
			err = p.Instance.WriteAt(iov[:n], off)
		} else {
			err = p.Instance.ReadAt(iov[:n], off)
		}
		if err != nil {
			return err
		}

		off += n
		remaining -= n
	}

	return nil
}
