// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package thread provides execution contexts with their own run loop and
// inbound message queue. Code which must stay on one execution context, like
// the completion of a block request, is posted to the thread as a message and
// executed there in the order it was posted.
//
// The identity of the executing thread travels in context.Context. Every
// message receives a context carrying the thread it runs on, so FromContext
// answers "which thread am I on" without goroutine-local storage.
package thread

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	ErrStopped = errors.New("thread stopped")

	lastID uint64
)

type ctxKey struct{}

// Func is a message executed on a thread. ctx carries the executing thread.
type Func func(ctx context.Context)

// Thread is one execution context. Messages sent to the same thread are
// executed sequentially in the order they were sent. Sending never blocks.
type Thread struct {
	id   uint64
	name string
	ctx  context.Context

	// Pending messages. Guarded by mu, wake is signaled whenever the
	// queue goes from empty to non-empty.
	mu      sync.Mutex
	queue   []Func
	stopped bool
	wake    chan struct{}

	done chan struct{}
}

// New returns a thread which is not running yet. Messages sent before Start
// are queued and executed once the run loop starts.
func New(name string) *Thread {
	t := &Thread{
		id:   atomic.AddUint64(&lastID, 1),
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	t.ctx = context.WithValue(context.Background(), ctxKey{}, t)

	return t
}

// FromContext returns the thread executing the caller or nil when the caller
// does not run on any thread.
func FromContext(ctx context.Context) *Thread {
	if ctx == nil {
		return nil
	}

	t, _ := ctx.Value(ctxKey{}).(*Thread)

	return t
}

func (t *Thread) Name() string {
	return t.name
}

// Start spawns the run loop.
func (t *Thread) Start() {
	go t.run()
}

// Send posts fn to the thread. It is fire-and-forget, the caller never waits
// for fn to be executed.
func (t *Thread) Send(fn Func) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.queue = append(t.queue, fn)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}

	return nil
}

// Stop refuses new messages, lets the run loop drain what is already queued
// and waits for it to exit. The thread must have been started and Stop must
// not be called from the thread itself.
func (t *Thread) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()

	<-t.done
}

func (t *Thread) take() ([]Func, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := t.queue
	t.queue = nil

	return batch, t.stopped
}

func (t *Thread) run() {
	defer close(t.done)

	log.Debug().Str("thread", t.name).Uint64("id", t.id).Msg("Thread started")

	for {
		batch, stopped := t.take()
		for _, fn := range batch {
			fn(t.ctx)
		}

		if len(batch) > 0 {
			continue
		}

		if stopped {
			log.Debug().Str("thread", t.name).Msg("Thread stopped")
			return
		}

		<-t.wake
	}
}
