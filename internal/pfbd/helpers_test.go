// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pfbd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/metrics"
	"github.com/asch/pfbd/internal/thread"
	"github.com/asch/pfbd/internal/volume"
)

const waitTimeout = 5 * time.Second

// Volume recording submissions instead of serving them. Tests fire the
// callbacks themselves on a thread of their choice.
type fakeVolume struct {
	size      int64
	submitErr error

	mu     sync.Mutex
	subs   []*submission
	closed bool
}

type submission struct {
	iovs   [][]byte
	length int64
	offset int64
	write  bool
	cb     volume.Callback
}

func newFakeVolume(size int64) *fakeVolume {
	return &fakeVolume{size: size}
}

func (v *fakeVolume) Size() int64 {
	return v.size
}

func (v *fakeVolume) Submit(iovs [][]byte, length, offset int64, cb volume.Callback, write bool) error {
	if v.submitErr != nil {
		return v.submitErr
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.subs = append(v.subs, &submission{iovs: iovs, length: length, offset: offset, write: write, cb: cb})

	return nil
}

func (v *fakeVolume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return errors.New("closed twice")
	}
	v.closed = true

	return nil
}

func (v *fakeVolume) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.closed
}

func (v *fakeVolume) submissions() []*submission {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]*submission(nil), v.subs...)
}

// Fires the callback on th, or on a fresh goroutine without any thread when
// th is nil.
func (s *submission) fire(th *thread.Thread, status int) {
	if th == nil {
		go s.cb(context.Background(), status)
		return
	}

	th.Send(func(ctx context.Context) {
		s.cb(ctx, status)
	})
}

// Opener handing out prepared volumes in order.
type fakeOpener struct {
	mu    sync.Mutex
	vols  []*fakeVolume
	err   error
	calls int

	gotName    string
	gotConfig  string
	gotVersion int
}

func (o *fakeOpener) Open(name, configFile string, version int) (volume.Volume, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls++
	o.gotName, o.gotConfig, o.gotVersion = name, configFile, version

	if o.err != nil {
		return nil, o.err
	}

	v := o.vols[0]
	o.vols = o.vols[1:]

	return v, nil
}

func newTestModule(t *testing.T, opener volume.Opener) (*bdev.Framework, *Module) {
	t.Helper()

	fw := bdev.New(16)
	m := New(fw, Options{Opener: opener, Metrics: metrics.New(nil)})
	require.NoError(t, fw.Init())
	t.Cleanup(fw.Fini)

	return fw, m
}

func startThread(t *testing.T, name string) *thread.Thread {
	t.Helper()

	th := thread.New(name)
	th.Start()
	t.Cleanup(th.Stop)

	return th
}

// Runs fn on th and waits for it.
func onThread(t *testing.T, th *thread.Thread, fn thread.Func) {
	t.Helper()

	done := make(chan struct{})
	require.NoError(t, th.Send(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}))

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("message not executed")
	}
}

type result struct {
	thread  *thread.Thread
	success bool
}

type submitted struct {
	results chan result

	// The request completed before Submit returned.
	sync bool
	err  error
}

// Submits one request on th through a fresh channel reference which is put
// back on completion.
func submitOn(t *testing.T, fw *bdev.Framework, th *thread.Thread, b *bdev.Bdev, typ bdev.IOType,
	iovs [][]byte, offset, num uint64) submitted {

	t.Helper()

	var s submitted
	s.results = make(chan result, 2)

	onThread(t, th, func(ctx context.Context) {
		ch, err := b.Driver.GetIOChannel(th)
		if err != nil {
			s.err = err
			return
		}

		s.err = fw.Submit(ctx, ch, b, typ, iovs, offset, num, func(ctx context.Context, io *bdev.IO, success bool) {
			s.results <- result{thread: thread.FromContext(ctx), success: success}
			ch.Put()
		})
		if s.err != nil {
			ch.Put()
		}

		s.sync = len(s.results) == 1
	})

	return s
}

func waitResult(t *testing.T, results <-chan result) result {
	t.Helper()

	select {
	case r := <-results:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("completion not delivered")
		return result{}
	}
}
