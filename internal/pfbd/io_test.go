// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pfbd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/metrics"
	"github.com/asch/pfbd/internal/thread"
	"github.com/asch/pfbd/internal/volume"
	_ "github.com/asch/pfbd/internal/volume/mem"
)

func TestWriteCompletedElsewhereIsDeliveredOnSubmitter(t *testing.T) {
	vol := newFakeVolume(4096 * 1000)
	fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
	t1, t2 := startThread(t, "t1"), startThread(t, "t2")

	b, err := m.Create(CreateOpts{ConfigFile: "vol.toml", Name: "d0", BlockSize: 4096})
	require.NoError(t, err)
	require.Equal(t, uint64(1000), b.BlockCnt)

	buf := make([]byte, 2*4096)
	s := submitOn(t, fw, t1, b, bdev.IOTypeWrite, [][]byte{buf}, 10, 2)
	require.NoError(t, s.err)
	assert.False(t, s.sync)

	subs := vol.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, int64(40960), subs[0].offset)
	assert.Equal(t, int64(8192), subs[0].length)
	assert.True(t, subs[0].write)
	assert.Equal(t, [][]byte{buf}, subs[0].iovs)

	subs[0].fire(t2, volume.StatusOK)

	r := waitResult(t, s.results)
	assert.Same(t, t1, r.thread)
	assert.True(t, r.success)
}

func TestCompletionFromForeignGoroutineIsDeliveredOnSubmitter(t *testing.T) {
	vol := newFakeVolume(1 << 20)
	fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
	t1 := startThread(t, "t1")

	b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
	require.NoError(t, err)

	s := submitOn(t, fw, t1, b, bdev.IOTypeRead, [][]byte{make([]byte, 512)}, 0, 1)
	require.NoError(t, s.err)

	subs := vol.submissions()
	require.Len(t, subs, 1)
	assert.False(t, subs[0].write)

	subs[0].fire(nil, volume.StatusOK)

	r := waitResult(t, s.results)
	assert.Same(t, t1, r.thread)
	assert.True(t, r.success)
}

func TestCompletionOnSubmitterIsDeliveredInline(t *testing.T) {
	vol := newFakeVolume(1 << 20)
	fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
	t1 := startThread(t, "t1")

	b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
	require.NoError(t, err)

	s := submitOn(t, fw, t1, b, bdev.IOTypeWrite, [][]byte{make([]byte, 512)}, 3, 1)
	require.NoError(t, s.err)

	subs := vol.submissions()
	require.Len(t, subs, 1)

	var inline bool
	onThread(t, t1, func(ctx context.Context) {
		subs[0].cb(ctx, volume.StatusOK)
		inline = len(s.results) == 1
	})
	assert.True(t, inline)

	r := waitResult(t, s.results)
	assert.Same(t, t1, r.thread)
	assert.True(t, r.success)
}

func TestNonZeroStatusFails(t *testing.T) {
	for _, typ := range []bdev.IOType{bdev.IOTypeRead, bdev.IOTypeWrite} {
		for _, status := range []int{volume.StatusIOError, 1, -1} {
			vol := newFakeVolume(1 << 20)
			fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
			t1, t2 := startThread(t, "t1"), startThread(t, "t2")

			b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
			require.NoError(t, err)

			s := submitOn(t, fw, t1, b, typ, [][]byte{make([]byte, 512)}, 0, 1)
			require.NoError(t, s.err)

			subs := vol.submissions()
			require.Len(t, subs, 1)
			subs[0].fire(t2, status)

			r := waitResult(t, s.results)
			assert.Same(t, t1, r.thread)
			assert.False(t, r.success, "%s with status %d", typ, status)
		}
	}
}

func TestUnsupportedTypesFailSynchronously(t *testing.T) {
	for _, typ := range []bdev.IOType{bdev.IOTypeUnmap, bdev.IOTypeFlush, bdev.IOTypeWriteZeroes, bdev.IOTypeInvalid} {
		t.Run(typ.String(), func(t *testing.T) {
			vol := newFakeVolume(1 << 20)
			fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
			t1 := startThread(t, "t1")

			b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
			require.NoError(t, err)

			s := submitOn(t, fw, t1, b, typ, nil, 0, 1)
			require.NoError(t, s.err)
			assert.True(t, s.sync)
			assert.Empty(t, vol.submissions())

			r := waitResult(t, s.results)
			assert.Same(t, t1, r.thread)
			assert.False(t, r.success)
		})
	}
}

func TestResetIsRejectedBeforeDispatch(t *testing.T) {
	vol := newFakeVolume(1 << 20)
	fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
	t1 := startThread(t, "t1")

	b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
	require.NoError(t, err)

	s := submitOn(t, fw, t1, b, bdev.IOTypeReset, nil, 0, 0)
	assert.True(t, errors.Is(s.err, ErrNotSupported))
	assert.Empty(t, s.results)
	assert.Empty(t, vol.submissions())
}

func TestRejectedSubmissionFailsSynchronously(t *testing.T) {
	vol := newFakeVolume(1 << 20)
	vol.submitErr = volume.ErrBusy
	fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
	t1 := startThread(t, "t1")

	b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
	require.NoError(t, err)

	s := submitOn(t, fw, t1, b, bdev.IOTypeWrite, [][]byte{make([]byte, 1024)}, 0, 2)
	require.NoError(t, s.err)
	assert.True(t, s.sync)

	r := waitResult(t, s.results)
	assert.Same(t, t1, r.thread)
	assert.False(t, r.success)
}

func TestRequestSlotsAreReused(t *testing.T) {
	vol := newFakeVolume(1 << 20)
	vol.submitErr = volume.ErrBusy
	fw, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{vol}})
	t1 := startThread(t, "t1")

	b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
	require.NoError(t, err)

	// More requests than slots, each one completes before the next starts.
	for i := 0; i < 64; i++ {
		s := submitOn(t, fw, t1, b, bdev.IOTypeRead, [][]byte{make([]byte, 512)}, 0, 1)
		require.NoError(t, s.err)
		assert.False(t, waitResult(t, s.results).success)
	}
}

func TestCompletionWithoutSubmitThreadPanics(t *testing.T) {
	_, m := newTestModule(t, &fakeOpener{vols: []*fakeVolume{newFakeVolume(1 << 20)}})

	b, err := m.Create(CreateOpts{Name: "d0", BlockSize: 512})
	require.NoError(t, err)

	rio := m.NewIOContext().(*ioContext)
	rio.io = &bdev.IO{Type: bdev.IOTypeRead, Bdev: b}

	assert.Panics(t, func() {
		rio.volumeDone(context.Background(), volume.StatusOK)
	})
}

func TestReadWriteThroughMemoryVolume(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "vol.toml")
	require.NoError(t, os.WriteFile(config, []byte("backend = \"mem\"\nsize = 1048576\n"), 0o644))

	fw, m := newTestModule(t, nil)
	t1 := startThread(t, "t1")

	b, err := m.Create(CreateOpts{ConfigFile: config, Name: "pfbd-io-test", BlockSize: 512})
	require.NoError(t, err)
	require.Equal(t, uint64(2048), b.BlockCnt)

	data := bytes.Repeat([]byte("pfbd"), 4*512/4)
	s := submitOn(t, fw, t1, b, bdev.IOTypeWrite, [][]byte{data[:1000], data[1000:]}, 3, 4)
	require.NoError(t, s.err)
	r := waitResult(t, s.results)
	require.True(t, r.success)
	assert.Same(t, t1, r.thread)

	head, tail := make([]byte, 512), make([]byte, 3*512)
	s = submitOn(t, fw, t1, b, bdev.IOTypeRead, [][]byte{head, tail}, 3, 4)
	require.NoError(t, s.err)
	r = waitResult(t, s.results)
	require.True(t, r.success)
	assert.Same(t, t1, r.thread)
	assert.Equal(t, data, append(head, tail...))

	deleted := make(chan error, 1)
	m.Delete(b.Name, func(err error) { deleted <- err })
	assert.NoError(t, <-deleted)
}

func TestConcurrentSubmittersCompleteOnceOnTheirThread(t *testing.T) {
	const threads, perThread = 4, 32

	config := filepath.Join(t.TempDir(), "vol.toml")
	require.NoError(t, os.WriteFile(config, []byte("backend = \"mem\"\nsize = 1048576\nqueue_depth = 512\n"), 0o644))

	fw := bdev.New(threads * perThread)
	m := New(fw, Options{Metrics: metrics.New(nil)})
	require.NoError(t, fw.Init())
	t.Cleanup(fw.Fini)

	b, err := m.Create(CreateOpts{ConfigFile: config, Name: "pfbd-stress", BlockSize: 512})
	require.NoError(t, err)

	var (
		counts [threads * perThread]int32
		wrong  int32
		wg     sync.WaitGroup
	)
	wg.Add(threads * perThread)

	ths := make([]*thread.Thread, threads)
	chans := make([]*iodev.Channel, threads)
	for i := range ths {
		ths[i] = startThread(t, fmt.Sprintf("t%d", i))
	}

	for i, th := range ths {
		i, th := i, th

		require.NoError(t, th.Send(func(ctx context.Context) {
			ch, err := b.Driver.GetIOChannel(th)
			if err != nil {
				t.Error(err)
				wg.Add(-perThread)
				return
			}
			chans[i] = ch

			for j := 0; j < perThread; j++ {
				req := i*perThread + j

				typ := bdev.IOTypeWrite
				if j%2 == 1 {
					typ = bdev.IOTypeRead
				}

				err := fw.Submit(ctx, ch, b, typ, [][]byte{make([]byte, 512)}, uint64(req), 1,
					func(ctx context.Context, io *bdev.IO, success bool) {
						if thread.FromContext(ctx) != th || !success {
							atomic.AddInt32(&wrong, 1)
						}
						if atomic.AddInt32(&counts[req], 1) == 1 {
							wg.Done()
						}
					})
				if err != nil {
					t.Error(err)
					wg.Done()
				}
			}
		}))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("not all requests completed")
	}

	// Anything still queued on the submitters runs before the barrier.
	for i, th := range ths {
		i := i
		onThread(t, th, func(ctx context.Context) {
			if chans[i] != nil {
				chans[i].Put()
			}
		})
	}

	assert.Zero(t, atomic.LoadInt32(&wrong))
	for req := range counts {
		assert.Equal(t, int32(1), atomic.LoadInt32(&counts[req]), "request %d", req)
	}

	deleted := make(chan error, 1)
	m.Delete(b.Name, func(err error) { deleted <- err })
	assert.NoError(t, <-deleted)
}
