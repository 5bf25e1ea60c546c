// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bdev

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/thread"
)

// Starts th and returns a context carrying it, as seen by its messages.
func threadContext(t *testing.T, th *thread.Thread) context.Context {
	t.Helper()

	th.Start()
	t.Cleanup(th.Stop)

	got := make(chan context.Context, 1)
	require.NoError(t, th.Send(func(ctx context.Context) { got <- ctx }))

	return <-got
}

// Driver completing reads inline and keeping everything else pending.
type testDriver struct {
	fw      *Framework
	pending []*IO
	reset   bool
	done    func()
}

func (d *testDriver) Destruct(done func()) {
	d.done = done
}

func (d *testDriver) SubmitRequest(ctx context.Context, ch *iodev.Channel, io *IO) {
	if io.Type == IOTypeRead {
		d.fw.Complete(ctx, io, StatusSuccess)
		return
	}
	d.pending = append(d.pending, io)
}

func (d *testDriver) IOTypeSupported(t IOType) bool {
	return t == IOTypeRead || (t == IOTypeReset && d.reset)
}

func (d *testDriver) GetIOChannel(t *thread.Thread) (*iodev.Channel, error) {
	return d.fw.Channels.Get(d, t)
}

func (d *testDriver) DumpInfo() interface{} {
	return map[string]string{"test": "info"}
}

func (d *testDriver) WriteConfig() interface{} {
	return map[string]string{"method": "test_create"}
}

type testModule struct {
	name   string
	err    error
	events *[]string
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Init() error {
	if m.err != nil {
		return m.err
	}
	*m.events = append(*m.events, "init "+m.name)
	return nil
}

func (m *testModule) Fini() {
	*m.events = append(*m.events, "fini "+m.name)
}

func (m *testModule) NewIOContext() interface{} {
	return new(int)
}

func newTestBdev(t *testing.T, fw *Framework, m Module, name string) (*Bdev, *testDriver) {
	t.Helper()

	d := &testDriver{fw: fw}
	require.NoError(t, fw.Channels.Register(d, name, nil, nil, nil))

	b := &Bdev{Name: name, UUID: uuid.New(), BlockLen: 512, BlockCnt: 100, Driver: d, Module: m}
	require.NoError(t, fw.Register(b))

	return b, d
}

func TestModuleInitAndFiniOrder(t *testing.T) {
	var events []string
	fw := New(0)
	fw.RegisterModule(&testModule{name: "a", events: &events})
	fw.RegisterModule(&testModule{name: "b", events: &events})

	require.NoError(t, fw.Init())
	fw.Fini()

	assert.Equal(t, []string{"init a", "init b", "fini b", "fini a"}, events)
}

func TestModuleInitFailureUnwinds(t *testing.T) {
	var events []string
	boom := errors.New("boom")
	fw := New(0)
	fw.RegisterModule(&testModule{name: "a", events: &events})
	fw.RegisterModule(&testModule{name: "b", events: &events, err: boom})

	assert.ErrorIs(t, fw.Init(), boom)
	assert.Equal(t, []string{"init a", "fini a"}, events)
}

func TestRegisterUniqueNames(t *testing.T) {
	fw := New(4)
	m := &testModule{name: "m"}

	newTestBdev(t, fw, m, "b")
	newTestBdev(t, fw, m, "a")

	err := fw.Register(&Bdev{Name: "a", Driver: &testDriver{fw: fw}, Module: m})
	assert.ErrorIs(t, err, ErrExists)

	list := fw.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)

	assert.Len(t, fw.Config(), 2)

	_, err = fw.Get("c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterByName(t *testing.T) {
	fw := New(4)
	m := &testModule{name: "m"}
	b, d := newTestBdev(t, fw, m, "b")

	assert.ErrorIs(t, fw.UnregisterByName("b", &testModule{name: "other"}, nil), ErrNotFound)
	assert.ErrorIs(t, fw.UnregisterByName("missing", m, nil), ErrNotFound)

	var calls []error
	require.NoError(t, fw.UnregisterByName("b", m, func(err error) { calls = append(calls, err) }))

	_, err := fw.Get(b.Name)
	assert.ErrorIs(t, err, ErrNotFound, "name released immediately")
	assert.Empty(t, calls, "callback waits for destruct")

	d.done()
	assert.Equal(t, []error{nil}, calls)

	assert.ErrorIs(t, fw.UnregisterByName("b", m, nil), ErrNotFound)
}

func TestSubmitValidatesRange(t *testing.T) {
	fw := New(4)
	th := thread.New("t")
	ctx := threadContext(t, th)
	b, _ := newTestBdev(t, fw, &testModule{name: "m"}, "b")

	ch, err := b.Driver.GetIOChannel(th)
	require.NoError(t, err)
	defer ch.Put()

	cb := func(ctx context.Context, io *IO, success bool) {
		t.Fatal("callback of rejected request")
	}

	assert.ErrorIs(t, fw.ReadBlocks(ctx, ch, b, nil, 99, 2, cb), ErrOutOfRange)
	assert.ErrorIs(t, fw.ReadBlocks(ctx, ch, b, nil, ^uint64(0), 2, cb), ErrOutOfRange)
	assert.ErrorIs(t, fw.Submit(ctx, ch, b, IOTypeReset, nil, 0, 0, cb), ErrNotSupported)
}

func TestSubmitDispatchesResetWhenSupported(t *testing.T) {
	fw := New(4)
	th := thread.New("t")
	ctx := threadContext(t, th)
	b, d := newTestBdev(t, fw, &testModule{name: "m"}, "b")
	d.reset = true

	ch, err := b.Driver.GetIOChannel(th)
	require.NoError(t, err)
	defer ch.Put()

	require.NoError(t, fw.Submit(ctx, ch, b, IOTypeReset, nil, 0, 0, nil))
	require.Len(t, d.pending, 1)
	assert.Equal(t, IOTypeReset, d.pending[0].Type)
}

func TestSlotsAreBoundedAndRecycled(t *testing.T) {
	fw := New(2)
	th := thread.New("t")
	ctx := threadContext(t, th)
	b, d := newTestBdev(t, fw, &testModule{name: "m"}, "b")

	ch, err := b.Driver.GetIOChannel(th)
	require.NoError(t, err)
	defer ch.Put()

	var results []bool
	cb := func(ctx context.Context, io *IO, success bool) {
		assert.Same(t, th, thread.FromContext(ctx))
		assert.NotNil(t, io.DriverCtx())
		results = append(results, success)
	}

	require.NoError(t, fw.WriteBlocks(ctx, ch, b, nil, 0, 1, cb))
	require.NoError(t, fw.WriteBlocks(ctx, ch, b, nil, 1, 1, cb))
	assert.ErrorIs(t, fw.WriteBlocks(ctx, ch, b, nil, 2, 1, cb), ErrNoIO)

	io := d.pending[0]
	assert.Equal(t, StatusPending, io.Status())
	fw.Complete(ctx, io, StatusFailed)
	assert.Equal(t, []bool{false}, results)

	// Reads complete inline and reuse the freed slot.
	require.NoError(t, fw.ReadBlocks(ctx, ch, b, nil, 0, 1, cb))
	assert.Equal(t, []bool{false, true}, results)
}

func TestCompleteTwicePanics(t *testing.T) {
	fw := New(1)
	th := thread.New("t")
	ctx := threadContext(t, th)
	b, d := newTestBdev(t, fw, &testModule{name: "m"}, "b")

	ch, err := b.Driver.GetIOChannel(th)
	require.NoError(t, err)
	defer ch.Put()

	require.NoError(t, fw.WriteBlocks(ctx, ch, b, nil, 0, 1, nil))
	io := d.pending[0]
	fw.Complete(ctx, io, StatusSuccess)

	assert.Panics(t, func() {
		fw.Complete(ctx, io, StatusSuccess)
	})
}

func TestInfo(t *testing.T) {
	fw := New(1)
	b, _ := newTestBdev(t, fw, &testModule{name: "m"}, "b")

	info := b.Info()
	assert.Equal(t, "b", info.Name)
	assert.Equal(t, "m", info.Module)
	assert.Equal(t, uint64(100), info.NumBlocks)
	assert.Equal(t, map[string]string{"test": "info"}, info.DriverSpecific)
}

func TestTypeAndStatusStrings(t *testing.T) {
	assert.Equal(t, "write_zeroes", IOTypeWriteZeroes.String())
	assert.Equal(t, "invalid", IOType(42).String())
	assert.Equal(t, "failed", StatusFailed.String())
}
