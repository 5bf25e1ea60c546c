// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bdev

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/iodev"
)

const (
	// Default number of request slots per device.
	DefaultIOPoolSize = 1024
)

// Framework is the registry of modules and devices.
type Framework struct {
	// Resource domains shared by all modules and devices.
	Channels *iodev.Registry

	ioPoolSize int

	mu      sync.Mutex
	modules []Module
	bdevs   map[string]*Bdev
}

// New returns an empty framework. ioPoolSize is the number of request slots
// preallocated for every registered device, DefaultIOPoolSize is used for
// non-positive values.
func New(ioPoolSize int) *Framework {
	if ioPoolSize <= 0 {
		ioPoolSize = DefaultIOPoolSize
	}

	return &Framework{
		Channels:   iodev.NewRegistry(),
		ioPoolSize: ioPoolSize,
		bdevs:      make(map[string]*Bdev),
	}
}

// RegisterModule adds a module. Modules are initialized by Init in the order
// of registration.
func (f *Framework) RegisterModule(m Module) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.modules = append(f.modules, m)
}

// Init initializes all registered modules. The first failure stops the
// initialization and already initialized modules are finalized.
func (f *Framework) Init() error {
	f.mu.Lock()
	modules := append([]Module(nil), f.modules...)
	f.mu.Unlock()

	for i, m := range modules {
		if err := m.Init(); err != nil {
			for j := i - 1; j >= 0; j-- {
				modules[j].Fini()
			}
			return errors.Wrapf(err, "initializing module %s", m.Name())
		}
		log.Info().Str("module", m.Name()).Msg("Module initialized")
	}

	return nil
}

// Fini finalizes all modules in reverse order of registration.
func (f *Framework) Fini() {
	f.mu.Lock()
	modules := append([]Module(nil), f.modules...)
	f.mu.Unlock()

	for i := len(modules) - 1; i >= 0; i-- {
		modules[i].Fini()
		log.Info().Str("module", modules[i].Name()).Msg("Module finalized")
	}
}

// Register makes the device visible. Its name must be unique.
func (f *Framework) Register(b *Bdev) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.bdevs[b.Name]; ok {
		return errors.Wrap(ErrExists, b.Name)
	}

	b.pool = newIOPool(f.ioPoolSize, b.Module.NewIOContext)
	f.bdevs[b.Name] = b

	log.Info().Str("bdev", b.Name).Str("module", b.Module.Name()).
		Uint32("block_size", b.BlockLen).Uint64("num_blocks", b.BlockCnt).
		Msg("Block device registered")

	return nil
}

// UnregisterByName removes the device named name which must belong to module
// m. The name is released immediately, the driver is destructed after all
// channels of the device were put back and then cb is called. A synchronous
// error means cb will never be called.
func (f *Framework) UnregisterByName(name string, m Module, cb func(err error)) error {
	f.mu.Lock()

	b, ok := f.bdevs[name]
	if !ok || b.Module != m {
		f.mu.Unlock()
		return errors.Wrap(ErrNotFound, name)
	}

	delete(f.bdevs, name)

	f.mu.Unlock()

	log.Info().Str("bdev", name).Msg("Block device unregistering")

	b.Driver.Destruct(func() {
		log.Info().Str("bdev", name).Msg("Block device unregistered")
		if cb != nil {
			cb(nil)
		}
	})

	return nil
}

// Get returns the registered device named name.
func (f *Framework) Get(name string) (*Bdev, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.bdevs[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}

	return b, nil
}

// List returns all registered devices sorted by name.
func (f *Framework) List() []*Bdev {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := make([]*Bdev, 0, len(f.bdevs))
	for _, b := range f.bdevs {
		list = append(list, b)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	return list
}

// Config returns the management calls which recreate all registered devices.
func (f *Framework) Config() []interface{} {
	var config []interface{}
	for _, b := range f.List() {
		config = append(config, b.Driver.WriteConfig())
	}

	return config
}

// Submit starts a request on the device b through channel ch. It must be
// called on the thread of ch and ctx must carry that thread. A returned error
// means the request never started and cb will not be called. Otherwise cb is
// called exactly once on the thread of ch, possibly before Submit returns.
//
// Reset is not dispatched to drivers which do not claim its support. All other
// types are dispatched and the driver decides.
func (f *Framework) Submit(ctx context.Context, ch *iodev.Channel, b *Bdev, t IOType,
	iovs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFunc) error {

	if t == IOTypeReset && !b.Driver.IOTypeSupported(t) {
		return errors.Wrapf(ErrNotSupported, "%s on %s", t, b.Name)
	}

	if offsetBlocks+numBlocks < offsetBlocks || offsetBlocks+numBlocks > b.BlockCnt {
		return errors.Wrapf(ErrOutOfRange, "%d+%d on %s", offsetBlocks, numBlocks, b.Name)
	}

	io := b.pool.get()
	if io == nil {
		return errors.Wrap(ErrNoIO, b.Name)
	}

	io.Type = t
	io.Bdev = b
	io.Iovs = iovs
	io.OffsetBlocks = offsetBlocks
	io.NumBlocks = numBlocks
	io.status = StatusPending
	io.cb = cb

	b.Driver.SubmitRequest(ctx, ch, io)

	return nil
}

// ReadBlocks reads numBlocks blocks starting at offsetBlocks into iovs.
func (f *Framework) ReadBlocks(ctx context.Context, ch *iodev.Channel, b *Bdev,
	iovs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFunc) error {

	return f.Submit(ctx, ch, b, IOTypeRead, iovs, offsetBlocks, numBlocks, cb)
}

// WriteBlocks writes numBlocks blocks starting at offsetBlocks from iovs.
func (f *Framework) WriteBlocks(ctx context.Context, ch *iodev.Channel, b *Bdev,
	iovs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFunc) error {

	return f.Submit(ctx, ch, b, IOTypeWrite, iovs, offsetBlocks, numBlocks, cb)
}

// Complete finishes the request. Drivers call it exactly once per request on
// the thread the request was submitted on. ctx carries that thread.
func (f *Framework) Complete(ctx context.Context, io *IO, status Status) {
	if io.status != StatusPending {
		log.Panic().Str("bdev", io.Bdev.Name).Str("type", io.Type.String()).
			Msg("Request completed twice")
	}

	io.status = status
	cb := io.cb

	if cb != nil {
		cb(ctx, io, status == StatusSuccess)
	}

	io.Bdev.pool.put(io)
}
