// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package iodev manages resource domains ("io devices") and their per-thread
// channels. A resource domain is registered under an arbitrary comparable
// key. The first Get of the key on a thread creates a channel for that thread,
// further Gets on the same thread only take a reference. The channel is
// destroyed when the last reference is put back.
package iodev

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/thread"
)

var (
	ErrUnregistered = errors.New("io device is not registered")
	ErrRegistered   = errors.New("io device is already registered")
)

// CreateFunc initializes a freshly created channel. Returning an error aborts
// the Get which triggered the creation.
type CreateFunc func(key interface{}, ch *Channel) error

// DestroyFunc releases whatever CreateFunc acquired for the channel.
type DestroyFunc func(key interface{}, ch *Channel)

// Registry holds all registered io devices. The zero value is not usable, use
// NewRegistry.
type Registry struct {
	mu      sync.Mutex
	devices map[interface{}]*device
}

type device struct {
	key     interface{}
	name    string
	newCtx  func() interface{}
	create  CreateFunc
	destroy DestroyFunc

	channels map[*thread.Thread]*Channel

	// Set by Unregister. No new channels can be created afterwards and
	// done is called once the last channel is destroyed.
	unregistered bool
	done         func()
}

// Channel is the per-thread handle of an io device.
type Channel struct {
	dev    *device
	reg    *Registry
	thread *thread.Thread
	ctx    interface{}
	refs   int
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[interface{}]*device)}
}

// Register adds a new io device. newCtx allocates the per-channel private
// data and may be nil when the device needs none.
func (r *Registry) Register(key interface{}, name string, newCtx func() interface{},
	create CreateFunc, destroy DestroyFunc) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[key]; ok {
		return ErrRegistered
	}

	r.devices[key] = &device{
		key:      key,
		name:     name,
		newCtx:   newCtx,
		create:   create,
		destroy:  destroy,
		channels: make(map[*thread.Thread]*Channel),
	}

	log.Debug().Str("io_device", name).Msg("IO device registered")

	return nil
}

// Unregister removes the io device. done, if not nil, is called once all
// channels of the device have been destroyed, which may be immediately.
func (r *Registry) Unregister(key interface{}, done func()) error {
	r.mu.Lock()

	d, ok := r.devices[key]
	if !ok || d.unregistered {
		r.mu.Unlock()
		return ErrUnregistered
	}

	d.unregistered = true
	d.done = done
	open := len(d.channels)
	idle := open == 0
	if idle {
		delete(r.devices, key)
	}

	r.mu.Unlock()

	log.Debug().Str("io_device", d.name).Int("channels", open).Msg("IO device unregistering")

	if idle && done != nil {
		done()
	}

	return nil
}

// Get returns the channel of the io device for thread t, creating it if this
// is the first reference on t. Gets for the same thread are expected to be
// issued from that thread, which serializes them. Callbacks run without the
// registry lock held, so they may Get channels of other io devices.
func (r *Registry) Get(key interface{}, t *thread.Thread) (*Channel, error) {
	r.mu.Lock()

	d, ok := r.devices[key]
	if !ok || d.unregistered {
		r.mu.Unlock()
		return nil, ErrUnregistered
	}

	if ch, ok := d.channels[t]; ok {
		ch.refs++
		r.mu.Unlock()
		return ch, nil
	}

	ch := &Channel{dev: d, reg: r, thread: t, refs: 1}
	d.channels[t] = ch

	r.mu.Unlock()

	if d.newCtx != nil {
		ch.ctx = d.newCtx()
	}

	if d.create != nil {
		if err := d.create(d.key, ch); err != nil {
			r.release(ch, false)
			return nil, err
		}
	}

	return ch, nil
}

// Refs returns the number of live channels of the io device, summed over all
// threads, and their total reference count.
func (r *Registry) Refs(key interface{}) (channels, refs int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[key]
	if !ok {
		return 0, 0
	}

	for _, ch := range d.channels {
		channels++
		refs += ch.refs
	}

	return channels, refs
}

// Put drops one reference. The last reference destroys the channel and, for
// an unregistered device with no other channels left, finishes the
// unregistration.
func (ch *Channel) Put() {
	ch.reg.release(ch, true)
}

func (r *Registry) release(ch *Channel, destroy bool) {
	d := ch.dev

	r.mu.Lock()

	ch.refs--
	if ch.refs > 0 && destroy {
		r.mu.Unlock()
		return
	}

	delete(d.channels, ch.thread)

	var done func()
	last := d.unregistered && len(d.channels) == 0
	if last {
		delete(r.devices, d.key)
		done = d.done
	}

	r.mu.Unlock()

	if destroy && d.destroy != nil {
		d.destroy(d.key, ch)
	}

	if last {
		log.Debug().Str("io_device", d.name).Msg("IO device unregistered")
		if done != nil {
			done()
		}
	}
}

// Ctx returns the channel private data allocated by the device's newCtx.
func (ch *Channel) Ctx() interface{} {
	return ch.ctx
}

// Thread returns the thread the channel belongs to.
func (ch *Channel) Thread() *thread.Thread {
	return ch.thread
}

