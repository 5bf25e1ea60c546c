// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package volume is the client side of remote volumes. A volume is opened by
// name with a configuration file which selects the storage backend, and then
// accepts asynchronous scatter/gather reads and writes. Completions are
// signaled through a callback which may run on any goroutine.
//
// Backends register themselves with Register, usually from an init function
// of their package, and only implement synchronous block access (Store). The
// asynchronous part is common and lives in this package.
package volume

import (
	"context"
	"errors"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// Version of the client interface. Open refuses callers built against
	// a different major version.
	LibVersion = 0x00010000

	libMajorMask = 0xffff0000

	// Completion statuses. Zero is success, everything else is a negated
	// errno.
	StatusOK      = 0
	StatusIOError = -5
)

var (
	ErrBusy           = errors.New("volume queue is full")
	ErrClosed         = errors.New("volume is closed")
	ErrOutOfRange     = errors.New("request out of volume range")
	ErrShortIov       = errors.New("iovecs shorter than request length")
	ErrVersion        = errors.New("incompatible volume library version")
	ErrUnknownBackend = errors.New("unknown volume backend")
)

// Callback signals the completion of one submitted request. ctx carries the
// execution context the callback runs on, if any.
type Callback func(ctx context.Context, status int)

// Volume is an opened remote volume.
type Volume interface {
	// Size returns the capacity of the volume in bytes.
	Size() int64

	// Submit starts an asynchronous read or write of length bytes at
	// offset. A nil error means cb will be called exactly once, an error
	// means the request was rejected and cb will never be called.
	Submit(iovs [][]byte, length, offset int64, cb Callback, write bool) error

	Close() error
}

// Opener opens volumes. Open(name, configFile, LibVersion) is the default.
type Opener interface {
	Open(name, configFile string, version int) (Volume, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(name, configFile string, version int) (Volume, error)

func (f OpenerFunc) Open(name, configFile string, version int) (Volume, error) {
	return f(name, configFile, version)
}

// Store is the synchronous access to the data of one volume implemented by
// backends.
type Store interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Close() error
}

// OpenStoreFunc opens the backend store of the volume name.
type OpenStoreFunc func(name string, cfg *Config) (Store, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]OpenStoreFunc)
)

// Register makes a backend available under name. Registering the same name
// twice panics.
func Register(name string, open OpenStoreFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, ok := backends[name]; ok {
		panic("volume: backend registered twice: " + name)
	}

	backends[name] = open
}

// Backends returns sorted names of all registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Open reads configFile, opens the configured backend for the volume name and
// returns the volume ready for submissions.
func Open(name, configFile string, version int) (Volume, error) {
	if version&libMajorMask != LibVersion&libMajorMask {
		return nil, pkgerrors.Wrapf(ErrVersion, "got %#x, have %#x", version, LibVersion)
	}

	cfg, err := ReadConfig(configFile)
	if err != nil {
		return nil, err
	}

	backendsMu.RLock()
	open, ok := backends[cfg.Backend]
	backendsMu.RUnlock()

	if !ok {
		return nil, pkgerrors.Wrap(ErrUnknownBackend, cfg.Backend)
	}

	store, err := open(name, cfg)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening %s volume %s", cfg.Backend, name)
	}

	log.Info().Str("volume", name).Str("backend", cfg.Backend).Int64("size", cfg.Size).
		Msg("Volume opened")

	return NewProxy(store, cfg.Size, ProxyOptions{
		Readers:    cfg.Readers,
		Writers:    cfg.Writers,
		QueueDepth: cfg.QueueDepth,
	}), nil
}
