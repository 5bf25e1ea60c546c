// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pfbd

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/thread"
	"github.com/asch/pfbd/internal/volume"
)

const (
	// Alias value requesting a generated device name.
	AutoAlias = "auto"
)

// State of a device in its lifecycle.
type State int32

const (
	StateOpening State = iota
	StateActive
	StateUnregistering
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateUnregistering:
		return "unregistering"
	default:
		return "destroyed"
	}
}

// CreateOpts describes a new device.
type CreateOpts struct {
	// Volume configuration file passed to the volume client.
	ConfigFile string

	// Name of the remote volume. It is also the device name unless Alias
	// is set.
	Name string

	// Optional device name. AutoAlias generates a unique one.
	Alias string

	// Block size in bytes.
	BlockSize uint32

	// Device UUID, a random one is generated when zero.
	UUID uuid.UUID
}

// Params is the JSON form of CreateOpts used by the management plane and by
// the saved configuration.
type Params struct {
	BdName     string `json:"bd_name" toml:"bd_name"`
	BlockSize  uint32 `json:"block_size" toml:"block_size"`
	ConfigFile string `json:"config_file" toml:"config_file"`
	UUID       string `json:"uuid,omitempty" toml:"uuid"`
	Alias      string `json:"alias,omitempty" toml:"alias"`
}

// Opts converts params to CreateOpts. An unparsable UUID is an invalid
// argument.
func (p Params) Opts() (CreateOpts, error) {
	o := CreateOpts{
		ConfigFile: p.ConfigFile,
		Name:       p.BdName,
		Alias:      p.Alias,
		BlockSize:  p.BlockSize,
	}

	if p.UUID != "" {
		id, err := uuid.Parse(p.UUID)
		if err != nil {
			return o, errors.Wrapf(ErrInvalidArgument, "uuid %q: %v", p.UUID, err)
		}
		o.UUID = id
	}

	return o, nil
}

// disk is one pfbd device and the bdev.Driver of it.
type disk struct {
	mod  *Module
	bdev *bdev.Bdev

	volumeName string
	configFile string
	alias      string
	vol        volume.Volume

	state int32
}

func (d *disk) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *disk) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
	log.Debug().Str("bdev", d.bdev.Name).Str("state", s.String()).Msg("Device state changed")
}

// Create opens the remote volume and registers a device on top of it. The
// device is visible only if everything succeeded, otherwise all acquired
// resources are released.
func (m *Module) Create(o CreateOpts) (*bdev.Bdev, error) {
	if o.Name == "" || o.BlockSize == 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "bd_name %q, block_size %d", o.Name, o.BlockSize)
	}

	d := &disk{
		mod:        m,
		volumeName: o.Name,
		configFile: o.ConfigFile,
		alias:      o.Alias,
		state:      int32(StateOpening),
	}

	vol, err := m.opener.Open(d.volumeName, d.configFile, volume.LibVersion)
	if err != nil {
		log.Error().Err(err).Str("volume", d.volumeName).Msg("Failed to open volume")
		return nil, errors.Wrapf(ErrOpenFailed, "%s: %v", d.volumeName, err)
	}
	d.vol = vol

	name := o.Name
	switch o.Alias {
	case "":
	case AutoAlias:
		name = m.names.Next()
	default:
		name = o.Alias
		m.names.Reserve(name)
	}

	id := o.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}

	d.bdev = &bdev.Bdev{
		Name:        name,
		ProductName: productName,
		UUID:        id,
		BlockLen:    o.BlockSize,
		BlockCnt:    uint64(vol.Size()) / uint64(o.BlockSize),
		WriteCache:  false,
		Driver:      d,
		Module:      m,
	}

	if err := m.fw.Channels.Register(d, name, newChannel, d.createChannel, d.destroyChannel); err != nil {
		d.free()
		return nil, errors.Wrapf(err, "registering io device %s", name)
	}

	// Registered devices take I/O right away.
	d.setState(StateActive)

	if err := m.fw.Register(d.bdev); err != nil {
		d.setState(StateOpening)
		if err := m.fw.Channels.Unregister(d, nil); err != nil {
			log.Error().Err(err).Str("bdev", name).Msg("Failed to unregister io device")
		}
		d.free()
		return nil, err
	}

	m.metrics.DeviceAdded()

	log.Info().Str("bdev", name).Str("volume", d.volumeName).Msg("Added pfbd disk")

	return d.bdev, nil
}

// Delete unregisters the device name. cb is called exactly once: immediately
// with the error when the device is unknown, otherwise after the device was
// destroyed.
func (m *Module) Delete(name string, cb func(err error)) {
	if err := m.fw.UnregisterByName(name, m, cb); err != nil {
		log.Error().Err(err).Str("bdev", name).Msg("Failed to delete pfbd disk")
		cb(err)
	}
}

// Resize is not supported in any state of any device.
func (m *Module) Resize(name string, newSizeMB uint64) error {
	log.Error().Str("bdev", name).Uint64("new_size_mb", newSizeMB).Msg("pfbd does not support resize")

	return errors.Wrap(ErrNotSupported, "resize")
}

// Releases everything Create acquired. Safe on partially built devices.
func (d *disk) free() {
	if d.vol != nil {
		if err := d.vol.Close(); err != nil {
			log.Error().Err(err).Str("volume", d.volumeName).Msg("Failed to close volume")
		}
		d.vol = nil
	}
}

// Destruct waits until all device channels are gone, then closes the volume.
func (d *disk) Destruct(done func()) {
	d.setState(StateUnregistering)

	release := func() {
		d.free()
		d.setState(StateDestroyed)
		d.mod.metrics.DeviceRemoved()
		done()
	}

	if err := d.mod.fw.Channels.Unregister(d, release); err != nil {
		log.Error().Err(err).Str("bdev", d.bdev.Name).Msg("Device io device already gone")
		release()
	}
}

func (d *disk) IOTypeSupported(t bdev.IOType) bool {
	switch t {
	case bdev.IOTypeRead, bdev.IOTypeWrite:
		return true
	default:
		return false
	}
}

func (d *disk) GetIOChannel(t *thread.Thread) (*iodev.Channel, error) {
	return d.mod.fw.Channels.Get(d, t)
}

func (d *disk) params() Params {
	return Params{
		BdName:     d.volumeName,
		BlockSize:  d.bdev.BlockLen,
		ConfigFile: d.configFile,
		UUID:       d.bdev.UUID.String(),
		Alias:      d.alias,
	}
}

func (d *disk) DumpInfo() interface{} {
	return map[string]Params{ModuleName: d.params()}
}

// Config entry is the create call which recreates the device.
type Config struct {
	Method string `json:"method"`
	Params Params `json:"params"`
}

// A generated name is saved as AutoAlias, the replay generates a new one.
func (d *disk) WriteConfig() interface{} {
	return Config{Method: "bdev_pfbd_create", Params: d.params()}
}
