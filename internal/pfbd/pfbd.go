// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package pfbd exposes remote volumes as generic block devices. Requests
// coming from the block layer are translated to asynchronous volume
// submissions. The volume client completes them on a goroutine of its own
// choosing, and the completion is then delivered back to the thread which
// submitted the request, so the rest of the block stack only ever sees a
// request on one thread.
//
// The module owns one process wide io device, the poll group. Every device
// channel holds a reference to the poll group channel of its thread, so
// devices share per-thread completion resources instead of owning their own.
package pfbd

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/metrics"
	"github.com/asch/pfbd/internal/naming"
	"github.com/asch/pfbd/internal/volume"
)

const (
	ModuleName = "bdev_pfbd"

	// Name of the process wide io device shared by all device channels.
	pollGroupName = "bdev_pfbd_poll_groups"

	productName = "Xflash Rbd Disk"

	// Prefix of names generated for devices created with AutoAlias.
	fallbackPrefix = "xfblock"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOpenFailed      = errors.New("failed to open volume")
	ErrNotSupported    = bdev.ErrNotSupported
)

// Module is the pfbd block device module.
type Module struct {
	fw      *bdev.Framework
	opener  volume.Opener
	metrics *metrics.Metrics
	names   *naming.Counter
}

// Options of the module. Zero values are replaced by defaults.
type Options struct {
	// Opener of remote volumes, volume.Open by default.
	Opener volume.Opener

	// Metrics, nil disables them.
	Metrics *metrics.Metrics
}

// New creates the module and registers it with fw. The module is usable after
// fw.Init.
func New(fw *bdev.Framework, o Options) *Module {
	if o.Opener == nil {
		o.Opener = volume.OpenerFunc(volume.Open)
	}

	m := &Module{
		fw:      fw,
		opener:  o.Opener,
		metrics: o.Metrics,
		names:   naming.New(fallbackPrefix),
	}

	fw.RegisterModule(m)

	return m
}

func (m *Module) Name() string {
	return ModuleName
}

// Init registers the poll group io device. It carries no per-channel data.
func (m *Module) Init() error {
	return m.fw.Channels.Register(m, pollGroupName, nil, m.createGroupChannel, m.destroyGroupChannel)
}

// Fini unregisters the poll group. Devices still alive keep their group
// channels until they are destroyed.
func (m *Module) Fini() {
	if err := m.fw.Channels.Unregister(m, nil); err != nil {
		log.Error().Err(err).Str("module", ModuleName).Msg("Failed to unregister poll groups")
	}
}

// NewIOContext allocates the private storage of one request slot. The
// completion callbacks are bound here once, so no allocation happens per
// request.
func (m *Module) NewIOContext() interface{} {
	rio := &ioContext{}
	rio.volumeDone = rio.finishAIO
	rio.deliver = rio.finalize

	return rio
}

func (m *Module) createGroupChannel(key interface{}, ch *iodev.Channel) error {
	log.Debug().Str("thread", ch.Thread().Name()).Msg("Poll group channel created")
	return nil
}

func (m *Module) destroyGroupChannel(key interface{}, ch *iodev.Channel) {
	log.Debug().Str("thread", ch.Thread().Name()).Msg("Poll group channel destroyed")
}
