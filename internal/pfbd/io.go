// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pfbd

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/thread"
	"github.com/asch/pfbd/internal/volume"
)

// Private data of one device channel.
type channel struct {
	disk *disk

	// Reference to the poll group channel of the same thread.
	group *iodev.Channel
}

// Private data of one request slot. Every field is rewritten by
// SubmitRequest before the request reaches the volume.
type ioContext struct {
	// Thread the request was submitted on. Its completion is finalized
	// there.
	submitThread *thread.Thread
	io           *bdev.IO
	status       bdev.Status

	// Bound once per slot in Module.NewIOContext.
	volumeDone volume.Callback
	deliver    thread.Func
}

func newChannel() interface{} {
	return &channel{}
}

func (d *disk) createChannel(key interface{}, ch *iodev.Channel) error {
	c := ch.Ctx().(*channel)
	c.disk = d

	group, err := d.mod.fw.Channels.Get(d.mod, ch.Thread())
	if err != nil {
		log.Error().Err(err).Str("bdev", d.bdev.Name).Msg("Failed to get poll group channel")
		return err
	}
	c.group = group
	d.mod.metrics.ChannelAcquired()

	return nil
}

func (d *disk) destroyChannel(key interface{}, ch *iodev.Channel) {
	c := ch.Ctx().(*channel)

	if c.group != nil {
		c.group.Put()
		c.group = nil
		d.mod.metrics.ChannelReleased()
	}
}

// SubmitRequest routes one generic request. Reads and writes go to the
// volume, everything else fails immediately.
func (d *disk) SubmitRequest(ctx context.Context, ch *iodev.Channel, io *bdev.IO) {
	rio := io.DriverCtx().(*ioContext)
	rio.submitThread = ch.Thread()
	rio.io = io
	rio.status = bdev.StatusPending

	switch io.Type {
	case bdev.IOTypeRead, bdev.IOTypeWrite:
		d.startAIO(ctx, rio)
	default:
		log.Error().Str("bdev", d.bdev.Name).Str("type", io.Type.String()).Msg("Unsupported IO type")
		d.mod.metrics.ObserveReject(d.bdev.Name, io.Type.String())
		d.mod.fw.Complete(ctx, io, bdev.StatusFailed)
	}
}

// Converts block addressing to bytes and submits to the volume. A rejected
// submission is failed right here since no callback will ever come for it.
func (d *disk) startAIO(ctx context.Context, rio *ioContext) {
	io := rio.io
	blockLen := uint64(io.Bdev.BlockLen)
	offset := int64(io.OffsetBlocks * blockLen)
	length := int64(io.NumBlocks * blockLen)
	write := io.Type == bdev.IOTypeWrite

	// The request may complete before Submit returns, io must not be
	// touched afterwards.
	typ := io.Type.String()

	if err := d.vol.Submit(io.Iovs, length, offset, rio.volumeDone, write); err != nil {
		log.Error().Err(err).Str("bdev", d.bdev.Name).Str("type", typ).
			Int64("offset", offset).Int64("length", length).Msg("Failed to submit")
		d.mod.metrics.ObserveReject(d.bdev.Name, typ)
		rio.complete(ctx, bdev.StatusFailed)
		return
	}

	d.mod.metrics.ObserveSubmit(d.bdev.Name, typ)
}

// Volume callback. It may run on any goroutine.
func (rio *ioContext) finishAIO(ctx context.Context, status int) {
	io := rio.io
	st := bdev.StatusSuccess

	switch io.Type {
	case bdev.IOTypeRead:
		if status != volume.StatusOK {
			st = bdev.StatusFailed
		}
	default:
		// For others, zero means success as well.
		if status != volume.StatusOK {
			st = bdev.StatusFailed
		}
	}

	d := io.Bdev.Driver.(*disk)
	d.mod.metrics.ObserveComplete(d.bdev.Name, io.Type.String(), st == bdev.StatusSuccess)

	rio.complete(ctx, st)
}

// Finalizes the request on its submitting thread. If ctx already runs there
// it happens inline, otherwise it is posted to that thread.
func (rio *ioContext) complete(ctx context.Context, status bdev.Status) {
	rio.status = status

	if rio.submitThread == nil {
		log.Panic().Msg("Request completed without submitting thread")
	}

	d := rio.io.Bdev.Driver.(*disk)

	if thread.FromContext(ctx) == rio.submitThread {
		d.mod.metrics.ObserveRoute(false)
		rio.finalize(ctx)
		return
	}

	d.mod.metrics.ObserveRoute(true)
	if err := rio.submitThread.Send(rio.deliver); err != nil {
		log.Error().Err(err).Str("bdev", d.bdev.Name).Str("thread", rio.submitThread.Name()).
			Msg("Submitting thread is gone, completion dropped")
	}
}

func (rio *ioContext) finalize(ctx context.Context) {
	d := rio.io.Bdev.Driver.(*disk)
	d.mod.fw.Complete(ctx, rio.io, rio.status)
}
