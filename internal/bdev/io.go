// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bdev

import (
	"context"
)

// CompletionFunc is called on the submitting thread once the request is
// finished. The request slot is recycled when the function returns, so io
// must not be retained.
type CompletionFunc func(ctx context.Context, io *IO, success bool)

// IO is one generic block request. Slots are preallocated per device and
// reused, the driver private storage is allocated together with the slot.
type IO struct {
	Type IOType
	Bdev *Bdev

	// Scatter/gather list of the data.
	Iovs [][]byte

	OffsetBlocks uint64
	NumBlocks    uint64

	driverCtx interface{}
	status    Status
	cb        CompletionFunc
}

// DriverCtx returns the driver private storage of the slot.
func (io *IO) DriverCtx() interface{} {
	return io.driverCtx
}

func (io *IO) Status() Status {
	return io.status
}

// Fixed arena of request slots of one device.
type ioPool struct {
	free chan *IO
}

func newIOPool(size int, newCtx func() interface{}) *ioPool {
	p := &ioPool{free: make(chan *IO, size)}

	for i := 0; i < size; i++ {
		p.free <- &IO{driverCtx: newCtx()}
	}

	return p
}

// Returns a free slot or nil when all slots are in flight.
func (p *ioPool) get() *IO {
	select {
	case io := <-p.free:
		return io
	default:
		return nil
	}
}

func (p *ioPool) put(io *IO) {
	io.Iovs = nil
	io.cb = nil
	p.free <- io
}
