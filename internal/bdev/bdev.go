// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bdev is the generic block device layer. It knows nothing about
// where the data of a device live. Modules register devices together with a
// Driver and the layer routes generic requests to the driver of the device.
//
// Requests are submitted through a per-thread channel of the device and must
// be completed on the thread of that channel. Drivers complete requests by
// calling Framework.Complete exactly once.
package bdev

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/asch/pfbd/internal/iodev"
	"github.com/asch/pfbd/internal/thread"
)

var (
	ErrNotFound     = errors.New("no such block device")
	ErrExists       = errors.New("block device already exists")
	ErrNoIO         = errors.New("no free request slot")
	ErrOutOfRange   = errors.New("request out of device range")
	ErrNotSupported = errors.New("operation not supported")
)

// IOType is the kind of a generic block request.
type IOType int

const (
	IOTypeInvalid IOType = iota
	IOTypeRead
	IOTypeWrite
	IOTypeUnmap
	IOTypeFlush
	IOTypeReset
	IOTypeWriteZeroes
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeUnmap:
		return "unmap"
	case IOTypeFlush:
		return "flush"
	case IOTypeReset:
		return "reset"
	case IOTypeWriteZeroes:
		return "write_zeroes"
	default:
		return "invalid"
	}
}

// Status is the outcome of a request.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	default:
		return "failed"
	}
}

// Driver is the function table of a device, implemented by the module which
// created it.
type Driver interface {
	// Destruct releases the device resources. done must be called once
	// the release is finished, possibly asynchronously.
	Destruct(done func())

	// SubmitRequest handles one request. It is called on the thread of
	// ch, ctx carries that thread.
	SubmitRequest(ctx context.Context, ch *iodev.Channel, io *IO)

	IOTypeSupported(t IOType) bool

	// GetIOChannel returns a referenced channel of the device for thread
	// t. The caller puts it back when done.
	GetIOChannel(t *thread.Thread) (*iodev.Channel, error)

	// DumpInfo returns driver specific data for introspection. The value
	// must be JSON serializable.
	DumpInfo() interface{}

	// WriteConfig returns the management call which recreates the device.
	// The value must be JSON serializable.
	WriteConfig() interface{}
}

// Module is a provider of devices.
type Module interface {
	Name() string
	Init() error
	Fini()

	// NewIOContext allocates the driver private storage of one request
	// slot. It is called once per slot, never per request.
	NewIOContext() interface{}
}

// Bdev is one registered block device.
type Bdev struct {
	Name        string
	ProductName string
	UUID        uuid.UUID

	// Size of one block in bytes and number of blocks.
	BlockLen uint32
	BlockCnt uint64

	WriteCache bool

	Driver Driver
	Module Module

	pool *ioPool
}

// Info is the introspection record of a device.
type Info struct {
	Name           string      `json:"name"`
	ProductName    string      `json:"product_name"`
	UUID           string      `json:"uuid"`
	BlockSize      uint32      `json:"block_size"`
	NumBlocks      uint64      `json:"num_blocks"`
	WriteCache     bool        `json:"write_cache"`
	Module         string      `json:"module"`
	DriverSpecific interface{} `json:"driver_specific,omitempty"`
}

func (b *Bdev) Info() Info {
	return Info{
		Name:           b.Name,
		ProductName:    b.ProductName,
		UUID:           b.UUID.String(),
		BlockSize:      b.BlockLen,
		NumBlocks:      b.BlockCnt,
		WriteCache:     b.WriteCache,
		Module:         b.Module.Name(),
		DriverSpecific: b.Driver.DumpInfo(),
	}
}
