// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/pfbd/internal/volume"
)

const BackendName = "null"

func init() {
	volume.Register(BackendName, Open)
}

// Null implementation of volume.Store. Usefull for measuring performance of
// the block layer and the completion path without any storage behind it.
// Reads return zeros and writes are acknowledged and forgotten. It can also
// serve as a template for new backends since it is the smallest
// implementation of the Store interface.
type null struct {
}

func Open(name string, cfg *volume.Config) (volume.Store, error) {
	return &null{}, nil
}

func (n *null) ReadAt(p []byte, off int64) error {
	for i := range p {
		p[i] = 0
	}

	return nil
}

func (n *null) WriteAt(p []byte, off int64) error {
	return nil
}

func (n *null) Close() error {
	return nil
}
