// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/pfbd"
)

var errIO = errors.New("I/O failed")

// Decodes params into v. Unknown fields are refused, missing params decode as
// an empty object.
func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return &Error{Code: CodeInternalError, Message: "json decode failed: " + err.Error()}
	}

	return nil
}

func (s *Server) create(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p pfbd.Params
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	o, err := p.Opts()
	if err != nil {
		return nil, err
	}

	b, err := s.mod.Create(o)
	if err != nil {
		return nil, err
	}

	return b.Name, nil
}

type nameParams struct {
	Name string `json:"name"`
}

// Responds once the device is destroyed, which may take until all of its
// channels are released.
func (s *Server) delete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	s.mod.Delete(p.Name, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return true, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s to be destroyed", p.Name)
	}
}

type resizeParams struct {
	Name    string `json:"name"`
	NewSize uint64 `json:"new_size"`
}

func (s *Server) resize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p resizeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if err := s.mod.Resize(p.Name, p.NewSize); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Server) getBdevs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if p.Name != "" {
		b, err := s.fw.Get(p.Name)
		if err != nil {
			return nil, err
		}
		return []bdev.Info{b.Info()}, nil
	}

	infos := []bdev.Info{}
	for _, b := range s.fw.List() {
		infos = append(infos, b.Info())
	}

	return infos, nil
}

// Subsystem configuration in the form accepted back as startup devices.
type subsystemConfig struct {
	Subsystem string        `json:"subsystem"`
	Config    []interface{} `json:"config"`
}

func (s *Server) getConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	config := s.fw.Config()
	if config == nil {
		config = []interface{}{}
	}

	return []subsystemConfig{{Subsystem: "bdev", Config: config}}, nil
}

func (s *Server) getMethods(ctx context.Context, params json.RawMessage) (interface{}, error) {
	methods := make([]string, 0, len(s.methods))
	for m := range s.methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	return methods, nil
}

type readParams struct {
	Name         string `json:"name"`
	OffsetBlocks uint64 `json:"offset_blocks"`
	NumBlocks    uint64 `json:"num_blocks"`
}

type readResult struct {
	Data []byte `json:"data"`
}

func (s *Server) readBlocks(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p readParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	b, err := s.fw.Get(p.Name)
	if err != nil {
		return nil, err
	}

	if p.NumBlocks == 0 || p.NumBlocks > b.BlockCnt {
		return nil, errors.Wrapf(pfbd.ErrInvalidArgument, "num_blocks %d", p.NumBlocks)
	}

	data := make([]byte, p.NumBlocks*uint64(b.BlockLen))
	if err := s.submit(ctx, b, bdev.IOTypeRead, data, p.OffsetBlocks, p.NumBlocks); err != nil {
		return nil, err
	}

	return readResult{Data: data}, nil
}

type writeParams struct {
	Name         string `json:"name"`
	OffsetBlocks uint64 `json:"offset_blocks"`
	Data         []byte `json:"data"`
}

func (s *Server) writeBlocks(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p writeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	b, err := s.fw.Get(p.Name)
	if err != nil {
		return nil, err
	}

	if len(p.Data) == 0 || len(p.Data)%int(b.BlockLen) != 0 {
		return nil, errors.Wrapf(pfbd.ErrInvalidArgument, "data length %d is not a multiple of block size %d",
			len(p.Data), b.BlockLen)
	}

	num := uint64(len(p.Data)) / uint64(b.BlockLen)
	if err := s.submit(ctx, b, bdev.IOTypeWrite, p.Data, p.OffsetBlocks, num); err != nil {
		return nil, err
	}

	return true, nil
}

// Submits one request on a reactor thread and waits for its completion. The
// channel is taken and put back on that thread.
func (s *Server) submit(ctx context.Context, b *bdev.Bdev, t bdev.IOType, data []byte, offset, num uint64) error {
	th := s.threads.Next()
	done := make(chan error, 1)

	err := th.Send(func(tctx context.Context) {
		ch, err := b.Driver.GetIOChannel(th)
		if err != nil {
			done <- err
			return
		}

		err = s.fw.Submit(tctx, ch, b, t, [][]byte{data}, offset, num, func(ctx context.Context, io *bdev.IO, success bool) {
			ch.Put()
			if !success {
				done <- errors.Wrapf(errIO, "%s of %d blocks at %d on %s", t, num, offset, b.Name)
				return
			}
			done <- nil
		})
		if err != nil {
			ch.Put()
			done <- err
		}
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for %s on %s", t, b.Name)
	}
}
