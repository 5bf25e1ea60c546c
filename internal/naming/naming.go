// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package naming hands out unique fallback names for devices created without
// an explicit name. It is safe for concurrent use.
package naming

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Counter generates names of the form prefix%d. Every call to Next returns a
// value never returned before by the same counter.
type Counter struct {
	prefix string
	next   int64
}

func New(prefix string) *Counter {
	return &Counter{prefix: prefix}
}

// Next returns an unused name and advances the counter.
func (c *Counter) Next() string {
	n := atomic.AddInt64(&c.next, 1) - 1

	return fmt.Sprintf("%s%d", c.prefix, n)
}

// Reserve makes sure Next never returns name when it was chosen elsewhere,
// e.g. as an explicit alias. Names not of the form prefix%d are ignored.
func (c *Counter) Reserve(name string) {
	if !strings.HasPrefix(name, c.prefix) {
		return
	}

	n, err := strconv.ParseInt(strings.TrimPrefix(name, c.prefix), 10, 64)
	if err != nil || n < 0 {
		return
	}

	for {
		cur := atomic.LoadInt64(&c.next)
		if n < cur || atomic.CompareAndSwapInt64(&c.next, cur, n+1) {
			return
		}
	}
}
