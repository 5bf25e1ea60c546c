// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package thread

import (
	"fmt"
	"sync/atomic"
)

// Group is a fixed set of running threads, the reactors of the daemon.
type Group struct {
	threads []*Thread
	next    uint64
}

// NewGroup creates and starts n threads named prefix0 .. prefixN-1. At least
// one thread is always created.
func NewGroup(prefix string, n int) *Group {
	if n < 1 {
		n = 1
	}

	g := &Group{threads: make([]*Thread, n)}
	for i := range g.threads {
		g.threads[i] = New(fmt.Sprintf("%s%d", prefix, i))
		g.threads[i].Start()
	}

	return g
}

// Next returns threads in round robin order.
func (g *Group) Next() *Thread {
	i := atomic.AddUint64(&g.next, 1) - 1

	return g.threads[i%uint64(len(g.threads))]
}

// Stop drains and stops all threads.
func (g *Group) Stop() {
	for _, t := range g.threads {
		t.Stop()
	}
}
