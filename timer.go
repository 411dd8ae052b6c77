/* Copyright (c) 2018-2020 Waldemar Augustyn */

package main

import (
	"sync"
	"time"
)

/* Clock and timers

Table entries are stamped with the clock value at the time of their last use.
The clock counts seconds since start, offset so that it is never zero. A zero
stamp marks a free slot. Differences between stamps are computed with
time_diff which tolerates the counter wrapping around.

Timers never touch tables directly. When a timer expires it posts an event
to the events channel. The nat goroutine consuming the channel applies the
event while holding the nat lock, same as it does for packets. Each event
carries the generation of the slot it was armed for. Events for a slot that
has since been freed and reused carry a stale generation and are ignored.
*/

const (
	TMR_CLEANUP_TCP = iota + 1
	TMR_CLEANUP_UDP
	TMR_CLEANUP_ICMP
	TMR_TCP_CONN
	TMR_TCP_CLOSE
)

var timer_names = map[int]string{
	TMR_CLEANUP_TCP:  "cleanup tcp",
	TMR_CLEANUP_UDP:  "cleanup udp",
	TMR_CLEANUP_ICMP: "cleanup icmp",
	TMR_TCP_CONN:     "tcp conn",
	TMR_TCP_CLOSE:    "tcp close",
}

type Clock interface {
	now() uint32
}

type SysClock struct {
	base time.Time
}

func new_sys_clock() *SysClock {
	return &SysClock{time.Now().Add(-time.Second)}
}

func (c *SysClock) now() uint32 {

	now := uint32(time.Since(c.base) / time.Second)
	if now == 0 {
		now = 1
	}
	return now
}

// wraparound safe a - b
func time_diff(a, b uint32) uint32 {

	if a >= b {
		return a - b
	}
	return 0xffffffff - b + a
}

type TimerKey struct {
	kind int
	ix   int
}

type TimerEvent struct {
	kind int
	ix   int
	gen  uint32
}

type Armed struct {
	tmr *time.Timer
}

type Timers struct {
	mtx     sync.Mutex
	pending map[TimerKey]*Armed
	events  chan TimerEvent
	done    chan struct{}
}

func new_timers(qlen int) *Timers {

	return &Timers{
		pending: make(map[TimerKey]*Armed),
		events:  make(chan TimerEvent, qlen),
		done:    make(chan struct{}),
	}
}

// Arm a one-shot timer. An already armed timer of the same kind and index is
// replaced.
func (t *Timers) set(kind, ix int, gen uint32, dly time.Duration) {

	key := TimerKey{kind, ix}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.pending == nil {
		return // stopped
	}
	if armed, ok := t.pending[key]; ok {
		armed.tmr.Stop()
	}

	armed := &Armed{}
	armed.tmr = time.AfterFunc(dly, func() { t.expired(key, gen, armed) })
	t.pending[key] = armed
}

func (t *Timers) expired(key TimerKey, gen uint32, armed *Armed) {

	t.mtx.Lock()
	if t.pending == nil || t.pending[key] != armed {
		t.mtx.Unlock()
		return // cancelled or replaced
	}
	delete(t.pending, key)
	t.mtx.Unlock()

	select {
	case t.events <- TimerEvent{key.kind, key.ix, gen}:
	case <-t.done:
	}
}

func (t *Timers) unset(kind, ix int) {

	key := TimerKey{kind, ix}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if armed, ok := t.pending[key]; ok {
		armed.tmr.Stop()
		delete(t.pending, key)
	}
}

func (t *Timers) is_set(kind, ix int) bool {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	_, ok := t.pending[TimerKey{kind, ix}]
	return ok
}

func (t *Timers) stop_all() {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.pending == nil {
		return
	}
	for key, armed := range t.pending {
		armed.tmr.Stop()
		delete(t.pending, key)
	}
	t.pending = nil
	close(t.done)
}
