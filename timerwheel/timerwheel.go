// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package timerwheel provides tick-driven, one-shot timers with
// cancellation, sorted by trigger tick in a doubly-linked list — the
// same ordered-insertion technique the TamaGo dma allocator uses for its
// free-block list, applied here to timer scheduling (spec.md §4.C).
//
// A Wheel has no notion of wall-clock time; it advances by exactly one
// tick per Tick call, driven by whatever periodic source the host
// provides (spec.md §6 names a 1ms tick as typical).
package timerwheel

import (
	"container/list"
	"errors"
	"sync"
)

// ErrAlready is returned by SetTimeout on a Timer that is already armed.
var ErrAlready = errors.New("timerwheel: already armed")

// Callback is invoked when a timer fires. status is always nil in this
// implementation (timers only fire on expiry, never on error) but is
// kept as a parameter to mirror spec.md's "invoking callbacks with
// status OK" wording and to leave room for future cancellation-with-
// status semantics without changing the signature.
type Callback func(data any, status error)

// Timer is a single schedulable entry. The zero value is unarmed and
// ready to use with Wheel.SetTimeout.
type Timer struct {
	trigger int64
	cb      Callback
	data    any
	armed   bool
	elem    *list.Element
}

// Armed reports whether the timer is currently scheduled.
func (t *Timer) Armed() bool {
	return t.armed
}

// Wheel is a sorted collection of armed timers plus a tick counter.
type Wheel struct {
	mu   sync.Mutex
	now  int64
	list *list.List
}

// New returns an empty Wheel with its tick counter at 0.
func New() *Wheel {
	return &Wheel{list: list.New()}
}

// Guard returns the Wheel's mutex, for hosts that call SetTimeout/Cancel
// from more than one OS thread. Single-threaded cooperative hosts (the
// default, per spec.md §5) never need to touch this.
func (w *Wheel) Guard() *sync.Mutex {
	return &w.mu
}

// Now returns the current tick count.
func (w *Wheel) Now() int64 {
	return w.now
}

// SetTimeout arms timer to fire after delta ticks, invoking cb(data, nil)
// when it does. It fails with ErrAlready if timer is already armed.
func (w *Wheel) SetTimeout(timer *Timer, delta int64, cb Callback, data any) error {
	if timer.armed {
		return ErrAlready
	}

	timer.trigger = w.now + delta
	timer.cb = cb
	timer.data = data
	timer.armed = true

	// Sorted insertion, ordered-list technique mirrored from the
	// teacher's dma allocator free-block bookkeeping.
	var at *list.Element
	for e := w.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*Timer).trigger > timer.trigger {
			at = e
			break
		}
	}
	if at != nil {
		timer.elem = w.list.InsertBefore(timer, at)
	} else {
		timer.elem = w.list.PushBack(timer)
	}

	return nil
}

// Cancel unlinks timer if armed. It is idempotent: canceling an unarmed
// or already-canceled timer is a no-op and never errors.
func (w *Wheel) Cancel(timer *Timer) {
	if !timer.armed {
		return
	}
	w.list.Remove(timer.elem)
	timer.armed = false
	timer.elem = nil
}

// Tick advances the wheel by one and fires, in trigger order, every
// timer whose trigger tick is now due. Callbacks may re-arm their own
// timer (SetTimeout may be called again once the callback sees
// Armed() == false, which Tick guarantees by disarming before invoking).
func (w *Wheel) Tick() {
	w.now++

	for {
		e := w.list.Front()
		if e == nil {
			break
		}
		timer := e.Value.(*Timer)
		if timer.trigger > w.now {
			break
		}

		w.list.Remove(e)
		timer.armed = false
		timer.elem = nil

		cb, data := timer.cb, timer.data
		if cb != nil {
			cb(data, nil)
		}
	}
}
