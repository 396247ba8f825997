// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ucontext bridges a blocking application goroutine ("the user
// context") into the RX dispatch path, standing in for the stackful
// coroutine primitive the reference implementation built on ucontext(3).
//
// Go exposes no user-level stack-swap primitive to library code, so
// Bridge re-architects the suspend/resume contract as a synchronous
// channel handoff between two goroutines rather than a stack switch on
// one. The contract is preserved exactly: at most one outstanding
// Suspend at a time, and Resume is called directly from the dispatch
// goroutine with no extra scheduling latency injected.
package ucontext

import "sync"

// Bridge hands control back and forth between a blocking user goroutine
// and the dispatcher that drives it. Suspend parks the calling goroutine
// until a matching Resume delivers a value; Resume delivers that value
// and returns once the suspended goroutine has taken it.
type Bridge struct {
	mu      sync.Mutex
	waiting chan any
	resumed chan struct{}
}

// New returns a ready-to-use Bridge.
func New() *Bridge {
	return &Bridge{}
}

// Suspend blocks the calling goroutine until Resume is called, and
// returns the value Resume was given. Calling Suspend again before a
// prior Suspend has returned is a programming error and panics, matching
// the single-user-context invariant the bridge preserves.
func (b *Bridge) Suspend() any {
	b.mu.Lock()
	if b.waiting != nil {
		b.mu.Unlock()
		panic("ucontext: concurrent Suspend")
	}
	waiting := make(chan any)
	resumed := make(chan struct{})
	b.waiting = waiting
	b.resumed = resumed
	b.mu.Unlock()

	v := <-waiting
	close(resumed)
	return v
}

// Resume delivers v to the goroutine blocked in Suspend and waits for it
// to take the handoff. Resume is a no-op if nothing is currently
// suspended.
func (b *Bridge) Resume(v any) {
	b.mu.Lock()
	waiting := b.waiting
	resumed := b.resumed
	b.waiting = nil
	b.resumed = nil
	b.mu.Unlock()

	if waiting == nil {
		return
	}
	waiting <- v
	<-resumed
}

// Waiting reports whether a goroutine is currently parked in Suspend.
func (b *Bridge) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting != nil
}
