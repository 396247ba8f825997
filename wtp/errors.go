// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package wtp

import "errors"

// The error kinds from spec.md §7. OK is represented by a nil error
// throughout this package.
var (
	// ErrNoMemory reports that a fixed-capacity table or arena (the RX
	// message-info slots, the RX fragment arena) is full.
	ErrNoMemory = errors.New("wtp: no memory")

	// ErrAlready reports an operation attempted on an already-armed or
	// already-open resource (e.g. connect() while open, a timer already
	// armed).
	ErrAlready = errors.New("wtp: already")

	// ErrInvalid reports an out-of-range argument or a peer protocol
	// violation: bad window, bad fragment alignment, bad checksum, bad
	// sequence number.
	ErrInvalid = errors.New("wtp: invalid")

	// ErrUnsupportedOp reports an unknown or unhandled packet type.
	ErrUnsupportedOp = errors.New("wtp: unsupported operation")

	// ErrNotAcked reports a fragment boundary mismatch on ACK: the
	// acknowledged sequence number does not land on a fragment edge.
	ErrNotAcked = errors.New("wtp: not acked")
)
