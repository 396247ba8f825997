// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package buf provides a linear byte region with independent read and
// write cursors, used throughout WTP to avoid allocating a fresh slice
// for every packet, message or fragment.
//
// A Buffer owns a single backing array for its entire lifetime; Alloc
// and Free move the write and read cursors respectively, Read and Write
// copy through them. No bounds are re-checked on a pointer returned by
// Alloc: the caller must not write past the size it requested.
package buf

import "errors"

// ErrOutOfRange is returned when a Read, Write or Alloc call would cross
// the buffer's capacity.
var ErrOutOfRange = errors.New("buf: out of range")

// Buffer is a region [0, cap) with a read cursor PosR and a write cursor
// PosW. It is not safe for concurrent use; callers serialize access
// themselves (see the WTP endpoint's single-threaded contract).
type Buffer struct {
	data []byte

	// PosR is the read cursor.
	PosR int
	// PosW is the write cursor.
	PosW int
}

// New allocates a Buffer backed by a zeroed region of the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap returns a Buffer backed by the given slice, taking ownership of
// it. The slice's existing contents are left untouched; PosR and PosW
// both start at 0.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Cap returns the buffer's total capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Len returns the number of unread bytes between PosR and PosW.
func (b *Buffer) Len() int {
	return b.PosW - b.PosR
}

// Bytes returns a read-only view of the backing array, for diagnostics.
// Callers must not retain it past the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reset zeroes both cursors. The backing array's contents are left as-is
// and will be overwritten by subsequent writes.
func (b *Buffer) Reset() {
	b.PosR = 0
	b.PosW = 0
}

// Read copies n bytes from PosR into dst and advances PosR by n.
func (b *Buffer) Read(dst []byte, n int) error {
	if b.PosR+n > len(b.data) {
		return ErrOutOfRange
	}
	copy(dst, b.data[b.PosR:b.PosR+n])
	b.PosR += n
	return nil
}

// ReadByte reads a single byte and advances PosR.
func (b *Buffer) ReadByte() (byte, error) {
	if b.PosR+1 > len(b.data) {
		return 0, ErrOutOfRange
	}
	v := b.data[b.PosR]
	b.PosR++
	return v, nil
}

// Peek returns a slice of n bytes at PosR without advancing the cursor.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if b.PosR+n > len(b.data) {
		return nil, ErrOutOfRange
	}
	return b.data[b.PosR : b.PosR+n], nil
}

// Write copies src into PosW and advances PosW by len(src).
func (b *Buffer) Write(src []byte) error {
	n := len(src)
	if b.PosW+n > len(b.data) {
		return ErrOutOfRange
	}
	copy(b.data[b.PosW:b.PosW+n], src)
	b.PosW += n
	return nil
}

// WriteByte writes a single byte at PosW and advances it.
func (b *Buffer) WriteByte(v byte) error {
	if b.PosW+1 > len(b.data) {
		return ErrOutOfRange
	}
	b.data[b.PosW] = v
	b.PosW++
	return nil
}

// Alloc reserves n bytes at PosW, returning a slice referencing them
// directly (no copy), and advances PosW by n. If there is insufficient
// room at the tail and n fits within the capacity, Alloc wraps PosW back
// to 0 first (ring semantics); it does not check that the bytes from
// offset 0 have already been read or freed. The returned slice aliases the backing array until the caller Frees
// the corresponding region.
func (b *Buffer) Alloc(n int) ([]byte, error) {
	if b.PosW+n > len(b.data) {
		if n > len(b.data) {
			return nil, ErrOutOfRange
		}
		b.PosW = 0
	}
	region := b.data[b.PosW : b.PosW+n]
	b.PosW += n
	return region, nil
}

// Free advances PosR by n, releasing that many bytes from the front of
// the buffer. Callers must free strictly in the order they were
// allocated (FIFO); out-of-order release is not supported by this type.
func (b *Buffer) Free(n int) error {
	if b.PosR+n > len(b.data) {
		return ErrOutOfRange
	}
	b.PosR += n
	return nil
}

// Copy moves n bytes from the front of src to the tail of dst, i.e.
// src.Free(n) paired with dst.Write(src[...:n]).
func Copy(src, dst *Buffer, n int) error {
	region, err := src.Peek(n)
	if err != nil {
		return err
	}
	if err := dst.Write(region); err != nil {
		return err
	}
	return src.Free(n)
}

// Compact moves any unread bytes (between PosR and PosW) down to offset
// 0, so that subsequent writes remain contiguous. Used by the RX
// controller ahead of reassembling into the delivery buffer (spec.md
// §4.E step 5: "compact the delivery buffer").
func (b *Buffer) Compact() {
	n := b.Len()
	if b.PosR == 0 || n == 0 {
		if n == 0 {
			b.PosR = 0
			b.PosW = 0
		}
		return
	}
	copy(b.data[0:n], b.data[b.PosR:b.PosW])
	b.PosR = 0
	b.PosW = n
}
