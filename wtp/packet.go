// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package wtp

import (
	"encoding/binary"

	"github.com/usbarmory/wtp/buf"
)

// Type is a WTP packet type tag (spec.md §3). Numeric values are
// wire-stable.
type Type byte

const (
	// TypeEnd is the sentinel terminating a batch of packets. On the
	// wire it is a lone 0x00 byte: no type, payload or checksum follow.
	TypeEnd Type = 0x00
	// TypeOpen carries a single reliable-flag byte.
	TypeOpen Type = 0x01
	// TypeClose has no payload.
	TypeClose Type = 0x02
	// TypeAck carries a little-endian u16 cumulative sequence number.
	TypeAck Type = 0x03
	// TypeBeginMsg carries msg_size(u16), seq_num(u16), payload_size(u8)
	// and payload_size bytes of payload.
	TypeBeginMsg Type = 0x04
	// TypeContMsg carries seq_num(u16), payload_size(u8) and
	// payload_size bytes of payload.
	TypeContMsg Type = 0x05
	// TypeReqUplink carries n_reads(u8) and read_size(u8).
	TypeReqUplink Type = 0x06
	// TypeSetParam carries param_code(u8) and a param-specific payload.
	TypeSetParam Type = 0x07
)

// Recognized SET_PARAM codes (spec.md §6).
const (
	ParamWindowSize byte = 0x00 // u16 new window size
	ParamReadSize   byte = 0x01 // u8 new READ OpSpec payload size
)

// le16 / put16 are little-endian helpers; multibyte WTP fields are
// always little-endian (spec.md §3).
func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func put16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

// checksum is the XOR of every byte in data (spec.md §4.F).
func checksum(data []byte) byte {
	var c byte
	for _, b := range data {
		c ^= b
	}
	return c
}

// frame is a decoded wire packet: the type tag plus its raw payload
// bytes (not including the leading size byte, nor the trailing
// checksum byte, both already validated by the time a frame is
// produced).
type frame struct {
	typ     Type
	payload []byte
}

// headerOverheadBeginMsg / headerOverheadContMsg are the non-payload
// byte counts for data packets (spec.md §4.D "Fragmenting", step 2):
// type(1)+msg_size(2)+seq_num(2)+payload_size(1) and
// type(1)+seq_num(2)+payload_size(1) respectively.
const (
	headerOverheadBeginMsg = 6
	headerOverheadContMsg  = 4
)

// nextFrame reads one [size][type][payload][checksum] packet from b,
// validates its checksum, and returns the decoded frame. It reports
// end=true (with a nil error) when the END sentinel (a lone 0x00 size
// byte) is reached or the buffer is exhausted, matching spec.md §4.F's
// "END terminates parsing" / "unused trailing bytes after END are
// ignored".
//
// The checksum is verified before any semantic handler runs: frame
// extraction and checksum verification are decoupled
// from interpreting the payload, so a corrupt packet never partially
// mutates endpoint state before being rejected.
func nextFrame(b *buf.Buffer) (f frame, end bool, err error) {
	sizeByte, err := b.ReadByte()
	if err != nil {
		// Ran out of bytes without an explicit END: treat as end of
		// batch, mirroring the original implementation's handling of
		// OUT_OF_RANGE while scanning for the next packet type.
		return frame{}, true, nil
	}
	if sizeByte == 0 {
		return frame{}, true, nil
	}

	span, err := b.Peek(int(sizeByte))
	if err != nil {
		return frame{}, false, ErrInvalid
	}

	chkPos := b.PosR + int(sizeByte)
	if chkPos >= b.Cap() {
		return frame{}, false, ErrInvalid
	}
	want := checksum(span)
	got := b.Bytes()[chkPos]
	if want != got {
		return frame{}, false, ErrInvalid
	}

	// Consume the frame (type+payload) and the checksum byte.
	b.PosR += int(sizeByte) + 1

	return frame{typ: Type(span[0]), payload: span[1:]}, false, nil
}

// beginPacket reserves a 1-byte size slot in pktBuf, writes the type
// byte, and returns (sizeSlot, bodyBegin) so the caller can later
// back-patch the size once the payload has been written (spec.md §4.D
// "Packet assembly surface").
func beginPacket(pktBuf *buf.Buffer, typ Type) (sizeSlot []byte, bodyBegin int, err error) {
	sizeSlot, err = pktBuf.Alloc(1)
	if err != nil {
		return nil, 0, err
	}
	bodyBegin = pktBuf.PosW
	if err := pktBuf.WriteByte(byte(typ)); err != nil {
		return nil, 0, err
	}
	return sizeSlot, bodyBegin, nil
}

// endPacket back-patches sizeSlot with the number of bytes written to
// pktBuf since bodyBegin (type byte plus payload), per spec.md §4.D
// "end_packet() computes size = pos_w − pkt_begin", then appends the
// trailing checksum byte nextFrame will verify on the receiving end.
func endPacket(pktBuf *buf.Buffer, sizeSlot []byte, bodyBegin int) error {
	size := pktBuf.PosW - bodyBegin
	sizeSlot[0] = byte(size)
	body := pktBuf.Bytes()[bodyBegin : bodyBegin+size]
	return pktBuf.WriteByte(checksum(body))
}
