// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package wtp

import "github.com/usbarmory/wtp/buf"

// rxFragment is an accepted, possibly not-yet-assembled RX fragment
// (spec.md §3 "RX fragment"), linked in ascending seqNum order.
type rxFragment struct {
	seqNum    uint16
	data      []byte // aliases the fragment arena
	assembled bool
	next      *rxFragment
}

// msgInfo is a received-message descriptor (spec.md §3 "Message-info
// record"), stored in a fixed-capacity table forming an intrusive sorted
// linked list via nextIdx.
type msgInfo struct {
	begin   uint16
	size    uint16
	inUse   bool
	nextIdx int
}

// rxController is the sliding-window reliable receiver (spec.md §4.E).
type rxController struct {
	seqNum        uint16
	window        uint16
	pendingWindow uint16 // deferred SET_PARAM(WINDOW_SIZE), see open question #2

	msgDataBuf   *buf.Buffer
	fragmentsBuf *buf.Buffer
	fragmentsHd  *rxFragment

	// allocOrder tracks fragments in arena-allocation order (distinct
	// from fragmentsHd's sequence-number order) so reclaimArena can free
	// the arena strictly FIFO.
	allocOrder []*rxFragment

	msgInfoStore []msgInfo
	msgInfoBegin int // index into msgInfoStore, or len(msgInfoStore) for "nil"
}

func newRXController(window uint16, msgDataSize, fragmentsSize int, nMsgInfo int) *rxController {
	return &rxController{
		window:       window,
		msgDataBuf:   buf.New(msgDataSize),
		fragmentsBuf: buf.New(fragmentsSize),
		msgInfoStore: make([]msgInfo, nMsgInfo),
		msgInfoBegin: nMsgInfo,
	}
}

func (rx *rxController) msgInfoNil() int {
	return len(rx.msgInfoStore)
}

// handlePacket accepts an incoming data fragment, records any new
// message boundary it declares, reassembles the in-order prefix into the
// delivery buffer, and returns the number of messages newly completed
// (spec.md §4.E, the 8-step handle_packet algorithm).
func (rx *rxController) handlePacket(seqNum uint16, data []byte, newMsgSize uint16) (nMsgs int, err error) {
	size := uint16(len(data))
	if size == 0 {
		return 0, ErrInvalid
	}

	// Step 1: acceptance window check. relBegin and the end offset are
	// computed modulo 2^16, consistent with sequence-number wraparound.
	relBegin := seqNum - rx.seqNum
	if relBegin >= rx.window || uint32(relBegin)+uint32(size) > uint32(rx.window) {
		return 0, ErrInvalid
	}

	nilIdx := rx.msgInfoNil()

	// Step 2: message-info insertion, sorted by begin, rejecting overlap
	// with either neighboring recorded message.
	if newMsgSize > 0 {
		before := nilIdx
		after := rx.msgInfoBegin

		for after != nilIdx && rx.msgInfoStore[after].begin < seqNum {
			before = after
			after = rx.msgInfoStore[after].nextIdx
		}
		if before != nilIdx && rx.msgInfoStore[before].begin+rx.msgInfoStore[before].size > seqNum {
			return 0, ErrInvalid
		}
		if after != nilIdx && seqNum+newMsgSize > rx.msgInfoStore[after].begin {
			return 0, ErrInvalid
		}

		idx := nilIdx
		for i := range rx.msgInfoStore {
			if !rx.msgInfoStore[i].inUse {
				idx = i
				break
			}
		}
		if idx == nilIdx {
			return 0, ErrNoMemory
		}

		rx.msgInfoStore[idx] = msgInfo{inUse: true, begin: seqNum, size: newMsgSize, nextIdx: after}
		if before != nilIdx {
			rx.msgInfoStore[before].nextIdx = idx
		} else {
			rx.msgInfoBegin = idx
		}
	}

	// Step 3: fragment list insertion, sorted by seqNum, rejecting
	// overlap with either neighbor.
	var prev *rxFragment
	cur := rx.fragmentsHd
	for cur != nil && cur.seqNum < seqNum {
		prev = cur
		cur = cur.next
	}
	if prev != nil && prev.seqNum+uint16(len(prev.data)) > seqNum {
		return 0, ErrInvalid
	}
	if cur != nil && seqNum+size > cur.seqNum {
		return 0, ErrInvalid
	}

	// Step 4: arena bump-allocation for the fragment payload.
	region, err := rx.fragmentsBuf.Alloc(int(size))
	if err != nil {
		return 0, ErrNoMemory
	}
	copy(region, data)

	newFrag := &rxFragment{seqNum: seqNum, data: region, next: cur}
	if prev != nil {
		prev.next = newFrag
	} else {
		rx.fragmentsHd = newFrag
	}
	rx.allocOrder = append(rx.allocOrder, newFrag)

	// Step 5: compact the delivery buffer ahead of reassembly.
	rx.msgDataBuf.Compact()

	// Step 6: prefix-draining loop. Walk the fragment list from the
	// head; while the next fragment continues exactly where rxSeq left
	// off, write its bytes (prefixing a message-size field whenever
	// rxSeq lands on a recorded message's begin), advance rxSeq, mark
	// the fragment assembled, and release completed message-info slots.
	cur = rx.fragmentsHd
	for cur != nil && cur.seqNum == rx.seqNum {
		if rx.msgInfoBegin != nilIdx {
			mi := &rx.msgInfoStore[rx.msgInfoBegin]
			if rx.seqNum == mi.begin {
				var sizeField [2]byte
				put16(sizeField[:], mi.size)
				if err := rx.msgDataBuf.Write(sizeField[:]); err != nil {
					return nMsgs, err
				}
			}
		}

		if err := rx.msgDataBuf.Write(cur.data); err != nil {
			return nMsgs, err
		}
		rx.seqNum += uint16(len(cur.data))
		cur.assembled = true

		if rx.msgInfoBegin != nilIdx {
			mi := &rx.msgInfoStore[rx.msgInfoBegin]
			if rx.seqNum == mi.begin+mi.size {
				mi.inUse = false
				rx.msgInfoBegin = mi.nextIdx
				nMsgs++
			}
		}

		cur = cur.next
	}
	rx.fragmentsHd = cur

	// Step 7: reclaim the arena from its oldest end, strictly FIFO.
	rx.reclaimArena()

	// Step 8: apply a deferred window change, if any.
	if rx.pendingWindow != 0 {
		rx.window = rx.pendingWindow
		rx.pendingWindow = 0
	}

	return nMsgs, nil
}

// reclaimArena frees the fragment arena's oldest allocations for as long
// as they have been assembled, matching the arena's freed-from-the-
// oldest-end-only discipline (spec.md §3).
func (rx *rxController) reclaimArena() {
	for len(rx.allocOrder) > 0 {
		oldest := rx.allocOrder[0]
		if !oldest.assembled {
			break
		}
		if err := rx.fragmentsBuf.Free(len(oldest.data)); err != nil {
			break
		}
		rx.allocOrder = rx.allocOrder[1:]
	}
}

// setWindow schedules a SET_PARAM(WINDOW_SIZE) change to take effect at
// the end of the next handlePacket call that accepts its packet (a
// rejected packet leaves it pending), mirroring the TX side's deferred apply
// (open question #2 in SPEC_FULL.md §5).
func (rx *rxController) setWindow(size uint16) {
	rx.pendingWindow = size
}

// nextMsg removes and returns the oldest fully reassembled message from
// the delivery buffer, reading past its [size:u16] header the same way
// handlePacket wrote it (spec.md §4.E "Delivering to the user"). It
// returns (nil, nil), matching makeFragment's "nothing yet" idiom, when
// the delivery buffer holds no complete message header.
func (rx *rxController) nextMsg() ([]byte, error) {
	if rx.msgDataBuf.Len() < 2 {
		return nil, nil
	}
	var sizeField [2]byte
	if err := rx.msgDataBuf.Read(sizeField[:], 2); err != nil {
		return nil, nil
	}
	size := le16(sizeField[:])

	region, err := rx.msgDataBuf.Peek(int(size))
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, region)
	if err := rx.msgDataBuf.Free(int(size)); err != nil {
		return nil, err
	}
	return out, nil
}

// drain returns and consumes any reassembled bytes ready for delivery to
// the application (spec.md §4.E "Delivering to the user").
func (rx *rxController) drain() []byte {
	n := rx.msgDataBuf.Len()
	if n == 0 {
		return nil
	}
	region, err := rx.msgDataBuf.Peek(n)
	if err != nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, region)
	_ = rx.msgDataBuf.Free(n)
	return out
}
