// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package wtp

import (
	"github.com/usbarmory/wtp/buf"
	"github.com/usbarmory/wtp/queue"
	"github.com/usbarmory/wtp/timerwheel"
)

// readInfo is a scheduled READ OpSpec: size of each READ and how many
// READ cycles remain before the associated message has been fully
// drained from the TX message buffer (spec.md §3 "TX state").
type readInfo struct {
	size   uint8
	nReads uint8
}

// fragment is an outstanding (possibly unsent, possibly sent-but-
// unacked) TX fragment (spec.md §3 "TX fragment").
type fragment struct {
	seqNum   uint16
	msgSize  uint16 // 0 if continuation, else total message length
	data     []byte // aliases txController.msgBuf; valid until ACKed
	needSend bool
	timer    timerwheel.Timer
}

func (f *fragment) end() uint16 {
	return f.seqNum + uint16(len(f.data))
}

// txController is the sliding-window reliable sender (spec.md §4.D).
type txController struct {
	seqNum        uint16
	window        uint16
	pendingWindow uint16 // SET_PARAM(WINDOW_SIZE): takes effect on next ACK (open question #2)
	timeout       int64
	readSize      uint8

	pktBuf *buf.Buffer
	msgBuf *buf.Buffer

	msgBeginSeq   uint16
	msgBeginPos   int
	msgFragmented uint16

	fragments  *queue.Queue[*fragment]
	readInfoQ  *queue.Queue[readInfo]
	msgEndsQ   *queue.Queue[uint16]

	wheel *timerwheel.Wheel
}

func newTXController(window uint16, timeout int64, readSize uint8, pktBufSize, msgBufSize int, nFragments, nMsgs int, wheel *timerwheel.Wheel) *txController {
	return &txController{
		window:    window,
		timeout:   timeout,
		readSize:  readSize,
		pktBuf:    buf.New(pktBufSize),
		msgBuf:    buf.New(msgBufSize),
		fragments: queue.New[*fragment](nFragments),
		readInfoQ: queue.New[readInfo](nMsgs),
		msgEndsQ:  queue.New[uint16](nMsgs),
		wheel:     wheel,
	}
}

// beginPacket / endPacket expose the packet assembly surface described
// in spec.md §4.D to the endpoint, for control packets (ACK, OPEN,
// CLOSE, REQ_UPLINK, SET_PARAM) destined for the outbound packet buffer.
func (tx *txController) beginPacket(typ Type) (sizeSlot []byte, bodyBegin int, err error) {
	return beginPacket(tx.pktBuf, typ)
}

func (tx *txController) endPacket(sizeSlot []byte, bodyBegin int) error {
	return endPacket(tx.pktBuf, sizeSlot, bodyBegin)
}

// addMsg writes [size:u16][bytes] into the message buffer, schedules
// the READ OpSpecs it will need, and returns the pending readInfo record
// (spec.md §4.D "Adding a message").
func (tx *txController) addMsg(data []byte) (*readInfo, error) {
	size := uint16(len(data))

	header, err := tx.msgBuf.Alloc(2)
	if err != nil {
		return nil, err
	}
	put16(header, size)

	region, err := tx.msgBuf.Alloc(len(data))
	if err != nil {
		return nil, err
	}
	copy(region, data)

	nReads := uint8(size/uint16(tx.readSize) + 1)
	if err := tx.readInfoQ.Push(readInfo{size: tx.readSize, nReads: nReads}); err != nil {
		return nil, err
	}

	return tx.readInfoQ.Back()
}

// makeFragment produces the next outbound fragment, or nil if nothing is
// eligible yet, per spec.md §4.D "Fragmenting".
func (tx *txController) makeFragment(avail uint8) (*fragment, error) {
	// Shallow "copy" of the message buffer's read cursor: operate on a
	// scratch cursor over the same backing array rather than mutating
	// msgBuf's real PosR, mirroring the C original's "copy the buffer,
	// point its cursor at msg_begin_pos" trick.
	scan := buf.Wrap(tx.msgBuf.Bytes())
	scan.PosR = tx.msgBeginPos
	scan.PosW = tx.msgBuf.PosW

	if scan.PosR == scan.PosW {
		return nil, nil
	}

	var sizeField [2]byte
	if err := scan.Read(sizeField[:], 2); err != nil {
		return nil, err
	}
	msgSize := le16(sizeField[:])

	if tx.msgFragmented >= msgSize {
		// Advance past the exhausted message. Its end was recorded in
		// msgEndsQ when its last fragment was made; an empty message has
		// no fragment, so its end is recorded here.
		if msgSize == 0 {
			if err := tx.msgEndsQ.Push(tx.msgBeginSeq); err != nil {
				return nil, err
			}
		}
		tx.msgBeginSeq += msgSize
		tx.msgFragmented = 0

		if err := scan.Free(int(msgSize)); err != nil {
			return nil, err
		}
		tx.msgBeginPos = scan.PosR

		if scan.PosR == scan.PosW {
			return nil, nil
		}
		if err := scan.Read(sizeField[:], 2); err != nil {
			return nil, err
		}
		msgSize = le16(sizeField[:])
	}

	msgFragmented := tx.msgFragmented
	seqNum := tx.msgBeginSeq + msgFragmented

	overhead := headerOverheadContMsg
	if msgFragmented == 0 {
		overhead = headerOverheadBeginMsg
	}
	maxAvail := int(avail) - overhead
	maxMsg := int(msgSize - msgFragmented)
	maxWindow := int(tx.seqNum+tx.window) - int(seqNum)

	size := min3(maxAvail, maxMsg, maxWindow)
	if size <= 0 {
		return nil, nil
	}

	tx.msgFragmented += uint16(size)
	if tx.msgFragmented == msgSize {
		// Last fragment of this message: record where it ends so the ACK
		// covering it completes the message.
		if err := tx.msgEndsQ.Push(tx.msgBeginSeq + msgSize); err != nil {
			return nil, err
		}
	}
	data := scan.Bytes()[scan.PosR+int(msgFragmented) : scan.PosR+int(msgFragmented)+size]

	f := &fragment{
		seqNum:   seqNum,
		data:     data,
		needSend: false,
	}
	if msgFragmented == 0 {
		f.msgSize = msgSize
	}

	if err := tx.fragments.Push(f); err != nil {
		return nil, err
	}
	return tx.fragments.Back()
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// handleAck reconciles a cumulative ACK against the fragment queue,
// frees fully-acknowledged messages, cancels their retransmission
// timers, and returns the number of messages that were fully sent
// (spec.md §4.D "Handling an ACK").
func (tx *txController) handleAck(seqNum uint16) (nSentMsgs int, err error) {
	if int(seqNum) > int(tx.msgBeginSeq)+int(tx.msgFragmented) {
		return 0, ErrInvalid
	}

	// Walk from the tail (oldest) counting consecutive fragments whose
	// end <= seqNum; the last one must end exactly at seqNum, i.e. ACKs
	// align on fragment boundaries (spec.md §4.D "Handling an ACK").
	nFragments := 0
	for i := 0; i < tx.fragments.Len(); i++ {
		f := *tx.fragments.At(i)
		end := f.end()

		if end > seqNum {
			return 0, ErrNotAcked
		}
		nFragments++
		if end == seqNum {
			break
		}
	}

	for i := 0; i < nFragments; i++ {
		f, err := tx.fragments.Pop()
		if err != nil {
			return nSentMsgs, err
		}
		tx.wheel.Cancel(&f.timer)

		fragEnd := f.end()

		if tx.msgEndsQ.Len() > 0 {
			msgEnd, err := tx.msgEndsQ.Front()
			if err != nil {
				return nSentMsgs, err
			}
			if *msgEnd <= fragEnd {
				if _, err := tx.msgEndsQ.Pop(); err != nil {
					return nSentMsgs, err
				}

				var sizeField [2]byte
				if err := tx.msgBuf.Read(sizeField[:], 2); err != nil {
					return nSentMsgs, err
				}
				msgSize := le16(sizeField[:])
				if err := tx.msgBuf.Free(int(msgSize)); err != nil {
					return nSentMsgs, err
				}
				nSentMsgs++
			}
		}
	}

	tx.seqNum = seqNum
	if tx.pendingWindow != 0 {
		tx.window = tx.pendingWindow
		tx.pendingWindow = 0
	}

	return nSentMsgs, nil
}

// setWindow schedules a SET_PARAM(WINDOW_SIZE) change to take effect on
// the next handleAck call (open question #2 in SPEC_FULL.md §5).
func (tx *txController) setWindow(size uint16) {
	tx.pendingWindow = size
}

// setReadSize applies a SET_PARAM(READ_SIZE) change; it affects only
// fragments made from here on, i.e. "takes effect on next READ" as
// spec.md §6 requires.
func (tx *txController) setReadSize(size uint8) {
	tx.readSize = size
}

// findNeedSend scans the fragment queue for one flagged for
// retransmission, returning it if found.
func (tx *txController) findNeedSend() *fragment {
	for i := 0; i < tx.fragments.Len(); i++ {
		f := *tx.fragments.At(i)
		if f.needSend {
			return f
		}
	}
	return nil
}

// armRetransmit (re)arms f's retransmission timer for tx.timeout ticks;
// on expiry the fragment's needSend flag is raised so the next uplink
// opportunity re-serializes it ahead of making fresh fragments (spec.md
// §4.D "Retransmission"). Every fragment selected for transmission gets
// this call, first send or retransmit alike (open question #3).
func (tx *txController) armRetransmit(f *fragment) {
	if f.timer.Armed() {
		tx.wheel.Cancel(&f.timer)
	}
	_ = tx.wheel.SetTimeout(&f.timer, tx.timeout, func(data any, status error) {
		frag := data.(*fragment)
		frag.needSend = true
	}, f)
}
