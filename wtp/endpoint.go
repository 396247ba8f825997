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
	"go.uber.org/zap"
)

// LinkState is a sublink's half of the connection state machine (spec.md
// §4.F).
type LinkState int

const (
	StateClosed LinkState = iota
	StateOpening
	StateOpened
	StateClosing
)

func (s LinkState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Event is fired through OnEvent as the two sublinks progress through
// their state machines (spec.md §4.F).
type Event int

const (
	EventDownlinkOpen Event = iota
	EventUplinkOpen
	EventOpen // both sublinks opened
	EventHalfClose
	EventClose // both sublinks closed
)

// Config bundles the tunable parameters of an Endpoint, mirroring the
// original implementation's init-time parameter struct (SPEC_FULL.md §2
// "Configuration").
type Config struct {
	Window           uint16
	Timeout          int64
	ReadSize         uint8
	PktBufSize       int
	MsgBufSize       int
	RxMsgDataSize    int
	RxFragmentsSize  int
	MaxFragments     int
	// MaxMsgs also sizes the send-completion callback queue: one send
	// can be outstanding per not-yet-fully-sent message (spec.md §5).
	MaxMsgs int
	// MaxRxMsgInfo also sizes the receive callback queue, one registered
	// Recv per in-flight out-of-order message (spec.md §5).
	MaxRxMsgInfo int
	EPCBufSize   int
	EPCRefreshPeriod int // supplemented feature, see SPEC_FULL.md §6
}

// DefaultConfig returns the spec's typical defaults for the reference air
// interface (window 64, timeout 10 ticks, tx/rx buffers 200B, 5 pending
// sends/receives, EPC <=10B, READ 24B).
func DefaultConfig() Config {
	return Config{
		Window:           64,
		Timeout:          10,
		ReadSize:         24,
		PktBufSize:       200,
		MsgBufSize:       200,
		RxMsgDataSize:    200,
		RxFragmentsSize:  200,
		MaxFragments:     16,
		MaxMsgs:          5,
		MaxRxMsgInfo:     5,
		EPCBufSize:       10,
		EPCRefreshPeriod: 4,
	}
}

// SendCallback is invoked once a message queued with Send has been
// fully acknowledged, in the FIFO order Send was called (spec.md §5,
// §8 universal invariant "send-completion callbacks fire in the order
// of send() calls").
type SendCallback func(data any, err error)

// RecvCallback is invoked once per inbound message, as soon as it
// completes reassembly, in FIFO registration order (spec.md §5, §8
// scenario 4).
type RecvCallback func(data any, payload []byte, err error)

// sendCallback and recvCallback pair a registered callback with the
// opaque data the caller asked to get back, mirroring the original's
// parallel cb/cb_data queues (endpoint.c's send_cb_queue/
// send_cb_data_queue and recv_cb_queue/recv_cb_data_queue).
type sendCallback struct {
	cb   SendCallback
	data any
}

type recvCallback struct {
	cb   RecvCallback
	data any
}

// Endpoint is a single WTP connection: two independent sublinks (uplink
// carried by READ, downlink carried by BLOCKWRITE) sharing one
// TX/RX controller pair and one EPC staging buffer (spec.md §4.F).
type Endpoint struct {
	cfg Config
	log *zap.Logger

	downlink LinkState
	uplink   LinkState

	tx *txController
	rx *rxController

	// sendCbs and recvCbs are the bounded FIFO callback queues spec.md
	// §5 describes; handleAck and the message handlers pop from them
	// as TX/RX report completions.
	sendCbs *queue.Queue[sendCallback]
	recvCbs *queue.Queue[recvCallback]

	epcBuf      *buf.Buffer
	rfidCounter int

	onEvent func(Event)

	wheel *timerwheel.Wheel
}

// NewEndpoint constructs an Endpoint in the CLOSED/CLOSED state. log may
// be nil, in which case a no-op logger is used.
func NewEndpoint(cfg Config, wheel *timerwheel.Wheel, log *zap.Logger) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		cfg:      cfg,
		log:      log,
		downlink: StateClosed,
		uplink:   StateClosed,
		tx:       newTXController(cfg.Window, cfg.Timeout, cfg.ReadSize, cfg.PktBufSize, cfg.MsgBufSize, cfg.MaxFragments, cfg.MaxMsgs, wheel),
		rx:       newRXController(cfg.Window, cfg.RxMsgDataSize, cfg.RxFragmentsSize, cfg.MaxRxMsgInfo),
		sendCbs:  queue.New[sendCallback](cfg.MaxMsgs),
		recvCbs:  queue.New[recvCallback](cfg.MaxRxMsgInfo),
		epcBuf:   buf.New(cfg.EPCBufSize),
		wheel:    wheel,
	}
}

// OnEvent registers a callback fired whenever a sublink reaches
// StateOpened or StateClosed; entering StateOpening or StateClosing fires
// no event.
func (e *Endpoint) OnEvent(cb func(Event)) {
	e.onEvent = cb
}

// Connected reports whether both sublinks have reached StateOpened.
func (e *Endpoint) Connected() bool {
	return e.downlink == StateOpened && e.uplink == StateOpened
}

func (e *Endpoint) fire(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// Connect opens the downlink sublink by enqueueing an OPEN control
// packet for the next BLOCKWRITE batch (spec.md §4.F "OPENING").
func (e *Endpoint) Connect(reliable bool) error {
	if e.downlink != StateClosed {
		return ErrAlready
	}

	sizeSlot, bodyBegin, err := e.tx.beginPacket(TypeOpen)
	if err != nil {
		return err
	}
	var flag byte
	if reliable {
		flag = 1
	}
	if err := e.tx.pktBuf.WriteByte(flag); err != nil {
		return err
	}
	if err := e.tx.endPacket(sizeSlot, bodyBegin); err != nil {
		return err
	}

	e.downlink = StateOpening
	e.log.Debug("connect", zap.String("downlink", e.downlink.String()))
	return nil
}

// Close begins a graceful shutdown of the downlink sublink by
// enqueueing a CLOSE control packet (spec.md §4.F "CLOSING"). This path
// is fully specified despite the reference implementation leaving it as
// a stub; the state table requires both sublinks to reach CLOSED before
// EventClose fires.
func (e *Endpoint) Close() error {
	if e.downlink != StateOpened {
		return ErrAlready
	}

	sizeSlot, bodyBegin, err := e.tx.beginPacket(TypeClose)
	if err != nil {
		return err
	}
	if err := e.tx.endPacket(sizeSlot, bodyBegin); err != nil {
		return err
	}

	e.downlink = StateClosing
	e.log.Debug("close", zap.String("downlink", e.downlink.String()))
	return nil
}

// Send queues an application message for reliable delivery over the
// uplink and registers cb to be invoked, with cbData, once the message
// has been fully acknowledged (spec.md §4.D "Adding a message", §6
// send(data, size, cb_data, cb)). cb may be nil, matching the original's
// tolerance for a fire-and-forget send. The callback is registered
// before the message is handed to the TX controller, so a full send
// queue (ErrNoMemory) never leaves a stray callback behind without a
// matching message.
func (e *Endpoint) Send(data []byte, cbData any, cb SendCallback) error {
	if e.uplink != StateOpened {
		return ErrInvalid
	}
	if err := e.sendCbs.Push(sendCallback{cb: cb, data: cbData}); err != nil {
		return err
	}
	_, err := e.tx.addMsg(data)
	return err
}

// Recv registers cb to be invoked, with cbData, the next time an
// inbound message completes reassembly (spec.md §4.E "Delivering to the
// user", §6 recv(cb_data, cb)). Registrations are served strictly FIFO.
// A message that completes while no Recv is outstanding is drained from
// the reassembly buffer and is not delivered to any later Recv.
func (e *Endpoint) Recv(cbData any, cb RecvCallback) error {
	return e.recvCbs.Push(recvCallback{cb: cb, data: cbData})
}

// SetWindow applies SET_PARAM(WINDOW_SIZE) locally and schedules an
// outbound SET_PARAM packet; the change affects the local TX side on the
// next ACK and the local RX side on the next inbound packet (open
// question #2).
func (e *Endpoint) SetWindow(size uint16) error {
	sizeSlot, bodyBegin, err := e.tx.beginPacket(TypeSetParam)
	if err != nil {
		return err
	}
	if err := e.tx.pktBuf.WriteByte(ParamWindowSize); err != nil {
		return err
	}
	var field [2]byte
	put16(field[:], size)
	if err := e.tx.pktBuf.Write(field[:]); err != nil {
		return err
	}
	if err := e.tx.endPacket(sizeSlot, bodyBegin); err != nil {
		return err
	}

	e.tx.setWindow(size)
	e.rx.setWindow(size)
	return nil
}

// BeforeInventory refreshes the EPC staging buffer ahead of the next
// inventory round, per the cadence in SPEC_FULL.md §6 "Supplemented
// Features" (a corrected version of the reference implementation's
// stuck refresh counter).
func (e *Endpoint) BeforeInventory() error {
	e.rfidCounter++
	period := e.cfg.EPCRefreshPeriod
	if period <= 0 {
		period = 1
	}
	if e.rfidCounter%period != 0 {
		return nil
	}
	return e.refreshEPC()
}

// refreshEPC drains as many queued outbound control/data packets as fit
// into the EPC staging buffer, terminated by the END sentinel.
func (e *Endpoint) refreshEPC() error {
	e.epcBuf.Reset()

	pending, err := e.tx.pktBuf.Peek(e.tx.pktBuf.Len())
	if err != nil {
		return err
	}
	// Take whole packets only ([size][type+payload][checksum]), leaving
	// one byte for the END sentinel.
	n := 0
	for n < len(pending) {
		next := n + int(pending[n]) + 2
		if next > e.epcBuf.Cap()-1 {
			break
		}
		n = next
	}
	if err := e.epcBuf.Write(pending[:n]); err != nil {
		return err
	}
	if err := e.epcBuf.WriteByte(byte(TypeEnd)); err != nil {
		return err
	}
	return e.tx.pktBuf.Free(n)
}

// EPC returns the current EPC staging buffer contents, the bytes a
// reader would obtain from a READ targeting the EPC memory bank.
func (e *Endpoint) EPC() []byte {
	n, _ := e.epcBuf.Peek(e.epcBuf.Len())
	return n
}

// OnRead serializes outbound traffic into the reader-facing READ buffer.
// Any control packets already staged in the outbound queue (ACKs,
// OPEN/CLOSE, SET_PARAM) are always flushed; in addition, one data
// fragment is appended if a retransmit is due or a pending message has
// room to be fragmented, arming its retransmission timer whether freshly
// made or a retransmit (spec.md §4.D "Fragmenting", open question #3).
// avail only bounds a new fragment's header plus payload; the returned
// bytes are not capped at avail, so they exceed it when control packets
// are staged, and a fragment adds its size and checksum bytes on top.
// Each call also uses up one READ cycle of the oldest scheduled READ
// OpSpec, retiring it when none remain.
func (e *Endpoint) OnRead(avail uint8) ([]byte, error) {
	if ri, err := e.tx.readInfoQ.Front(); err == nil {
		if ri.nReads > 0 {
			ri.nReads--
		}
		if ri.nReads == 0 {
			_, _ = e.tx.readInfoQ.Pop()
		}
	}

	if f := e.tx.findNeedSend(); f != nil {
		e.tx.armRetransmit(f)
		if err := e.serializeFragment(f); err != nil {
			return nil, err
		}
	} else {
		f, err := e.tx.makeFragment(avail)
		if err != nil {
			return nil, err
		}
		if f != nil {
			e.tx.armRetransmit(f)
			if err := e.serializeFragment(f); err != nil {
				return nil, err
			}
		}
	}

	n := e.tx.pktBuf.Len()
	if n == 0 {
		return nil, nil
	}
	region, err := e.tx.pktBuf.Peek(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, region)
	if err := e.tx.pktBuf.Free(n); err != nil {
		return nil, err
	}
	return out, nil
}

// serializeFragment appends f's wire encoding to the outbound packet
// queue; the caller is responsible for draining that queue.
func (e *Endpoint) serializeFragment(f *fragment) error {
	typ := TypeContMsg
	if f.msgSize != 0 {
		typ = TypeBeginMsg
	}

	sizeSlot, bodyBegin, err := e.tx.beginPacket(typ)
	if err != nil {
		return err
	}

	if typ == TypeBeginMsg {
		var hdr [4]byte
		put16(hdr[0:2], f.msgSize)
		put16(hdr[2:4], f.seqNum)
		if err := e.tx.pktBuf.Write(hdr[:]); err != nil {
			return err
		}
	} else {
		var hdr [2]byte
		put16(hdr[:], f.seqNum)
		if err := e.tx.pktBuf.Write(hdr[:]); err != nil {
			return err
		}
	}
	if err := e.tx.pktBuf.WriteByte(uint8(len(f.data))); err != nil {
		return err
	}
	if err := e.tx.pktBuf.Write(f.data); err != nil {
		return err
	}
	if err := e.tx.endPacket(sizeSlot, bodyBegin); err != nil {
		return err
	}

	f.needSend = false
	return nil
}

// HandleBlockwrite dispatches every packet in a BLOCKWRITE batch. On a
// checksum failure the entire batch is abandoned (open question #1):
// bytes already applied from earlier packets in the same batch are kept,
// but the corrupt packet and anything after it in the batch are
// discarded.
func (e *Endpoint) HandleBlockwrite(data []byte) error {
	b := buf.Wrap(data)
	b.PosW = len(data)

	for {
		f, end, err := nextFrame(b)
		if err != nil {
			e.log.Warn("blockwrite batch aborted", zap.Error(err))
			return err
		}
		if end {
			return nil
		}
		if err := e.dispatch(f); err != nil {
			e.log.Warn("blockwrite packet rejected", zap.String("type", f.typ.String()), zap.Error(err))
			return err
		}
	}
}

func (e *Endpoint) dispatch(f frame) error {
	switch f.typ {
	case TypeOpen:
		return e.handleOpen(f.payload)
	case TypeClose:
		return e.handleClose()
	case TypeAck:
		return e.handleAck(f.payload)
	case TypeBeginMsg:
		return e.handleBeginMsg(f.payload)
	case TypeContMsg:
		return e.handleContMsg(f.payload)
	case TypeSetParam:
		return e.handleSetParam(f.payload)
	case TypeReqUplink:
		return e.handleReqUplink(f.payload)
	default:
		return ErrUnsupportedOp
	}
}

func (e *Endpoint) handleOpen(payload []byte) error {
	if len(payload) < 1 {
		return ErrInvalid
	}
	if e.uplink == StateClosed {
		e.uplink = StateOpened
		e.fire(EventUplinkOpen)
		if e.downlink == StateOpened {
			e.fire(EventOpen)
		}
	}

	sizeSlot, bodyBegin, err := e.tx.beginPacket(TypeAck)
	if err != nil {
		return err
	}
	var ackField [2]byte
	put16(ackField[:], e.rx.seqNum)
	if err := e.tx.pktBuf.Write(ackField[:]); err != nil {
		return err
	}
	return e.tx.endPacket(sizeSlot, bodyBegin)
}

// handleClose completes the peer's half of a graceful shutdown. The
// reference implementation never filled in this handler; spec.md's
// state table requires it so both sublinks reach CLOSED.
func (e *Endpoint) handleClose() error {
	if e.uplink == StateClosed {
		return nil
	}
	e.uplink = StateClosed
	e.fire(EventHalfClose)
	if e.downlink == StateClosed {
		e.fire(EventClose)
	}
	// Acknowledge so the peer's handleAck can drive its own downlink
	// from CLOSING to CLOSED.
	return e.ackAlways()
}

func (e *Endpoint) handleAck(payload []byte) error {
	if len(payload) < 2 {
		return ErrInvalid
	}
	seqNum := le16(payload[0:2])
	nSentMsgs, err := e.tx.handleAck(seqNum)
	if err != nil {
		return err
	}
	e.deliverSendCbs(nSentMsgs)

	switch e.downlink {
	case StateOpening:
		e.downlink = StateOpened
		e.fire(EventDownlinkOpen)
		if e.uplink == StateOpened {
			e.fire(EventOpen)
		}
	case StateClosing:
		e.downlink = StateClosed
		e.fire(EventHalfClose)
		if e.uplink == StateClosed {
			e.fire(EventClose)
		}
	}
	return nil
}

// deliverSendCbs pops and invokes the n oldest queued send-completion
// callbacks, FIFO, each with a nil error (spec.md §4.D "Handling an
// ACK": "return n_sent_msgs to the endpoint so it can invoke that many
// send-completion callbacks in FIFO order"). A completion with no
// callback registered (Send was called with cb == nil, or more messages
// completed than Sends were ever registered) is silently skipped,
// mirroring endpoint.c's "if (send_cb_queue->size>0)" guard.
func (e *Endpoint) deliverSendCbs(n int) {
	for i := 0; i < n; i++ {
		if e.sendCbs.Len() == 0 {
			continue
		}
		scb, _ := e.sendCbs.Pop()
		if scb.cb != nil {
			scb.cb(scb.data, nil)
		}
	}
}

// deliverRecvMsgs pops n completed messages off the reassembly buffer
// and invokes the n oldest queued Recv callbacks, FIFO, one message per
// callback (spec.md §4.E "Delivering to the user", §8 scenario 4). A
// message is always drained from the buffer even when no Recv is
// outstanding yet, matching endpoint.c's wtp_handle_msg_packet: such a
// message is dropped and a later Recv does not receive it.
func (e *Endpoint) deliverRecvMsgs(n int) {
	for i := 0; i < n; i++ {
		data, err := e.rx.nextMsg()

		if e.recvCbs.Len() == 0 {
			continue
		}
		rcb, _ := e.recvCbs.Pop()
		if rcb.cb != nil {
			rcb.cb(rcb.data, data, err)
		}
	}
}

// ackAlways always carries the current rx_seq, even for a packet this
// call ultimately rejects (the "always ACK with progress" supplemented
// feature, SPEC_FULL.md §6).
func (e *Endpoint) ackAlways() error {
	sizeSlot, bodyBegin, err := e.tx.beginPacket(TypeAck)
	if err != nil {
		return err
	}
	var field [2]byte
	put16(field[:], e.rx.seqNum)
	if err := e.tx.pktBuf.Write(field[:]); err != nil {
		return err
	}
	return e.tx.endPacket(sizeSlot, bodyBegin)
}

func (e *Endpoint) handleBeginMsg(payload []byte) error {
	if len(payload) < 5 {
		return ErrInvalid
	}
	msgSize := le16(payload[0:2])
	seqNum := le16(payload[2:4])
	size := payload[4]
	if len(payload) < 5+int(size) {
		return ErrInvalid
	}
	nMsgs, err := e.rx.handlePacket(seqNum, payload[5:5+int(size)], msgSize)
	e.deliverRecvMsgs(nMsgs)
	if ackErr := e.ackAlways(); ackErr != nil {
		return ackErr
	}
	return err
}

func (e *Endpoint) handleContMsg(payload []byte) error {
	if len(payload) < 3 {
		return ErrInvalid
	}
	seqNum := le16(payload[0:2])
	size := payload[2]
	if len(payload) < 3+int(size) {
		return ErrInvalid
	}
	nMsgs, err := e.rx.handlePacket(seqNum, payload[3:3+int(size)], 0)
	e.deliverRecvMsgs(nMsgs)
	if ackErr := e.ackAlways(); ackErr != nil {
		return ackErr
	}
	return err
}

func (e *Endpoint) handleSetParam(payload []byte) error {
	if len(payload) < 1 {
		return ErrInvalid
	}
	switch payload[0] {
	case ParamWindowSize:
		if len(payload) < 3 {
			return ErrInvalid
		}
		e.rx.setWindow(le16(payload[1:3]))
	case ParamReadSize:
		if len(payload) < 2 {
			return ErrInvalid
		}
		e.tx.setReadSize(payload[1])
	default:
		return ErrUnsupportedOp
	}
	return nil
}

// handleReqUplink schedules the uplink READ OpSpec the peer asked for.
// This is advisory on the reader side; the endpoint only needs to accept
// the request without error, since OnRead already serves whatever is
// pending on every call.
func (e *Endpoint) handleReqUplink(payload []byte) error {
	if len(payload) < 2 {
		return ErrInvalid
	}
	return nil
}

func (t Type) String() string {
	switch t {
	case TypeEnd:
		return "END"
	case TypeOpen:
		return "OPEN"
	case TypeClose:
		return "CLOSE"
	case TypeAck:
		return "ACK"
	case TypeBeginMsg:
		return "BEGIN_MSG"
	case TypeContMsg:
		return "CONT_MSG"
	case TypeReqUplink:
		return "REQ_UPLINK"
	case TypeSetParam:
		return "SET_PARAM"
	default:
		return "UNKNOWN"
	}
}
