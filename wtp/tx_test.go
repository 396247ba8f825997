package wtp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/usbarmory/wtp/timerwheel"
)

func newTestTX(window uint16, readSize uint8) *txController {
	return newTXController(window, 10, readSize, 256, 256, 8, 8, timerwheel.New())
}

func TestMakeFragmentSingleMessageWholeInOneGo(t *testing.T) {
	tx := newTestTX(32, 24)
	_, err := tx.addMsg([]byte("hello"))
	require.NoError(t, err)

	f, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Equal(t, uint16(0), f.seqNum)
	require.Equal(t, uint16(5), f.msgSize)
	require.Equal(t, []byte("hello"), f.data)

	// Nothing left to fragment.
	f2, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.Nil(t, f2)
}

func TestMakeFragmentSplitsAcrossAvail(t *testing.T) {
	tx := newTestTX(64, 24)
	msg := make([]byte, 20)
	for i := range msg {
		msg[i] = byte('a' + i)
	}
	_, err := tx.addMsg(msg)
	require.NoError(t, err)

	// First fragment: BEGIN_MSG overhead is 6 bytes, avail 10 leaves room
	// for 4 payload bytes.
	first, err := tx.makeFragment(10)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, uint16(20), first.msgSize)
	require.Len(t, first.data, 4)

	// Second fragment: CONT_MSG overhead is 4 bytes, avail 10 leaves room
	// for 6 payload bytes, continuing where the first left off.
	second, err := tx.makeFragment(10)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, uint16(0), second.msgSize)
	require.Equal(t, first.seqNum+4, second.seqNum)
	require.Len(t, second.data, 6)
}

func TestMakeFragmentBlockedBySlidingWindow(t *testing.T) {
	tx := newTestTX(4, 24) // window smaller than the message
	_, err := tx.addMsg([]byte("hello"))
	require.NoError(t, err)

	f, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.LessOrEqual(t, len(f.data), 4)

	// Nothing more fits until an ACK advances the window.
	f2, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.Nil(t, f2)
}

func TestHandleAckAdvancesAndFreesMessage(t *testing.T) {
	tx := newTestTX(32, 24)
	_, err := tx.addMsg([]byte("hi"))
	require.NoError(t, err)

	f, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.NotNil(t, f)

	// The message's end was recorded in msgEndsQ when its only fragment
	// was made; a further makeFragment call finds nothing left to send.
	f2, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.Nil(t, f2)

	nSent, err := tx.handleAck(f.end())
	require.NoError(t, err)
	require.Equal(t, 1, nSent)
	require.Equal(t, f.end(), tx.seqNum)
	require.Equal(t, 0, tx.fragments.Len())
}

func TestHandleAckMisalignedFragmentBoundary(t *testing.T) {
	tx := newTestTX(32, 24)
	_, err := tx.addMsg([]byte("hello"))
	require.NoError(t, err)

	f, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.NotNil(t, f)

	// ACK a sequence number that lands inside the fragment, not at its end.
	_, err = tx.handleAck(f.seqNum + 1)
	require.ErrorIs(t, err, ErrNotAcked)
}

func TestFindNeedSendAndArmRetransmit(t *testing.T) {
	wheel := timerwheel.New()
	tx := newTXController(32, 3, 24, 256, 256, 8, 8, wheel)
	_, err := tx.addMsg([]byte("hi"))
	require.NoError(t, err)

	f, err := tx.makeFragment(24)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Nil(t, tx.findNeedSend())

	tx.armRetransmit(f)
	for i := int64(0); i < 3; i++ {
		wheel.Tick()
	}
	require.True(t, f.needSend)
	require.Equal(t, f, tx.findNeedSend())
}

func TestSetWindowDeferredUntilAck(t *testing.T) {
	tx := newTestTX(16, 24)
	tx.setWindow(64)
	require.Equal(t, uint16(16), tx.window)

	_, err := tx.handleAck(0)
	require.NoError(t, err)
	require.Equal(t, uint16(64), tx.window)
}
