package rfidsim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	beforeInventoryCalls int
	onReadReturns        []byte
	received             [][]byte
}

func (p *fakePeer) OnRead(avail uint8) ([]byte, error) {
	out := p.onReadReturns
	p.onReadReturns = nil
	return out, nil
}

func (p *fakePeer) HandleBlockwrite(data []byte) error {
	p.received = append(p.received, append([]byte(nil), data...))
	return nil
}

func (p *fakePeer) BeforeInventory() error {
	p.beforeInventoryCalls++
	return nil
}

func TestPollRelaysUplinkAndDownlink(t *testing.T) {
	tag := &fakePeer{onReadReturns: []byte("tag-says-hi")}
	reader := &fakePeer{onReadReturns: []byte("reader-says-hi")}

	require.NoError(t, Poll(reader, tag, Loopback(), 24))

	require.Equal(t, 1, tag.beforeInventoryCalls)
	require.Equal(t, [][]byte{[]byte("tag-says-hi")}, reader.received)
	require.Equal(t, [][]byte{[]byte("reader-says-hi")}, tag.received)
}

func TestPollSkipsEmptyDirections(t *testing.T) {
	tag := &fakePeer{}
	reader := &fakePeer{}

	require.NoError(t, Poll(reader, tag, Loopback(), 24))

	require.Empty(t, reader.received)
	require.Empty(t, tag.received)
}
