package peertable

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ranging-fleet/uwbnode/internal/frame"
)

func TestCreateNewPeerFillsCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(2, clock)

	_, err := tbl.CreateNewPeer(0x0001)
	require.NoError(t, err)
	_, err = tbl.CreateNewPeer(0x0002)
	require.NoError(t, err)

	_, err = tbl.CreateNewPeer(0x0003)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, 2, tbl.CurrentPeerCount())
}

func TestGetPeerNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(2, clock)
	_, _, err := tbl.GetPeer(0x0099)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnectPeerFreesSlot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(1, clock)

	slot, err := tbl.CreateNewPeer(0x0001)
	require.NoError(t, err)
	require.NoError(t, tbl.DisconnectPeer(slot))

	assert.Equal(t, 0, tbl.CurrentPeerCount())
	_, _, err = tbl.GetPeer(0x0001)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.CreateNewPeer(0x0002)
	assert.NoError(t, err)
}

func TestTTLExpiryEnqueuesDisconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(1, clock)

	slot, err := tbl.CreateNewPeer(0x0001)
	require.NoError(t, err)

	for i := 0; i < DefaultTTL; i++ {
		clock.BlockUntil(1)
		clock.Advance(TickInterval)
	}

	select {
	case req := <-tbl.Disconnects():
		assert.Equal(t, slot, req.Slot)
		assert.Equal(t, frame.ShortAddr(0x0001), req.Addr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TTL disconnect request")
	}
}

func TestTouchPeerResetsTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(1, clock)

	slot, err := tbl.CreateNewPeer(0x0001)
	require.NoError(t, err)

	for i := 0; i < DefaultTTL-1; i++ {
		clock.BlockUntil(1)
		clock.Advance(TickInterval)
		tbl.TouchPeer(slot)
	}

	select {
	case <-tbl.Disconnects():
		t.Fatal("peer should not have been disconnected, TTL was kept refreshed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSeqAckPackingMonotone(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := &Peer{SeqAck: frame.PackSeqAck(0, 0)}
		n := rapid.IntRange(0, 64).Draw(rt, "n")
		prevSeq := p.NextSeq()
		for i := 0; i < n; i++ {
			p.AdvanceSeq()
			seq := p.NextSeq()
			assert.Equal(rt, (prevSeq+1)&0x0F, seq)
			prevSeq = seq
		}
	})
}

func TestUpdatePeerUnknownSlot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(1, clock)
	err := tbl.UpdatePeer(0, func(p *Peer) {})
	assert.ErrorIs(t, err, ErrNotFound)
}
