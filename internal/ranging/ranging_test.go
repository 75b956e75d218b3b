package ranging

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/edm"
	"github.com/ranging-fleet/uwbnode/internal/frame"
	"github.com/ranging-fleet/uwbnode/internal/peertable"
	"github.com/ranging-fleet/uwbnode/internal/radioctl"
)

const testTimeUnitSeconds = 1.0 / 499.2e6 / 128

func newTestEngine(t *testing.T, clock clockwork.Clock, tr *dw1000.SimTransceiver, addr frame.ShortAddr, capacity int) (*Engine, *peertable.Table, *edm.Matrix, context.CancelFunc) {
	t.Helper()
	dev, err := dw1000.NewWithHardware(dw1000.HardwareConfig{
		RadioConfig: dw1000.RadioConfig{PAN: 0xCAFE, OwnAddr: addr},
		Reset:       dw1000.NewSimResetPin(),
		IRQ:         dw1000.NewSimIRQPin(tr),
		Clock:       clock,
	}, tr)
	require.NoError(t, err)

	ctrl := radioctl.New(dev, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)

	table := peertable.New(capacity, clock)
	edmM := edm.New(addr, capacity)

	cfg := Config{
		OwnAddr:         addr,
		PAN:             0xCAFE,
		TimeUnitSeconds: testTimeUnitSeconds,
		TxAntennaDelay:  16400,
		RxAntennaDelay:  16400,
	}
	e := New(cfg, nil, clock, table, edmM, ctrl)
	return e, table, edmM, cancel
}

// sendRaw pushes a frame directly onto the wire, standing in for the
// periodic broadcast that the engine's idle tick would otherwise send.
func sendRaw(t *testing.T, ctrl *radioctl.Controller, f frame.Frame) {
	t.Helper()
	buf, err := f.Encode()
	require.NoError(t, err)
	result := make(chan radioctl.Result, 1)
	ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqSend, Payload: buf, Result: result}
	select {
	case res := <-result:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out sending raw frame")
	}
}

func TestThreeWayHandshakeConnectsPeers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	trA, trB := dw1000.NewSimPair(clock)

	engineA, tableA, _, cancelA := newTestEngine(t, clock, trA, 0x0001, 2)
	defer cancelA()
	engineB, tableB, _, cancelB := newTestEngine(t, clock, trB, 0x0002, 2)
	defer cancelB()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engineA.Run(ctx)
	go engineB.Run(ctx)

	// The engine's idle tick emits the periodic broadcast; this test injects
	// the one A would have sent.
	broadcast := frame.Frame{
		Header: frame.Header{FrameControl: frame.DefaultFrameControl, PAN: 0xCAFE, Dest: frame.Unassigned, Src: 0x0001},
		Type:   frame.Broadcast,
	}
	sendRaw(t, engineA.ctrl, broadcast)

	require.Eventually(t, func() bool {
		_, pB, err := tableB.GetPeer(0x0001)
		_, pA, err2 := tableA.GetPeer(0x0002)
		return err == nil && err2 == nil && pB.State == peertable.Mnt && pA.State == peertable.Mnt
	}, time.Second, time.Millisecond, "both sides should reach Mnt after the three-way handshake")
}

func connectPeers(t *testing.T, clock clockwork.Clock) (engineA, engineB *Engine, slotAforB, slotBforA peertable.Slot, cancel context.CancelFunc) {
	t.Helper()
	trA, trB := dw1000.NewSimPair(clock)

	var tableA, tableB *peertable.Table
	var cancelA, cancelB context.CancelFunc
	engineA, tableA, _, cancelA = newTestEngine(t, clock, trA, 0x0001, 2)
	engineB, tableB, _, cancelB = newTestEngine(t, clock, trB, 0x0002, 2)

	ctx, cancelCtx := context.WithCancel(context.Background())
	go engineA.Run(ctx)
	go engineB.Run(ctx)

	broadcast := frame.Frame{
		Header: frame.Header{FrameControl: frame.DefaultFrameControl, PAN: 0xCAFE, Dest: frame.Unassigned, Src: 0x0001},
		Type:   frame.Broadcast,
	}
	sendRaw(t, engineA.ctrl, broadcast)

	require.Eventually(t, func() bool {
		_, pB, errB := tableB.GetPeer(0x0001)
		_, pA, errA := tableA.GetPeer(0x0002)
		return errA == nil && errB == nil && pA.State == peertable.Mnt && pB.State == peertable.Mnt
	}, time.Second, time.Millisecond)

	slotBforA, _, err := tableA.GetPeer(0x0002)
	require.NoError(t, err)
	slotAforB, _, err = tableB.GetPeer(0x0001)
	require.NoError(t, err)

	require.NoError(t, engineA.edmM.SetAddr(1, 0x0002))
	require.NoError(t, engineB.edmM.SetAddr(1, 0x0001))

	cancel = func() {
		cancelCtx()
		cancelA()
		cancelB()
	}
	return engineA, engineB, slotAforB, slotBforA, cancel
}

func TestTwrExchangeComputesMatchingDistance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engineA, engineB, slotAforB, slotBforA, cancel := connectPeers(t, clock)
	defer cancel()

	require.NoError(t, engineA.StartTwr(slotBforA))

	require.Eventually(t, func() bool {
		return !engineA.TwrInProgress()
	}, time.Second, time.Millisecond, "TWR exchange should settle back to idle")

	infoA := engineA.twrInfoFor(slotBforA)
	assert.Equal(t, 1, infoA.DMeasures)
	assert.Less(t, infoA.CalcDistance, 0.0, "with a frozen clock the round trip is zero, leaving only the negative turnaround and antenna-delay biases")

	infoB := engineB.twrInfoFor(slotAforB)
	assert.InDelta(t, infoA.CalcDistance, infoB.RecvdDistance, 1e-3)

	// B publishes the reported distance into its own EDM immediately; A
	// only does once MinDMeasures samples have accumulated.
	assert.Equal(t, edm.Unknown, engineA.edmM.Get(0x0001, 0x0002))
	assert.InDelta(t, infoA.CalcDistance, engineB.edmM.Get(0x0002, 0x0001), 1e-3)
}

// TestComputeDistanceFromCapturedTimestamps checks the estimator against a
// clean exchange with distinct captured timestamps, in radio ticks: DInit
// sent at 10000 and received at 12000, DResp transmitted at 22000 and
// received at 24000. The round trip (14000) minus the responder's turnaround
// (10000) leaves a 2000-tick time of flight each way, about 9.38 m at the
// DW1000 tick rate.
func TestComputeDistanceFromCapturedTimestamps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, _, _, cancel := newTestEngine(t, clock, tr, 0x0001, 1)
	defer cancel()
	e.cfg.TxAntennaDelay = 0
	e.cfg.RxAntennaDelay = 0

	got := e.computeDistance(10000, 12000, 22000, 24000)

	const tofTicks = 2000.0
	want := tofTicks * testTimeUnitSeconds * speedOfLight
	assert.InDelta(t, want, got, 0.5)
	assert.InDelta(t, 9.38, got, 0.5, "2000 ticks of flight is roughly 9.38 m")

	// Configured antenna delays shift the estimate by a fixed bias.
	e.cfg.TxAntennaDelay = 16400
	e.cfg.RxAntennaDelay = 16400
	biased := e.computeDistance(10000, 12000, 22000, 24000)
	wantBias := (16400.0 + 16400.0) * testTimeUnitSeconds * speedOfLight
	assert.InDelta(t, want-wantBias, biased, 0.5)
}

func TestTwrPublishesToEdmAfterMinMeasures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engineA, _, _, slotBforA, cancel := connectPeers(t, clock)
	defer cancel()

	for i := 0; i < MinDMeasures; i++ {
		require.NoError(t, engineA.StartTwr(slotBforA))
		require.Eventually(t, func() bool {
			return !engineA.TwrInProgress()
		}, time.Second, time.Millisecond)
	}

	info := engineA.twrInfoFor(slotBforA)
	assert.Equal(t, MinDMeasures, info.DMeasures)
	assert.InDelta(t, info.CalcDistance, engineA.edmM.Get(0x0001, 0x0002), 1e-3)
}

func TestStartTwrRejectsConcurrentExchange(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()

	slot0, err := table.CreateNewPeer(0x1111)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot0, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(1, 0x1111))

	slot1, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot1, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(2, 0x2222))

	require.NoError(t, e.StartTwr(slot0))
	err = e.StartTwr(slot1)
	assert.ErrorIs(t, err, ErrTwrInProgress)
}

func TestHandleDReqRejectsSecondPeerWhileTwrInProgress(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()

	slot0, err := table.CreateNewPeer(0x1111)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot0, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(1, 0x1111))

	slot1, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot1, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(2, 0x2222))

	require.NoError(t, e.StartTwr(slot0))
	require.True(t, e.TwrInProgress())

	dreq := frame.Frame{
		Header: frame.Header{FrameControl: frame.DefaultFrameControl, PAN: 0xCAFE, Dest: 0x0001, Src: 0x2222},
		Type:   frame.DReq,
	}
	e.dispatch(dreq, frame.Timestamp(clock.Now().UnixNano()))

	s, ok := e.twrSlot()
	require.True(t, ok)
	assert.Equal(t, slot0, s)
	assert.Equal(t, NoTwr, e.twrInfoFor(slot1).State)
}

func TestRecordDistancePublishesOnlyAfterMinMeasures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 1)
	defer cancel()

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, edmM.SetAddr(1, 0x2222))

	for i := 0; i < MinDMeasures-1; i++ {
		e.recordDistance(slot, 1.5)
		assert.Equal(t, edm.Unknown, e.edmM.Get(0x0001, 0x2222))
	}
	e.recordDistance(slot, 1.5)
	assert.InDelta(t, 1.5, e.edmM.Get(0x0001, 0x2222), 1e-9)
}

func TestMergeSnapshotIgnoresSelfAndUnassigned(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, _, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()
	require.NoError(t, edmM.SetAddr(1, 0x2222))
	require.NoError(t, edmM.SetAddr(2, 0x3333))

	remote := edm.New(0x2222, 2)
	require.NoError(t, remote.SetAddr(1, 0x0001))
	require.NoError(t, remote.SetAddr(2, 0x3333))
	remote.Set(0x2222, 0x3333, 4.2)

	e.mergeSnapshot(remote)

	assert.InDelta(t, 4.2, e.edmM.Get(0x2222, 0x3333), 1e-6)
}

func TestNextActionPrefersRangingThenKeepaliveOverNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()
	e.cfg.BroadcastInterval = time.Hour
	e.lastBroadcast = clock.Now()

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(1, 0x2222))

	// A freshly connected peer with no samples yet is due for ranging.
	action, gotSlot := e.NextAction()
	assert.Equal(t, Resp, action)
	assert.Equal(t, slot, gotSlot)

	// Past MinDMeasures and recently ranged, it is no longer due...
	e.twrInfoFor(slot).DMeasures = MinDMeasures
	e.lastRanged[slot] = clock.Now()
	action, _ = e.NextAction()
	assert.NotEqual(t, Resp, action)

	// ...but once its TTL has decayed past half, a keepalive probe is due.
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) { p.TTL = peertable.DefaultTTL / 2 }))
	action, gotSlot = e.NextAction()
	assert.Equal(t, RespBeforeTmo, action)
	assert.Equal(t, slot, gotSlot)
}

func TestNextActionRetransmitBeatsRangingAndKeepalive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, _, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()
	e.cfg.BroadcastInterval = time.Hour

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) {
		p.State = peertable.SynSend
		p.LastFrame = []byte{0x01, 0x02}
	}))
	e.lastSent[slot] = clock.Now()

	// Still within the channel timeout: nothing special to do yet.
	action, _ := e.NextAction()
	assert.NotEqual(t, RespNow, action)

	clock.Advance(ChannelTimeout + time.Millisecond)
	action, gotSlot := e.NextAction()
	assert.Equal(t, RespNow, action)
	assert.Equal(t, slot, gotSlot)
}

func TestIdleTickBroadcastsWhenUnderCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	trA, trB := dw1000.NewSimPair(clock)
	engineA, _, _, cancelA := newTestEngine(t, clock, trA, 0x0001, 2)
	defer cancelA()

	devB, err := dw1000.NewWithHardware(dw1000.HardwareConfig{
		RadioConfig: dw1000.RadioConfig{PAN: 0xCAFE, OwnAddr: 0x0002},
		Reset:       dw1000.NewSimResetPin(),
		IRQ:         dw1000.NewSimIRQPin(trB),
		Clock:       clock,
	}, trB)
	require.NoError(t, err)
	ctrlB := radioctl.New(devB, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrlB.Run(ctx)

	recvResult := make(chan radioctl.Result, 1)
	ctrlB.Requests() <- radioctl.Request{Kind: radioctl.ReqRecv, Result: recvResult}

	engineA.idleTick()

	select {
	case res := <-recvResult:
		require.NoError(t, res.Err)
		assert.Equal(t, frame.Broadcast, res.Frame.Type)
	case <-time.After(time.Second):
		t.Fatal("expected engine A to broadcast while under peer capacity")
	}
}

func TestDispatchRetransmitsVerbatimOnDuplicateSeq(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, _, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) {
		p.State = peertable.Mnt
		p.LastFrame = []byte{0xAA, 0xBB}
	}))

	f := frame.Frame{
		Header: frame.Header{FrameControl: frame.DefaultFrameControl, PAN: 0xCAFE, Dest: 0x0001, Src: 0x2222},
		Type:   frame.MConn,
		SeqAck: frame.PackSeqAck(3, 0),
	}
	e.dispatch(f, 0)
	require.Equal(t, 3, e.lastRecvSeq[slot])

	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) { p.TTL = 1 }))
	e.dispatch(f, 0)
	p, err := table.PeerAt(slot)
	require.NoError(t, err)
	assert.Equal(t, 1, p.TTL, "a replayed sequence must retransmit rather than reprocess the frame")
}

func TestTwrTimesOutWhenResponseNeverArrives(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 1)
	defer cancel()

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(1, 0x2222))

	// The peer transceiver has no engine behind it, so the DReq is never
	// answered.
	require.NoError(t, e.StartTwr(slot))
	require.True(t, e.TwrInProgress())

	clock.Advance(twrTimeout + time.Millisecond)
	e.idleTick()

	assert.False(t, e.TwrInProgress(), "a stalled exchange must release the radio")
	p, err := table.PeerAt(slot)
	require.NoError(t, err)
	assert.Equal(t, 1, p.TwrFailCnt)
	assert.Equal(t, edm.Unknown, edmM.Get(0x0001, 0x2222), "an aborted exchange must not publish a distance")
}

func TestIdleTickHonoursBroadcastInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, _, _, cancel := newTestEngine(t, clock, tr, 0x0001, 2)
	defer cancel()
	e.cfg.BroadcastInterval = time.Minute

	e.lastBroadcast = clock.Now()
	e.idleTick()
	assert.Equal(t, clock.Now(), e.lastBroadcast, "a broadcast inside the interval must be suppressed")

	clock.Advance(time.Minute + time.Second)
	e.idleTick()
	assert.Equal(t, clock.Now(), e.lastBroadcast, "an elapsed interval must trigger a fresh broadcast")
}

func TestHandleTwrFailDisconnectsAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	e, table, edmM, cancel := newTestEngine(t, clock, tr, 0x0001, 1)
	defer cancel()

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.Mnt }))
	require.NoError(t, edmM.SetAddr(1, 0x2222))

	e.handleTwrFail(slot)
	_, _, err = table.GetPeer(0x2222)
	assert.NoError(t, err, "a single TWR failure must not disconnect the peer")

	e.handleTwrFail(slot)
	_, _, err = table.GetPeer(0x2222)
	assert.ErrorIs(t, err, peertable.ErrNotFound, "exceeding ConnMsgTmoMax failures disconnects the peer")
}
