package radioctl

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/frame"
)

func newTestController(t *testing.T, clock clockwork.Clock, tr *dw1000.SimTransceiver, addr frame.ShortAddr) (*Controller, *dw1000.Device, context.CancelFunc) {
	t.Helper()
	dev, err := dw1000.NewWithHardware(dw1000.HardwareConfig{
		RadioConfig: dw1000.RadioConfig{PAN: 0xCAFE, OwnAddr: addr},
		Reset:       dw1000.NewSimResetPin(),
		IRQ:         dw1000.NewSimIRQPin(tr),
		Clock:       clock,
	}, tr)
	require.NoError(t, err)

	ctrl := New(dev, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	return ctrl, dev, cancel
}

func TestSendReceiveThroughController(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, b := dw1000.NewSimPair(clock)

	ctrlA, _, cancelA := newTestController(t, clock, a, 0x0001)
	defer cancelA()
	ctrlB, _, cancelB := newTestController(t, clock, b, 0x0002)
	defer cancelB()

	recvResult := make(chan Result, 1)
	ctrlB.Requests() <- Request{Kind: ReqRecv, Result: recvResult}

	f := frame.Frame{
		Header: frame.Header{
			FrameControl: frame.DefaultFrameControl,
			PAN:          0xCAFE,
			Dest:         0x0002,
			Src:          0x0001,
		},
		Type: frame.Broadcast,
	}
	buf, err := f.Encode()
	require.NoError(t, err)

	sendResult := make(chan Result, 1)
	ctrlA.Requests() <- Request{Kind: ReqSend, Payload: buf, Result: sendResult}

	select {
	case res := <-sendResult:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send result")
	}

	select {
	case res := <-recvResult:
		require.NoError(t, res.Err)
		assert.Equal(t, frame.Broadcast, res.Frame.Type)
		assert.Equal(t, frame.ShortAddr(0x0001), res.Frame.Header.Src)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recv result")
	}
}

func TestErrorThresholdForcesReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _ := dw1000.NewSimPair(clock)
	ctrl, _, cancel := newTestController(t, clock, a, 0x0001)
	defer cancel()

	recvResult := make(chan Result, 1)
	ctrl.Requests() <- Request{Kind: ReqRecv, Result: recvResult}

	for i := 0; i < ErrThreshold; i++ {
		a.InjectEvent(dw1000.RXPHE)
	}

	select {
	case res := <-recvResult:
		assert.ErrorIs(t, res.Err, ErrMaxRetries)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for threshold reset result")
	}
	assert.Equal(t, 1, ctrl.ResetCount())
}

func TestErrorThresholdResetCountBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := clockwork.NewFakeClock()
		a, _ := dw1000.NewSimPair(clock)
		dev, err := dw1000.NewWithHardware(dw1000.HardwareConfig{
			RadioConfig: dw1000.RadioConfig{PAN: 0xCAFE, OwnAddr: 0x0001},
			Reset:       dw1000.NewSimResetPin(),
			IRQ:         dw1000.NewSimIRQPin(a),
			Clock:       clock,
		}, a)
		require.NoError(t, err)

		ctrl := New(dev, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go ctrl.Run(ctx)

		n := rapid.IntRange(0, 3*ErrThreshold).Draw(rt, "n")
		for i := 0; i < n; i++ {
			a.InjectEvent(dw1000.RXPHE)
		}
		time.Sleep(10 * time.Millisecond)

		assert.LessOrEqual(rt, ctrl.ResetCount(), n/ErrThreshold+1)
	})
}
