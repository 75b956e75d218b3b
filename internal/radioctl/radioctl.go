// Package radioctl drives the radio I/O state machine sitting directly on
// top of internal/dw1000. It is the only package after initialisation that
// issues HAL calls: every other package talks to the radio only through the
// request/event channels exposed here.
package radioctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/frame"
)

// ErrMaxRetries is returned when the controller hits DW_ERR_THRESH
// consecutive radio errors and forces a hard reset.
var ErrMaxRetries = errors.New("radioctl: DW_ERR_THRESH consecutive errors, radio reset")

// State is the radio controller's own state, distinct from the supervisor's
// top-level state.
type State int

const (
	Idle State = iota
	Recv
	Send
	SendW4R
	ScheduledSend
	Err
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recv:
		return "Recv"
	case Send:
		return "Send"
	case SendW4R:
		return "SendW4R"
	case ScheduledSend:
		return "ScheduledSend"
	case Err:
		return "Err"
	default:
		return "Unknown"
	}
}

// ErrThreshold is DW_ERR_THRESH: the number of consecutive radio errors
// tolerated before the controller forces a hard reset and zeroes counters.
const ErrThreshold = 10

// RequestKind selects what an upstream caller is asking the controller for.
type RequestKind int

const (
	ReqRecv RequestKind = iota
	ReqSend
	ReqSendW4R
	ReqSendDelayed
	ReqReset
)

// Request is a single upstream ask, issued by internal/ranging. The
// controller sends one Result on Result once it is done processing this
// request; it does not close the channel.
type Request struct {
	Kind    RequestKind
	Payload []byte
	TxTime  frame.Timestamp // only meaningful for ReqSendDelayed
	Timeout time.Duration   // only meaningful for ReqRecv

	Result chan Result
}

// Result is delivered on a Request's Result channel exactly once.
type Result struct {
	Frame  frame.Frame
	RxTime frame.Timestamp
	TxTime frame.Timestamp
	Err    error
}

// Controller owns the single goroutine allowed to call into internal/dw1000
// after construction. Upstream packages (internal/ranging) interact with it
// only through Requests and the DwCommOk notification channel.
type Controller struct {
	dev    *dw1000.Device
	log    *slog.Logger
	events chan dw1000.EventMask
	reqs   chan Request

	// state, errCount and resetCount are written only by the Run
	// goroutine but read by the supervisor's health check and the metrics
	// collector, so they are atomics rather than plain fields.
	state      atomic.Int32
	errCount   atomic.Int32
	resetCount atomic.Int32

	notify chan Result
}

// New creates a Controller bound to dev. Run must be started on its own
// goroutine for the controller to do anything.
func New(dev *dw1000.Device, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		dev:    dev,
		log:    log,
		events: make(chan dw1000.EventMask, 16),
		reqs:   make(chan Request, 4),
		notify: make(chan Result, 4),
	}
	if err := dev.SetIRQHandler(c.onIRQEvent); err != nil && !errors.Is(err, dw1000.ErrIRQNotConfigured) {
		log.Warn("radioctl: failed to register IRQ handler", "err", err)
	}
	return c
}

// onIRQEvent is the bounded, non-blocking handoff from the HAL's ISR latch
// to this controller's own goroutine. It must never block.
func (c *Controller) onIRQEvent(mask dw1000.EventMask) {
	select {
	case c.events <- mask:
	default:
		c.log.Warn("radioctl: event queue full, dropping event", "mask", mask.String())
	}
}

// Requests returns the channel upstream callers submit Requests on.
func (c *Controller) Requests() chan<- Request { return c.reqs }

// Notifications returns the channel of completed receive/send results —
// the DwCommOk event rendered as a Go channel.
func (c *Controller) Notifications() <-chan Result { return c.notify }

// State reports the controller's current radio I/O state.
func (c *Controller) State() State { return State(c.state.Load()) }

// ResetCount reports how many hard resets ErrThreshold has triggered so
// far. internal/supervisor reads this to feed its backoff policy.
func (c *Controller) ResetCount() int { return int(c.resetCount.Load()) }

// ErrCount reports the controller's current consecutive-error streak.
// internal/metrics exports this as a gauge.
func (c *Controller) ErrCount() int { return int(c.errCount.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Run is the controller's goroutine body: select between ISR events and
// upstream requests until ctx is cancelled. It is the Go rendering of the
// ChibiOS event-mask wait loop named here.
func (c *Controller) Run(ctx context.Context) {
	var pending *Request

	for {
		select {
		case <-ctx.Done():
			return

		case mask := <-c.events:
			pending = c.handleEvent(mask, pending)

		case req := <-c.reqs:
			pending = c.handleRequest(req)
		}
	}
}

func (c *Controller) handleRequest(req Request) *Request {
	switch req.Kind {
	case ReqReset:
		c.forceReset()
		req.Result <- Result{}
		return nil

	case ReqRecv:
		if err := c.dev.ArmRecv(req.Timeout); err != nil {
			req.Result <- Result{Err: fmt.Errorf("radioctl: arm receive: %w", err)}
			return nil
		}
		c.setState(Recv)
		return &req

	case ReqSend:
		if err := c.dev.Send(req.Payload, dw1000.SendRequest{Mode: dw1000.Immediate}); err != nil {
			req.Result <- Result{Err: fmt.Errorf("radioctl: send: %w", err)}
			return nil
		}
		c.setState(Send)
		return &req

	case ReqSendW4R:
		if err := c.dev.Send(req.Payload, dw1000.SendRequest{Mode: dw1000.Wait4Response}); err != nil {
			req.Result <- Result{Err: fmt.Errorf("radioctl: send w4r: %w", err)}
			return nil
		}
		c.setState(SendW4R)
		return &req

	case ReqSendDelayed:
		err := c.dev.Send(req.Payload, dw1000.SendRequest{Mode: dw1000.Delayed, TxTime: req.TxTime})
		if err != nil {
			req.Result <- Result{Err: fmt.Errorf("radioctl: scheduled send: %w", err)}
			return nil
		}
		c.setState(ScheduledSend)
		return &req

	default:
		req.Result <- Result{Err: fmt.Errorf("radioctl: unknown request kind %d", req.Kind)}
		return nil
	}
}

// handleEvent reacts to one latched event mask and returns the request that
// should remain pending afterwards (nil if this event completed it).
func (c *Controller) handleEvent(mask dw1000.EventMask, pending *Request) *Request {
	if mask.Any(dw1000.RXERR) {
		errs := c.errCount.Add(1)
		c.log.Debug("radioctl: receive error", "mask", mask.String(), "count", errs)
		if errs >= ErrThreshold {
			c.forceReset()
			if pending != nil {
				pending.Result <- Result{Err: ErrMaxRetries}
			}
			return nil
		}
		// RXERR re-arms the receiver if we were waiting on one.
		if c.State() == Recv || c.State() == SendW4R {
			_ = c.dev.ArmRecv(0)
		}
		return pending
	}

	if mask.Any(dw1000.RXRFTO | dw1000.RXPTO) {
		c.errCount.Store(0)
		c.setState(Idle)
		if pending != nil {
			pending.Result <- Result{Err: context.DeadlineExceeded}
		}
		return nil
	}

	if mask.Has(dw1000.HPDWARN) {
		c.errCount.Store(0)
		c.setState(Err)
		if pending != nil {
			pending.Result <- Result{Err: dw1000.ErrHalfPeriodWarn}
		}
		return nil
	}

	if mask.Has(dw1000.RXFCG) {
		c.errCount.Store(0)
		f, rxTime, err := c.dev.ReadFrame()
		c.setState(Idle)
		res := Result{Frame: f, RxTime: rxTime, Err: err}
		if pending != nil {
			pending.Result <- res
		} else {
			select {
			case c.notify <- res:
			default:
				c.log.Warn("radioctl: notify channel full, dropping unsolicited frame")
			}
		}
		return nil
	}

	if mask.Has(dw1000.TXFRS) {
		c.errCount.Store(0)
		txTime, _ := c.dev.ReadTxTimestamp()
		res := Result{TxTime: txTime}
		if c.State() == SendW4R {
			// the hardware turns the receiver around automatically; stay
			// pending for the reply.
			c.setState(Recv)
			return pending
		}
		c.setState(Idle)
		if pending != nil {
			pending.Result <- res
		}
		return nil
	}

	return pending
}

// forceReset performs the DW_ERR_THRESH hard reset: idle + reset + zero
// counters. Recovery never propagates to upper layers as fatal — it
// only counts toward the supervisor's reset budget via ResetCount.
func (c *Controller) forceReset() {
	c.log.Warn("radioctl: error threshold reached, resetting radio", "errCount", c.errCount.Load())
	if err := c.dev.Reset(); err != nil {
		c.log.Error("radioctl: hard reset failed", "err", err)
	}
	c.errCount.Store(0)
	c.resetCount.Add(1)
	c.setState(Idle)
}
