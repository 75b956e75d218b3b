// Package supervisor owns the single Node handle that threads the radio
// controller, peer table, and ranging engine through their goroutines,
// and drives the top-level state machine: Standby, Init, Comm, Twr, Err.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/ranging-fleet/uwbnode/internal/radioctl"
	"github.com/ranging-fleet/uwbnode/internal/ranging"
)

// State is the node's top-level operating state.
type State int

const (
	Standby State = iota
	Init
	Comm
	Twr
	Err
)

func (s State) String() string {
	switch s {
	case Standby:
		return "Standby"
	case Init:
		return "Init"
	case Comm:
		return "Comm"
	case Twr:
		return "Twr"
	case Err:
		return "Err"
	default:
		return "Unknown"
	}
}

// Config carries the supervisor's own tunables, on top of the radio and
// ranging configuration already baked into the Controller and Engine it is
// given.
type Config struct {
	// HealthCheckInterval is how often the supervisor polls the radio
	// controller's reset count and the engine's TWR state.
	HealthCheckInterval time.Duration
	// ResetBudget is how many additional controller resets within one
	// HealthCheckInterval window are tolerated before the node is
	// considered unhealthy and a cooldown is applied.
	ResetBudget int
	// InitialBackoff and MaxBackoff bound the cooldown applied once
	// ResetBudget is exceeded.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the tunables used absent fleet-level overrides.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: time.Second,
		ResetBudget:         3,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
	}
}

// Node is the supervisor's owning handle. It does not itself touch the
// radio bus, the peer table, or the EDM — it only starts the Controller's
// and Engine's goroutines and watches their health.
type Node struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	ctrl   *radioctl.Controller
	engine *ranging.Engine

	mu    sync.RWMutex
	state State
}

// New creates a Node. ctrl and engine must already be wired to the same
// radio device and peer table.
func New(cfg Config, log *slog.Logger, clock clockwork.Clock, ctrl *radioctl.Controller, engine *ranging.Engine) *Node {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Node{
		cfg:    cfg,
		log:    log,
		clock:  clock,
		ctrl:   ctrl,
		engine: engine,
		state:  Standby,
	}
}

// State reports the node's current top-level state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s != n.state {
		n.log.Info("supervisor: state transition", "from", n.state.String(), "to", s.String())
	}
	n.state = s
}

// Run starts the radio controller and ranging engine goroutines and drives
// the node's own state machine until ctx is cancelled. It never returns a
// fatal error: radio resets beyond ResetBudget apply a backoff cooldown
// rather than propagating.
func (n *Node) Run(ctx context.Context) {
	n.setState(Init)

	go n.ctrl.Run(ctx)
	go n.engine.Run(ctx)

	n.setState(Comm)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.InitialInterval = n.cfg.InitialBackoff
	bo.MaxInterval = n.cfg.MaxBackoff

	interval := n.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()

	baseline := n.ctrl.ResetCount()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.Chan():
			current := n.ctrl.ResetCount()
			if current-baseline > n.cfg.ResetBudget {
				n.setState(Err)
				wait := bo.NextBackOff()
				n.log.Warn("supervisor: reset budget exceeded, cooling down", "resets", current-baseline, "wait", wait)
				select {
				case <-ctx.Done():
					return
				case <-n.clock.After(wait):
				}
				baseline = n.ctrl.ResetCount()
				n.setState(Comm)
				continue
			}
			bo.Reset()
			baseline = current

			if n.engine.TwrInProgress() {
				n.setState(Twr)
			} else {
				n.setState(Comm)
			}
		}
	}
}
