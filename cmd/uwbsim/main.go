// Command uwbsim runs a small fleet of ranging nodes against each other
// without any real hardware: every node's DW1000 is a SimTransceiver
// attached to a shared in-process Medium, so Send on one node's radio is
// Recv on every other node's. It exists so the connection and TWR state
// machines can be exercised and watched end to end from a laptop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/edm"
	"github.com/ranging-fleet/uwbnode/internal/frame"
	"github.com/ranging-fleet/uwbnode/internal/peertable"
	"github.com/ranging-fleet/uwbnode/internal/radioctl"
	"github.com/ranging-fleet/uwbnode/internal/ranging"
	"github.com/ranging-fleet/uwbnode/internal/supervisor"
)

// node bundles one simulated node's full stack, the same wiring
// cmd/uwbnode uses against real hardware.
type node struct {
	addr  frame.ShortAddr
	ctrl  *radioctl.Controller
	table *peertable.Table
	edm   *edm.Matrix
	eng   *ranging.Engine
	sup   *supervisor.Node
}

func main() {
	count := flag.Int("nodes", 2, "number of simulated nodes sharing the medium")
	pan := flag.Uint("pan", 0xCAFE, "shared PAN ID for the simulated fleet")
	printEvery := flag.Duration("print-interval", 2*time.Second, "how often to print fleet state")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	if *count < 2 {
		fmt.Fprintln(os.Stderr, "uwbsim: -nodes must be at least 2")
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	clock := clockwork.NewRealClock()
	medium := dw1000.NewMedium()
	nodes := make([]*node, *count)
	for i := range nodes {
		nodes[i] = newSimNode(frame.PANID(*pan), frame.ShortAddr(i+1), *count-1, medium, clock, log)
	}

	// The supervisor starts the controller and engine goroutines itself.
	for _, n := range nodes {
		go n.sup.Run(ctx)
	}

	ticker := time.NewTicker(*printEvery)
	defer ticker.Stop()
	fmt.Printf("uwbsim: %d nodes on a shared medium, pan=0x%04X\n", *count, uint16(*pan))
	for {
		select {
		case <-ctx.Done():
			fmt.Println("uwbsim: stopping")
			return
		case <-ticker.C:
			printFleet(nodes)
		}
	}
}

// newSimNode wires a full node stack on top of a SimTransceiver attached
// to the shared medium, the same packages cmd/uwbnode wires against
// periph.io, substituting simulated reset/IRQ pins for GPIO lines.
func newSimNode(pan frame.PANID, addr frame.ShortAddr, peerCapacity int, medium *dw1000.Medium, clock clockwork.Clock, log *slog.Logger) *node {
	xcvr := dw1000.NewSimTransceiver(medium, clock)

	dev, err := dw1000.NewWithHardware(dw1000.HardwareConfig{
		RadioConfig: dw1000.RadioConfig{
			PAN:            pan,
			OwnAddr:        addr,
			TxAntennaDelay: 16436,
			RxAntennaDelay: 16436,
			ChannelNumber:  5,
		},
		Reset: dw1000.NewSimResetPin(),
		IRQ:   dw1000.NewSimIRQPin(xcvr),
		Clock: clock,
	}, xcvr)
	if err != nil {
		log.Error("uwbsim: bringing up simulated radio failed", "addr", addr, "err", err)
		os.Exit(1)
	}

	nodeLog := log.With("node", fmt.Sprintf("0x%04X", uint16(addr)))
	ctrl := radioctl.New(dev, nodeLog.With("component", "radioctl"))
	table := peertable.New(peerCapacity, clock)
	edmM := edm.New(addr, peerCapacity)
	cfg := ranging.Config{
		OwnAddr:           addr,
		PAN:               pan,
		TimeUnitSeconds:   1.0 / (128 * 499.2e6),
		TxAntennaDelay:    16436,
		RxAntennaDelay:    16436,
		BroadcastInterval: 2 * time.Second,
	}
	eng := ranging.New(cfg, nodeLog.With("component", "ranging"), clock, table, edmM, ctrl)
	sup := supervisor.New(supervisor.DefaultConfig(), nodeLog.With("component", "supervisor"), clock, ctrl, eng)

	return &node{addr: addr, ctrl: ctrl, table: table, edm: edmM, eng: eng, sup: sup}
}

func printFleet(nodes []*node) {
	var b strings.Builder
	fmt.Fprintf(&b, "--- fleet state ---\n")
	for _, n := range nodes {
		fmt.Fprintf(&b, "node 0x%04X: state=%s radio=%s peers=%v\n",
			uint16(n.addr), n.sup.State(), n.ctrl.State(), n.table.ConnectedPeers())
	}
	for _, n := range nodes {
		for _, other := range nodes {
			if other.addr == n.addr {
				continue
			}
			if d := n.edm.Get(n.addr, other.addr); d >= edm.MinDist && d <= edm.MaxDist && d != 0 {
				fmt.Fprintf(&b, "  0x%04X <-> 0x%04X: %.2fm\n", uint16(n.addr), uint16(other.addr), d)
			}
		}
	}
	fmt.Print(b.String())
}
