// Package metrics implements the Status task: a
// prometheus.Collector snapshotting the supervisor's state, the peer
// table, the radio controller's error/reset counters, and the EDM,
// grounded on runZeroInc-sockstats's pkg/exporter.TCPInfoCollector — a
// mutex-free, Collect-time-only read of already mutex-guarded state,
// one *prometheus.Desc per exported series.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ranging-fleet/uwbnode/internal/edm"
	"github.com/ranging-fleet/uwbnode/internal/frame"
	"github.com/ranging-fleet/uwbnode/internal/peertable"
	"github.com/ranging-fleet/uwbnode/internal/radioctl"
	"github.com/ranging-fleet/uwbnode/internal/supervisor"
)

// Collector exports a node's operational state to Prometheus. It holds no
// state of its own beyond the handles it was built with: every value is
// read fresh on each Collect, from the same mutex-guarded structures the
// Comms and radio controller goroutines already protect.
type Collector struct {
	ownAddr frame.ShortAddr
	node *supervisor.Node
	table *peertable.Table
	ctrl *radioctl.Controller
	edmM *edm.Matrix

	stateDesc *prometheus.Desc
	peerCountDesc *prometheus.Desc
	peerCapacityDesc *prometheus.Desc
	radioErrStreakDesc *prometheus.Desc
	radioResetsDesc *prometheus.Desc
	peerDistanceDesc *prometheus.Desc
	peerTwrFailuresDesc *prometheus.Desc
}

// New creates a Collector reading from the given node handles. ownAddr is
// this node's own short address, the row used to look up peer distances in
// edmM.
func New(ownAddr frame.ShortAddr, node *supervisor.Node, table *peertable.Table, ctrl *radioctl.Controller, edmM *edm.Matrix) *Collector {
	const ns = "uwbnode"
	return &Collector{
		ownAddr: ownAddr,
		node: node,
		table: table,
		ctrl: ctrl,
		edmM: edmM,

		stateDesc: prometheus.NewDesc(
			ns+"_state", "Current supervisor state; one active sample per scrape, valued 1 under its state label.",
			[]string{"state"}, nil,
		),
		peerCountDesc: prometheus.NewDesc(
			ns+"_peer_count", "Number of currently connected peers.", nil, nil,
		),
		peerCapacityDesc: prometheus.NewDesc(
			ns+"_peer_capacity", "Maximum number of peers the peer table can hold.", nil, nil,
		),
		radioErrStreakDesc: prometheus.NewDesc(
			ns+"_radio_error_streak", "Consecutive radio errors since the last successful receive or reset.", nil, nil,
		),
		radioResetsDesc: prometheus.NewDesc(
			ns+"_radio_resets_total", "Hard resets forced by the radio controller's error threshold.", nil, nil,
		),
		peerDistanceDesc: prometheus.NewDesc(
			ns+"_peer_distance_meters", "Last published distance to a connected peer.", []string{"peer"}, nil,
		),
		peerTwrFailuresDesc: prometheus.NewDesc(
			ns+"_peer_twr_failures_total", "Two-way-ranging failures recorded against a connected peer.", []string{"peer"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.peerCountDesc
	ch <- c.peerCapacityDesc
	ch <- c.radioErrStreakDesc
	ch <- c.radioResetsDesc
	ch <- c.peerDistanceDesc
	ch <- c.peerTwrFailuresDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, 1, c.node.State().String())
	ch <- prometheus.MustNewConstMetric(c.peerCountDesc, prometheus.GaugeValue, float64(c.table.CurrentPeerCount()))
	ch <- prometheus.MustNewConstMetric(c.peerCapacityDesc, prometheus.GaugeValue, float64(c.table.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.radioErrStreakDesc, prometheus.GaugeValue, float64(c.ctrl.ErrCount()))
	ch <- prometheus.MustNewConstMetric(c.radioResetsDesc, prometheus.CounterValue, float64(c.ctrl.ResetCount()))

	for _, p := range c.table.ConnectedPeers() {
		label := peerLabel(p.Addr)
		if d := c.edmM.Get(c.ownAddr, p.Addr); d >= edm.MinDist && d <= edm.MaxDist {
			ch <- prometheus.MustNewConstMetric(c.peerDistanceDesc, prometheus.GaugeValue, d, label)
		}
		ch <- prometheus.MustNewConstMetric(c.peerTwrFailuresDesc, prometheus.CounterValue, float64(p.TwrFailCnt), label)
	}
}

func peerLabel(addr frame.ShortAddr) string {
	return fmt.Sprintf("0x%04X", uint16(addr))
}

var _ prometheus.Collector = (*Collector)(nil)
