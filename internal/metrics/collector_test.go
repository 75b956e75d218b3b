package metrics

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/edm"
	"github.com/ranging-fleet/uwbnode/internal/peertable"
	"github.com/ranging-fleet/uwbnode/internal/radioctl"
	"github.com/ranging-fleet/uwbnode/internal/ranging"
	"github.com/ranging-fleet/uwbnode/internal/supervisor"
)

func newTestCollector(t *testing.T) (*Collector, *peertable.Table, *edm.Matrix, *radioctl.Controller) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	tr, _ := dw1000.NewSimPair(clock)
	dev, err := dw1000.NewWithHardware(dw1000.HardwareConfig{
		RadioConfig: dw1000.RadioConfig{PAN: 0xCAFE, OwnAddr: 0x0001},
		Reset:       dw1000.NewSimResetPin(),
		IRQ:         dw1000.NewSimIRQPin(tr),
		Clock:       clock,
	}, tr)
	require.NoError(t, err)

	ctrl := radioctl.New(dev, nil)
	table := peertable.New(2, clock)
	edmM := edm.New(0x0001, 2)
	engine := ranging.New(ranging.Config{OwnAddr: 0x0001, PAN: 0xCAFE, TimeUnitSeconds: 1e-9}, nil, clock, table, edmM, ctrl)
	node := supervisor.New(supervisor.DefaultConfig(), nil, clock, ctrl, engine)

	return New(0x0001, node, table, ctrl, edmM), table, edmM, ctrl
}

func TestCollectorExportsNodeLevelSeries(t *testing.T) {
	c, _, _, _ := newTestCollector(t)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[fam.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[fam.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, float64(0), values["uwbnode_peer_count"])
	assert.Equal(t, float64(2), values["uwbnode_peer_capacity"])
	assert.Equal(t, float64(0), values["uwbnode_radio_resets_total"])
	assert.Equal(t, float64(1), values["uwbnode_state"])
}

func TestCollectorExportsPerPeerSeries(t *testing.T) {
	c, table, edmM, _ := newTestCollector(t)

	slot, err := table.CreateNewPeer(0x2222)
	require.NoError(t, err)
	require.NoError(t, table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.Mnt; p.TwrFailCnt = 3 }))
	require.NoError(t, edmM.SetAddr(1, 0x2222))
	edmM.Set(0x0001, 0x2222, 12.5)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	var sawDistance, sawFailures bool
	for _, fam := range families {
		switch fam.GetName() {
		case "uwbnode_peer_distance_meters":
			for _, m := range fam.GetMetric() {
				assert.Equal(t, "0x2222", m.GetLabel()[0].GetValue())
				assert.InDelta(t, 12.5, m.GetGauge().GetValue(), 1e-9)
				sawDistance = true
			}
		case "uwbnode_peer_twr_failures_total":
			for _, m := range fam.GetMetric() {
				assert.Equal(t, float64(3), m.GetCounter().GetValue())
				sawFailures = true
			}
		}
	}
	assert.True(t, sawDistance, "expected a uwbnode_peer_distance_meters sample")
	assert.True(t, sawFailures, "expected a uwbnode_peer_twr_failures_total sample")
}
