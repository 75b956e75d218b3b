// Package config loads a node's fleet configuration from YAML, following the teacher's RadioConfig/HardwareConfig
// struct-with-defaults pattern: a plain data struct, a loader that fills in
// defaults and validates, handed straight to the packages that need it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/frame"
	"github.com/ranging-fleet/uwbnode/internal/ranging"
	"github.com/ranging-fleet/uwbnode/internal/supervisor"
)

// FleetConfig is the YAML shape a node's configuration file is parsed into.
// Duration fields are strings accepted by time.ParseDuration ("10ms", "5s").
type FleetConfig struct {
	PAN uint16 `yaml:"pan_id"`
	OwnAddr uint16 `yaml:"own_addr"`
	ChannelNumber byte `yaml:"channel_number"`
	TxAntennaDelay uint16 `yaml:"tx_antenna_delay"`
	RxAntennaDelay uint16 `yaml:"rx_antenna_delay"`
	TimeUnitSeconds float64 `yaml:"time_unit_seconds"`
	PeerCapacity int `yaml:"peer_capacity"`

	BroadcastInterval string `yaml:"broadcast_interval"`
	RangingInterval string `yaml:"ranging_interval"`
	ActionInterval string `yaml:"action_interval"`
	HealthCheckInterval string `yaml:"health_check_interval"`
	ResetBudget int `yaml:"reset_budget"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// defaultTimeUnitSeconds is the DW1000 system-time tick period: one tick is
// 1/(128 * 499.2MHz) seconds.
const defaultTimeUnitSeconds = 1.0 / (128 * 499.2e6)

// Load reads and parses the YAML file at path and applies defaults.
func Load(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *FleetConfig) applyDefaults() {
	if c.TimeUnitSeconds == 0 {
		c.TimeUnitSeconds = defaultTimeUnitSeconds
	}
	if c.PeerCapacity == 0 {
		c.PeerCapacity = 2
	}
	if c.BroadcastInterval == "" {
		c.BroadcastInterval = "2s"
	}
	if c.RangingInterval == "" {
		c.RangingInterval = "5s"
	}
	if c.ActionInterval == "" {
		c.ActionInterval = "200ms"
	}
	if c.HealthCheckInterval == "" {
		c.HealthCheckInterval = "1s"
	}
	if c.ResetBudget == 0 {
		c.ResetBudget = 3
	}
	if c.InitialBackoff == "" {
		c.InitialBackoff = "500ms"
	}
	if c.MaxBackoff == "" {
		c.MaxBackoff = "30s"
	}
}

// Validate reports a config error without mutating cfg.
func (c *FleetConfig) Validate() error {
	if c.OwnAddr == uint16(frame.Unassigned) {
		return fmt.Errorf("own_addr must not equal the unassigned sentinel 0x%04X", uint16(frame.Unassigned))
	}
	if c.ChannelNumber > 124 {
		return fmt.Errorf("channel_number must be between 0 and 124")
	}
	if c.PeerCapacity <= 0 {
		return fmt.Errorf("peer_capacity must be positive")
	}
	for name, s := range map[string]string{
		"broadcast_interval": c.BroadcastInterval,
		"ranging_interval": c.RangingInterval,
		"action_interval": c.ActionInterval,
		"health_check_interval": c.HealthCheckInterval,
		"initial_backoff": c.InitialBackoff,
		"max_backoff": c.MaxBackoff,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *FleetConfig) duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// RadioConfig renders the calibration fields as a dw1000.RadioConfig.
func (c *FleetConfig) RadioConfig() dw1000.RadioConfig {
	return dw1000.RadioConfig{
		PAN: frame.PANID(c.PAN),
		OwnAddr: frame.ShortAddr(c.OwnAddr),
		TxAntennaDelay: c.TxAntennaDelay,
		RxAntennaDelay: c.RxAntennaDelay,
		ChannelNumber: c.ChannelNumber,
	}
}

// RangingConfig renders the ranging engine's configuration.
func (c *FleetConfig) RangingConfig() ranging.Config {
	return ranging.Config{
		OwnAddr: frame.ShortAddr(c.OwnAddr),
		PAN: frame.PANID(c.PAN),
		TimeUnitSeconds: c.TimeUnitSeconds,
		TxAntennaDelay: c.TxAntennaDelay,
		RxAntennaDelay: c.RxAntennaDelay,
		BroadcastInterval: c.duration(c.BroadcastInterval),
		RangingInterval: c.duration(c.RangingInterval),
		ActionInterval: c.duration(c.ActionInterval),
	}
}

// SupervisorConfig renders the supervisor's tunables.
func (c *FleetConfig) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		HealthCheckInterval: c.duration(c.HealthCheckInterval),
		ResetBudget: c.ResetBudget,
		InitialBackoff: c.duration(c.InitialBackoff),
		MaxBackoff: c.duration(c.MaxBackoff),
	}
}
