// Command uwbnode runs one ranging node: it loads a fleet config file,
// brings up the DW1000 radio over periph.io, and starts the supervisor's
// Run loop until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ranging-fleet/uwbnode/internal/config"
	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/edm"
	"github.com/ranging-fleet/uwbnode/internal/frame"
	"github.com/ranging-fleet/uwbnode/internal/metrics"
	"github.com/ranging-fleet/uwbnode/internal/peertable"
	"github.com/ranging-fleet/uwbnode/internal/radioctl"
	"github.com/ranging-fleet/uwbnode/internal/ranging"
	"github.com/ranging-fleet/uwbnode/internal/supervisor"
)

func main() {
	configFile := flag.String("config", "uwbnode.yaml", "path to fleet config file")
	resetPin := flag.Int("reset-pin", 24, "BCM GPIO number for the DW1000 reset line")
	irqPin := flag.Int("irq-pin", 25, "BCM GPIO number for the DW1000 IRQ line")
	spiBus := flag.String("spi-bus", "/dev/spidev0.0", "SPI bus device path")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve Prometheus metrics on")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	dw1000.SetLogger(slogAdapter{log})

	if err := run(log, *configFile, *resetPin, *irqPin, *spiBus, *metricsAddr); err != nil {
		log.Error("uwbnode: fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configFile string, resetPin, irqPin int, spiBus, metricsAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dev, err := dw1000.New(dw1000.Config{
		RadioConfig: cfg.RadioConfig(),
		ResetPin:    resetPin,
		IRQPin:      irqPin,
		SpiBusPath:  spiBus,
	})
	if err != nil {
		return fmt.Errorf("bringing up radio: %w", err)
	}

	ctrl := radioctl.New(dev, log.With("component", "radioctl"))
	table := peertable.New(cfg.PeerCapacity, nil)
	edmM := edm.New(frame.ShortAddr(cfg.OwnAddr), cfg.PeerCapacity)
	engine := ranging.New(cfg.RangingConfig(), log.With("component", "ranging"), nil, table, edmM, ctrl)
	node := supervisor.New(cfg.SupervisorConfig(), log.With("component", "supervisor"), nil, ctrl, engine)

	collector := metrics.New(frame.ShortAddr(cfg.OwnAddr), node, table, ctrl, edmM)
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return fmt.Errorf("registering metrics collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		log.Info("uwbnode: serving metrics", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("uwbnode: metrics server failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("uwbnode: starting", "own_addr", fmt.Sprintf("0x%04X", cfg.OwnAddr), "pan", fmt.Sprintf("0x%04X", cfg.PAN))
	node.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Info("uwbnode: stopped")
	return nil
}

// slogAdapter renders the dw1000 package's minimal Logger interface on top
// of an *slog.Logger, so the HAL shim's own log lines land in the same
// structured stream as the rest of the node.
type slogAdapter struct{ log *slog.Logger }

func (a slogAdapter) Debug(msg string) { a.log.Debug(msg) }
func (a slogAdapter) Info(msg string)  { a.log.Info(msg) }
func (a slogAdapter) Warn(msg string)  { a.log.Warn(msg) }
func (a slogAdapter) Error(msg string) { a.log.Error(msg) }
