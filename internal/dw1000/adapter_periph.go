//go:build !tinygo

package dw1000

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// realPin wraps a periph.io gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	if err := p.PinIO.In(gpio.PullUp, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})
	go func() {
		for {
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stopWatch:
					return
				default:
					handler()
				}
			} else {
				select {
				case <-p.stopWatch:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	return p.PinIO.In(gpio.PullUp, gpio.NoEdge)
}

// realSPI wraps a periph.io spi.Conn to satisfy the SPI interface, adding
// the clock-rate switching SetSPISlow/SetSPIFast need that periph.io's
// spi.Conn does not expose post-connect.
type realSPI struct {
	port spi.PortCloser
	conn spi.Conn
}

func (s *realSPI) Tx(w, r []byte) error {
	return s.conn.Tx(w, r)
}

func (s *realSPI) Speed(hz int64) error {
	conn, err := s.port.Connect(physic.Frequency(hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *realSPI) Close() error {
	return s.port.Close()
}

// Config holds the configuration for the Linux/periph.io backend.
type Config struct {
	RadioConfig
	// ResetPin is the GPIO pin number (BCM numbering) for the chip's
	// active-low hardware reset line. Defaults to 24 if not provided.
	ResetPin int
	// IRQPin is the GPIO pin number (BCM numbering) for the interrupt
	// request line. Optional; if zero, no IRQ line is watched and callers
	// must poll GetStatus themselves.
	IRQPin int
	// SpiBusPath is the path to the SPI bus (e.g. "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SpiBusPath string
	// SpiClockHz is the initial (slow) SPI clock frequency in Hz.
	// Defaults to 2,000,000 (2MHz) if not provided.
	SpiClockHz int
}

// New creates and initialises a DW1000 driver for Linux systems over
// periph.io.
func New(c Config) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("dw1000: failed to initialise periph.io host: %w", err)
	}

	if c.SpiBusPath == "" {
		c.SpiBusPath = "/dev/spidev0.0"
	}
	port, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("dw1000: failed to open SPI port: %w", err)
	}
	if c.SpiClockHz == 0 {
		c.SpiClockHz = 2_000_000
	}
	conn, err := port.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("dw1000: failed to create SPI connection: %w", err)
	}
	spiWrapper := &realSPI{port: port, conn: conn}

	if c.ResetPin == 0 {
		c.ResetPin = 24
	}
	resetName := fmt.Sprintf("GPIO%d", c.ResetPin)
	realReset := gpioreg.ByName(resetName)
	if realReset == nil {
		port.Close()
		return nil, fmt.Errorf("dw1000: failed to open reset pin %s", resetName)
	}
	resetWrapper := &realPin{PinIO: realReset}

	var irqWrapper Pin
	if c.IRQPin != 0 {
		irqName := fmt.Sprintf("GPIO%d", c.IRQPin)
		realIrq := gpioreg.ByName(irqName)
		if realIrq == nil {
			port.Close()
			return nil, fmt.Errorf("dw1000: failed to open IRQ pin %s", irqName)
		}
		irqWrapper = &realPin{PinIO: realIrq}
	}

	hwConfig := HardwareConfig{
		RadioConfig: c.RadioConfig,
		Reset:       resetWrapper,
		IRQ:         irqWrapper,
	}
	dev, err := NewWithHardware(hwConfig, spiWrapper)
	if err != nil {
		port.Close()
		return nil, err
	}
	return dev, nil
}
