// Package dw1000 is the radio HAL shim: a thin, deterministic
// wrapper around a DW1000-family UWB transceiver. It never makes protocol
// decisions — it reads/writes registers, loads microcode, schedules
// transmits, arms the receiver, and turns chip status into typed event
// bits. internal/radioctl is the only consumer that interprets those bits.
package dw1000

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ranging-fleet/uwbnode/internal/frame"
)

var (
	// ErrHalfPeriodWarn is returned by Send when a scheduled transmit time
	// is too close to "now" for the hardware to honour it.
	ErrHalfPeriodWarn = errors.New("dw1000: half-period warning (HPDWARN)")
	// ErrNoFrame is returned by ReadFrame when the receiver has nothing
	// buffered.
	ErrNoFrame = errors.New("dw1000: no frame available")
	// ErrIRQNotConfigured is returned by SetIRQHandler when no IRQ pin was
	// provided at construction; the caller must poll GetStatus instead.
	ErrIRQNotConfigured = errors.New("dw1000: IRQ pin not configured")
)

// SendMode selects how Send schedules the transmission.
type SendMode int

const (
	// Immediate sends as soon as the SPI command completes.
	Immediate SendMode = iota
	// Wait4Response sends immediately and then leaves the receiver armed
	// for the hardware's auto turn-around, used by a TWR initiator
	// expecting an immediate reply.
	Wait4Response
	// Delayed schedules the transmission for a specific future radio time
	// (TxTime in SendRequest), used by a TWR responder whose reply must
	// land at an exact offset from the request it is replying to.
	Delayed
)

// SendRequest describes one transmit request.
type SendRequest struct {
	Mode   SendMode
	TxTime frame.Timestamp // meaningful only when Mode == Delayed
}

// RadioConfig holds the per-device calibration inputs: these are
// per-device constants, not hard-coded, and must be supplied by the
// caller (typically loaded from internal/config).
type RadioConfig struct {
	// PAN is this node's PAN ID.
	PAN frame.PANID
	// OwnAddr is this node's own short address.
	OwnAddr frame.ShortAddr
	// TxAntennaDelay and RxAntennaDelay are the fixed per-device biases
	// between the chip's timestamp point and the antenna radiating
	// element, in radio ticks.
	TxAntennaDelay uint16
	RxAntennaDelay uint16
	// ChannelNumber selects the UWB channel.
	ChannelNumber byte
}

// HardwareConfig bundles RadioConfig with the concrete GPIO lines this
// shim drives directly.
type HardwareConfig struct {
	RadioConfig
	// Reset is the chip's active-low hardware reset pin.
	Reset Pin
	// IRQ is the interrupt request pin. Optional — if nil, callers must
	// poll GetStatus themselves.
	IRQ Pin
	// Clock is the time source used to evaluate the half-period margin on
	// scheduled sends. The power-on and reset settle waits use real time
	// and do not go through it. Defaults to
	// clockwork.NewRealClock() if nil, substituted with a
	// clockwork.FakeClock in tests.
	Clock clockwork.Clock
}

// Device is a single DW1000-family transceiver.
type Device struct {
	config  HardwareConfig
	conn    SPI
	mu      sync.Mutex
	scratch [1 + _MAX_PAYLOAD_BYTES]byte

	irqHandler func(EventMask)
	pendingRx  bool

	// lastStatus is the most recent event mask latched by handleISR, kept
	// so a polling build can inspect what the last interrupt carried.
	lastStatus EventMask
}

// LastStatus returns the event mask latched by the most recent interrupt.
func (d *Device) LastStatus() EventMask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStatus
}

// NewWithHardware creates and initialises a DW1000 driver with the given
// hardware config and SPI connection. It is the common constructor behind
// both the periph.io adapter (New, Linux) and the tinygo adapter (New,
// microcontroller); only the Pin/SPI implementations differ.
func NewWithHardware(c HardwareConfig, conn SPI) (*Device, error) {
	if c.Reset == nil {
		return nil, fmt.Errorf("dw1000: reset pin not configured")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ChannelNumber > 124 {
		return nil, fmt.Errorf("dw1000: channel number must be between 0 and 124")
	}

	dev := &Device{config: c, conn: conn}

	globalLogger.Info("dw1000: powering on and resetting transceiver")
	if err := dev.PowerOn(); err != nil {
		return nil, err
	}
	if err := dev.Reset(); err != nil {
		return nil, err
	}

	if c.IRQ != nil {
		if err := c.IRQ.Watch(FallingEdge, dev.handleISR); err != nil {
			return nil, fmt.Errorf("dw1000: failed to watch IRQ pin: %w", err)
		}
	}

	globalLogger.Info("dw1000: ready")
	return dev, nil
}

// PowerOn asserts the reset line high (inactive) and lets the chip's
// crystal oscillator stabilise.
func (d *Device) PowerOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.config.Reset.Out(High); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

// PowerOff drives the reset line low and holds the chip in reset.
func (d *Device) PowerOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.Reset.Out(Low)
}

// Reset performs a hard reset: pulses the reset line, reloads the LDE
// microcode and the LDO tune value, restores the antenna delay registers,
// and resets the PAN/address registers. This is also what the radio
// controller calls after DW_ERR_THRESH consecutive errors.
func (d *Device) Reset() error {
	d.mu.Lock()
	if err := d.config.Reset.Out(Low); err != nil {
		d.mu.Unlock()
		return err
	}
	time.Sleep(time.Millisecond)
	if err := d.config.Reset.Out(High); err != nil {
		d.mu.Unlock()
		return err
	}
	time.Sleep(5 * time.Millisecond)
	d.pendingRx = false
	d.lastStatus = 0
	d.mu.Unlock()

	if _, err := d.LoadLDOTune(); err != nil {
		return err
	}
	// LoadLDE must not be preempted by any other radio register access.
	if err := d.LoadLDE(); err != nil {
		return err
	}
	d.writePANAddr()
	d.writeAntennaDelay()
	return nil
}

// SetSPIFast switches the bus to the chip's full post-PLL-lock clock rate.
func (d *Device) SetSPIFast() error {
	return d.conn.Speed(20_000_000)
}

// SetSPISlow switches the bus to the slow clock rate required before the
// PLL has locked.
func (d *Device) SetSPISlow() error {
	return d.conn.Speed(2_000_000)
}

// LoadLDE loads the leading-edge-detection microcode into chip RAM. The
// chip's internal state machine must not be disturbed mid-load, so this
// holds the device mutex for the whole operation rather than releasing it
// between register writes (Reset, by contrast, releases it between its
// steps).
func (d *Device) LoadLDE() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeRegister(_PMSC, []byte{0x01})
	time.Sleep(150 * time.Microsecond)
	d.writeRegister(_LDE_CTRL, []byte{0x00})
	return nil
}

// LoadLDOTune returns the LDO calibration value ldoTuneMagic. It does not
// read OTP memory.
func (d *Device) LoadLDOTune() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ldoTuneMagic, nil
}

func (d *Device) writePANAddr() {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, 4)
	buf[0] = byte(d.config.OwnAddr)
	buf[1] = byte(d.config.OwnAddr >> 8)
	buf[2] = byte(d.config.PAN)
	buf[3] = byte(d.config.PAN >> 8)
	d.writeRegister(_PANADR, buf)
}

func (d *Device) writeAntennaDelay() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeRegister(_TX_ANTD, []byte{byte(d.config.TxAntennaDelay), byte(d.config.TxAntennaDelay >> 8)})
	d.writeRegister(_LDE_RXANTD, []byte{byte(d.config.RxAntennaDelay), byte(d.config.RxAntennaDelay >> 8)})
}

// --- register access (call with mu held) ---

func (d *Device) writeRegister(reg byte, data []byte) {
	d.scratch[0] = 0x80 | reg
	n := copy(d.scratch[1:], data)
	_ = d.conn.Tx(d.scratch[:1+n], d.scratch[:1+n])
}

func (d *Device) readRegister(reg byte, n int) []byte {
	d.scratch[0] = reg
	for i := 1; i <= n; i++ {
		d.scratch[i] = 0
	}
	if err := d.conn.Tx(d.scratch[:1+n], d.scratch[:1+n]); err != nil {
		globalLogger.Error("dw1000: SPI transfer error")
		return make([]byte, n)
	}
	out := make([]byte, n)
	copy(out, d.scratch[1:1+n])
	return out
}

// ArmRecv arms the receiver, optionally with a frame-wait timeout. A zero
// timeout means wait forever.
func (d *Device) ArmRecv(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timeout > 0 {
		usec := uint32(timeout / time.Microsecond)
		d.writeRegister(_RX_FWTO, []byte{byte(usec), byte(usec >> 8), byte(usec >> 16)})
	}
	d.writeRegister(_SYS_CTRL, []byte{_SYSCTRL_RXENAB & 0xFF, (_SYSCTRL_RXENAB >> 8) & 0xFF})
	d.pendingRx = true
	return nil
}

// Send transmits buf per the requested SendMode. An Immediate send always
// goes out right away; a Delayed send is checked against the half-period
// margin before being accepted — missing it returns
// ErrHalfPeriodWarn instead of silently dropping the frame.
func (d *Device) Send(buf []byte, req SendRequest) error {
	if len(buf) > _MAX_PAYLOAD_BYTES {
		return fmt.Errorf("dw1000: payload too large (%d bytes), limit is %d", len(buf), _MAX_PAYLOAD_BYTES)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Mode == Delayed {
		now := frame.Timestamp(d.config.Clock.Now().UnixNano())
		if uint64(req.TxTime) < uint64(now)+halfPeriodMarginTicks {
			return ErrHalfPeriodWarn
		}
		dx := make([]byte, 5)
		frame.EncodeTimestamp(dx, req.TxTime)
		d.writeRegister(_DX_TIME, dx)
	}

	d.writeRegister(_TX_BUFFER, buf)
	lenField := []byte{byte(len(buf)), byte(len(buf) >> 8)}
	d.writeRegister(_TX_FCTRL, lenField)

	var ctrl uint16
	switch req.Mode {
	case Delayed:
		ctrl = _SYSCTRL_TXDLYS
	default:
		ctrl = _SYSCTRL_TXSTRT
	}
	if req.Mode == Wait4Response {
		ctrl |= _SYSCTRL_WAIT4RESP
	}
	d.writeRegister(_SYS_CTRL, []byte{byte(ctrl), byte(ctrl >> 8)})
	return nil
}

// CancelPending aborts any in-flight transceiver operation.
func (d *Device) CancelPending() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeRegister(_SYS_CTRL, []byte{_SYSCTRL_TRXOFF, 0})
	d.pendingRx = false
	return nil
}

// ReadFrame reads a received frame out of the frame buffer along with its
// RX timestamp. It returns ErrNoFrame if nothing is buffered.
func (d *Device) ReadFrame() (frame.Frame, frame.Timestamp, error) {
	d.mu.Lock()
	finfo := d.readRegister(_RX_FINFO, 2)
	size := int(finfo[0]) | int(finfo[1])<<8
	if size == 0 {
		d.mu.Unlock()
		return frame.Frame{}, 0, ErrNoFrame
	}
	if size > _MAX_PAYLOAD_BYTES {
		size = _MAX_PAYLOAD_BYTES
	}
	raw := d.readRegister(_RX_BUFFER, size)
	tsBuf := d.readRegister(_RX_TIME, 5)
	d.mu.Unlock()

	f, err := frame.Decode(raw)
	if err != nil {
		return frame.Frame{}, 0, err
	}
	return f, frame.DecodeTimestamp(tsBuf), nil
}

// ReadTxTimestamp reads the TX timestamp hardware captured for the most
// recently completed transmission.
func (d *Device) ReadTxTimestamp() (frame.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.readRegister(_TX_TIME, 5)
	return frame.DecodeTimestamp(buf), nil
}

// GetStatus reads the raw SYS_STATUS register, for polling builds with no
// IRQ pin configured.
func (d *Device) GetStatus() EventMask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readStatusLocked()
}

func (d *Device) readStatusLocked() EventMask {
	buf := d.readRegister(_SYS_STATUS, 4)
	mask := EventMask(buf[0]) | EventMask(buf[1])<<8 | EventMask(buf[2])<<16 | EventMask(buf[3])<<24
	return mask
}

// clearStatusLocked clears the given bits in SYS_STATUS (write-1-to-clear).
func (d *Device) clearStatusLocked(mask EventMask) {
	d.writeRegister(_SYS_STATUS, []byte{
		byte(mask), byte(mask >> 8), byte(mask >> 16), byte(mask >> 24),
	})
}

// SetIRQHandler registers fn to be called with the latched event mask
// whenever the IRQ line fires. It returns ErrIRQNotConfigured if this
// device has no IRQ pin (polling-only builds use GetStatus instead).
func (d *Device) SetIRQHandler(fn func(EventMask)) error {
	if d.config.IRQ == nil {
		return ErrIRQNotConfigured
	}
	d.mu.Lock()
	d.irqHandler = fn
	d.mu.Unlock()
	return nil
}

// handleISR is the ISR latch: it does a single status read/clear
// and hands the resulting event mask to the registered handler. It must
// never do more SPI work than that single read/clear — any heavier
// reaction (re-arming the receiver, resetting) belongs to
// internal/radioctl, which runs on its own goroutine.
func (d *Device) handleISR() {
	d.mu.Lock()
	mask := d.readStatusLocked()
	d.clearStatusLocked(mask)
	d.lastStatus = mask
	handler := d.irqHandler
	d.mu.Unlock()

	if handler != nil {
		handler(mask)
	}
}

// Close powers down the chip and releases its GPIO watch.
func (d *Device) Close() error {
	if d.config.IRQ != nil {
		if err := d.config.IRQ.Unwatch(); err != nil {
			globalLogger.Warn("dw1000: failed to unwatch IRQ pin")
		}
	}
	return d.PowerOff()
}
