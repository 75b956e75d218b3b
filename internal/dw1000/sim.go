package dw1000

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ranging-fleet/uwbnode/internal/frame"
)

// Medium is a shared simulated air interface connecting SimTransceivers. It
// is the host-simulated radio named here: every scenario test (S1-S6)
// wires two or more SimTransceivers to the same Medium instead of talking
// to real DW1000 silicon.
type Medium struct {
	mu    sync.Mutex
	ports []*SimTransceiver
}

// NewMedium creates an empty shared medium.
func NewMedium() *Medium { return &Medium{} }

func (m *Medium) attach(t *SimTransceiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports = append(m.ports, t)
}

// send delivers payload to every other armed receiver on the medium.
func (m *Medium) send(from *SimTransceiver, payload []byte) {
	m.mu.Lock()
	ports := append([]*SimTransceiver(nil), m.ports...)
	m.mu.Unlock()

	for _, p := range ports {
		if p == from {
			continue
		}
		p.deliver(payload)
	}
}

// SimTransceiver is an in-memory stand-in for one DW1000 chip, speaking the
// same register read/write wire protocol internal/dw1000's Device uses
// against a real SPI bus, so Device's own code runs unmodified against it.
// It is used by the scenario tests below and by cmd/uwbsim to run a node's
// full stack without hardware.
type SimTransceiver struct {
	mu     sync.Mutex
	regs   map[byte][]byte
	medium *Medium
	clock  clockwork.Clock
	armed  bool

	irqHandler func()
}

// NewSimPair creates two SimTransceivers sharing a Medium, the simplest
// configuration for a two-node scenario test.
func NewSimPair(clock clockwork.Clock) (a, b *SimTransceiver) {
	medium := NewMedium()
	a = NewSimTransceiver(medium, clock)
	b = NewSimTransceiver(medium, clock)
	return a, b
}

// NewSimTransceiver creates a SimTransceiver attached to medium.
func NewSimTransceiver(medium *Medium, clock clockwork.Clock) *SimTransceiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &SimTransceiver{
		regs:   make(map[byte][]byte),
		medium: medium,
		clock:  clock,
	}
	medium.attach(t)
	return t
}

func (t *SimTransceiver) reg(addr byte, n int) []byte {
	v, ok := t.regs[addr]
	if !ok {
		return make([]byte, n)
	}
	out := make([]byte, n)
	copy(out, v)
	return out
}

// Tx implements the SPI interface against this transceiver's shadow
// register file, decoding exactly the command byte layout
// internal/dw1000's Device.writeRegister/readRegister emit.
func (t *SimTransceiver) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	cmd := w[0]
	isWrite := cmd&0x80 != 0
	reg := cmd &^ 0x80

	t.mu.Lock()
	if isWrite {
		data := append([]byte(nil), w[1:]...)
		t.regs[reg] = data
		t.handleSideEffectsLocked(reg, data)
	} else {
		data := t.reg(reg, len(r)-1)
		copy(r[1:], data)
	}
	t.mu.Unlock()
	return nil
}

// Speed is a no-op in simulation; there is no real clock divider to change.
func (t *SimTransceiver) Speed(hz int64) error { return nil }

// handleSideEffectsLocked reacts to writes the way the real chip's state
// machine would. Caller must hold t.mu.
func (t *SimTransceiver) handleSideEffectsLocked(reg byte, data []byte) {
	switch reg {
	case _SYS_CTRL:
		ctrl := uint16(data[0]) | uint16(data[1])<<8
		if ctrl&_SYSCTRL_RXENAB != 0 {
			t.armed = true
		}
		if ctrl&_SYSCTRL_TRXOFF != 0 {
			t.armed = false
		}
		if ctrl&(_SYSCTRL_TXSTRT|_SYSCTRL_TXDLYS) != 0 {
			t.transmitLocked()
		}
	case _SYS_STATUS:
		mask := EventMask(data[0]) | EventMask(data[1])<<8 | EventMask(data[2])<<16 | EventMask(data[3])<<24
		cur := t.currentStatusLocked()
		t.setStatusLocked(cur &^ mask)
	}
}

func (t *SimTransceiver) currentStatusLocked() EventMask {
	b := t.reg(_SYS_STATUS, 4)
	return EventMask(b[0]) | EventMask(b[1])<<8 | EventMask(b[2])<<16 | EventMask(b[3])<<24
}

func (t *SimTransceiver) setStatusLocked(mask EventMask) {
	t.regs[_SYS_STATUS] = []byte{byte(mask), byte(mask >> 8), byte(mask >> 16), byte(mask >> 24)}
}

func (t *SimTransceiver) transmitLocked() {
	payload := t.reg(_TX_BUFFER, len(t.regs[_TX_BUFFER]))
	now := frame.Timestamp(t.clock.Now().UnixNano())
	tsBuf := make([]byte, 5)
	frame.EncodeTimestamp(tsBuf, now)
	t.regs[_TX_TIME] = tsBuf
	t.setStatusLocked(t.currentStatusLocked() | TXFRS)
	handler := t.irqHandler
	medium := t.medium
	t.mu.Unlock()
	if handler != nil {
		go handler()
	}
	medium.send(t, payload)
	t.mu.Lock()
}

// deliver is called by the Medium when a peer transmits. If this
// transceiver's receiver is armed, it latches the frame and raises RXFCG.
func (t *SimTransceiver) deliver(payload []byte) {
	t.mu.Lock()
	if !t.armed {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.regs[_RX_BUFFER] = append([]byte(nil), payload...)
	t.regs[_RX_FINFO] = []byte{byte(len(payload)), byte(len(payload) >> 8)}
	now := frame.Timestamp(t.clock.Now().UnixNano())
	tsBuf := make([]byte, 5)
	frame.EncodeTimestamp(tsBuf, now)
	t.regs[_RX_TIME] = tsBuf
	t.setStatusLocked(t.currentStatusLocked() | RXFCG)
	handler := t.irqHandler
	t.mu.Unlock()

	if handler != nil {
		go handler()
	}
}

// InjectEvent raises arbitrary status bits and fires the IRQ handler,
// without touching the RX/TX buffers. Scenario S6 (radio storm) and the
// error-threshold property test use this to simulate RXERR bursts that
// never carry real wire data.
func (t *SimTransceiver) InjectEvent(mask EventMask) {
	t.mu.Lock()
	t.setStatusLocked(t.currentStatusLocked() | mask)
	handler := t.irqHandler
	t.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// --- Pin stand-ins ---

// simPin is a no-op GPIO pin used for the reset line in simulation: driving
// it has no observable effect because SimTransceiver models reset via
// Device.Reset's register writes directly.
type simPin struct {
	level Level
}

func (p *simPin) Out(l Level) error              { p.level = l; return nil }
func (p *simPin) In(Pull) error                  { return nil }
func (p *simPin) Read() Level                    { return p.level }
func (p *simPin) Watch(Edge, func()) error       { return nil }
func (p *simPin) Unwatch() error                 { return nil }

// NewSimResetPin returns a do-nothing reset pin suitable for SimTransceiver
// based HardwareConfig.
func NewSimResetPin() Pin { return &simPin{level: High} }

// simIRQPin bridges Pin.Watch to a SimTransceiver's internal IRQ handler.
type simIRQPin struct {
	t *SimTransceiver
}

func (p *simIRQPin) Out(Level) error { return nil }
func (p *simIRQPin) In(Pull) error   { return nil }
func (p *simIRQPin) Read() Level     { return Low }

func (p *simIRQPin) Watch(edge Edge, handler func()) error {
	p.t.mu.Lock()
	p.t.irqHandler = handler
	p.t.mu.Unlock()
	return nil
}

func (p *simIRQPin) Unwatch() error {
	p.t.mu.Lock()
	p.t.irqHandler = nil
	p.t.mu.Unlock()
	return nil
}

// NewSimIRQPin returns a Pin that wires a SimTransceiver's internally
// generated interrupts to Device.SetIRQHandler via the normal Watch path.
func NewSimIRQPin(t *SimTransceiver) Pin { return &simIRQPin{t: t} }
