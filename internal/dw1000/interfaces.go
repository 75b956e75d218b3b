package dw1000

// Level represents the logical level of a pin (Low or High).
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Pull represents the internal pull-up/down resistor state.
type Pull uint8

const (
	PullNoChange Pull = iota
	PullFloat
	PullDown
	PullUp
)

// Edge represents the signal edge to trigger an interrupt.
type Edge uint8

const (
	NoEdge Edge = iota
	RisingEdge
	FallingEdge
	BothEdges
)

// SPI represents a generic full-duplex SPI connection to the radio chip.
type SPI interface {
	// Tx sends w and reads into r. len(r) must be >= len(w).
	Tx(w, r []byte) error
	// Speed changes the bus clock rate, used for SetSPISlow/SetSPIFast
	// (the DW1000 requires a slow bus clock until the PLL has locked).
	Speed(hz int64) error
}

// Pin represents a generic GPIO pin: chip-select-adjacent control lines
// (reset, wakeup) and the interrupt request line.
type Pin interface {
	Out(l Level) error
	In(pull Pull) error
	Read() Level
	// Watch configures an interrupt/callback on the specified edge. The
	// handler runs on its own goroutine; it must not block.
	Watch(edge Edge, handler func()) error
	Unwatch() error
}
