package dw1000

// --- DW1000-family register addresses (subset actually used) ---
// Named the way the teacher driver names its register map in nrf24.go,
// generalised from an 8-bit register file to the DW1000's register-file-ID
// + sub-address addressing scheme used by the real chip.
const (
	_DEV_ID = 0x00
	_PANADR = 0x03 // PAN ID (bytes 2-3) + short address (bytes 0-1)
	_SYS_CFG = 0x04
	_SYS_TIME = 0x06
	_TX_FCTRL = 0x08
	_TX_BUFFER = 0x09
	_DX_TIME = 0x0A // delayed-send scheduled TX time
	_RX_FWTO = 0x0C // receive frame-wait timeout
	_SYS_CTRL = 0x0D
	_SYS_MASK = 0x0E
	_SYS_STATUS = 0x0F
	_RX_FINFO = 0x10
	_RX_BUFFER = 0x11
	_TX_TIME = 0x17 // TX timestamp, written by hardware after TXFRS
	_RX_TIME = 0x15 // RX timestamp, written by hardware after RXFCG
	_TX_ANTD = 0x18
	_LDE_CTRL = 0x2E // leading-edge-detection microcode RAM, sub-indexed
	_LDE_RXANTD = 0x2E
	_CHAN_CTRL = 0x1F
	_PMSC = 0x36 // power management / SPI clock divider
)

// SYS_CTRL bits: the commands this shim issues to kick off an operation.
const (
	_SYSCTRL_TXSTRT = 1 << 1 // start immediate transmission
	_SYSCTRL_TXDLYS = 1 << 2 // start a delayed/scheduled transmission
	_SYSCTRL_WAIT4RESP = 1 << 7
	_SYSCTRL_RXENAB = 1 << 8
	_SYSCTRL_RXDLYE = 1 << 9 // delayed receive enable
	_SYSCTRL_TRXOFF = 1 << 6 // abort any in-flight transceiver operation
)

// SYS_CFG bits.
const (
	_SYSCFG_FFEN = 1 << 0 // frame filtering enable
	_SYSCFG_RXAUTR = 1 << 29 // re-enable receiver automatically after error
)

const _MAX_PAYLOAD_BYTES = 127

const ldoTuneMagic uint64 = 0x262 // fixed LDO calibration constant returned by LoadLDOTune

// half-period margin: a delayed/scheduled send whose programmed time is
// closer than this to "now" cannot be honoured by the hardware and must be
// reported as HPDWARN rather than silently attempted.
const halfPeriodMarginTicks = 4096
