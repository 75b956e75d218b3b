// Package edm implements the symmetric Euclidean distance matrix each node
// maintains over its local neighbourhood. Row/column i corresponds to
// Addrs[i]; the diagonal is always 0; a value outside [MinDist, MaxDist]
// marks "unknown".
package edm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/ranging-fleet/uwbnode/internal/frame"
)

const (
	// MinDist and MaxDist bound every published distance. A value
	// strictly outside this range means "unknown".
	MinDist = -999.0
	MaxDist = 999.0

	// Unknown is the sentinel stored for a pair with no measurement yet.
	Unknown = MinDist - 1
)

// Matrix is a symmetric (n+1)x(n+1) distance matrix guarded by its own
// mutex, so internal/metrics can read it from the Status goroutine while
// the Comms goroutine writes it.
type Matrix struct {
	mu sync.RWMutex
	addrs []frame.ShortAddr
	d [][]float64
}

// New creates a matrix sized for n+1 addresses (self plus n neighbours),
// all entries initialised to Unknown except the diagonal, which is always 0.
func New(self frame.ShortAddr, capacity int) *Matrix {
	size := capacity + 1
	addrs := make([]frame.ShortAddr, size)
	addrs[0] = self
	for i := 1; i < size; i++ {
		addrs[i] = frame.Unassigned
	}
	d := make([][]float64, size)
	for i := range d {
		d[i] = make([]float64, size)
		for j := range d[i] {
			if i == j {
				d[i][j] = 0
			} else {
				d[i][j] = Unknown
			}
		}
	}
	return &Matrix{addrs: addrs, d: d}
}

// indexLocked returns the row/column index of addr, or -1 if it is not a
// member of the matrix. Caller must hold mu.
func (m *Matrix) indexLocked(addr frame.ShortAddr) int {
	for i, a := range m.addrs {
		if a == addr {
			return i
		}
	}
	return -1
}

// SetAddr assigns addr to slot i (1-based neighbour index; 0 is always
// self). Assigning frame.Unassigned clears the slot and its row/column back
// to Unknown.
func (m *Matrix) SetAddr(slot int, addr frame.ShortAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot <= 0 || slot >= len(m.addrs) {
		return fmt.Errorf("edm: slot %d out of range", slot)
	}
	m.addrs[slot] = addr
	for j := range m.d[slot] {
		if j != slot {
			m.d[slot][j] = Unknown
			m.d[j][slot] = Unknown
		}
	}
	return nil
}

// Get returns the distance between a and b. If either address is not a
// current member of the matrix, it returns Unknown.
func (m *Matrix) Get(a, b frame.ShortAddr) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, j := m.indexLocked(a), m.indexLocked(b)
	if i < 0 || j < 0 {
		return Unknown
	}
	return m.d[i][j]
}

// Set records the distance between a and b. It always writes both (a,b)
// and (b,a), preserving symmetry. d is
// clamped to [MinDist, MaxDist]. Set is a no-op if either address is not a
// member of the matrix.
func (m *Matrix) Set(a, b frame.ShortAddr, d float64) {
	if d < MinDist {
		d = MinDist
	}
	if d > MaxDist {
		d = MaxDist
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, j := m.indexLocked(a), m.indexLocked(b)
	if i < 0 || j < 0 {
		return
	}
	m.d[i][j] = d
	m.d[j][i] = d
}

// Addrs returns a copy of the current address list (index 0 is self).
func (m *Matrix) Addrs() []frame.ShortAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]frame.ShortAddr, len(m.addrs))
	copy(out, m.addrs)
	return out
}

// Size returns n+1, the dimension of the matrix.
func (m *Matrix) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.addrs)
}

// MarshalBinary encodes the snapshot carried in a DReq body: n+1
// addresses followed by (n+1)^2 little-endian float32 distances.
func (m *Matrix) MarshalBinary() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.addrs)
	buf := make([]byte, 2*n+4*n*n)
	off := 0
	for _, a := range m.addrs {
		binary.LittleEndian.PutUint16(buf[off:], uint16(a))
		off += 2
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(m.d[i][j])))
			off += 4
		}
	}
	return buf, nil
}

// UnmarshalSnapshot decodes a snapshot produced by MarshalBinary into a new,
// standalone Matrix (it never mutates m's own state — a received snapshot
// describes the sender's neighbourhood, not ours).
func UnmarshalSnapshot(buf []byte) (*Matrix, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("edm: snapshot too short")
	}
	// Solve 2n + 4n^2 = len(buf) for the integer n.
	n := -1
	for cand := 1; cand <= 64; cand++ {
		if 2*cand+4*cand*cand == len(buf) {
			n = cand
			break
		}
	}
	if n < 0 {
		return nil, fmt.Errorf("edm: snapshot length %d does not match any valid dimension", len(buf))
	}

	addrs := make([]frame.ShortAddr, n)
	off := 0
	for i := range addrs {
		addrs[i] = frame.ShortAddr(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
	}
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
		for j := range d[i] {
			d[i][j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
			off += 4
		}
	}
	return &Matrix{addrs: addrs, d: d}, nil
}

// DistanceTo returns the distance the snapshot reports between a and b, or
// Unknown if either address is absent from the snapshot.
func (m *Matrix) DistanceTo(a, b frame.ShortAddr) float64 {
	return m.Get(a, b)
}
