// Package peertable implements the fixed-capacity neighbour table:
// one slot per live peer, keyed by short address, with a per-slot TTL timer
// that never mutates the table itself — it only enqueues a disconnect
// request for the single writer (internal/ranging's Comms goroutine) to
// apply.
package peertable

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ranging-fleet/uwbnode/internal/frame"
)

// ErrTableFull is returned by CreateNewPeer when every slot is occupied.
var ErrTableFull = errors.New("peertable: table full")

// ErrNotFound is returned by GetPeer when no slot holds addr.
var ErrNotFound = errors.New("peertable: peer not found")

// Slot is an index into the table, the Go rendering of the reference
// firmware's peer-record pointer.
type Slot int

// ConnState is the per-peer connection state.
type ConnState int

const (
	Idle ConnState = iota
	SynRecv
	SynSend
	SynAckSend
	SynAckRecv
	Recv
	Send
	SendAck
	Mnt
	Dis
	Err
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case SynRecv:
		return "SynRecv"
	case SynSend:
		return "SynSend"
	case SynAckSend:
		return "SynAckSend"
	case SynAckRecv:
		return "SynAckRecv"
	case Recv:
		return "Recv"
	case Send:
		return "Send"
	case SendAck:
		return "SendAck"
	case Mnt:
		return "Mnt"
	case Dis:
		return "Dis"
	case Err:
		return "Err"
	default:
		return "Unknown"
	}
}

// DefaultTTL is PEER_CONN_TTL: the number of timer ticks a peer may stay
// silent before being disconnected.
const DefaultTTL = 16

// TickInterval is how often a peer's TTL timer fires one decrement.
const TickInterval = time.Second

// Peer is one neighbour table record.
type Peer struct {
	Addr        frame.ShortAddr
	State       ConnState
	SeqAck      byte // low nibble: next seq to send; high nibble: last ack recvd
	TTL         int
	LastFrame   []byte
	LastCmdType frame.Type
	TwrFailCnt  int

	timer clockwork.Timer
	stop  chan struct{}
}

// Connected reports whether this slot is occupied.
func (p *Peer) Connected() bool { return p.Addr != frame.Unassigned }

// NextSeq returns the sequence number that would be sent next.
func (p *Peer) NextSeq() byte {
	seq, _ := frame.UnpackSeqAck(p.SeqAck)
	return seq
}

// LastAck returns the last ack this peer confirmed.
func (p *Peer) LastAck() byte {
	_, ack := frame.UnpackSeqAck(p.SeqAck)
	return ack
}

// AdvanceSeq increments this peer's outgoing sequence number modulo 16, the
// invariant "SeqAck low nibble monotonically increases modulo 16 per
// successful send".
func (p *Peer) AdvanceSeq() {
	seq, ack := frame.UnpackSeqAck(p.SeqAck)
	p.SeqAck = frame.PackSeqAck((seq+1)&0x0F, ack)
}

// DisconnectRequest is what a peer's TTL timer enqueues once it expires. It
// carries only the slot, never mutates Peer state directly.
type DisconnectRequest struct {
	Slot Slot
	Addr frame.ShortAddr
}

// Table is the fixed-capacity peer table.
type Table struct {
	mu    sync.Mutex
	peers []Peer
	count int

	clock     clockwork.Clock
	disconnCh chan DisconnectRequest
}

// New creates a Table with the given capacity (N in the reference design;
// 2 for the default two-neighbour build).
func New(capacity int, clock clockwork.Clock) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	peers := make([]Peer, capacity)
	for i := range peers {
		peers[i].Addr = frame.Unassigned
	}
	return &Table{
		peers:     peers,
		clock:     clock,
		disconnCh: make(chan DisconnectRequest, capacity),
	}
}

// Disconnects returns the channel the Comms goroutine drains to apply
// TTL-driven disconnects.
func (t *Table) Disconnects() <-chan DisconnectRequest { return t.disconnCh }

// CurrentPeerCount returns the number of connected peers.
func (t *Table) CurrentPeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Capacity returns the table's fixed slot count.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// PeerAt returns a copy of the peer record occupying slot.
func (t *Table) PeerAt(slot Slot) (Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || int(slot) >= len(t.peers) || !t.peers[slot].Connected() {
		return Peer{}, ErrNotFound
	}
	return t.peers[slot], nil
}

// GetPeer returns the slot and a copy of the peer record for addr.
func (t *Table) GetPeer(addr frame.ShortAddr) (Slot, Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].Addr == addr {
			return Slot(i), t.peers[i], nil
		}
	}
	return -1, Peer{}, ErrNotFound
}

// CreateNewPeer allocates an unused slot for addr and arms its TTL timer.
func (t *Table) CreateNewPeer(addr frame.ShortAddr) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.peers {
		if !t.peers[i].Connected() {
			t.peers[i] = Peer{
				Addr:  addr,
				State: Idle,
				TTL:   DefaultTTL,
				stop:  make(chan struct{}),
			}
			t.count++
			slot := Slot(i)
			t.armTimerLocked(slot)
			return slot, nil
		}
	}
	return -1, ErrTableFull
}

// armTimerLocked starts the per-slot TTL timer. Caller must hold t.mu.
func (t *Table) armTimerLocked(slot Slot) {
	p := &t.peers[slot]
	stop := p.stop
	addr := p.Addr
	p.timer = t.clock.NewTimer(TickInterval)
	timer := p.timer

	go func() {
		for {
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.Chan():
				expired := t.tick(slot, addr)
				if expired {
					return
				}
				timer.Reset(TickInterval)
			}
		}
	}()
}

// tick runs on a peer's timer goroutine: it decrements the slot's TTL and,
// at zero, enqueues a disconnect request instead of mutating the table.
// It reports whether the timer goroutine should stop.
func (t *Table) tick(slot Slot, addr frame.ShortAddr) bool {
	t.mu.Lock()
	p := &t.peers[slot]
	if p.Addr != addr {
		t.mu.Unlock()
		return true
	}
	p.TTL--
	ttl := p.TTL
	t.mu.Unlock()

	if ttl > 0 {
		return false
	}

	select {
	case t.disconnCh <- DisconnectRequest{Slot: slot, Addr: addr}:
	default:
	}
	return true
}

// TouchPeer reloads a peer's TTL on any valid receive.
func (t *Table) TouchPeer(slot Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || int(slot) >= len(t.peers) {
		return
	}
	t.peers[slot].TTL = DefaultTTL
}

// UpdatePeer applies fn to the peer at slot under the table's lock. fn must
// not block.
func (t *Table) UpdatePeer(slot Slot, fn func(*Peer)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || int(slot) >= len(t.peers) || !t.peers[slot].Connected() {
		return ErrNotFound
	}
	fn(&t.peers[slot])
	return nil
}

// DisconnectPeer clears the slot, cancels its timer, and decrements
// CurrentPeerCount.
func (t *Table) DisconnectPeer(slot Slot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || int(slot) >= len(t.peers) {
		return ErrNotFound
	}
	p := &t.peers[slot]
	if !p.Connected() {
		return ErrNotFound
	}
	if p.stop != nil {
		close(p.stop)
	}
	*p = Peer{Addr: frame.Unassigned}
	t.count--
	return nil
}

// ConnectedPeers returns a snapshot of every occupied slot.
func (t *Table) ConnectedPeers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, t.count)
	for i := range t.peers {
		if t.peers[i].Connected() {
			out = append(out, t.peers[i])
		}
	}
	return out
}

// ConnectedSlots returns the slot index of every occupied slot, in table
// order, for callers that need to act on a peer rather than just read it.
func (t *Table) ConnectedSlots() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Slot
	for i := range t.peers {
		if t.peers[i].Connected() {
			out = append(out, Slot(i))
		}
	}
	return out
}

// UnconnectedSlots returns the slot indices that are currently free.
func (t *Table) UnconnectedSlots() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Slot
	for i := range t.peers {
		if !t.peers[i].Connected() {
			out = append(out, Slot(i))
		}
	}
	return out
}
