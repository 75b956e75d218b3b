// Package ranging implements the connection and two-way-ranging (TWR)
// engine: the three-way handshake, connection maintenance, the
// six-message TWR exchange, and the distance computation that feeds the
// local Euclidean distance matrix. It is the single writer of the peer
// table.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ranging-fleet/uwbnode/internal/dw1000"
	"github.com/ranging-fleet/uwbnode/internal/edm"
	"github.com/ranging-fleet/uwbnode/internal/frame"
	"github.com/ranging-fleet/uwbnode/internal/peertable"
	"github.com/ranging-fleet/uwbnode/internal/radioctl"
)

// ErrTwrInProgress is returned by StartTwr while a TWR exchange is already
// in flight. A DReq from a second peer during an exchange is answered with
// a DFail frame instead; a DInit from a second peer is dropped.
var ErrTwrInProgress = errors.New("ranging: a two-way-ranging exchange is already in progress")

// TwrState is the per-peer ranging sub-state, orthogonal to the
// peer's ConnState.
type TwrState int

const (
	NoTwr TwrState = iota
	ReqSent
	ReqRecvd
	ReqAckRecvd
	InitRecvd
	RespRecvd
	Fail
)

func (s TwrState) String() string {
	switch s {
	case NoTwr:
		return "NoTwr"
	case ReqSent:
		return "ReqSent"
	case ReqRecvd:
		return "ReqRecvd"
	case ReqAckRecvd:
		return "ReqAckRecvd"
	case InitRecvd:
		return "InitRecvd"
	case RespRecvd:
		return "RespRecvd"
	case Fail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// Action is the outcome of the engine's idle-time priority selection:
// retransmit-pending beats under-capacity-broadcast beats ranging-due
// beats maintenance-pass.
type Action int

const (
	NoResp Action = iota
	Resp
	RespBeforeTmo
	RespNow
	ActErr
	Stop
)

// MinDMeasures is the sample count a pairwise distance must reach before
// it is published into the EDM.
const MinDMeasures = 10

// ConnMsgTmoMax is the number of TWR failures tolerated on a peer before
// it is disconnected.
const ConnMsgTmoMax = 1

// TxTimeout is the configured send timeout value. No code in this package
// waits on it: sends are handed to the radio controller and their results
// are drained without a deadline.
const TxTimeout = 10 * time.Millisecond

// ChannelTimeout is how long the engine waits for a channel-level reply
// (e.g. a SynAck) before it retransmits the last frame sent to that peer.
// It is also the bound on an in-flight TWR exchange (twrTimeout).
const ChannelTimeout = 5 * time.Second

// PeerTwr tracks the distance-measurement state that rides alongside a
// peertable.Peer.
type PeerTwr struct {
	State         TwrState
	CalcDistance  float64
	RecvdDistance float64
	DMeasures     int
	sumDistance   float64

	reqTx  frame.Timestamp
	reqRx  frame.Timestamp
	initRx frame.Timestamp
	initTx frame.Timestamp
	respRx frame.Timestamp
}

// Config carries the calibration constants needed to turn raw radio-tick
// differences into metres.
type Config struct {
	OwnAddr frame.ShortAddr
	PAN     frame.PANID

	// TimeUnitSeconds is the duration of one radio tick, in seconds.
	TimeUnitSeconds float64
	// TxAntennaDelay and RxAntennaDelay are this device's fixed
	// timestamp-to-antenna biases, in radio ticks.
	TxAntennaDelay uint16
	RxAntennaDelay uint16

	// BroadcastInterval governs how often an unconnected node advertises
	// itself when it has spare peer-table capacity.
	BroadcastInterval time.Duration

	// RangingInterval governs how often a peer that has already reached
	// MinDMeasures is re-ranged to keep its published distance current.
	// A peer below MinDMeasures is always due regardless of this interval.
	RangingInterval time.Duration

	// ActionInterval is how often the idle loop evaluates the next
	// idle-time action.
	ActionInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.RangingInterval <= 0 {
		c.RangingInterval = 5 * time.Second
	}
	if c.ActionInterval <= 0 {
		c.ActionInterval = 200 * time.Millisecond
	}
}

// speedOfLight is used to convert the device time-of-flight into metres.
const speedOfLight = 299_792_458.0

// respReplyDelayTicks is the fixed turnaround between receiving a DInit and
// the scheduled DResp transmit, in radio ticks. It must leave the responder
// enough headroom to program the delayed send; a responder that cannot make
// the deadline gets HPDWARN back from the radio and aborts the exchange.
const respReplyDelayTicks frame.Timestamp = 5_000_000

// noTwrPeer is the sentinel slot value meaning no TWR exchange is in flight.
const noTwrPeer = -1

// twrTimeout bounds how long an in-flight TWR exchange may sit without
// completing before it is failed and the radio is handed back.
const twrTimeout = ChannelTimeout

// Engine drives the connection and TWR state machines for every peer. It is
// the sole writer of the peer table and the EDM.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	table *peertable.Table
	edmM  *edm.Matrix
	ctrl  *radioctl.Controller

	twrInfo map[peertable.Slot]*PeerTwr

	// twrPeer holds the slot of the peer owning the in-flight TWR
	// exchange, or noTwrPeer. It is written only by the Run goroutine but
	// read by the supervisor's Comm/Twr gate, hence the atomic.
	twrPeer    atomic.Int32
	twrStarted time.Time

	// twrFails carries a TWR abort detected off the Run goroutine (a
	// scheduled DResp rejected with HPDWARN) back onto the single writer.
	twrFails chan peertable.Slot

	lastBroadcast time.Time
	lastSent      map[peertable.Slot]time.Time
	lastRanged    map[peertable.Slot]time.Time

	// lastRecvSeq is the sequence nibble of the last non-duplicate frame
	// accepted from each peer, used to detect a replayed command and
	// retransmit the cached response verbatim.
	// A slot absent from this map has not yet received anything.
	lastRecvSeq map[peertable.Slot]int
}

// New creates an Engine. edmM must be sized for table's capacity plus one
// (self).
func New(cfg Config, log *slog.Logger, clock clockwork.Clock, table *peertable.Table, edmM *edm.Matrix, ctrl *radioctl.Controller) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.applyDefaults()
	e := &Engine{
		cfg:         cfg,
		log:         log,
		clock:       clock,
		table:       table,
		edmM:        edmM,
		ctrl:        ctrl,
		twrInfo:     make(map[peertable.Slot]*PeerTwr),
		twrFails:    make(chan peertable.Slot, 1),
		lastSent:    make(map[peertable.Slot]time.Time),
		lastRanged:  make(map[peertable.Slot]time.Time),
		lastRecvSeq: make(map[peertable.Slot]int),
	}
	e.twrPeer.Store(noTwrPeer)
	return e
}

// TwrInProgress reports whether a TWR exchange currently owns the radio.
func (e *Engine) TwrInProgress() bool { return e.twrPeer.Load() != noTwrPeer }

// twrSlot returns the slot owning the in-flight TWR exchange, if any.
func (e *Engine) twrSlot() (peertable.Slot, bool) {
	v := e.twrPeer.Load()
	return peertable.Slot(v), v != noTwrPeer
}

// Run is the Comms goroutine body: the single goroutine that consumes
// completed radio events, TTL-driven disconnects, and its own idle-action
// ticker until ctx is cancelled. Every mutation of the peer table's
// single-writer state and the EDM happens on this goroutine; nothing else
// may call into the Engine concurrently with Run.
func (e *Engine) Run(ctx context.Context) {
	recvResult := make(chan radioctl.Result, 1)
	e.ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqRecv, Result: recvResult}

	idleTicker := e.clock.NewTicker(e.cfg.ActionInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-e.ctrl.Notifications():
			e.handleResult(res)
			e.rearm(recvResult)

		case res := <-recvResult:
			e.handleResult(res)
			e.rearm(recvResult)

		case req := <-e.table.Disconnects():
			e.applyDisconnect(req)

		case slot := <-e.twrFails:
			e.handleTwrFail(slot)

		case <-idleTicker.Chan():
			e.idleTick()
		}
	}
}

func (e *Engine) rearm(recvResult chan radioctl.Result) {
	e.ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqRecv, Result: recvResult}
}

func (e *Engine) applyDisconnect(req peertable.DisconnectRequest) {
	e.log.Info("ranging: peer TTL expired, disconnecting", "addr", req.Addr)
	if s, ok := e.twrSlot(); ok && s == req.Slot {
		e.twrPeer.Store(noTwrPeer)
	}
	delete(e.twrInfo, req.Slot)
	delete(e.lastRecvSeq, req.Slot)
	delete(e.lastSent, req.Slot)
	delete(e.lastRanged, req.Slot)
	_ = e.table.DisconnectPeer(req.Slot)
}

func (e *Engine) handleResult(res radioctl.Result) {
	if res.Err != nil {
		e.log.Debug("ranging: radio result error", "err", res.Err)
		return
	}
	if res.Frame.Type == 0 && len(res.Frame.Body) == 0 && res.Frame.Header.Src == 0 {
		return
	}
	e.dispatch(res.Frame, res.RxTime)
}

// dispatch routes a received frame to the connection or TWR handler by
// message type. Non-broadcast frames are first checked against the
// sender's last-seen sequence nibble: a repeat of an already-processed
// sequence is a replay caused by the peer missing our reply, and is
// answered by retransmitting the last frame verbatim rather than
// reprocessing it.
func (e *Engine) dispatch(f frame.Frame, rxTime frame.Timestamp) {
	if f.Header.PAN != e.cfg.PAN {
		return
	}
	if f.Header.Dest != e.cfg.OwnAddr && f.Type != frame.Broadcast {
		return
	}

	if f.Type != frame.Broadcast {
		if slot, _, err := e.table.GetPeer(f.Header.Src); err == nil {
			seq, _ := frame.UnpackSeqAck(f.SeqAck)
			if last, seen := e.lastRecvSeq[slot]; seen && int(seq) == last {
				e.retransmitLast(slot)
				return
			}
			e.lastRecvSeq[slot] = int(seq)
		}
	}

	switch f.Type {
	case frame.Broadcast:
		e.handleBroadcast(f)
	case frame.Syn:
		e.handleSyn(f)
	case frame.SynAck:
		e.handleSynAck(f)
	case frame.Ack:
		e.handleAck(f)
	case frame.Disconn:
		e.handleDisconn(f)
	case frame.MConn:
		e.handleMConn(f)
	case frame.DReq:
		e.handleDReq(f, rxTime)
	case frame.DReqAck:
		e.handleDReqAck(f, rxTime)
	case frame.DInit:
		e.handleDInit(f, rxTime)
	case frame.DResp:
		e.handleDResp(f, rxTime)
	case frame.DFail:
		e.handleDFail(f)
	case frame.DRes:
		e.handleDRes(f)
	case frame.DResAck:
		e.handleDResAck(f)
	default:
		e.log.Debug("ranging: unhandled frame type", "type", f.Type.String())
	}
}

// --- connection handshake ---

func (e *Engine) handleBroadcast(f frame.Frame) {
	if len(e.table.UnconnectedSlots()) == 0 {
		return
	}
	if _, _, err := e.table.GetPeer(f.Header.Src); err == nil {
		return
	}
	e.sendSyn(f.Header.Src)
}

func (e *Engine) sendSyn(addr frame.ShortAddr) {
	slot, err := e.table.CreateNewPeer(addr)
	if err != nil {
		return
	}
	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.SynSend })
	e.send(addr, frame.Syn, nil, slot)
}

func (e *Engine) handleSyn(f frame.Frame) {
	slot, err := e.table.CreateNewPeer(f.Header.Src)
	if err != nil {
		e.log.Debug("ranging: rejecting Syn, table full", "addr", f.Header.Src)
		return
	}
	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.SynAckSend })
	e.send(f.Header.Src, frame.SynAck, nil, slot)
}

func (e *Engine) handleSynAck(f frame.Frame) {
	slot, p, err := e.table.GetPeer(f.Header.Src)
	if err != nil || p.State != peertable.SynSend {
		return
	}
	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.Mnt })
	e.table.TouchPeer(slot)
	e.send(f.Header.Src, frame.Ack, nil, slot)
}

func (e *Engine) handleAck(f frame.Frame) {
	slot, p, err := e.table.GetPeer(f.Header.Src)
	if err != nil || p.State != peertable.SynAckSend {
		return
	}
	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) { p.State = peertable.Mnt })
	e.table.TouchPeer(slot)
}

func (e *Engine) handleDisconn(f frame.Frame) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	e.applyDisconnect(peertable.DisconnectRequest{Slot: slot, Addr: f.Header.Src})
}

func (e *Engine) handleMConn(f frame.Frame) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	e.table.TouchPeer(slot)
}

// --- TWR exchange ---

func (e *Engine) handleDReq(f frame.Frame, rxTime frame.Timestamp) {
	slot, p, err := e.table.GetPeer(f.Header.Src)
	if err != nil || p.State != peertable.Mnt {
		return
	}

	if s, ok := e.twrSlot(); ok && s != slot {
		e.send(f.Header.Src, frame.DFail, nil, slot)
		return
	}

	snapshot, err := edm.UnmarshalSnapshot(f.Body)
	if err == nil {
		e.mergeSnapshot(snapshot)
	}

	e.twrPeer.Store(int32(slot))
	e.twrStarted = e.clock.Now()
	info := e.twrInfoFor(slot)
	info.State = ReqRecvd
	info.reqRx = rxTime

	e.send(f.Header.Src, frame.DReqAck, nil, slot)
}

func (e *Engine) handleDReqAck(f frame.Frame, rxTime frame.Timestamp) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	s, ok := e.twrSlot()
	if !ok || s != slot {
		return
	}
	info := e.twrInfoFor(slot)
	if info.State != ReqSent {
		e.handleTwrFail(slot)
		return
	}
	info.State = ReqAckRecvd
	e.twrStarted = e.clock.Now()

	initTx := frame.Timestamp(e.clock.Now().UnixNano())
	info.initTx = initTx
	e.send(f.Header.Src, frame.DInit, frame.DInitBody{InitTx: initTx}.Encode(), slot)
}

// handleDInit is the responder's scheduled-reply fast path: the DResp goes
// out via a delayed send programmed for initRx plus a fixed turnaround, so
// the responder's reported turnaround is a constant rather than a measured
// quantity. Missing the schedule (HPDWARN) aborts the exchange cleanly.
func (e *Engine) handleDInit(f frame.Frame, rxTime frame.Timestamp) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	s, ok := e.twrSlot()
	if !ok || s != slot {
		return
	}
	info := e.twrInfoFor(slot)
	if info.State != ReqRecvd {
		e.handleTwrFail(slot)
		return
	}
	if _, err := frame.DecodeDInitBody(f.Body); err != nil {
		e.handleTwrFail(slot)
		return
	}
	info.State = InitRecvd
	info.initRx = rxTime
	e.twrStarted = e.clock.Now()

	respTx := rxTime + respReplyDelayTicks
	e.sendScheduled(f.Header.Src, frame.DResp, frame.DRespBody{InitRx: rxTime, RespTx: respTx}.Encode(), slot, respTx)
}

func (e *Engine) handleDResp(f frame.Frame, rxTime frame.Timestamp) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	s, ok := e.twrSlot()
	if !ok || s != slot {
		return
	}
	info := e.twrInfoFor(slot)
	if info.State != ReqAckRecvd {
		e.handleTwrFail(slot)
		return
	}
	body, err := frame.DecodeDRespBody(f.Body)
	if err != nil {
		e.handleTwrFail(slot)
		return
	}
	info.State = RespRecvd
	info.respRx = rxTime

	dist := e.computeDistance(info.initTx, body.InitRx, body.RespTx, rxTime)
	e.recordDistance(slot, dist)

	e.send(f.Header.Src, frame.DRes, frame.DistanceBody{Distance: float32(dist)}.Encode(), slot)
	e.finishTwr(slot)
}

func (e *Engine) handleDRes(f frame.Frame) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	if s, ok := e.twrSlot(); !ok || s != slot {
		return
	}
	body, err := frame.DecodeDistanceBody(f.Body)
	if err != nil {
		e.handleTwrFail(slot)
		return
	}
	info := e.twrInfoFor(slot)
	info.RecvdDistance = float64(body.Distance)
	e.edmM.Set(e.cfg.OwnAddr, f.Header.Src, float64(body.Distance))

	e.send(f.Header.Src, frame.DResAck, nil, slot)
	e.finishTwr(slot)
}

func (e *Engine) handleDResAck(f frame.Frame) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	if s, ok := e.twrSlot(); !ok || s != slot {
		return
	}
	e.finishTwr(slot)
}

func (e *Engine) handleDFail(f frame.Frame) {
	slot, _, err := e.table.GetPeer(f.Header.Src)
	if err != nil {
		return
	}
	e.handleTwrFail(slot)
}

// handleTwrFail increments TwrFailCnt and ends this node's side of the
// exchange; once TwrFailCnt exceeds ConnMsgTmoMax the peer is disconnected.
// It sends nothing to the remote end.
func (e *Engine) handleTwrFail(slot peertable.Slot) {
	var disconnect bool
	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) {
		p.TwrFailCnt++
		disconnect = p.TwrFailCnt > ConnMsgTmoMax
	})
	e.twrInfoFor(slot).State = Fail
	e.finishTwr(slot)
	if disconnect {
		_ = e.table.DisconnectPeer(slot)
		delete(e.twrInfo, slot)
		delete(e.lastRecvSeq, slot)
		delete(e.lastSent, slot)
		delete(e.lastRanged, slot)
	}
}

func (e *Engine) finishTwr(slot peertable.Slot) {
	if s, ok := e.twrSlot(); ok && s == slot {
		e.twrPeer.Store(noTwrPeer)
	}
	if info, ok := e.twrInfo[slot]; ok {
		info.State = NoTwr
	}
}

// StartTwr initiates a TWR exchange with the peer at slot, enforcing the
// at-most-one-TWR invariant.
func (e *Engine) StartTwr(slot peertable.Slot) error {
	if e.TwrInProgress() {
		return fmt.Errorf("ranging: start TWR with slot %d: %w", slot, ErrTwrInProgress)
	}

	peer, err := e.peerAddr(slot)
	if err != nil {
		return err
	}

	e.twrPeer.Store(int32(slot))
	e.twrStarted = e.clock.Now()
	info := e.twrInfoFor(slot)
	info.State = ReqSent
	info.reqTx = frame.Timestamp(e.clock.Now().UnixNano())

	snapshot, _ := e.edmM.MarshalBinary()
	e.send(peer, frame.DReq, snapshot, slot)
	return nil
}

func (e *Engine) peerAddr(slot peertable.Slot) (frame.ShortAddr, error) {
	p, err := e.table.PeerAt(slot)
	if err != nil {
		return 0, err
	}
	return p.Addr, nil
}

func (e *Engine) twrInfoFor(slot peertable.Slot) *PeerTwr {
	info, ok := e.twrInfo[slot]
	if !ok {
		info = &PeerTwr{}
		e.twrInfo[slot] = info
	}
	return info
}

// computeDistance derives the time-of-flight from the single round trip
// this exchange captures: Ra is the initiator's full round-trip duration,
// Db is the responder's turnaround duration, and tof = (Ra-Db)/2 in device
// time units. The DReqAck leg carries no timestamps on the wire, so only
// the DInit/DResp round trip is usable and the full double-sided estimator
// has nothing to average against; the fixed responder turnaround keeps Db
// free of scheduling jitter instead. The result is converted to metres
// using the device's tick duration, has the fixed antenna delays removed,
// and is clamped into the matrix's publishable range.
func (e *Engine) computeDistance(initTx, initRx, respTx, respRx frame.Timestamp) float64 {
	ra := float64(int64(respRx) - int64(initTx))
	db := float64(int64(respTx) - int64(initRx))

	tof := (ra - db) / 2
	meters := tof * e.cfg.TimeUnitSeconds * speedOfLight
	meters -= float64(e.cfg.TxAntennaDelay+e.cfg.RxAntennaDelay) * e.cfg.TimeUnitSeconds * speedOfLight
	if math.IsNaN(meters) || math.IsInf(meters, 0) {
		return 0
	}
	if meters < edm.MinDist {
		meters = edm.MinDist
	}
	if meters > edm.MaxDist {
		meters = edm.MaxDist
	}
	return meters
}

// recordDistance folds a new sample into the peer's running mean and
// publishes it to the EDM only once MinDMeasures samples have
// accumulated.
func (e *Engine) recordDistance(slot peertable.Slot, d float64) {
	info := e.twrInfoFor(slot)
	info.DMeasures++
	info.sumDistance += d
	info.CalcDistance = info.sumDistance / float64(info.DMeasures)

	if info.DMeasures < MinDMeasures {
		return
	}
	addr, err := e.peerAddr(slot)
	if err != nil {
		return
	}
	e.edmM.Set(e.cfg.OwnAddr, addr, info.CalcDistance)
}

func (e *Engine) mergeSnapshot(snap *edm.Matrix) {
	addrs := snap.Addrs()
	for i, a := range addrs {
		if a == frame.Unassigned || a == e.cfg.OwnAddr {
			continue
		}
		for j := i + 1; j < len(addrs); j++ {
			b := addrs[j]
			if b == frame.Unassigned || b == e.cfg.OwnAddr {
				continue
			}
			d := snap.Get(a, b)
			if d >= edm.MinDist && d <= edm.MaxDist {
				e.edmM.Set(a, b, d)
			}
		}
	}
}

func (e *Engine) send(dest frame.ShortAddr, typ frame.Type, body []byte, slot peertable.Slot) {
	var seqAck byte
	if p, err := e.table.PeerAt(slot); err == nil {
		seqAck = p.SeqAck
	}
	f := frame.Frame{
		Header: frame.Header{
			FrameControl: frame.DefaultFrameControl,
			PAN:          e.cfg.PAN,
			Dest:         dest,
			Src:          e.cfg.OwnAddr,
		},
		Type:   typ,
		SeqAck: seqAck,
		Body:   body,
	}
	buf, err := f.Encode()
	if err != nil {
		e.log.Error("ranging: failed to encode outgoing frame", "type", typ.String(), "err", err)
		return
	}

	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) {
		p.LastFrame = buf
		p.LastCmdType = typ
		p.AdvanceSeq()
	})
	e.lastSent[slot] = e.clock.Now()

	result := make(chan radioctl.Result, 1)
	e.ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqSend, Payload: buf, Result: result}
	go func() {
		res := <-result
		if res.Err != nil {
			e.log.Debug("ranging: send failed", "type", typ.String(), "dest", dest, "err", res.Err)
		}
	}()
}

// sendScheduled is send's delayed-transmit variant, used for the DResp leg
// whose transmit time must land at a fixed offset from the DInit receive. A
// half-period warning from the radio means the deadline was already missed,
// and is fed back to the Run goroutine as a TWR failure.
func (e *Engine) sendScheduled(dest frame.ShortAddr, typ frame.Type, body []byte, slot peertable.Slot, txTime frame.Timestamp) {
	var seqAck byte
	if p, err := e.table.PeerAt(slot); err == nil {
		seqAck = p.SeqAck
	}
	f := frame.Frame{
		Header: frame.Header{
			FrameControl: frame.DefaultFrameControl,
			PAN:          e.cfg.PAN,
			Dest:         dest,
			Src:          e.cfg.OwnAddr,
		},
		Type:   typ,
		SeqAck: seqAck,
		Body:   body,
	}
	buf, err := f.Encode()
	if err != nil {
		e.log.Error("ranging: failed to encode outgoing frame", "type", typ.String(), "err", err)
		return
	}

	_ = e.table.UpdatePeer(slot, func(p *peertable.Peer) {
		p.LastFrame = buf
		p.LastCmdType = typ
		p.AdvanceSeq()
	})
	e.lastSent[slot] = e.clock.Now()

	result := make(chan radioctl.Result, 1)
	e.ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqSendDelayed, Payload: buf, TxTime: txTime, Result: result}
	go func() {
		res := <-result
		if res.Err == nil {
			return
		}
		if errors.Is(res.Err, dw1000.ErrHalfPeriodWarn) {
			e.log.Warn("ranging: scheduled reply missed its slot, aborting exchange", "dest", dest)
			select {
			case e.twrFails <- slot:
			default:
			}
			return
		}
		e.log.Debug("ranging: scheduled send failed", "type", typ.String(), "dest", dest, "err", res.Err)
	}()
}

// retransmitLast re-sends a peer's cached last frame byte-for-byte,
// without touching its sequence counter.
func (e *Engine) retransmitLast(slot peertable.Slot) {
	p, err := e.table.PeerAt(slot)
	if err != nil || p.LastFrame == nil {
		return
	}
	e.log.Debug("ranging: duplicate sequence, retransmitting last frame verbatim", "addr", p.Addr)
	e.lastSent[slot] = e.clock.Now()
	result := make(chan radioctl.Result, 1)
	e.ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqSend, Payload: p.LastFrame, Result: result}
	go func() {
		res := <-result
		if res.Err != nil {
			e.log.Debug("ranging: retransmit failed", "addr", p.Addr, "err", res.Err)
		}
	}()
}

// sendBroadcast advertises this node's presence to any listening peer.
// Broadcast carries no per-peer sequence state, so it bypasses send's
// per-slot bookkeeping.
func (e *Engine) sendBroadcast() {
	f := frame.Frame{
		Header: frame.Header{
			FrameControl: frame.DefaultFrameControl,
			PAN:          e.cfg.PAN,
			Dest:         frame.Unassigned,
			Src:          e.cfg.OwnAddr,
		},
		Type: frame.Broadcast,
	}
	buf, err := f.Encode()
	if err != nil {
		e.log.Error("ranging: failed to encode broadcast", "err", err)
		return
	}
	e.lastBroadcast = e.clock.Now()
	result := make(chan radioctl.Result, 1)
	e.ctrl.Requests() <- radioctl.Request{Kind: radioctl.ReqSend, Payload: buf, Result: result}
	go func() {
		res := <-result
		if res.Err != nil {
			e.log.Debug("ranging: broadcast failed", "err", res.Err)
		}
	}()
}

// awaitingReply reports whether a connection state is a handshake leg this
// node sent and is still waiting to see acknowledged.
func awaitingReply(s peertable.ConnState) bool {
	switch s {
	case peertable.SynSend, peertable.SynAckSend:
		return true
	default:
		return false
	}
}

// NextAction computes the engine's next idle-time action under the
// priority policy: a peer awaiting retransmit beats sending a broadcast
// under spare capacity, which beats starting a new TWR exchange with a
// peer that is due for ranging, which beats a maintenance/keepalive pass.
// slot is meaningful for RespNow, Resp and RespBeforeTmo; it is -1 for
// NoResp.
func (e *Engine) NextAction() (Action, peertable.Slot) {
	now := e.clock.Now()

	for _, slot := range e.table.ConnectedSlots() {
		p, err := e.table.PeerAt(slot)
		if err != nil || p.LastFrame == nil {
			continue
		}
		if awaitingReply(p.State) && now.Sub(e.lastSent[slot]) > ChannelTimeout {
			return RespNow, slot
		}
	}

	if e.table.CurrentPeerCount() < e.table.Capacity() && now.Sub(e.lastBroadcast) >= e.cfg.BroadcastInterval {
		return NoResp, -1
	}

	if !e.TwrInProgress() {
		for _, slot := range e.table.ConnectedSlots() {
			p, err := e.table.PeerAt(slot)
			if err != nil || p.State != peertable.Mnt {
				continue
			}
			info := e.twrInfo[slot]
			due := info == nil || info.DMeasures < MinDMeasures || now.Sub(e.lastRanged[slot]) >= e.cfg.RangingInterval
			if due {
				return Resp, slot
			}
		}
	}

	for _, slot := range e.table.ConnectedSlots() {
		p, err := e.table.PeerAt(slot)
		if err != nil {
			continue
		}
		if p.TTL <= peertable.DefaultTTL/2 {
			return RespBeforeTmo, slot
		}
	}

	return NoResp, -1
}

// idleTick evaluates and performs exactly one idle-time action, after first
// failing any TWR exchange that has sat unfinished past its deadline (a
// dropped reply would otherwise hold the radio forever).
func (e *Engine) idleTick() {
	if s, ok := e.twrSlot(); ok && e.clock.Now().Sub(e.twrStarted) > twrTimeout {
		e.log.Debug("ranging: TWR exchange timed out", "slot", s)
		e.handleTwrFail(s)
		return
	}

	action, slot := e.NextAction()
	switch action {
	case RespNow:
		e.retransmitLast(slot)

	case Resp:
		if err := e.StartTwr(slot); err != nil {
			e.log.Debug("ranging: idle-time TWR start skipped", "slot", slot, "err", err)
			return
		}
		e.lastRanged[slot] = e.clock.Now()

	case RespBeforeTmo:
		if p, err := e.table.PeerAt(slot); err == nil {
			e.send(p.Addr, frame.MConn, nil, slot)
		}

	case NoResp:
		if e.table.CurrentPeerCount() < e.table.Capacity() &&
			e.clock.Now().Sub(e.lastBroadcast) >= e.cfg.BroadcastInterval {
			e.sendBroadcast()
		}
	}
}
