// Package frame implements the fixed 802.15.4-2011 MAC frame shape and the
// distance-localization payload codecs carried over it.
//
// The wire format is deliberately small and fixed: a compressed 16-bit
// addressed MAC header followed by a one-byte message type, a one-byte
// packed sequence/ack field, and a type-specific body. None of it is a
// general MAC — there is no frame fragmentation, no beacon, no GTS.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ShortAddr is a node's 16-bit short address, unique within a PAN.
type ShortAddr uint16

// Unassigned is the sentinel short address marking a free peer slot.
const Unassigned ShortAddr = 0xFFFF

// PANID is the 16-bit personal area network identifier, constant fleet-wide.
type PANID uint16

// MaxFrameSize is the largest frame this system will ever build or parse.
const MaxFrameSize = 128

// Type identifies the payload's message type. The set is closed: nothing
// outside this list is a legal command in this protocol.
type Type byte

const (
	Broadcast Type = 0x01
	Syn Type = 0x11
	SynAck Type = 0x12
	Ack Type = 0x13
	Disconn Type = 0x14
	DReq Type = 0x21
	DReqAck Type = 0x22
	DInit Type = 0x23
	DResp Type = 0x24
	DFail Type = 0x25
	DRes Type = 0x26
	DResAck Type = 0x27
	MConn Type = 0x31
	Other Type = 0xFE
)

func (t Type) String() string {
	switch t {
	case Broadcast:
		return "Broadcast"
	case Syn:
		return "Syn"
	case SynAck:
		return "SynAck"
	case Ack:
		return "Ack"
	case Disconn:
		return "Disconn"
	case DReq:
		return "DReq"
	case DReqAck:
		return "DReqAck"
	case DInit:
		return "DInit"
	case DResp:
		return "DResp"
	case DFail:
		return "DFail"
	case DRes:
		return "DRes"
	case DResAck:
		return "DResAck"
	case MConn:
		return "MConn"
	default:
		return "Other"
	}
}

// IsConnMsg reports whether t carries no body (Broadcast/Syn/SynAck/Ack/
// Disconn/MConn all have an empty payload after the header).
func (t Type) IsConnMsg() bool {
	switch t {
	case Broadcast, Syn, SynAck, Ack, Disconn, MConn:
		return true
	default:
		return false
	}
}

// FrameControl mirrors the subset of the 802.15.4 frame control field this
// protocol actually uses: data frames, 16-bit addressing, PAN ID compression.
type FrameControl uint16

const (
	fcFrameTypeData FrameControl = 0x0001
	fcPANIDCompress FrameControl = 0x0040
	fcDestAddrMode16 FrameControl = 0x0800
	fcSrcAddrMode16 FrameControl = 0x8000
)

// DefaultFrameControl is the single frame-control value every frame in this
// protocol carries: a data frame, PAN-ID compressed, 16-bit source and
// destination addressing.
const DefaultFrameControl = fcFrameTypeData | fcPANIDCompress | fcDestAddrMode16 | fcSrcAddrMode16

// Header is the 802.15.4 MAC header this protocol emits: frame control,
// 802.15.4 sequence number (distinct from the protocol's own 4-bit seq/ack
// nibble carried in the payload), a single compressed PAN ID, and 16-bit
// source/destination addresses.
type Header struct {
	FrameControl FrameControl
	MACSeq byte
	PAN PANID
	Dest ShortAddr
	Src ShortAddr
}

const headerSize = 2 + 1 + 2 + 2 + 2 // fc + macseq + pan + dest + src

// PackSeqAck packs the 4-bit next-sequence-to-send (low nibble) and the
// 4-bit last-ack-received (high nibble) into a single byte, in the wire format.
func PackSeqAck(seq, ack byte) byte {
	return (ack&0x0F)<<4 | (seq & 0x0F)
}

// UnpackSeqAck is the inverse of PackSeqAck.
func UnpackSeqAck(b byte) (seq, ack byte) {
	return b & 0x0F, (b >> 4) & 0x0F
}

// Frame is a decoded MAC header plus message type, seq/ack byte, and body.
type Frame struct {
	Header Header
	Type Type
	SeqAck byte
	Body []byte
}

// Encode serialises f into the fixed wire layout:
// header | type(1) | seq_ack(1) | body.
func (f Frame) Encode() ([]byte, error) {
	total := headerSize + 2 + len(f.Body)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("frame: encoded size %d exceeds MaxFrameSize %d", total, MaxFrameSize)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.Header.FrameControl))
	buf[2] = f.Header.MACSeq
	binary.LittleEndian.PutUint16(buf[3:5], uint16(f.Header.PAN))
	binary.LittleEndian.PutUint16(buf[5:7], uint16(f.Header.Dest))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(f.Header.Src))
	buf[headerSize] = byte(f.Type)
	buf[headerSize+1] = f.SeqAck
	copy(buf[headerSize+2:], f.Body)
	return buf, nil
}

// Decode parses buf into a Frame. It does not validate the message body —
// callers decode the body with the type-specific codec once they know what
// they expect to find there.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerSize+2 {
		return Frame{}, fmt.Errorf("frame: buffer too short (%d bytes)", len(buf))
	}
	var f Frame
	f.Header.FrameControl = FrameControl(binary.LittleEndian.Uint16(buf[0:2]))
	f.Header.MACSeq = buf[2]
	f.Header.PAN = PANID(binary.LittleEndian.Uint16(buf[3:5]))
	f.Header.Dest = ShortAddr(binary.LittleEndian.Uint16(buf[5:7]))
	f.Header.Src = ShortAddr(binary.LittleEndian.Uint16(buf[7:9]))
	f.Type = Type(buf[headerSize])
	f.SeqAck = buf[headerSize+1]
	if len(buf) > headerSize+2 {
		f.Body = append([]byte(nil), buf[headerSize+2:]...)
	}
	return f, nil
}

// Timestamp is a 5-byte (40-bit) DW1000 system-time timestamp, in radio
// ticks. Only the low 40 bits are meaningful.
type Timestamp uint64

// EncodeTimestamp writes a 5-byte little-endian timestamp into buf, which
// must be at least 5 bytes long.
func EncodeTimestamp(buf []byte, t Timestamp) {
	v := uint64(t)
	for i := 0; i < 5; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// DecodeTimestamp reads a 5-byte little-endian timestamp from buf, which
// must be at least 5 bytes long.
func DecodeTimestamp(buf []byte) Timestamp {
	var v uint64
	for i := 0; i < 5; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return Timestamp(v)
}

// DInitBody is the body of a DInit frame: the initiator's own TX timestamp.
type DInitBody struct {
	InitTx Timestamp
}

func (b DInitBody) Encode() []byte {
	buf := make([]byte, 5)
	EncodeTimestamp(buf, b.InitTx)
	return buf
}

func DecodeDInitBody(buf []byte) (DInitBody, error) {
	if len(buf) < 5 {
		return DInitBody{}, fmt.Errorf("frame: DInit body too short")
	}
	return DInitBody{InitTx: DecodeTimestamp(buf)}, nil
}

// DRespBody is the body of a DResp frame: the responder's view of when the
// init message arrived and when it sent its reply.
type DRespBody struct {
	InitRx Timestamp
	RespTx Timestamp
}

func (b DRespBody) Encode() []byte {
	buf := make([]byte, 10)
	EncodeTimestamp(buf[0:5], b.InitRx)
	EncodeTimestamp(buf[5:10], b.RespTx)
	return buf
}

func DecodeDRespBody(buf []byte) (DRespBody, error) {
	if len(buf) < 10 {
		return DRespBody{}, fmt.Errorf("frame: DResp body too short")
	}
	return DRespBody{InitRx: DecodeTimestamp(buf[0:5]), RespTx: DecodeTimestamp(buf[5:10])}, nil
}

// DistanceBody is the body shared by DRes and DResAck: a little-endian
// float32 distance in metres.
type DistanceBody struct {
	Distance float32
}

func (b DistanceBody) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(b.Distance))
	return buf
}

func DecodeDistanceBody(buf []byte) (DistanceBody, error) {
	if len(buf) < 4 {
		return DistanceBody{}, fmt.Errorf("frame: distance body too short")
	}
	return DistanceBody{Distance: math.Float32frombits(binary.LittleEndian.Uint32(buf))}, nil
}
