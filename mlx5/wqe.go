package mlx5

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Send descriptors are built from fixed 16-byte segments laid out
// contiguously in a send ring slot: control, then remote address for remote
// memory operations, then data. The control segment's ds field tells the
// device the total descriptor length in 16-byte units, so it must equal the
// sum of the segments actually emitted.
//
// Control segment:
//
//	| opmod (8) | producer index (16) | opcode (8) |  big endian word
//	| queue number (24)              | ds (8)     |  big endian word
//	| signature (8) | reserved (16) | fm_ce_se (8)|
//	| immediate (32)                              |
//
// Remote address segment: 64-bit remote address, 32-bit rkey, 32 reserved.
// Data segment: 32-bit byte count, 32-bit lkey, 64-bit local address.
// Every multi-byte field is big endian.

const (
	SegLen = 16 // every segment is one 16-byte unit

	ControlSegLen    = SegLen
	RemoteAddrSegLen = SegLen
	DataSegLen       = SegLen
)

// Opcode identifies the posted operation in the control segment. The same
// value comes back in the high byte of a requester completion's queue field.
type Opcode uint8

const (
	OpSendInval    Opcode = 0x01
	OpRDMAWrite    Opcode = 0x08
	OpRDMAWriteImm Opcode = 0x09
	OpSend         Opcode = 0x0a
	OpSendImm      Opcode = 0x0b
	OpRDMARead     Opcode = 0x10
)

var opcodeMap = map[Opcode]string{
	OpSendInval:    "sendInval",
	OpRDMAWrite:    "rdmaWrite",
	OpRDMAWriteImm: "rdmaWriteImm",
	OpSend:         "send",
	OpSendImm:      "sendImm",
	OpRDMARead:     "rdmaRead",
}

func (o Opcode) String() string {
	if n, ok := opcodeMap[o]; ok {
		return n
	}
	return "unknown"
}

// Known reports whether o is an opcode this package understands.
func (o Opcode) Known() bool {
	_, ok := opcodeMap[o]
	return ok
}

// fm_ce_se flag bits
const (
	// CtrlCQUpdate requests a completion for this descriptor.
	CtrlCQUpdate uint8 = 0x08
)

var ErrSegTooShort = errors.New("wqe segment buffer is too short")

// ControlSeg is the mandatory first segment of every descriptor.
type ControlSeg struct {
	OpMod         uint8
	ProducerIndex uint16 // low 16 bits of the full producer counter
	Opcode        Opcode
	QPN           uint32
	DS            uint8 // descriptor size in 16-byte units
	Signature     uint8
	FmCeSe        uint8
	Immediate     uint32
}

// Encode writes the segment into the first ControlSegLen bytes of b.
func (s *ControlSeg) Encode(b []byte) error {
	if len(b) < ControlSegLen {
		return ErrSegTooShort
	}
	binary.BigEndian.PutUint32(b[0:4], uint32(s.OpMod)<<24|uint32(s.ProducerIndex)<<8|uint32(s.Opcode))
	binary.BigEndian.PutUint32(b[4:8], s.QPN<<8|uint32(s.DS))
	b[8] = s.Signature
	b[9] = 0
	b[10] = 0
	b[11] = s.FmCeSe
	binary.BigEndian.PutUint32(b[12:16], s.Immediate)
	return nil
}

// Parse decodes the segment from the first ControlSegLen bytes of b.
func (s *ControlSeg) Parse(b []byte) error {
	if len(b) < ControlSegLen {
		return ErrSegTooShort
	}
	opmodIdxOpcode := binary.BigEndian.Uint32(b[0:4])
	qpnDS := binary.BigEndian.Uint32(b[4:8])

	s.OpMod = uint8(opmodIdxOpcode >> 24)
	s.ProducerIndex = uint16(opmodIdxOpcode >> 8)
	s.Opcode = Opcode(opmodIdxOpcode)
	s.QPN = qpnDS >> 8
	s.DS = uint8(qpnDS)
	s.Signature = b[8]
	s.FmCeSe = b[11]
	s.Immediate = binary.BigEndian.Uint32(b[12:16])
	return nil
}

func (s *ControlSeg) String() string {
	return fmt.Sprintf("opcode=%s pi=%d qpn=0x%x ds=%d fmcese=0x%x",
		s.Opcode, s.ProducerIndex, s.QPN, s.DS, s.FmCeSe)
}

// RemoteAddrSeg addresses the remote side of an RDMA operation.
type RemoteAddrSeg struct {
	RemoteAddr uint64
	RKey       uint32
}

func (s *RemoteAddrSeg) Encode(b []byte) error {
	if len(b) < RemoteAddrSegLen {
		return ErrSegTooShort
	}
	binary.BigEndian.PutUint64(b[0:8], s.RemoteAddr)
	binary.BigEndian.PutUint32(b[8:12], s.RKey)
	binary.BigEndian.PutUint32(b[12:16], 0)
	return nil
}

func (s *RemoteAddrSeg) Parse(b []byte) error {
	if len(b) < RemoteAddrSegLen {
		return ErrSegTooShort
	}
	s.RemoteAddr = binary.BigEndian.Uint64(b[0:8])
	s.RKey = binary.BigEndian.Uint32(b[8:12])
	return nil
}

// DataSeg points the device at the local gather buffer.
type DataSeg struct {
	ByteCount uint32
	LKey      uint32
	LocalAddr uint64
}

func (s *DataSeg) Encode(b []byte) error {
	if len(b) < DataSegLen {
		return ErrSegTooShort
	}
	binary.BigEndian.PutUint32(b[0:4], s.ByteCount)
	binary.BigEndian.PutUint32(b[4:8], s.LKey)
	binary.BigEndian.PutUint64(b[8:16], s.LocalAddr)
	return nil
}

func (s *DataSeg) Parse(b []byte) error {
	if len(b) < DataSegLen {
		return ErrSegTooShort
	}
	s.ByteCount = binary.BigEndian.Uint32(b[0:4])
	s.LKey = binary.BigEndian.Uint32(b[4:8])
	s.LocalAddr = binary.BigEndian.Uint64(b[8:16])
	return nil
}
