package mlx5

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 64-byte completion queue entry, fields we consume (offsets per the device
// ABI, all multi-byte fields big endian):
//
//	 0                                      35
//	 | rx/offload metadata (unused here)     |
//	36 | immediate / invalidation value       | 40
//	   | reserved                             | 44
//	44 | byte count                           | 48
//	48 | timestamp                            | 56
//	56 | send opcode (8) | queue number (24)  | 60
//	60 | wqe counter     | signature | op_own | 64
//
// op_own packs the completion opcode in the high nibble and the ownership bit
// in bit 0. A 128-byte completion ring stores the live entry in the second
// half of each slot; the first 64 bytes are the unused compressed format.

const (
	// CQELen is the size of the entry itself.
	CQELen = 64

	// Valid completion ring strides. With Stride128 the live entry sits at
	// offset CQELen within the slot.
	Stride64  = 64
	Stride128 = 128
)

// CQEOpcode is the completion class in the high nibble of op_own.
type CQEOpcode uint8

const (
	CQEReq         CQEOpcode = 0x0 // requester side, successful
	CQERespWrImm   CQEOpcode = 0x1 // responder, remote write with immediate
	CQERespSend    CQEOpcode = 0x2 // responder, plain receive
	CQERespSendImm CQEOpcode = 0x3 // responder, receive with immediate
	CQERespSendInv CQEOpcode = 0x4 // responder, receive with invalidate
	CQEReqErr      CQEOpcode = 0xd // requester side, failed
	CQERespErr     CQEOpcode = 0xe // responder side, failed
	CQEInvalid     CQEOpcode = 0xf // slot never written this lap
)

var cqeOpcodeMap = map[CQEOpcode]string{
	CQEReq:         "req",
	CQERespWrImm:   "respWrImm",
	CQERespSend:    "respSend",
	CQERespSendImm: "respSendImm",
	CQERespSendInv: "respSendInv",
	CQEReqErr:      "reqErr",
	CQERespErr:     "respErr",
	CQEInvalid:     "invalid",
}

func (o CQEOpcode) String() string {
	if n, ok := cqeOpcodeMap[o]; ok {
		return n
	}
	return "unknown"
}

const (
	cqeOffImm        = 36
	cqeOffByteCnt    = 44
	cqeOffSopDropQPN = 56
	cqeOffWQECounter = 60
	cqeOffSignature  = 62
	cqeOffOpOwn      = 63

	cqeOwnerMask = 0x1
	qpnMask      = 0xffffff
)

var ErrCQETooShort = errors.New("completion entry is too short")

// CQE is the decoded form of a completion entry.
type CQE struct {
	Opcode     CQEOpcode
	Owner      byte
	SendOpcode Opcode // originating send opcode, requester completions only
	QPN        uint32
	ByteCount  uint32
	Immediate  uint32
	WQECounter uint16
	Signature  uint8
}

// RawOpcode returns the completion class of an encoded entry without decoding
// the rest. This is the cheap emptiness pre-check: CQEInvalid means the slot
// was never written this lap.
func RawOpcode(b []byte) CQEOpcode {
	return CQEOpcode(b[cqeOffOpOwn] >> 4)
}

// RawOwner returns the ownership bit of an encoded entry.
func RawOwner(b []byte) byte {
	return b[cqeOffOpOwn] & cqeOwnerMask
}

// Parse decodes an entry in place. It performs no validity judgement beyond
// length; ownership and opcode interpretation belong to the consumer.
func (c *CQE) Parse(b []byte) error {
	if len(b) < CQELen {
		return ErrCQETooShort
	}

	opOwn := b[cqeOffOpOwn]
	sopDropQPN := binary.BigEndian.Uint32(b[cqeOffSopDropQPN : cqeOffSopDropQPN+4])

	c.Opcode = CQEOpcode(opOwn >> 4)
	c.Owner = opOwn & cqeOwnerMask
	c.SendOpcode = Opcode(sopDropQPN >> 24)
	c.QPN = sopDropQPN & qpnMask
	c.ByteCount = binary.BigEndian.Uint32(b[cqeOffByteCnt : cqeOffByteCnt+4])
	c.Immediate = binary.BigEndian.Uint32(b[cqeOffImm : cqeOffImm+4])
	c.WQECounter = binary.BigEndian.Uint16(b[cqeOffWQECounter : cqeOffWQECounter+2])
	c.Signature = b[cqeOffSignature]
	return nil
}

// Encode writes the entry into b in wire order. Only the device writes
// entries on real hardware; Encode exists for the simulated device and for
// tests. Bytes outside the consumed fields are left as-is.
func (c *CQE) Encode(b []byte) error {
	if len(b) < CQELen {
		return ErrCQETooShort
	}

	binary.BigEndian.PutUint32(b[cqeOffImm:cqeOffImm+4], c.Immediate)
	binary.BigEndian.PutUint32(b[cqeOffByteCnt:cqeOffByteCnt+4], c.ByteCount)
	binary.BigEndian.PutUint32(b[cqeOffSopDropQPN:cqeOffSopDropQPN+4], uint32(c.SendOpcode)<<24|c.QPN&qpnMask)
	binary.BigEndian.PutUint16(b[cqeOffWQECounter:cqeOffWQECounter+2], c.WQECounter)
	b[cqeOffSignature] = c.Signature
	b[cqeOffOpOwn] = byte(c.Opcode)<<4 | c.Owner&cqeOwnerMask
	return nil
}

// InvalidateSlot stamps the entry region of a slot with the CQEInvalid
// sentinel, the state hardware leaves a freshly created ring in.
func InvalidateSlot(b []byte) {
	b[cqeOffOpOwn] = byte(CQEInvalid) << 4
}

func (c *CQE) String() string {
	return fmt.Sprintf("opcode=%s owner=%d sendopcode=%s qpn=0x%x bytecount=%d imm=0x%x wqecounter=%d",
		c.Opcode, c.Owner, c.SendOpcode, c.QPN, c.ByteCount, c.Immediate, c.WQECounter)
}
