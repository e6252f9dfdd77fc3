package rdmacore

import (
	"encoding/json"
	"errors"
	"fmt"
)

type m = map[string]any

// Kind is the user-facing operation class a completion reports on.
type Kind uint8

const (
	KindSend Kind = iota
	KindRemoteWrite
	KindRemoteRead
	KindRecv
	KindRecvRemoteWriteImm
)

var kindMap = map[Kind]string{
	KindSend:               "send",
	KindRemoteWrite:        "remoteWrite",
	KindRemoteRead:         "remoteRead",
	KindRecv:               "recv",
	KindRecvRemoteWriteImm: "recvRemoteWriteImm",
}

func (k Kind) String() string {
	if n, ok := kindMap[k]; ok {
		return n
	}
	return "unknown"
}

// Status reports whether the hardware executed the operation.
type Status uint8

const (
	StatusOK Status = iota
	// StatusHardwareError: the operation ran and failed. Distinct from a
	// timeout, where the operation never completed at all.
	StatusHardwareError
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "hardwareError"
}

// Completion is one harvested completion record. On StatusHardwareError only
// Status, QPN and Syndrome are meaningful; the device does not guarantee the
// length or immediate fields on the error path.
type Completion struct {
	Status   Status
	Kind     Kind
	QPN      uint32
	ByteLen  uint32
	Imm      uint32
	HasImm   bool
	Syndrome uint8 // raw completion opcode on error, for diagnostics
}

// Ok reports whether the operation executed successfully.
func (c *Completion) Ok() bool {
	return c.Status == StatusOK
}

func (c *Completion) String() string {
	if c == nil {
		return "<nil>"
	}
	if c.Status != StatusOK {
		return fmt.Sprintf("status=%s qpn=0x%x syndrome=0x%x", c.Status, c.QPN, c.Syndrome)
	}
	if c.HasImm {
		return fmt.Sprintf("status=ok kind=%s qpn=0x%x bytelen=%d imm=0x%x", c.Kind, c.QPN, c.ByteLen, c.Imm)
	}
	return fmt.Sprintf("status=ok kind=%s qpn=0x%x bytelen=%d", c.Kind, c.QPN, c.ByteLen)
}

// MarshalJSON creates a json representation of a completion, handy for
// structured log sinks.
func (c *Completion) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"status":  c.Status.String(),
		"kind":    c.Kind.String(),
		"qpn":     c.QPN,
		"byteLen": c.ByteLen,
		"imm":     c.Imm,
		"hasImm":  c.HasImm,
	})
}

var (
	// ErrTimeout: no completion surfaced within the poll ceiling. The
	// operation may still complete later; the caller decides whether to
	// keep waiting or tear the queue down.
	ErrTimeout = errors.New("no completion within the poll timeout")

	// ErrRingFull: posting would lap the oldest unacknowledged descriptor.
	ErrRingFull = errors.New("send ring is full")

	// ErrDescriptorTooLarge: the descriptor does not fit the configured
	// send ring stride.
	ErrDescriptorTooLarge = errors.New("descriptor exceeds the send ring stride")
)

// UnknownOpcodeError reports a completion entry whose ownership matched but
// whose opcode is outside the known set. The entry has been consumed (index
// advanced, doorbell published) so the ring cannot wedge on it; callers that
// correlate completions by issue order should treat the slot's operation as
// lost.
type UnknownOpcodeError struct {
	Opcode uint8
	Index  uint32
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown completion opcode 0x%x at consumer index %d", e.Opcode, e.Index)
}
