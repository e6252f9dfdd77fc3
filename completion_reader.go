package rdmacore

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boom6/rdma-core/mlx5"
	"github.com/boom6/rdma-core/ring"
)

// CompletionReader drains one completion ring. It is the only writer of the
// consumer index and the doorbell record, and it never writes entry memory, so
// a single goroutine may drive it with no locking against the device.
//
// Harvesting one entry is: cheap emptiness pre-check on the raw opcode,
// ownership test against the expected polarity for the current lap, a read
// fence, full decode, then advance-and-publish. An entry that fails either
// check leaves all state untouched, so TryPoll is safe to call in a tight
// loop.
type CompletionReader struct {
	l       *logrus.Logger
	cq      *ring.Buffer
	db      *ring.Doorbell
	metrics *QueueMetrics

	// monotonic consumer counter, never reduced. Masking maps it to a slot
	// and the bit at the entry-count position gives the expected owner.
	index uint32

	// where the live 64-byte entry sits within a slot. 0 for 64-byte
	// strides, 64 for 128-byte strides.
	entryOffset uint32
}

// NewCompletionReader wraps a completion ring and its doorbell record. The
// ring stride must be one of the two formats the device produces. metrics may
// be nil.
func NewCompletionReader(l *logrus.Logger, cq *ring.Buffer, db *ring.Doorbell, metrics *QueueMetrics) (*CompletionReader, error) {
	var entryOffset uint32
	switch cq.Stride() {
	case mlx5.Stride64:
		entryOffset = 0
	case mlx5.Stride128:
		entryOffset = mlx5.CQELen
	default:
		return nil, fmt.Errorf("completion ring stride must be %d or %d, got %d", mlx5.Stride64, mlx5.Stride128, cq.Stride())
	}

	return &CompletionReader{
		l:           l,
		cq:          cq,
		db:          db,
		metrics:     metrics,
		entryOffset: entryOffset,
	}, nil
}

// TryPoll examines the current slot once and returns (nil, nil) if the ring
// holds nothing new. When an owned entry is found it is consumed before the
// result is classified: the index advances and the doorbell is published even
// for entries that turn out to report an error or an opcode we do not know,
// so the ring can never wedge on a single bad entry.
func (r *CompletionReader) TryPoll() (*Completion, error) {
	slot := r.cq.Slot(r.index)
	entry := slot[r.entryOffset : r.entryOffset+mlx5.CQELen]

	// slots the device has never written this lifetime carry the invalid
	// sentinel and an ownership bit that can false-positive on odd laps,
	// so the opcode check must come first
	if mlx5.RawOpcode(entry) == mlx5.CQEInvalid {
		return nil, nil
	}
	if mlx5.RawOwner(entry) != r.cq.ExpectedOwner(r.index) {
		return nil, nil
	}

	// the ownership bit is the last byte the device writes; everything
	// before it must not be read ahead of the bit
	ring.ReadFence()

	var cqe mlx5.CQE
	if err := cqe.Parse(entry); err != nil {
		return nil, err
	}

	harvestedAt := r.index
	r.index++
	r.db.PublishConsumerIndex(r.index)

	c, err := classify(&cqe, harvestedAt)
	if err != nil {
		r.metrics.UnknownOpcode()
		r.l.WithField("opcode", cqe.Opcode).WithField("index", harvestedAt).
			Warn("Consumed a completion entry with an unrecognized opcode")
		return nil, err
	}

	if c.Status == StatusHardwareError {
		r.metrics.HardwareError()
		r.l.WithField("qpn", c.QPN).WithField("syndrome", c.Syndrome).
			Error("Hardware reported a failed operation")
	} else {
		r.metrics.Harvested(c.Kind)
	}
	return c, nil
}

// Poll busy-waits until a completion surfaces or timeout elapses. The wait is
// a pure spin: this path assumes the caller owns its core, and sub-microsecond
// completion latency makes blocking primitives a net loss.
func (r *CompletionReader) Poll(timeout time.Duration) (*Completion, error) {
	deadline := time.Now().Add(timeout)
	for {
		c, err := r.TryPoll()
		if c != nil || err != nil {
			return c, err
		}
		if time.Now().After(deadline) {
			r.metrics.PollTimeout()
			return nil, ErrTimeout
		}
	}
}

// Index returns the consumer counter, which counts every entry ever harvested.
func (r *CompletionReader) Index() uint32 {
	return r.index
}

func classify(cqe *mlx5.CQE, index uint32) (*Completion, error) {
	switch cqe.Opcode {
	case mlx5.CQEReq:
		k := KindSend
		switch cqe.SendOpcode {
		case mlx5.OpRDMAWrite, mlx5.OpRDMAWriteImm:
			k = KindRemoteWrite
		case mlx5.OpRDMARead:
			k = KindRemoteRead
		}
		c := &Completion{Status: StatusOK, Kind: k, QPN: cqe.QPN, ByteLen: cqe.ByteCount}
		// immediate sub-opcodes carry the flag on the requester side too
		if cqe.SendOpcode == mlx5.OpRDMAWriteImm || cqe.SendOpcode == mlx5.OpSendImm {
			c.Imm = cqe.Immediate
			c.HasImm = true
		}
		return c, nil

	case mlx5.CQERespSend, mlx5.CQERespSendInv:
		return &Completion{Status: StatusOK, Kind: KindRecv, QPN: cqe.QPN, ByteLen: cqe.ByteCount}, nil

	case mlx5.CQERespSendImm:
		return &Completion{Status: StatusOK, Kind: KindRecv, QPN: cqe.QPN, ByteLen: cqe.ByteCount, Imm: cqe.Immediate, HasImm: true}, nil

	case mlx5.CQERespWrImm:
		return &Completion{Status: StatusOK, Kind: KindRecvRemoteWriteImm, QPN: cqe.QPN, ByteLen: cqe.ByteCount, Imm: cqe.Immediate, HasImm: true}, nil

	case mlx5.CQEReqErr, mlx5.CQERespErr:
		return &Completion{Status: StatusHardwareError, QPN: cqe.QPN, Syndrome: uint8(cqe.Opcode)}, nil

	default:
		return nil, &UnknownOpcodeError{Opcode: uint8(cqe.Opcode), Index: index}
	}
}
