package rdmacore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boom6/rdma-core/mlx5"
	"github.com/boom6/rdma-core/ring"
	"github.com/boom6/rdma-core/test"
)

type readerHarness struct {
	cq     *ring.Buffer
	db     *ring.Doorbell
	reader *CompletionReader

	entryOffset uint32
	produced    uint32
}

func newReaderHarness(t *testing.T, entries, stride uint32) *readerHarness {
	l := test.NewLogger()

	cq, err := ring.NewBuffer(make([]byte, entries*stride), entries, stride)
	require.NoError(t, err)
	db, err := ring.NewDoorbell(make([]byte, ring.DoorbellLen))
	require.NoError(t, err)

	var entryOffset uint32
	if stride == mlx5.Stride128 {
		entryOffset = mlx5.CQELen
	}
	for i := uint32(0); i < entries; i++ {
		mlx5.InvalidateSlot(cq.Slot(i)[entryOffset:])
	}

	reader, err := NewCompletionReader(l, cq, db, nil)
	require.NoError(t, err)

	return &readerHarness{cq: cq, db: db, reader: reader, entryOffset: entryOffset}
}

// produce writes the next entry the way the device would: correct polarity for
// the producer's lap, ownership byte last.
func (h *readerHarness) produce(t *testing.T, cqe *mlx5.CQE) {
	cqe.Owner = h.cq.ExpectedOwner(h.produced)
	require.NoError(t, cqe.Encode(h.cq.Slot(h.produced)[h.entryOffset:]))
	h.produced++
}

func TestTryPollEmptyRing(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	for i := 0; i < 3; i++ {
		c, err := h.reader.TryPoll()
		assert.NoError(t, err)
		assert.Nil(t, c)
	}
	assert.Equal(t, uint32(0), h.reader.Index(), "an empty poll must not advance")
	assert.Equal(t, uint32(0), h.db.ConsumerIndex(), "an empty poll must not touch the doorbell")
}

func TestTryPollHarvestsAcrossLapWrap(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	// five completions walk the ring across its wrap point, where the
	// expected ownership flips from 0 to 1
	for i := uint32(0); i < 5; i++ {
		h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpRDMAWrite, QPN: 0x12d, ByteCount: i})

		c, err := h.reader.TryPoll()
		require.NoError(t, err)
		require.NotNil(t, c, "completion %d", i)
		assert.Equal(t, KindRemoteWrite, c.Kind)
		assert.Equal(t, i, c.ByteLen)
		assert.Equal(t, i+1, h.reader.Index())
		assert.Equal(t, i+1, h.db.ConsumerIndex(), "doorbell published after every harvest")
	}
}

func TestTryPollStaleLapEntryIsNotReconsumed(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpSend, QPN: 1})
	c, err := h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)

	// walk the reader around to slot 0 again; the slot still holds the
	// lap-0 entry, whose ownership no longer matches
	for i := uint32(1); i < 4; i++ {
		h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpSend, QPN: 1})
		c, err = h.reader.TryPoll()
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	c, err = h.reader.TryPoll()
	assert.NoError(t, err)
	assert.Nil(t, c, "the stale entry from the previous lap must not be harvested again")
	assert.Equal(t, uint32(4), h.reader.Index())
}

func TestTryPollRequesterImmediateVariants(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	// requester completions for the _IMM sub-opcodes carry the flag too
	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpRDMAWriteImm, QPN: 1, ByteCount: 8, Immediate: 0xa1})
	c, err := h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRemoteWrite, c.Kind)
	assert.True(t, c.HasImm)
	assert.Equal(t, uint32(0xa1), c.Imm)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpSendImm, QPN: 1, ByteCount: 8, Immediate: 0xa2})
	c, err = h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindSend, c.Kind)
	assert.True(t, c.HasImm)
	assert.Equal(t, uint32(0xa2), c.Imm)

	// the plain variants do not
	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpRDMAWrite, QPN: 1, ByteCount: 8})
	c, err = h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRemoteWrite, c.Kind)
	assert.False(t, c.HasImm)
}

func TestDecodeIsIdempotentUntilConsumed(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQERespSendImm, QPN: 5, ByteCount: 12, Immediate: 0xbead})
	entry := h.cq.Slot(0)
	snapshot := append([]byte(nil), entry...)

	// decoding an unconsumed slot has no side effects; repeated reads see
	// identical bytes and produce identical records
	var first, second mlx5.CQE
	require.NoError(t, first.Parse(entry))
	require.NoError(t, second.Parse(entry))
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, entry)
	assert.Equal(t, uint32(0), h.reader.Index())
	assert.Equal(t, uint32(0), h.db.ConsumerIndex())

	// harvesting afterwards reports the same record
	c, err := h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, first.ByteCount, c.ByteLen)
	assert.Equal(t, first.Immediate, c.Imm)
	assert.Equal(t, snapshot, entry, "harvesting never writes entry memory")
}

func TestTryPollClassifiesResponderCompletions(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQERespSend, QPN: 2, ByteCount: 9})
	c, err := h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRecv, c.Kind)
	assert.False(t, c.HasImm)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQERespSendImm, QPN: 2, ByteCount: 9, Immediate: 0xfeed})
	c, err = h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRecv, c.Kind)
	assert.True(t, c.HasImm)
	assert.Equal(t, uint32(0xfeed), c.Imm)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQERespWrImm, QPN: 2, ByteCount: 16, Immediate: 0xbeef})
	c, err = h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRecvRemoteWriteImm, c.Kind)
	assert.Equal(t, uint32(0xbeef), c.Imm)
}

func TestTryPollHardwareError(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReqErr, QPN: 0x12d})
	c, err := h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StatusHardwareError, c.Status)
	assert.False(t, c.Ok())
	assert.Equal(t, uint8(mlx5.CQEReqErr), c.Syndrome)
	assert.Equal(t, uint32(1), h.db.ConsumerIndex(), "error entries are consumed too")
}

func TestTryPollUnknownOpcodeIsConsumed(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEOpcode(0x9), QPN: 1})
	c, err := h.reader.TryPoll()
	assert.Nil(t, c)

	var unknownErr *UnknownOpcodeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, uint8(0x9), unknownErr.Opcode)
	assert.Equal(t, uint32(0), unknownErr.Index)

	assert.Equal(t, uint32(1), h.reader.Index(), "the bad entry must not wedge the ring")
	assert.Equal(t, uint32(1), h.db.ConsumerIndex())

	// the ring keeps working past it
	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpSend, QPN: 1})
	c, err = h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindSend, c.Kind)
}

func TestPollTimesOut(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride64)

	start := time.Now()
	c, err := h.reader.Poll(10 * time.Millisecond)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestReaderWideStride(t *testing.T) {
	h := newReaderHarness(t, 4, mlx5.Stride128)

	h.produce(t, &mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: mlx5.OpRDMARead, QPN: 3, ByteCount: 32})
	c, err := h.reader.TryPoll()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRemoteRead, c.Kind)
	assert.Equal(t, uint32(32), c.ByteLen)
}

func TestNewCompletionReaderRejectsOddStride(t *testing.T) {
	l := test.NewLogger()
	cq, err := ring.NewBuffer(make([]byte, 4*192), 4, 192)
	require.NoError(t, err)
	db, err := ring.NewDoorbell(make([]byte, ring.DoorbellLen))
	require.NoError(t, err)

	_, err = NewCompletionReader(l, cq, db, nil)
	assert.Error(t, err)
}
