package rdmacore

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/boom6/rdma-core/config"
	"github.com/boom6/rdma-core/util"
)

// RunSelfTest drives the full data path against a simulated device: a series
// of remote writes and two-sided sends, each verified byte for byte after its
// completion is harvested. It exists to validate the host-side protocol logic
// on machines without the hardware.
//
// Settings, all optional:
//
//	queue.qpn                 queue number stamped into descriptors
//	queue.send_entries        send ring slots, power of two
//	queue.send_stride         send slot size in bytes
//	queue.completion_entries  completion ring slots, power of two
//	queue.completion_stride   64 or 128
//	queue.trigger_size        trigger register half size
//	selftest.rounds           how many write+send rounds to run
//	selftest.payload          payload size in bytes per operation
func RunSelfTest(l *logrus.Logger, c *config.C) error {
	dev, err := NewSimDevice(l,
		c.GetUint32("queue.qpn", 0x12d),
		c.GetUint32("queue.send_entries", 16),
		c.GetUint32("queue.send_stride", 64),
		c.GetUint32("queue.completion_entries", 16),
		c.GetUint32("queue.completion_stride", 128),
		c.GetUint32("queue.trigger_size", 256),
	)
	if err != nil {
		return util.ContextualizeIfNeeded("Failed to build the simulated device", err)
	}
	defer dev.Close()

	qp, err := NewQueuePair(l, c, dev.Layout())
	if err != nil {
		return util.ContextualizeIfNeeded("Failed to build the queue pair", err)
	}

	payload := c.GetInt("selftest.payload", 64)
	rounds := c.GetInt("selftest.rounds", 3)

	src := dev.RegisterMemory(make([]byte, payload))
	dst := dev.RegisterMemory(make([]byte, payload))

	for round := 0; round < rounds; round++ {
		fill(src.buf, byte(round*2))
		if err := runRemoteWrite(qp, dev, src, dst, round); err != nil {
			return err
		}

		fill(src.buf, byte(round*2+1))
		if err := runSendRecv(qp, dev, src, dst, round); err != nil {
			return err
		}
	}

	l.WithField("rounds", rounds).WithField("payload", payload).
		WithField("posted", qp.Sender().Index()).WithField("harvested", qp.Reader().Index()).
		Info("Self test passed")
	return nil
}

func runRemoteWrite(qp *QueuePair, dev *SimDevice, src, dst *MemRegion, round int) error {
	err := qp.Sender().PostRemoteWrite(dst.Addr(), dst.RKey(), src.Addr(), src.LKey(), uint32(len(src.buf)))
	if err != nil {
		return util.NewContextualError("Failed to post remote write", m{"round": round}, err)
	}
	dev.Process()

	comp, err := qp.Poll()
	if err != nil {
		return util.NewContextualError("No completion for remote write", m{"round": round}, err)
	}
	if !comp.Ok() || comp.Kind != KindRemoteWrite {
		return util.NewContextualError("Unexpected remote write completion", m{"round": round, "completion": comp.String()}, nil)
	}
	if !bytes.Equal(dst.buf, src.buf) {
		return util.NewContextualError("Remote write payload mismatch", m{"round": round}, nil)
	}
	return nil
}

func runSendRecv(qp *QueuePair, dev *SimDevice, src, dst *MemRegion, round int) error {
	dev.PostRecv(dst.Addr(), dst.LKey(), uint32(len(dst.buf)))

	imm := uint32(0xabcd0000 + round)
	err := qp.Sender().PostSendImm(src.Addr(), src.LKey(), uint32(len(src.buf)), imm)
	if err != nil {
		return util.NewContextualError("Failed to post send", m{"round": round}, err)
	}
	dev.Process()

	// the requester completion surfaces first, the responder one after it
	comp, err := qp.Poll()
	if err != nil {
		return util.NewContextualError("No completion for send", m{"round": round}, err)
	}
	if !comp.Ok() || comp.Kind != KindSend {
		return util.NewContextualError("Unexpected send completion", m{"round": round, "completion": comp.String()}, nil)
	}

	comp, err = qp.Poll()
	if err != nil {
		return util.NewContextualError("No completion for receive", m{"round": round}, err)
	}
	if !comp.Ok() || comp.Kind != KindRecv || !comp.HasImm || comp.Imm != imm {
		return util.NewContextualError("Unexpected receive completion", m{"round": round, "completion": comp.String()}, nil)
	}
	if !bytes.Equal(dst.buf, src.buf) {
		return util.NewContextualError("Send payload mismatch", m{"round": round}, nil)
	}
	return nil
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}
