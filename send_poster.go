package rdmacore

import (
	"github.com/sirupsen/logrus"

	"github.com/boom6/rdma-core/mlx5"
	"github.com/boom6/rdma-core/ring"
)

// SendPoster builds send descriptors directly in ring memory and hands them to
// the device through the trigger register. It owns the producer counter and
// the trigger alternation, so like the reader it is single-goroutine by
// contract.
//
// Every descriptor requests a completion, and the poster refuses to post while
// as many descriptors are in flight as the ring has slots. The caller reports
// harvested send completions back through CompletionObserved; the queue pair
// does this wiring.
type SendPoster struct {
	l       *logrus.Logger
	sq      *ring.Buffer
	trigger *ring.Trigger
	metrics *QueueMetrics

	qpn uint32

	// monotonic producer counter. The control segment carries its low 16
	// bits; slot selection masks the full value.
	index    uint32
	inflight uint32
}

// NewSendPoster wraps a send ring and its trigger register for queue qpn.
// metrics may be nil.
func NewSendPoster(l *logrus.Logger, sq *ring.Buffer, trigger *ring.Trigger, qpn uint32, metrics *QueueMetrics) *SendPoster {
	return &SendPoster{
		l:       l,
		sq:      sq,
		trigger: trigger,
		metrics: metrics,
		qpn:     qpn,
	}
}

// PostRemoteWrite posts an RDMA write of length bytes from local memory at
// localAddr/lkey into remote memory at remoteAddr/rkey.
func (p *SendPoster) PostRemoteWrite(remoteAddr uint64, rkey uint32, localAddr uint64, lkey uint32, length uint32) error {
	return p.post(mlx5.OpRDMAWrite, 0,
		&mlx5.RemoteAddrSeg{RemoteAddr: remoteAddr, RKey: rkey},
		&mlx5.DataSeg{ByteCount: length, LKey: lkey, LocalAddr: localAddr})
}

// PostRemoteWriteImm is PostRemoteWrite plus an immediate value delivered to
// the remote receive queue.
func (p *SendPoster) PostRemoteWriteImm(remoteAddr uint64, rkey uint32, localAddr uint64, lkey uint32, length uint32, imm uint32) error {
	return p.post(mlx5.OpRDMAWriteImm, imm,
		&mlx5.RemoteAddrSeg{RemoteAddr: remoteAddr, RKey: rkey},
		&mlx5.DataSeg{ByteCount: length, LKey: lkey, LocalAddr: localAddr})
}

// PostRemoteRead posts an RDMA read of length bytes from remote memory at
// remoteAddr/rkey into local memory at localAddr/lkey.
func (p *SendPoster) PostRemoteRead(remoteAddr uint64, rkey uint32, localAddr uint64, lkey uint32, length uint32) error {
	return p.post(mlx5.OpRDMARead, 0,
		&mlx5.RemoteAddrSeg{RemoteAddr: remoteAddr, RKey: rkey},
		&mlx5.DataSeg{ByteCount: length, LKey: lkey, LocalAddr: localAddr})
}

// PostSend posts a two-sided send of length bytes from localAddr/lkey. The
// peer must have a receive posted.
func (p *SendPoster) PostSend(localAddr uint64, lkey uint32, length uint32) error {
	return p.post(mlx5.OpSend, 0, nil,
		&mlx5.DataSeg{ByteCount: length, LKey: lkey, LocalAddr: localAddr})
}

// PostSendImm is PostSend with an immediate value.
func (p *SendPoster) PostSendImm(localAddr uint64, lkey uint32, length uint32, imm uint32) error {
	return p.post(mlx5.OpSendImm, imm, nil,
		&mlx5.DataSeg{ByteCount: length, LKey: lkey, LocalAddr: localAddr})
}

func (p *SendPoster) post(op mlx5.Opcode, imm uint32, raddr *mlx5.RemoteAddrSeg, data *mlx5.DataSeg) error {
	if p.inflight >= p.sq.Entries() {
		p.metrics.RingFull()
		return ErrRingFull
	}

	ds := uint8(2)
	if raddr != nil {
		ds = 3
	}
	if uint32(ds)*mlx5.SegLen > p.sq.Stride() {
		return ErrDescriptorTooLarge
	}

	slot := p.sq.Slot(p.index)
	ctrl := mlx5.ControlSeg{
		ProducerIndex: uint16(p.index),
		Opcode:        op,
		QPN:           p.qpn,
		DS:            ds,
		FmCeSe:        mlx5.CtrlCQUpdate,
		Immediate:     imm,
	}
	if err := ctrl.Encode(slot); err != nil {
		return err
	}
	next := slot[mlx5.ControlSegLen:]
	if raddr != nil {
		if err := raddr.Encode(next); err != nil {
			return err
		}
		next = next[mlx5.RemoteAddrSegLen:]
	}
	if err := data.Encode(next); err != nil {
		return err
	}

	// the full descriptor must be visible before the trigger write lands
	ring.WriteFence()
	p.trigger.Ring(slot)

	p.index++
	p.inflight++
	p.metrics.Posted(op)

	if p.l.IsLevelEnabled(logrus.DebugLevel) {
		p.l.WithField("ctrl", ctrl.String()).Debug("Posted send descriptor")
	}
	return nil
}

// CompletionObserved releases one in-flight slot. Call it once per harvested
// completion that closes out a descriptor from this queue, successful or not.
func (p *SendPoster) CompletionObserved() {
	if p.inflight > 0 {
		p.inflight--
	}
}

// Inflight returns the number of posted descriptors not yet completed.
func (p *SendPoster) Inflight() uint32 {
	return p.inflight
}

// Index returns the producer counter, which counts every descriptor posted.
func (p *SendPoster) Index() uint32 {
	return p.index
}
