package rdmacore

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/boom6/rdma-core/mlx5"
	"github.com/boom6/rdma-core/ring"
)

// SimDevice emulates the device side of one loopback queue pair in ordinary
// memory: it consumes send descriptors in posting order, moves bytes between
// registered regions, and produces completion entries with the same ownership
// polarity a real device would. It exists so the host-side data path can be
// driven end to end without hardware.
//
// Divergences from silicon, all deliberate: descriptors are detected by their
// producer index instead of by snooping the trigger register (the trigger's
// write pattern is covered by its own tests), and both requester and responder
// completions land on the one completion ring since loopback has no peer.
type SimDevice struct {
	l *logrus.Logger

	qpn    uint32
	layout Layout

	sq, cq      *ring.Buffer
	db          *ring.Doorbell
	entryOffset uint32
	shared      [][]byte

	sqIndex uint32 // next descriptor to consume
	cqIndex uint32 // completion producer counter

	regions []*MemRegion
	nextKey uint32
	recvs   []simRecv
}

type simRecv struct {
	addr   uint64
	lkey   uint32
	length uint32
}

// MemRegion is a registered slice of host memory. The device refuses any
// access whose key or bounds do not match a registration.
type MemRegion struct {
	base uint64
	buf  []byte
	lkey uint32
	rkey uint32
}

// Addr returns the region's base address as the device sees it.
func (r *MemRegion) Addr() uint64 { return r.base }

// LKey returns the key for local (gather/scatter) access.
func (r *MemRegion) LKey() uint32 { return r.lkey }

// RKey returns the key for remote access.
func (r *MemRegion) RKey() uint32 { return r.rkey }

// NewSimDevice allocates all the shared regions for one queue pair and wires
// a simulated device behind them. Drive the host side through Layout and a
// QueuePair built over it, then call Process to let the device run.
func NewSimDevice(l *logrus.Logger, qpn uint32, sendEntries, sendStride, cqEntries, cqStride, triggerSize uint32) (*SimDevice, error) {
	shared := make([][]byte, 0, 4)
	alloc := func(size uint32) []byte {
		// anonymous mappings only fail under memory pressure; a fake
		// device does not need a graceful path for that
		mem, err := ring.Alloc(int(size))
		if err != nil {
			panic(err)
		}
		shared = append(shared, mem)
		return mem
	}
	freeShared := func() {
		for _, mem := range shared {
			ring.Free(mem)
		}
	}

	layout := Layout{
		QPN:               qpn,
		SendRing:          alloc(sendEntries * sendStride),
		SendEntries:       sendEntries,
		SendStride:        sendStride,
		CompletionRing:    alloc(cqEntries * cqStride),
		CompletionEntries: cqEntries,
		CompletionStride:  cqStride,
		CQDoorbell:        alloc(ring.DoorbellLen),
		Trigger:           alloc(2 * triggerSize),
		TriggerSize:       triggerSize,
	}

	sq, err := ring.NewBuffer(layout.SendRing, sendEntries, sendStride)
	if err != nil {
		freeShared()
		return nil, err
	}
	cq, err := ring.NewBuffer(layout.CompletionRing, cqEntries, cqStride)
	if err != nil {
		freeShared()
		return nil, err
	}
	db, err := ring.NewDoorbell(layout.CQDoorbell)
	if err != nil {
		freeShared()
		return nil, err
	}

	var entryOffset uint32
	switch cqStride {
	case mlx5.Stride64:
	case mlx5.Stride128:
		entryOffset = mlx5.CQELen
	default:
		freeShared()
		return nil, fmt.Errorf("completion ring stride must be %d or %d, got %d", mlx5.Stride64, mlx5.Stride128, cqStride)
	}

	// fresh hardware rings come up with every slot stamped invalid
	for i := uint32(0); i < cqEntries; i++ {
		mlx5.InvalidateSlot(cq.Slot(i)[entryOffset:])
	}

	return &SimDevice{
		l:           l,
		qpn:         qpn,
		layout:      layout,
		sq:          sq,
		cq:          cq,
		db:          db,
		entryOffset: entryOffset,
		shared:      shared,
		nextKey:     0x1f0100,
	}, nil
}

// Close releases the shared regions. The layout and every view over it are
// dead after this.
func (d *SimDevice) Close() error {
	var err error
	for _, mem := range d.shared {
		if e := ring.Free(mem); e != nil && err == nil {
			err = e
		}
	}
	d.shared = nil
	return err
}

// Layout returns the shared memory map for the host side.
func (d *SimDevice) Layout() Layout {
	return d.layout
}

// RegisterMemory grants the device access to buf and returns the keys that
// name it in descriptors.
func (d *SimDevice) RegisterMemory(buf []byte) *MemRegion {
	r := &MemRegion{
		base: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		buf:  buf,
		lkey: d.nextKey,
		rkey: d.nextKey + 1,
	}
	d.nextKey += 2
	d.regions = append(d.regions, r)
	return r
}

// PostRecv queues one receive buffer for incoming sends, consumed in order.
func (d *SimDevice) PostRecv(addr uint64, lkey uint32, length uint32) {
	d.recvs = append(d.recvs, simRecv{addr: addr, lkey: lkey, length: length})
}

// Process consumes every descriptor posted since the last call and emits the
// matching completions. Returns how many descriptors were executed.
func (d *SimDevice) Process() int {
	n := 0
	for {
		slot := d.sq.Slot(d.sqIndex)
		var ctrl mlx5.ControlSeg
		if err := ctrl.Parse(slot); err != nil {
			break
		}
		// a fresh descriptor carries the low 16 bits of the producer
		// counter; a stale or never-written slot does not
		if ctrl.ProducerIndex != uint16(d.sqIndex) || !ctrl.Opcode.Known() {
			break
		}

		d.execute(&ctrl, slot)
		d.sqIndex++
		n++
	}
	return n
}

func (d *SimDevice) execute(ctrl *mlx5.ControlSeg, slot []byte) {
	d.l.WithField("ctrl", ctrl.String()).Debug("Simulated device executing descriptor")

	switch ctrl.Opcode {
	case mlx5.OpRDMAWrite, mlx5.OpRDMAWriteImm, mlx5.OpRDMARead:
		var raddr mlx5.RemoteAddrSeg
		var data mlx5.DataSeg
		if raddr.Parse(slot[mlx5.ControlSegLen:]) != nil || data.Parse(slot[2*mlx5.SegLen:]) != nil {
			d.completeError(mlx5.CQEReqErr)
			return
		}
		local, lerr := d.resolve(data.LKey, data.LocalAddr, data.ByteCount, false)
		remote, rerr := d.resolve(raddr.RKey, raddr.RemoteAddr, data.ByteCount, true)
		if lerr != nil || rerr != nil {
			d.l.WithField("localErr", lerr).WithField("remoteErr", rerr).
				Debug("Simulated device rejecting remote operation")
			d.completeError(mlx5.CQEReqErr)
			return
		}

		if ctrl.Opcode == mlx5.OpRDMARead {
			copy(local, remote)
		} else {
			copy(remote, local)
		}
		d.complete(&mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: ctrl.Opcode, QPN: d.qpn, ByteCount: data.ByteCount, Immediate: ctrl.Immediate})
		if ctrl.Opcode == mlx5.OpRDMAWriteImm {
			d.complete(&mlx5.CQE{Opcode: mlx5.CQERespWrImm, QPN: d.qpn, ByteCount: data.ByteCount, Immediate: ctrl.Immediate})
		}

	case mlx5.OpSend, mlx5.OpSendImm:
		var data mlx5.DataSeg
		if data.Parse(slot[mlx5.ControlSegLen:]) != nil {
			d.completeError(mlx5.CQEReqErr)
			return
		}
		local, err := d.resolve(data.LKey, data.LocalAddr, data.ByteCount, false)
		if err != nil || len(d.recvs) == 0 {
			d.l.WithField("error", err).WithField("recvsQueued", len(d.recvs)).
				Debug("Simulated device rejecting send")
			d.completeError(mlx5.CQEReqErr)
			return
		}

		rq := d.recvs[0]
		d.recvs = d.recvs[1:]
		sink, err := d.resolve(rq.lkey, rq.addr, rq.length, false)
		if err != nil || data.ByteCount > rq.length {
			d.completeError(mlx5.CQEReqErr)
			d.completeError(mlx5.CQERespErr)
			return
		}

		copy(sink, local)
		d.complete(&mlx5.CQE{Opcode: mlx5.CQEReq, SendOpcode: ctrl.Opcode, QPN: d.qpn, ByteCount: data.ByteCount, Immediate: ctrl.Immediate})
		respOp := mlx5.CQERespSend
		if ctrl.Opcode == mlx5.OpSendImm {
			respOp = mlx5.CQERespSendImm
		}
		d.complete(&mlx5.CQE{Opcode: respOp, QPN: d.qpn, ByteCount: data.ByteCount, Immediate: ctrl.Immediate})

	default:
		d.completeError(mlx5.CQEReqErr)
	}
}

// InjectError emits a failed completion out of band.
func (d *SimDevice) InjectError(op mlx5.CQEOpcode) {
	d.completeError(op)
}

// InjectRawOpcode emits a completion entry with an arbitrary opcode nibble,
// for exercising the consumer's unknown-opcode path.
func (d *SimDevice) InjectRawOpcode(op uint8) {
	d.complete(&mlx5.CQE{Opcode: mlx5.CQEOpcode(op & 0xf), QPN: d.qpn})
}

func (d *SimDevice) completeError(op mlx5.CQEOpcode) {
	d.complete(&mlx5.CQE{Opcode: op, QPN: d.qpn})
}

func (d *SimDevice) complete(cqe *mlx5.CQE) {
	// the doorbell record tells the device how far the host has harvested
	if d.cqIndex-d.db.ConsumerIndex() >= d.cq.Entries() {
		d.l.WithField("producerIndex", d.cqIndex).WithField("consumerIndex", d.db.ConsumerIndex()).
			Warn("Completion ring overrun, the host is not harvesting")
	}

	cqe.WQECounter = uint16(d.cqIndex)
	cqe.Owner = d.cq.ExpectedOwner(d.cqIndex)

	entry := d.cq.Slot(d.cqIndex)[d.entryOffset:]
	ring.WriteFence()
	if err := cqe.Encode(entry); err != nil {
		panic(err)
	}
	d.cqIndex++
}

func (d *SimDevice) resolve(key uint32, addr uint64, length uint32, remote bool) ([]byte, error) {
	for _, r := range d.regions {
		k := r.lkey
		if remote {
			k = r.rkey
		}
		if k != key {
			continue
		}
		if addr < r.base || addr+uint64(length) > r.base+uint64(len(r.buf)) {
			return nil, fmt.Errorf("access [0x%x, +%d) outside region [0x%x, +%d)", addr, length, r.base, len(r.buf))
		}
		off := addr - r.base
		return r.buf[off : off+uint64(length)], nil
	}
	return nil, fmt.Errorf("no region registered for key 0x%x", key)
}
