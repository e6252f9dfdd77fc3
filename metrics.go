package rdmacore

import (
	"github.com/rcrowley/go-metrics"

	"github.com/boom6/rdma-core/mlx5"
)

// QueueMetrics counts data path events for one queue pair. Every method
// tolerates a nil receiver so callers that do not care about metrics can pass
// nil and keep the hot path branch-free of registry lookups.
type QueueMetrics struct {
	harvested map[Kind]metrics.Counter

	hardwareErrors metrics.Counter
	unknownOpcodes metrics.Counter
	pollTimeouts   metrics.Counter

	posted   map[mlx5.Opcode]metrics.Counter
	ringFull metrics.Counter
}

func newQueueMetrics() *QueueMetrics {
	h := map[Kind]metrics.Counter{}
	for k, name := range kindMap {
		h[k] = metrics.GetOrRegisterCounter("completions.harvested."+name, nil)
	}

	p := map[mlx5.Opcode]metrics.Counter{}
	for op, name := range map[mlx5.Opcode]string{
		mlx5.OpSend:         "send",
		mlx5.OpSendImm:      "sendImm",
		mlx5.OpRDMAWrite:    "rdmaWrite",
		mlx5.OpRDMAWriteImm: "rdmaWriteImm",
		mlx5.OpRDMARead:     "rdmaRead",
	} {
		p[op] = metrics.GetOrRegisterCounter("sends.posted."+name, nil)
	}

	return &QueueMetrics{
		harvested:      h,
		hardwareErrors: metrics.GetOrRegisterCounter("completions.hardware_errors", nil),
		unknownOpcodes: metrics.GetOrRegisterCounter("completions.unknown_opcodes", nil),
		pollTimeouts:   metrics.GetOrRegisterCounter("completions.poll_timeouts", nil),
		posted:         p,
		ringFull:       metrics.GetOrRegisterCounter("sends.ring_full", nil),
	}
}

func (qm *QueueMetrics) Harvested(k Kind) {
	if qm == nil {
		return
	}
	if c, ok := qm.harvested[k]; ok {
		c.Inc(1)
	}
}

func (qm *QueueMetrics) HardwareError() {
	if qm == nil {
		return
	}
	qm.hardwareErrors.Inc(1)
}

func (qm *QueueMetrics) UnknownOpcode() {
	if qm == nil {
		return
	}
	qm.unknownOpcodes.Inc(1)
}

func (qm *QueueMetrics) PollTimeout() {
	if qm == nil {
		return
	}
	qm.pollTimeouts.Inc(1)
}

func (qm *QueueMetrics) Posted(op mlx5.Opcode) {
	if qm == nil {
		return
	}
	if c, ok := qm.posted[op]; ok {
		c.Inc(1)
	}
}

func (qm *QueueMetrics) RingFull() {
	if qm == nil {
		return
	}
	qm.ringFull.Inc(1)
}
