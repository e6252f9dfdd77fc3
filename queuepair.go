package rdmacore

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boom6/rdma-core/config"
	"github.com/boom6/rdma-core/mlx5"
	"github.com/boom6/rdma-core/ring"
)

// DefaultPollTimeout bounds how long a blocking poll spins before giving up.
const DefaultPollTimeout = 5 * time.Second

// Layout describes the shared memory regions of one queue pair, as handed out
// by whatever opened the device. All slices alias device-visible memory; the
// queue pair takes ownership of their contents but never of their allocation.
type Layout struct {
	QPN uint32

	SendRing    []byte
	SendEntries uint32
	SendStride  uint32

	CompletionRing    []byte
	CompletionEntries uint32
	CompletionStride  uint32

	CQDoorbell []byte

	Trigger     []byte
	TriggerSize uint32
}

// QueuePair ties a send poster and a completion reader to one queue's memory
// and keeps the in-flight accounting between them honest: every harvested
// requester completion releases one send slot. It inherits the halves'
// threading contract, one driving goroutine, no locks.
type QueuePair struct {
	l      *logrus.Logger
	reader *CompletionReader
	sender *SendPoster

	pollTimeout time.Duration
}

// NewQueuePair builds a queue pair over layout. Settings are read from c:
//
//	queue.poll_timeout  bound for blocking polls, default 5s
//	stats.queue_metrics count data path events per kind, default false
func NewQueuePair(l *logrus.Logger, c *config.C, layout Layout) (*QueuePair, error) {
	sq, err := ring.NewBuffer(layout.SendRing, layout.SendEntries, layout.SendStride)
	if err != nil {
		return nil, fmt.Errorf("send ring: %w", err)
	}
	cq, err := ring.NewBuffer(layout.CompletionRing, layout.CompletionEntries, layout.CompletionStride)
	if err != nil {
		return nil, fmt.Errorf("completion ring: %w", err)
	}
	db, err := ring.NewDoorbell(layout.CQDoorbell)
	if err != nil {
		return nil, err
	}
	trigger, err := ring.NewTrigger(layout.Trigger, layout.TriggerSize)
	if err != nil {
		return nil, err
	}

	var qm *QueueMetrics
	if c.GetBool("stats.queue_metrics", false) {
		qm = newQueueMetrics()
	}

	reader, err := NewCompletionReader(l, cq, db, qm)
	if err != nil {
		return nil, err
	}

	return &QueuePair{
		l:           l,
		reader:      reader,
		sender:      NewSendPoster(l, sq, trigger, layout.QPN, qm),
		pollTimeout: c.GetDuration("queue.poll_timeout", DefaultPollTimeout),
	}, nil
}

// Sender returns the posting half.
func (qp *QueuePair) Sender() *SendPoster {
	return qp.sender
}

// Reader returns the harvesting half.
func (qp *QueuePair) Reader() *CompletionReader {
	return qp.reader
}

// TryPoll harvests at most one completion without waiting and settles the
// send-side accounting for it.
func (qp *QueuePair) TryPoll() (*Completion, error) {
	c, err := qp.reader.TryPoll()
	qp.settle(c)
	return c, err
}

// Poll harvests one completion, spinning up to the configured poll timeout,
// and settles the send-side accounting for it.
func (qp *QueuePair) Poll() (*Completion, error) {
	c, err := qp.reader.Poll(qp.pollTimeout)
	qp.settle(c)
	return c, err
}

// settle releases a send slot for completions that close out a posted
// descriptor: successful requester completions and requester errors. Responder
// completions consume receive credits, not send slots.
func (qp *QueuePair) settle(c *Completion) {
	if c == nil {
		return
	}
	switch {
	case c.Status == StatusOK &&
		(c.Kind == KindSend || c.Kind == KindRemoteWrite || c.Kind == KindRemoteRead):
		qp.sender.CompletionObserved()
	case c.Status == StatusHardwareError && c.Syndrome == uint8(mlx5.CQEReqErr):
		qp.sender.CompletionObserved()
	}
}
