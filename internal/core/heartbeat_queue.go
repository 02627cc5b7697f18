package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the ingest queue cannot take more heartbeats.
var ErrQueueFull = BusinessError{"INGEST_001", "heartbeat queue full"}

// HeartbeatQueue feeds heartbeats from message-driven transports into the
// ingest service through a fixed pool of workers.
type HeartbeatQueue struct {
	ingest   *HeartbeatService
	logger   *logrus.Logger
	queue    chan HeartbeatInput
	workers  int
	timeout  time.Duration
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
	stats    queueStats
}

type queueStats struct {
	mu        sync.RWMutex
	processed uint64
	failed    uint64
	dropped   uint64
}

func NewHeartbeatQueue(ingest *HeartbeatService, logger *logrus.Logger, capacity int) *HeartbeatQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &HeartbeatQueue{
		ingest:   ingest,
		logger:   logger,
		queue:    make(chan HeartbeatInput, capacity),
		timeout:  10 * time.Second,
		shutdown: make(chan struct{}),
	}
}

func (q *HeartbeatQueue) Start(workers int) {
	q.workers = workers
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Infof("Started %d heartbeat ingest workers", workers)
}

// Stop drains nothing; queued heartbeats not yet picked up are dropped.
func (q *HeartbeatQueue) Stop() {
	q.once.Do(func() { close(q.shutdown) })
	q.wg.Wait()
}

func (q *HeartbeatQueue) Enqueue(in HeartbeatInput) error {
	select {
	case q.queue <- in:
		return nil
	default:
		q.update(func(s *queueStats) { s.dropped++ })
		return ErrQueueFull
	}
}

func (q *HeartbeatQueue) Stats() map[string]interface{} {
	q.stats.mu.RLock()
	defer q.stats.mu.RUnlock()

	return map[string]interface{}{
		"processed":      q.stats.processed,
		"failed":         q.stats.failed,
		"dropped":        q.stats.dropped,
		"queue_depth":    len(q.queue),
		"queue_capacity": cap(q.queue),
		"workers":        q.workers,
	}
}

func (q *HeartbeatQueue) update(fn func(*queueStats)) {
	q.stats.mu.Lock()
	defer q.stats.mu.Unlock()
	fn(&q.stats)
}

func (q *HeartbeatQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.shutdown:
			return
		case in := <-q.queue:
			q.process(in)
		}
	}
}

func (q *HeartbeatQueue) process(in HeartbeatInput) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if _, err := q.ingest.Ingest(ctx, in, TransportMQTT); err != nil {
		q.logger.WithError(err).WithFields(logrus.Fields{
			"ip_address":  in.IPAddress,
			"mac_address": in.MACAddress,
		}).Error("Failed to ingest queued heartbeat")
		q.update(func(s *queueStats) { s.failed++ })
		return
	}
	q.update(func(s *queueStats) { s.processed++ })
}
