package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// PoolConfig sizes the event sender.
type PoolConfig struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

const (
	minWorkers      = 8
	maxWorkers      = 64
	workersPerCPU   = 8
	bufferPerWorker = 128
)

// DefaultPoolConfig derives a pool size from the CPU count.
func DefaultPoolConfig(cpu int) PoolConfig {
	workers := cpu * workersPerCPU
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return PoolConfig{
		Workers:        workers,
		Buffer:         workers * bufferPerWorker,
		EnqueueTimeout: 60 * time.Second,
		HandoffTimeout: 15 * time.Millisecond,
	}
}

type eventJob struct {
	event domain.Event
}

// eventSender publishes task events from a bounded worker pool. When the
// buffer stays full past the handoff timeout the caller publishes inline.
type eventSender struct {
	publisher      EventPublisher
	log            *log.Logger
	jobs           chan eventJob
	enqueueTimeout time.Duration
	handoffTimeout time.Duration
	wg             sync.WaitGroup
	closeOnce      sync.Once
}

func newEventSender(publisher EventPublisher, logger *log.Logger, cfg PoolConfig) *eventSender {
	if logger == nil {
		panic("Logger is not initialized")
	}
	defaults := DefaultPoolConfig(1)
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaults.EnqueueTimeout
	}

	s := &eventSender{
		publisher:      publisher,
		log:            logger,
		jobs:           make(chan eventJob, cfg.Buffer),
		enqueueTimeout: cfg.EnqueueTimeout,
		handoffTimeout: cfg.HandoffTimeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("event sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.EnqueueTimeout, cfg.HandoffTimeout)
	return s
}

func (s *eventSender) worker(id int) {
	defer s.wg.Done()
	for j := range s.jobs {
		if err := s.publish(j.event); err != nil {
			s.log.Errorf("publish failed, err: %v, user: %s, event: %s, worker: %d", err, j.event.UserID, j.event.Type, id)
		}
	}
}

func (s *eventSender) publish(ev domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.enqueueTimeout)
	defer cancel()
	return s.publisher.PublishEvent(ctx, ev)
}

// Send hands ev to the pool, or publishes it inline when the pool is saturated.
func (s *eventSender) Send(ev domain.Event) error {
	if s.tryEnqueue(eventJob{event: ev}) {
		return nil
	}
	s.log.Warn("event buffer saturated; publishing inline")
	return s.publish(ev)
}

func (s *eventSender) tryEnqueue(job eventJob) bool {
	if s.jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(s.jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if s.handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(s.handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(s.jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

// Close stops accepting events and waits for queued ones to be published.
func (s *eventSender) Close() {
	s.closeOnce.Do(func() {
		close(s.jobs)
	})
	s.wg.Wait()
}

func trySendNonBlocking(ch chan eventJob, job eventJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan eventJob, job eventJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
