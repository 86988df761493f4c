// Package events moves manager events off the hot path: the manager hands
// them to a Dispatcher, which delivers them to sinks from a bounded pool of
// workers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/atomic"

	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
	"github.com/bardlex/kawpool/pkg/log"
)

// Sink receives events on a dispatcher worker. Calls may block.
type Sink interface {
	JobCreated(ctx context.Context, j *job.Job) error
	ShareProcessed(ctx context.Context, e manager.ShareEvent) error
	BlockFound(ctx context.Context, e manager.BlockEvent) error
}

type kind int

const (
	kindJob kind = iota
	kindShare
	kindBlock
)

func (k kind) String() string {
	switch k {
	case kindJob:
		return "job"
	case kindShare:
		return "share"
	default:
		return "block"
	}
}

type event struct {
	kind  kind
	job   *job.Job
	share manager.ShareEvent
	block manager.BlockEvent
}

// Config sizes the dispatcher.
type Config struct {
	QueueSize int
	Workers   int
	// SinkTimeout bounds one sink call. Zero means ten seconds.
	SinkTimeout time.Duration
}

// Stats counts dispatcher traffic.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

// Dispatcher implements manager.Notifier. Job and share events are dropped
// when the queue is full or the dispatcher has stopped; block events never
// are. A block that does not fit in the queue, or arrives after Run has
// returned, is delivered directly.
type Dispatcher struct {
	logger  *log.Logger
	sinks   []Sink
	queue   chan event
	workers int
	timeout time.Duration

	// blocks that did not fit in the queue
	overflow sizedwaitgroup.SizedWaitGroup
	started  atomic.Bool

	// stopMu orders enqueues against the final drain in Run.
	stopMu  sync.RWMutex
	stopped bool

	queued    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

var _ manager.Notifier = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, logger *log.Logger, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	return &Dispatcher{
		logger:   logger.WithComponent("events"),
		sinks:    sinks,
		queue:    make(chan event, cfg.QueueSize),
		workers:  cfg.Workers,
		timeout:  cfg.SinkTimeout,
		overflow: sizedwaitgroup.New(cfg.Workers),
	}
}

func (d *Dispatcher) JobCreated(j *job.Job) {
	d.enqueue(event{kind: kindJob, job: j})
}

func (d *Dispatcher) ShareProcessed(e manager.ShareEvent) {
	d.enqueue(event{kind: kindShare, share: e})
}

func (d *Dispatcher) BlockFound(e manager.BlockEvent) {
	ev := event{kind: kindBlock, block: e}

	d.stopMu.RLock()
	if d.stopped {
		d.stopMu.RUnlock()
		d.logger.Warn("dispatcher stopped, delivering block directly", "block_hash", e.BlockHash)
		d.queued.Inc()
		d.deliver(context.Background(), ev)
		return
	}
	defer d.stopMu.RUnlock()

	select {
	case d.queue <- ev:
		d.queued.Inc()
	default:
		d.logger.Warn("event queue full, delivering block directly", "block_hash", e.BlockHash)
		d.queued.Inc()
		d.overflow.Add()
		go func() {
			defer d.overflow.Done()
			d.deliver(context.Background(), ev)
		}()
	}
}

func (d *Dispatcher) enqueue(ev event) {
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		d.dropped.Inc()
		return
	}
	select {
	case d.queue <- ev:
		d.queued.Inc()
	default:
		d.dropped.Inc()
		d.logger.Warn("event queue full, dropping event", "kind", ev.kind.String())
	}
}

// Run drains the queue with the configured number of workers until ctx
// ends, then delivers what is still queued before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CAS(false, true) {
		return nil
	}
	d.logger.Info("event dispatcher starting", "workers", d.workers, "queue_size", cap(d.queue))

	swg := sizedwaitgroup.New(d.workers)
	for {
		select {
		case <-ctx.Done():
			d.stopMu.Lock()
			d.stopped = true
			d.stopMu.Unlock()
			d.drain(&swg)
			swg.Wait()
			d.overflow.Wait()
			d.logger.Info("event dispatcher stopped", "delivered", d.delivered.Load())
			return nil
		case ev := <-d.queue:
			swg.Add()
			go func() {
				defer swg.Done()
				d.deliver(context.Background(), ev)
			}()
		}
	}
}

func (d *Dispatcher) drain(swg *sizedwaitgroup.SizedWaitGroup) {
	for {
		select {
		case ev := <-d.queue:
			swg.Add()
			go func() {
				defer swg.Done()
				d.deliver(context.Background(), ev)
			}()
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev event) {
	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		var err error
		switch ev.kind {
		case kindJob:
			err = sink.JobCreated(sinkCtx, ev.job)
		case kindShare:
			err = sink.ShareProcessed(sinkCtx, ev.share)
		case kindBlock:
			err = sink.BlockFound(sinkCtx, ev.block)
		}
		cancel()

		if err != nil {
			d.failed.Inc()
			d.logger.WithError(err).Error("failed to deliver event", "kind", ev.kind.String())
			continue
		}
		d.delivered.Inc()
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
		Pending:   len(d.queue),
	}
}
