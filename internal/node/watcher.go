package node

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/kawpool/pkg/log"
)

// TemplateHandler consumes templates. It is implemented by the manager.
type TemplateHandler interface {
	HandleTemplate(tmpl *btcjson.GetBlockTemplateResult, update bool) bool
	Prune() int
}

// WatcherConfig sets the watcher's timers. A zero RefreshInterval or
// PruneInterval disables that timer.
type WatcherConfig struct {
	PollInterval    time.Duration
	RefreshInterval time.Duration
	PruneInterval   time.Duration
}

// Watcher feeds templates from the daemon to a TemplateHandler. It polls on
// a fixed interval, fetches immediately when Notify is called (ZMQ
// hashblock), and periodically forces a same-tip refresh so miners pick up
// new transactions.
type Watcher struct {
	rpc     RPC
	handler TemplateHandler
	cfg     WatcherConfig
	logger  *log.Logger
	wake    chan struct{}
}

func NewWatcher(rpc RPC, handler TemplateHandler, cfg WatcherConfig, logger *log.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Watcher{
		rpc:     rpc,
		handler: handler,
		cfg:     cfg,
		logger:  logger.WithComponent("watcher"),
		wake:    make(chan struct{}, 1),
	}
}

// Notify asks the watcher to fetch a template now. It never blocks.
func (w *Watcher) Notify(blockHash string) error {
	select {
	case w.wake <- struct{}{}:
		w.logger.Debug("template fetch requested", "block_hash", blockHash)
	default:
	}
	return nil
}

// Run fetches templates until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("template watcher starting",
		"poll_interval", w.cfg.PollInterval,
		"refresh_interval", w.cfg.RefreshInterval)

	w.fetch(ctx, false)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	refresh := newOptionalTicker(w.cfg.RefreshInterval)
	defer refresh.stop()
	prune := newOptionalTicker(w.cfg.PruneInterval)
	defer prune.stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("template watcher stopping")
			return nil
		case <-w.wake:
			w.fetch(ctx, false)
		case <-poll.C:
			w.fetch(ctx, false)
		case <-refresh.c:
			w.fetch(ctx, true)
		case <-prune.c:
			if n := w.handler.Prune(); n > 0 {
				w.logger.Debug("pruned retired jobs", "count", n)
			}
		}
	}
}

// fetch reports whether the handler produced a new job.
func (w *Watcher) fetch(ctx context.Context, update bool) bool {
	started := time.Now()
	tmpl, err := w.rpc.GetBlockTemplate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Warn("failed to fetch block template")
		}
		return false
	}
	created := w.handler.HandleTemplate(tmpl, update)
	if created {
		w.logger.LogDuration("template_to_job", time.Since(started))
	}
	return created
}

// optionalTicker is a ticker whose channel is nil when disabled, so a
// select on it never fires.
type optionalTicker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newOptionalTicker(d time.Duration) optionalTicker {
	if d <= 0 {
		return optionalTicker{}
	}
	t := time.NewTicker(d)
	return optionalTicker{t: t, c: t.C}
}

func (o optionalTicker) stop() {
	if o.t != nil {
		o.t.Stop()
	}
}
