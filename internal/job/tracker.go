package job

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/gammazero/deque"
	"go.uber.org/atomic"
)

// Default retention settings.
const (
	DefaultGracePeriod = 30 * time.Second
	DefaultMaxRetained = 16
)

// Entry is a tracked job with its duplicate set. Entries are read by share
// validation after Lookup returns, so supersession is stored atomically.
type Entry struct {
	Job         *Job
	Submissions *SubmissionSet

	// unix nanoseconds, 0 while on the current tip
	supersededAt atomic.Int64
}

// Superseded reports whether a newer chain tip replaced this job.
func (e *Entry) Superseded() bool {
	return e.supersededAt.Load() != 0
}

// SupersededAt is the zero time for jobs on the current tip.
func (e *Entry) SupersededAt() time.Time {
	n := e.supersededAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (e *Entry) supersede(at time.Time) {
	n := at.UnixNano()
	if n == 0 {
		n = 1
	}
	e.supersededAt.CAS(0, n)
}

// expired reports whether the entry was superseded at least grace before now.
func (e *Entry) expired(now time.Time, grace time.Duration) bool {
	return e.Superseded() && now.Sub(e.SupersededAt()) >= grace
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Options     *Options
	GracePeriod time.Duration
	MaxRetained int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Tracker decides which templates become jobs and keeps the job table.
type Tracker struct {
	opts        *Options
	grace       time.Duration
	maxRetained int
	now         func() time.Time

	// updateMu serializes Update so jobs can be built outside mu.
	updateMu sync.Mutex

	mu      sync.RWMutex
	lastID  uint64
	current *Job
	jobs    map[uint64]*Entry
	order   *deque.Deque[uint64]
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = DefaultMaxRetained
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		opts:        cfg.Options,
		grace:       cfg.GracePeriod,
		maxRetained: cfg.MaxRetained,
		now:         cfg.Now,
		jobs:        make(map[uint64]*Entry),
		order:       deque.New[uint64](),
	}
}

// Update ingests a template and reports whether it produced a new job.
//
// A template on the current tip only produces a job when update is set; the
// new job is not clean and earlier jobs on the tip stay valid. A template on
// a different tip must have a greater height than the current job; its job
// is clean and every retained job is superseded.
func (t *Tracker) Update(tmpl *btcjson.GetBlockTemplateResult, update bool) (*Job, bool, error) {
	if tmpl == nil {
		return nil, false, nil
	}

	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	t.mu.RLock()
	current, nextID := t.current, t.lastID+1
	t.mu.RUnlock()

	clean := true
	if current != nil {
		if tmpl.PreviousHash == current.PrevHash {
			if !update {
				return nil, false, nil
			}
			clean = false
		} else if tmpl.Height <= current.Height {
			return nil, false, nil
		}
	}

	now := t.now()
	j, err := New(nextID, tmpl, t.opts, clean, now)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	if clean {
		for _, e := range t.jobs {
			e.supersede(now)
		}
	}
	t.lastID = nextID
	t.current = j
	t.jobs[j.ID] = &Entry{Job: j, Submissions: NewSubmissionSet()}
	t.order.PushBack(j.ID)
	t.pruneLocked(now)
	t.mu.Unlock()

	return j, true, nil
}

// Lookup returns the entry for id if it is on the current tip or was
// superseded less than the grace period ago.
func (t *Tracker) Lookup(id uint64) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	if e.expired(t.now(), t.grace) {
		return nil, false
	}
	return e, true
}

// Current returns the newest job, or nil before the first template.
func (t *Tracker) Current() *Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Len returns the number of retained jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// Prune drops expired and excess jobs and returns how many were removed.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(t.now())
}

// pruneLocked walks jobs oldest first. Superseded jobs past grace are
// removed, and the oldest jobs are removed while more than maxRetained
// remain. The current job is never removed.
func (t *Tracker) pruneLocked(now time.Time) int {
	removed := 0
	for t.order.Len() > 0 {
		id := t.order.Front()
		if t.current != nil && id == t.current.ID {
			break
		}
		e := t.jobs[id]
		expired := e == nil || e.expired(now, t.grace)
		if !expired && len(t.jobs) <= t.maxRetained {
			break
		}
		t.order.PopFront()
		delete(t.jobs, id)
		removed++
	}
	return removed
}
