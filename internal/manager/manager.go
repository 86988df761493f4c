// Package manager ties the job tracker, the extranonce allocator and the
// share validator together behind the operations the stratum server and the
// node watcher use.
package manager

import (
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/bardlex/kawpool/internal/config"
	"github.com/bardlex/kawpool/internal/extranonce"
	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/internal/validation"
	"github.com/bardlex/kawpool/pkg/errors"
	"github.com/bardlex/kawpool/pkg/log"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for job timestamps and grace windows.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the job table for one pool instance.
type Manager struct {
	logger    *log.Logger
	tracker   *job.Tracker
	allocator *extranonce.Allocator
	validator *validation.Validator
	notifier  Notifier
	now       func() time.Time

	templates  atomic.Uint64
	jobs       atomic.Uint64
	shares     atomic.Uint64
	accepted   atomic.Uint64
	rejected   atomic.Uint64
	duplicates atomic.Uint64
	stale      atomic.Uint64
	blocks     atomic.Uint64
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	Templates            uint64  `json:"templates"`
	Jobs                 uint64  `json:"jobs"`
	Shares               uint64  `json:"shares"`
	Accepted             uint64  `json:"accepted"`
	Rejected             uint64  `json:"rejected"`
	Duplicates           uint64  `json:"duplicates"`
	Stale                uint64  `json:"stale"`
	Blocks               uint64  `json:"blocks"`
	RetainedJobs         int     `json:"retained_jobs"`
	CurrentJobID         string  `json:"current_job_id,omitempty"`
	CurrentHeight        int64   `json:"current_height,omitempty"`
	NetworkDifficulty    float64 `json:"network_difficulty,omitempty"`
	ExtraNoncesIssued    uint64  `json:"extranonces_issued"`
	ExtraNoncesRemaining uint64  `json:"extranonces_remaining"`
}

// New builds a manager from the pool section of cfg. A nil notifier drops
// events.
func New(cfg *config.Config, logger *log.Logger, hasher pow.Hasher, notifier Notifier, opts ...Option) (*Manager, error) {
	if hasher == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "manager.new", "hasher is required")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	params, err := job.NetworkParams(cfg.Network)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "manager.new", "network")
	}
	recipients := make([]job.Recipient, 0, len(cfg.PoolRecipients))
	for _, r := range cfg.PoolRecipients {
		recipients = append(recipients, job.Recipient{Address: r.Address, Percent: r.Percent})
	}
	jobOpts, err := job.NewOptions(params, cfg.PoolAddress, cfg.PoolSignature, recipients)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "manager.new", "coinbase options")
	}

	size := cfg.ExtraNonceSize
	if size == 0 {
		size = extranonce.DefaultSize
	}
	allocator, err := extranonce.New(size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "manager.new", "extranonce allocator")
	}

	m := &Manager{
		logger:    logger.WithComponent("manager"),
		allocator: allocator,
		validator: validation.NewValidator(hasher, logger),
		notifier:  notifier,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.tracker = job.NewTracker(job.TrackerConfig{
		Options:     jobOpts,
		GracePeriod: cfg.JobGracePeriod,
		MaxRetained: cfg.MaxRetainedJobs,
		Now:         m.now,
	})
	return m, nil
}

// HandleTemplate feeds a node template to the tracker. It reports whether a
// new job was created. update forces a new job for the current tip.
func (m *Manager) HandleTemplate(tmpl *btcjson.GetBlockTemplateResult, update bool) bool {
	m.templates.Inc()

	j, created, err := m.tracker.Update(tmpl, update)
	if err != nil {
		m.logger.WithError(err).Error("failed to build job from template",
			"height", tmpl.Height,
			"prev_hash", tmpl.PreviousHash,
		)
		return false
	}
	if !created {
		return false
	}

	m.jobs.Inc()
	m.logger.WithJob(j.ID, j.Height).Info("new job",
		"clean_jobs", j.CleanJobs,
		"transactions", len(j.Transactions),
		"network_difficulty", j.NetworkDifficulty,
	)
	m.notifier.JobCreated(j)
	return true
}

// HandleShare validates a submission for the job with the given id.
func (m *Manager) HandleShare(jobID uint64, w *validation.Worker, s *validation.Submission) validation.Result {
	entry, _ := m.tracker.Lookup(jobID)

	res := m.validator.Validate(entry, w, s)
	m.shares.Inc()

	event := ShareEvent{
		ID:          uuid.NewString(),
		JobID:       jobID,
		WorkerID:    w.ID,
		WorkerName:  w.Name,
		Address:     w.PrimaryAddress,
		ExtraNonce1: w.ExtraNonce1,
		Nonce:       strings.TrimPrefix(s.Nonce, "0x"),
		Difficulty:  w.Difficulty,
		Timestamp:   m.now(),
	}
	if entry != nil {
		event.Height = entry.Job.Height
	}

	if res.Error != nil {
		m.rejected.Inc()
		switch res.Error {
		case validation.ErrDuplicateShare:
			m.duplicates.Inc()
		case validation.ErrJobNotFound:
			m.stale.Inc()
		}
		event.Code = res.Error.Code
		event.Message = res.Error.Message
		m.logger.LogShareSubmission(w.Name, jobID, w.Difficulty, "rejected: "+res.Error.Message)
		m.notifier.ShareProcessed(event)
		return res
	}

	m.accepted.Inc()
	event.Accepted = true
	event.Difficulty = res.Difficulty
	event.ShareDiff = res.ShareDifficulty
	event.IsBlock = res.IsBlockCandidate
	m.logger.LogShareSubmission(w.Name, jobID, res.Difficulty, "accepted")
	m.notifier.ShareProcessed(event)

	if res.IsBlockCandidate {
		m.blocks.Inc()
		m.logger.LogBlockFound(res.BlockHash, res.Height, w.Name, res.ShareDifficulty)
		m.notifier.BlockFound(BlockEvent{
			ID:                uuid.NewString(),
			ShareID:           event.ID,
			JobID:             jobID,
			Height:            res.Height,
			BlockHash:         res.BlockHash,
			BlockHex:          res.BlockHex,
			WorkerName:        w.Name,
			Address:           w.PrimaryAddress,
			ShareDiff:         res.ShareDifficulty,
			NetworkDifficulty: entry.Job.NetworkDifficulty,
			Timestamp:         event.Timestamp,
		})
	}
	return res
}

// AllocateExtraNonce issues a new session prefix. It fails with
// extranonce.ErrExhausted once the prefix space is used up.
func (m *Manager) AllocateExtraNonce() (string, error) {
	en, err := m.allocator.Allocate()
	if err != nil {
		m.logger.WithError(err).Error("extranonce allocation failed",
			"issued", m.allocator.Issued(),
		)
		return "", err
	}
	return en, nil
}

// Allocator exposes the prefix width and placeholder.
func (m *Manager) Allocator() *extranonce.Allocator {
	return m.allocator
}

// CurrentJob returns the newest job, or nil before the first template.
func (m *Manager) CurrentJob() *job.Job {
	return m.tracker.Current()
}

// Prune reclaims jobs whose grace period has elapsed.
func (m *Manager) Prune() int {
	n := m.tracker.Prune()
	if n > 0 {
		m.logger.Debug("pruned jobs", "count", n, "retained", m.tracker.Len())
	}
	return n
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Templates:            m.templates.Load(),
		Jobs:                 m.jobs.Load(),
		Shares:               m.shares.Load(),
		Accepted:             m.accepted.Load(),
		Rejected:             m.rejected.Load(),
		Duplicates:           m.duplicates.Load(),
		Stale:                m.stale.Load(),
		Blocks:               m.blocks.Load(),
		RetainedJobs:         m.tracker.Len(),
		ExtraNoncesIssued:    m.allocator.Issued(),
		ExtraNoncesRemaining: m.allocator.Remaining(),
	}
	if j := m.tracker.Current(); j != nil {
		s.CurrentJobID = j.IDHex()
		s.CurrentHeight = j.Height
		s.NetworkDifficulty = j.NetworkDifficulty
	}
	return s
}

// ParseJobID parses the hex job id sent by miners.
func ParseJobID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil || id == 0 {
		return 0, errors.Newf(errors.ErrorTypeValidation, "parse_job_id", "invalid job id %q", s)
	}
	return id, nil
}
