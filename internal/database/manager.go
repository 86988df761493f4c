// Package database records pool events across PostgreSQL, Redis and
// InfluxDB. PostgreSQL is the system of record; Redis and InfluxDB writes are
// best effort.
package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bardlex/kawpool/internal/database/influx"
	"github.com/bardlex/kawpool/internal/database/postgres"
	"github.com/bardlex/kawpool/internal/database/redis"
	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/pkg/circuit"
	"github.com/bardlex/kawpool/pkg/errors"
	"github.com/bardlex/kawpool/pkg/log"
	"github.com/bardlex/kawpool/pkg/retry"
)

// HashrateWindow is the span over which pool hashrate is estimated.
const HashrateWindow = 10 * time.Minute

type JobStore interface {
	CreateJob(ctx context.Context, job *postgres.Job) error
}

type ShareStore interface {
	CreateShare(ctx context.Context, share *postgres.Share) error
}

type BlockStore interface {
	UpsertBlock(ctx context.Context, block *postgres.Block) error
	GetRecentBlocks(ctx context.Context, limit, offset int) ([]*postgres.Block, error)
}

// HotStore is the Redis side.
type HotStore interface {
	SetCurrentJob(ctx context.Context, job any) error
	IncrementCounter(ctx context.Context, key string) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	AddShareDifficulty(ctx context.Context, address, shareID string, difficulty float64, at time.Time, window time.Duration) error
	PoolDifficulty(ctx context.Context, window time.Duration) (float64, error)
	SetCache(ctx context.Context, key string, v any, ttl time.Duration) error
	Health(ctx context.Context) error
	Close() error
}

// MetricsStore is the InfluxDB side.
type MetricsStore interface {
	WriteShareMetric(s influx.ShareSample)
	WriteBlockMetric(s influx.BlockSample)
	WritePoolStatsMetric(s influx.PoolSample)
	Flush()
	Health(ctx context.Context) error
	Close()
}

// Stores bundles the backends a Manager writes to.
type Stores struct {
	Jobs    JobStore
	Shares  ShareStore
	Blocks  BlockStore
	Hot     HotStore
	Metrics MetricsStore

	// Health and Close of the system of record.
	Primary interface {
		Health(ctx context.Context) error
		Close() error
	}
}

// Config holds configuration for all database systems.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Manager coordinates writes across the stores.
type Manager struct {
	stores         Stores
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	now            func() time.Time
}

// NewManager connects to every backend and migrates the schema. Clients
// already opened are closed if a later one fails.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	if err := pgClient.Migrate(ctx); err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
			"failed to migrate PostgreSQL schema")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		_ = pgClient.Close()
		_ = redisClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")
	}

	db := pgClient.DB()
	return NewManagerWithStores(Stores{
		Jobs:    postgres.NewJobRepository(db),
		Shares:  postgres.NewShareRepository(db),
		Blocks:  postgres.NewBlockRepository(db),
		Hot:     redisClient,
		Metrics: influxClient,
		Primary: pgClient,
	}, logger), nil
}

// NewManagerWithStores builds a Manager over already-open stores.
func NewManagerWithStores(stores Stores, logger *log.Logger) *Manager {
	return &Manager{
		stores: stores,
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
		now:         time.Now,
	}
}

// Close closes every store and returns the first error.
func (m *Manager) Close() error {
	var firstErr error
	if m.stores.Primary != nil {
		if err := m.stores.Primary.Close(); err != nil {
			firstErr = fmt.Errorf("PostgreSQL close error: %w", err)
		}
	}
	if m.stores.Hot != nil {
		if err := m.stores.Hot.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("redis close error: %w", err)
		}
	}
	if m.stores.Metrics != nil {
		m.stores.Metrics.Close()
	}
	return firstErr
}

// Health checks every store.
func (m *Manager) Health(ctx context.Context) error {
	if m.stores.Primary != nil {
		if err := m.stores.Primary.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if err := m.stores.Hot.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if err := m.stores.Metrics.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}
	return nil
}

// critical runs fn under the breaker with database retries.
func (m *Manager) critical(ctx context.Context, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

// bestEffort logs a failed Redis write without failing the caller.
func (m *Manager) bestEffort(op string, err error) {
	if err != nil {
		m.logger.WithError(err).Warn("non-critical store write failed", "operation", op)
	}
}

// RecordJob persists a job and marks it current.
func (m *Manager) RecordJob(ctx context.Context, msg *messaging.JobMessage) error {
	row := &postgres.Job{
		ID:         msg.JobID,
		Height:     msg.Height,
		PrevHash:   msg.PrevHash,
		HeaderHash: msg.HeaderHash,
		SeedHash:   msg.SeedHash,
		Target:     msg.Target,
		Bits:       msg.Bits,
		CleanJobs:  msg.CleanJobs,
		CreatedAt:  msg.CreatedAt,
	}
	err := m.critical(ctx, func() error {
		if err := m.stores.Jobs.CreateJob(ctx, row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_job",
				"failed to store job in PostgreSQL").
				WithContext("job_id", msg.JobID).
				WithContext("height", msg.Height)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.bestEffort("set_current_job", m.stores.Hot.SetCurrentJob(ctx, msg))
	return nil
}

// RecordShare persists a share result, then updates counters, the hashrate
// window and metrics.
func (m *Manager) RecordShare(ctx context.Context, msg *messaging.ShareMessage) error {
	row := &postgres.Share{
		ID:              msg.ShareID,
		JobID:           msg.JobID,
		Height:          msg.Height,
		SessionID:       msg.SessionID,
		WorkerName:      msg.WorkerName,
		Address:         msg.Address,
		ExtraNonce1:     msg.ExtraNonce1,
		Nonce:           msg.Nonce,
		Accepted:        msg.Accepted,
		ErrorCode:       msg.ErrorCode,
		ErrorMessage:    msg.ErrorMessage,
		Difficulty:      msg.Difficulty,
		ShareDifficulty: msg.ShareDifficulty,
		IsBlock:         msg.IsBlock,
		SubmittedAt:     msg.SubmittedAt,
	}
	err := m.critical(ctx, func() error {
		if err := m.stores.Shares.CreateShare(ctx, row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
				"failed to store share in PostgreSQL").
				WithContext("share_id", msg.ShareID).
				WithContext("worker", msg.WorkerName)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if msg.Accepted {
		_, err := m.stores.Hot.IncrementCounter(ctx, redis.CounterAccepted)
		m.bestEffort("count_accepted", err)
		m.bestEffort("hashrate_window", m.stores.Hot.AddShareDifficulty(ctx,
			msg.Address, msg.ShareID, msg.Difficulty, msg.SubmittedAt, HashrateWindow))
	} else {
		_, err := m.stores.Hot.IncrementCounter(ctx, redis.CounterRejected)
		m.bestEffort("count_rejected", err)
	}

	m.stores.Metrics.WriteShareMetric(influx.ShareSample{
		Address:         msg.Address,
		Worker:          msg.WorkerName,
		Accepted:        msg.Accepted,
		IsBlock:         msg.IsBlock,
		Difficulty:      msg.Difficulty,
		ShareDifficulty: msg.ShareDifficulty,
		At:              msg.SubmittedAt,
	})
	return nil
}

// RecordBlockResult persists a candidate's submission outcome.
func (m *Manager) RecordBlockResult(ctx context.Context, msg *messaging.BlockResultMessage) error {
	row := &postgres.Block{
		CandidateID:       msg.CandidateID,
		ShareID:           msg.ShareID,
		Height:            msg.Height,
		Hash:              msg.BlockHash,
		WorkerName:        msg.WorkerName,
		Address:           msg.Address,
		ShareDifficulty:   msg.ShareDifficulty,
		NetworkDifficulty: msg.NetworkDifficulty,
		Status:            msg.Status,
		ErrorMessage:      msg.ErrorMessage,
		FoundAt:           msg.FoundAt,
	}
	if !msg.SubmittedAt.IsZero() {
		submitted := msg.SubmittedAt
		row.SubmittedAt = &submitted
	}

	err := m.critical(ctx, func() error {
		if err := m.stores.Blocks.UpsertBlock(ctx, row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
				"failed to store block in PostgreSQL").
				WithContext("block_hash", msg.BlockHash).
				WithContext("height", msg.Height)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if msg.Status == messaging.BlockStatusAccepted {
		_, err := m.stores.Hot.IncrementCounter(ctx, redis.CounterBlocks)
		m.bestEffort("count_blocks", err)
	}
	m.bestEffort("cache_block", m.stores.Hot.SetCache(ctx,
		"block:"+strconv.FormatInt(msg.Height, 10), row, 24*time.Hour))

	m.stores.Metrics.WriteBlockMetric(influx.BlockSample{
		Height:            msg.Height,
		Hash:              msg.BlockHash,
		Address:           msg.Address,
		Status:            msg.Status,
		NetworkDifficulty: msg.NetworkDifficulty,
		LatencyMs:         int64(msg.LatencyMs),
		At:                msg.SubmittedAt,
	})
	return nil
}

// PoolStats is the pool-wide view served by the API.
type PoolStats struct {
	Hashrate       float64           `json:"hashrate"`
	WindowDiff     float64           `json:"window_difficulty"`
	AcceptedShares int64             `json:"accepted_shares"`
	RejectedShares int64             `json:"rejected_shares"`
	BlocksFound    int64             `json:"blocks_found"`
	RecentBlocks   []*postgres.Block `json:"recent_blocks"`
	LastUpdated    time.Time         `json:"last_updated"`
}

// Hashrate estimates hashes per second from the difficulty accepted over
// window. A difficulty-1 share represents 2^32 hashes.
func Hashrate(difficulty float64, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return difficulty * 4294967296 / window.Seconds()
}

// GetPoolStats reads counters and the hashrate window from Redis and recent
// blocks from PostgreSQL.
func (m *Manager) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	diff, err := m.stores.Hot.PoolDifficulty(ctx, HashrateWindow)
	m.bestEffort("pool_difficulty", err)
	accepted, err := m.stores.Hot.GetCounter(ctx, redis.CounterAccepted)
	m.bestEffort("get_accepted", err)
	rejected, err := m.stores.Hot.GetCounter(ctx, redis.CounterRejected)
	m.bestEffort("get_rejected", err)
	blocks, err := m.stores.Hot.GetCounter(ctx, redis.CounterBlocks)
	m.bestEffort("get_blocks", err)

	recent, err := m.stores.Blocks.GetRecentBlocks(ctx, 10, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "recent_blocks",
			"failed to get recent blocks")
	}

	return &PoolStats{
		Hashrate:       Hashrate(diff, HashrateWindow),
		WindowDiff:     diff,
		AcceptedShares: accepted,
		RejectedShares: rejected,
		BlocksFound:    blocks,
		RecentBlocks:   recent,
		LastUpdated:    m.now(),
	}, nil
}

// StartPeriodicTasks flushes metrics and writes a pool snapshot on a timer
// until ctx ends.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.stores.Metrics.Flush()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.writePoolSnapshot(ctx)
			}
		}
	}()
}

func (m *Manager) writePoolSnapshot(ctx context.Context) {
	stats, err := m.GetPoolStats(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("failed to get pool stats")
		return
	}
	m.stores.Metrics.WritePoolStatsMetric(influx.PoolSample{
		Hashrate:       stats.Hashrate,
		Accepted:       stats.AcceptedShares,
		Rejected:       stats.RejectedShares,
		Blocks:         stats.BlocksFound,
		WindowDiff:     stats.WindowDiff,
		WindowDuration: HashrateWindow,
		At:             stats.LastUpdated,
	})
}
