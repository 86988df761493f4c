// Package main implements shareproc, which persists the job, share and block
// result streams published by poold and blocksubmit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/remeh/sizedwaitgroup"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/kawpool/internal/api"
	"github.com/bardlex/kawpool/internal/config"
	"github.com/bardlex/kawpool/internal/database"
	"github.com/bardlex/kawpool/internal/database/influx"
	"github.com/bardlex/kawpool/internal/database/postgres"
	"github.com/bardlex/kawpool/internal/database/redis"
	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting shareproc",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to databases")
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	processor := NewShareProcessor(logger, db, cfg.WorkerPoolSize)
	groupID := cfg.KafkaGroupID + "-shareproc"

	db.StartPeriodicTasks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return kafkaClient.StartConsumer(gctx, messaging.TopicJobs, groupID, processor.HandleJob)
	})
	g.Go(func() error {
		defer processor.Wait()
		return kafkaClient.StartConsumer(gctx, messaging.TopicShareResults, groupID, processor.HandleShareAsync)
	})
	g.Go(func() error {
		return kafkaClient.StartConsumer(gctx, messaging.TopicBlockResults, groupID, processor.HandleBlockResult)
	})
	if cfg.APIAddr != "" {
		router := api.NewRouter(api.Deps{Pool: db, Health: db.Health}, logger)
		srv := api.NewServer(cfg.APIAddr, router, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("shareproc failed")
		os.Exit(1)
	}
	logger.Info("shareproc stopped")
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: cfg.WorkerPoolSize,
			MaxIdleConns: cfg.WorkerPoolSize / 2,
		},
		Redis: &redis.Config{
			URL:      cfg.RedisURL,
			PoolSize: cfg.WorkerPoolSize,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}
}

// Recorder persists decoded events.
type Recorder interface {
	RecordJob(ctx context.Context, msg *messaging.JobMessage) error
	RecordShare(ctx context.Context, msg *messaging.ShareMessage) error
	RecordBlockResult(ctx context.Context, msg *messaging.BlockResultMessage) error
}

// ShareProcessor decodes Kafka messages and hands them to a Recorder.
// Share results are recorded on a bounded pool of goroutines; jobs and block
// results are recorded in order on the consumer goroutine.
type ShareProcessor struct {
	logger   *log.Logger
	recorder Recorder
	workers  sizedwaitgroup.SizedWaitGroup
}

func NewShareProcessor(logger *log.Logger, recorder Recorder, workers int) *ShareProcessor {
	if workers <= 0 {
		workers = 1
	}
	return &ShareProcessor{
		logger:   logger.WithComponent("shareproc"),
		recorder: recorder,
		workers:  sizedwaitgroup.New(workers),
	}
}

func (sp *ShareProcessor) HandleJob(ctx context.Context, msg kafka.Message) error {
	var job messaging.JobMessage
	if err := messaging.DecodeJSON(msg.Value, &job); err != nil {
		return err
	}
	return sp.recorder.RecordJob(ctx, &job)
}

func (sp *ShareProcessor) HandleShare(ctx context.Context, msg kafka.Message) error {
	var share messaging.ShareMessage
	if err := messaging.DecodeJSON(msg.Value, &share); err != nil {
		return err
	}
	if err := sp.recorder.RecordShare(ctx, &share); err != nil {
		return err
	}
	sp.logger.Debug("share recorded",
		"share_id", share.ShareID,
		"worker", share.WorkerName,
		"accepted", share.Accepted)
	return nil
}

// HandleShareAsync records the share on a worker and returns once one is
// free. Failures are logged by the worker. In-flight writes outlive ctx so a
// shutdown does not abandon shares already read.
func (sp *ShareProcessor) HandleShareAsync(ctx context.Context, msg kafka.Message) error {
	ctx = context.WithoutCancel(ctx)
	sp.workers.Add()
	go func() {
		defer sp.workers.Done()
		if err := sp.HandleShare(ctx, msg); err != nil {
			sp.logger.WithError(err).Error("failed to record share",
				"key", string(msg.Key), "offset", msg.Offset)
		}
	}()
	return nil
}

// Wait blocks until in-flight shares are recorded.
func (sp *ShareProcessor) Wait() {
	sp.workers.Wait()
}

func (sp *ShareProcessor) HandleBlockResult(ctx context.Context, msg kafka.Message) error {
	var result messaging.BlockResultMessage
	if err := messaging.DecodeJSON(msg.Value, &result); err != nil {
		return err
	}
	sp.logger.Info("block result",
		"block_hash", result.BlockHash,
		"height", result.Height,
		"status", result.Status,
		"latency_ms", result.LatencyMs,
	)
	return sp.recorder.RecordBlockResult(ctx, &result)
}
