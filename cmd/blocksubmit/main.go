// Package main implements blocksubmit, which submits block candidates found
// by poold to the node and reports the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/kawpool/internal/config"
	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/internal/node"
	"github.com/bardlex/kawpool/pkg/errors"
	"github.com/bardlex/kawpool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting blocksubmit",
		"version", cfg.Version,
		"node_rpc", cfg.NodeRPCAddr(),
	)

	rpc, err := node.NewRPCClient(cfg.NodeRPCAddr(), cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create node RPC client")
		os.Exit(1)
	}
	defer rpc.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rpc.Ping(pingCtx); err != nil {
		pingCancel()
		logger.WithError(err).Error("failed to connect to node")
		os.Exit(1)
	}
	pingCancel()
	logger.Info("connected to node")

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	submitter := NewBlockSubmitter(logger, rpc, kafkaClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := kafkaClient.StartConsumer(ctx, messaging.TopicBlockCandidates,
		cfg.KafkaGroupID+"-blocksubmit", submitter.HandleMessage); err != nil {
		logger.WithError(err).Error("block candidate consumer failed")
		os.Exit(1)
	}

	logger.Info("blocksubmit stopped")
}

// BlockNode submits serialized blocks.
type BlockNode interface {
	SubmitBlock(ctx context.Context, blockHex string) error
}

// BlockSubmitter turns block candidates into submitblock calls and publishes
// one BlockResultMessage per candidate.
type BlockSubmitter struct {
	logger    *log.Logger
	node      BlockNode
	publisher messaging.Publisher
	now       func() time.Time
}

func NewBlockSubmitter(logger *log.Logger, n BlockNode, publisher messaging.Publisher) *BlockSubmitter {
	return &BlockSubmitter{
		logger:    logger.WithComponent("blocksubmit"),
		node:      n,
		publisher: publisher,
		now:       time.Now,
	}
}

// HandleMessage is the Kafka handler for the block candidate topic.
func (bs *BlockSubmitter) HandleMessage(ctx context.Context, msg kafka.Message) error {
	candidate, err := messaging.DecodeBlockCandidate(msg.Value)
	if err != nil {
		return err
	}
	result := bs.Submit(ctx, candidate)
	return bs.publish(ctx, result)
}

// Submit sends the candidate to the node and classifies the outcome. A
// rejection by the node is "rejected"; a transport failure is "failed".
func (bs *BlockSubmitter) Submit(ctx context.Context, c *messaging.BlockCandidateMessage) *messaging.BlockResultMessage {
	logger := bs.logger.WithFields(
		"block_hash", c.BlockHash,
		"height", c.Height,
		"worker", c.WorkerName,
	)

	started := bs.now()
	err := bs.node.SubmitBlock(ctx, c.BlockHex)
	elapsed := bs.now().Sub(started)
	logger.LogDuration("block_submission", elapsed)

	result := messaging.NewBlockResult(c)
	result.SubmittedAt = bs.now()
	result.LatencyMs = float64(elapsed.Microseconds()) / 1e3

	switch {
	case err == nil:
		result.Status = messaging.BlockStatusAccepted
		logger.LogBlockFound(c.BlockHash, c.Height, c.WorkerName, c.ShareDifficulty)
	case errors.IsType(err, errors.ErrorTypeValidation):
		result.Status = messaging.BlockStatusRejected
		result.ErrorMessage = rejectReason(err)
		logger.Warn("block rejected by node", "reason", result.ErrorMessage)
	default:
		result.Status = messaging.BlockStatusFailed
		result.ErrorMessage = err.Error()
		logger.WithError(err).Error("failed to submit block")
	}
	return result
}

func (bs *BlockSubmitter) publish(ctx context.Context, result *messaging.BlockResultMessage) error {
	data, err := messaging.EncodeJSON(result)
	if err != nil {
		return err
	}
	return bs.publisher.Publish(ctx, messaging.TopicBlockResults, result.BlockHash, data)
}

func rejectReason(err error) string {
	if reason, ok := errors.GetContext(err)["reason"].(string); ok && reason != "" {
		return reason
	}
	return err.Error()
}
