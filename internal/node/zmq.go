package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/kawpool/pkg/log"
)

const (
	TopicHashBlock = "hashblock"
	TopicRawBlock  = "rawblock"

	pollInterval = 250 * time.Millisecond
)

// ZMQNotifier subscribes to the daemon's ZMQ publisher.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers each multipart message to handler until ctx ends. Handler
// errors are logged and do not stop the loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			z.logger.WithError(err).Error("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockHandler turns hashblock notifications into calls to OnBlock.
type BlockHandler struct {
	logger  *log.Logger
	OnBlock func(blockHash string) error
}

func NewBlockHandler(logger *log.Logger, onBlock func(blockHash string) error) *BlockHandler {
	return &BlockHandler{logger: logger.WithComponent("zmq"), OnBlock: onBlock}
}

// HandleMessage accepts a topic and its payload as published by the daemon.
func (h *BlockHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		// The daemon publishes the hash in display order already.
		blockHash := hex.EncodeToString(data)
		h.logger.Info("new block notification", "hash", blockHash)
		if h.OnBlock != nil {
			return h.OnBlock(blockHash)
		}
	case TopicRawBlock:
		h.logger.Debug("raw block notification", "size", len(data))
	default:
		h.logger.Warn("unknown ZMQ topic", "topic", topic)
	}
	return nil
}
