// Package messaging carries pool events between poold, shareproc and
// blocksubmit over Kafka.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kawpool/pkg/circuit"
	"github.com/bardlex/kawpool/pkg/errors"
	"github.com/bardlex/kawpool/pkg/log"
	"github.com/bardlex/kawpool/pkg/retry"
)

// Publisher writes a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Handler processes one consumed message.
type Handler func(ctx context.Context, msg kafka.Message) error

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient keeps one writer per topic and one reader per topic and group.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
}

var _ Publisher = (*KafkaClient)(nil)

func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]messageWriter),
		readers: make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// producer returns the cached writer for topic, creating it on first use.
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// Consumer returns the cached reader for topic and groupID.
func (k *KafkaClient) Consumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()
	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// Publish writes value to topic under key.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, value []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: value,
				Time:  time.Now(),
			}
			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(value))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(value))
			return nil
		})
	})
}

// PublishJSON encodes v with sonic and publishes it.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	return k.Publish(ctx, topic, key, data)
}

// PublishProto marshals msg and publishes it.
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.Publish(ctx, topic, key, data)
}

// StartConsumer reads topic as groupID and hands each message to handler
// until ctx ends. Handler errors are logged; the offset is committed
// regardless so a poison message cannot stall the group.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler Handler) error {
	reader := k.Consumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("consumer stopping", "topic", topic)
				return nil
			}
			k.logger.WithError(err).Error("failed to read message", "topic", topic)
			continue
		}

		if err := handler(ctx, msg); err != nil {
			k.logger.WithError(err).Error("failed to handle message",
				"topic", topic, "key", string(msg.Key), "offset", msg.Offset)
		}
	}
}

// Close closes every producer and consumer.
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()
	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}
	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
