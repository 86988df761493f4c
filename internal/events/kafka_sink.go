package events

import (
	"context"
	"strconv"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/pkg/errors"
)

// KafkaSink publishes events to the pool topics. Jobs and shares are JSON;
// block candidates are protobuf Struct envelopes.
type KafkaSink struct {
	publisher messaging.Publisher
}

var _ Sink = (*KafkaSink)(nil)

func NewKafkaSink(publisher messaging.Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) JobCreated(ctx context.Context, j *job.Job) error {
	msg := JobMessage(j)
	return s.publishJSON(ctx, messaging.TopicJobs, msg.JobID, msg)
}

func (s *KafkaSink) ShareProcessed(ctx context.Context, e manager.ShareEvent) error {
	msg := ShareMessage(e)
	return s.publishJSON(ctx, messaging.TopicShareResults, msg.JobID, msg)
}

func (s *KafkaSink) BlockFound(ctx context.Context, e manager.BlockEvent) error {
	msg := BlockCandidateMessage(e)
	envelope, err := msg.ToProto()
	if err != nil {
		return err
	}
	data, err := proto.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal block candidate").
			WithContext("block_hash", e.BlockHash)
	}
	return s.publisher.Publish(ctx, messaging.TopicBlockCandidates, msg.BlockHash, data)
}

func (s *KafkaSink) publishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := messaging.EncodeJSON(v)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, topic, key, data)
}

// JobMessage converts a job to its topic form.
func JobMessage(j *job.Job) *messaging.JobMessage {
	return &messaging.JobMessage{
		JobID:      j.IDHex(),
		Height:     j.Height,
		PrevHash:   j.PrevHash,
		HeaderHash: j.HeaderHashHex(),
		SeedHash:   j.SeedHashHex(),
		Target:     pow.TargetHex(j.Target),
		Bits:       j.Bits,
		CleanJobs:  j.CleanJobs,
		CreatedAt:  j.CreatedAt,
	}
}

// ShareMessage converts a share event to its topic form.
func ShareMessage(e manager.ShareEvent) *messaging.ShareMessage {
	return &messaging.ShareMessage{
		ShareID:         e.ID,
		JobID:           jobIDHex(e.JobID),
		Height:          e.Height,
		SessionID:       e.WorkerID,
		WorkerName:      e.WorkerName,
		Address:         e.Address,
		ExtraNonce1:     e.ExtraNonce1,
		Nonce:           e.Nonce,
		Accepted:        e.Accepted,
		ErrorCode:       e.Code,
		ErrorMessage:    e.Message,
		Difficulty:      e.Difficulty,
		ShareDifficulty: e.ShareDiff,
		IsBlock:         e.IsBlock,
		SubmittedAt:     e.Timestamp,
	}
}

// BlockCandidateMessage converts a block event to its topic form.
func BlockCandidateMessage(e manager.BlockEvent) *messaging.BlockCandidateMessage {
	return &messaging.BlockCandidateMessage{
		CandidateID:       e.ID,
		ShareID:           e.ShareID,
		JobID:             jobIDHex(e.JobID),
		Height:            e.Height,
		BlockHash:         e.BlockHash,
		BlockHex:          e.BlockHex,
		WorkerName:        e.WorkerName,
		Address:           e.Address,
		ShareDifficulty:   e.ShareDiff,
		NetworkDifficulty: e.NetworkDifficulty,
		FoundAt:           e.Timestamp,
	}
}

func jobIDHex(id uint64) string {
	return strconv.FormatUint(id, 16)
}
