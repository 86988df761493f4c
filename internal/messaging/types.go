package messaging

import (
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/kawpool/pkg/errors"
)

// JobMessage announces a job created from a template.
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Height     int64     `json:"height"`
	PrevHash   string    `json:"prev_hash"`
	HeaderHash string    `json:"header_hash"`
	SeedHash   string    `json:"seed_hash"`
	Target     string    `json:"target"`
	Bits       string    `json:"bits"`
	CleanJobs  bool      `json:"clean_jobs"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShareMessage is the outcome of one mining.submit.
type ShareMessage struct {
	ShareID         string    `json:"share_id"`
	JobID           string    `json:"job_id"`
	Height          int64     `json:"height"`
	SessionID       string    `json:"session_id"`
	WorkerName      string    `json:"worker_name"`
	Address         string    `json:"address"`
	ExtraNonce1     string    `json:"extranonce1"`
	Nonce           string    `json:"nonce"`
	Accepted        bool      `json:"accepted"`
	ErrorCode       int       `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Difficulty      float64   `json:"difficulty"`
	ShareDifficulty float64   `json:"share_difficulty"`
	IsBlock         bool      `json:"is_block"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// BlockCandidateMessage carries a serialized block for submission. It goes
// over the wire as a protobuf Struct.
type BlockCandidateMessage struct {
	CandidateID       string    `json:"candidate_id"`
	ShareID           string    `json:"share_id"`
	JobID             string    `json:"job_id"`
	Height            int64     `json:"height"`
	BlockHash         string    `json:"block_hash"`
	BlockHex          string    `json:"block_hex"`
	WorkerName        string    `json:"worker_name"`
	Address           string    `json:"address"`
	ShareDifficulty   float64   `json:"share_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	FoundAt           time.Time `json:"found_at"`
}

// BlockResultMessage reports what the node said about a candidate.
type BlockResultMessage struct {
	CandidateID       string    `json:"candidate_id"`
	ShareID           string    `json:"share_id"`
	BlockHash         string    `json:"block_hash"`
	Height            int64     `json:"height"`
	WorkerName        string    `json:"worker_name"`
	Address           string    `json:"address"`
	ShareDifficulty   float64   `json:"share_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	Status            string    `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	FoundAt           time.Time `json:"found_at"`
	SubmittedAt       time.Time `json:"submitted_at"`
	LatencyMs         float64   `json:"latency_ms"`
}

// NewBlockResult starts a result for candidate c.
func NewBlockResult(c *BlockCandidateMessage) *BlockResultMessage {
	return &BlockResultMessage{
		CandidateID:       c.CandidateID,
		ShareID:           c.ShareID,
		BlockHash:         c.BlockHash,
		Height:            c.Height,
		WorkerName:        c.WorkerName,
		Address:           c.Address,
		ShareDifficulty:   c.ShareDifficulty,
		NetworkDifficulty: c.NetworkDifficulty,
		FoundAt:           c.FoundAt,
	}
}

// EncodeJSON marshals v with sonic.
func EncodeJSON(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal message")
	}
	return data, nil
}

// DecodeJSON unmarshals data into v with sonic.
func DecodeJSON(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal",
			"failed to unmarshal message").
			WithContext("message_size", len(data))
	}
	return nil
}

// ToProto converts the candidate into a structpb.Struct by way of its JSON
// form, so field names match the JSON topics.
func (m *BlockCandidateMessage) ToProto() (*structpb.Struct, error) {
	data, err := EncodeJSON(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := DecodeJSON(data, &fields); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_struct",
			"failed to build candidate envelope")
	}
	return s, nil
}

// BlockCandidateFromProto reverses ToProto.
func BlockCandidateFromProto(s *structpb.Struct) (*BlockCandidateMessage, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_struct",
			"failed to read candidate envelope")
	}
	var m BlockCandidateMessage
	if err := DecodeJSON(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeBlockCandidate parses a Kafka payload written by PublishProto.
func DecodeBlockCandidate(data []byte) (*BlockCandidateMessage, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("message_size", len(data))
	}
	return BlockCandidateFromProto(&s)
}
