package main

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/pkg/errors"
	"github.com/bardlex/kawpool/pkg/log"
)

type mockNode struct {
	err    error
	called []string
}

func (m *mockNode) SubmitBlock(_ context.Context, blockHex string) error {
	m.called = append(m.called, blockHex)
	return m.err
}

type published struct {
	topic, key string
	value      []byte
}

type mockPublisher struct {
	msgs []published
	err  error
}

func (m *mockPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	m.msgs = append(m.msgs, published{topic, key, value})
	return m.err
}

func testCandidate() *messaging.BlockCandidateMessage {
	return &messaging.BlockCandidateMessage{
		CandidateID:       "cand-1",
		ShareID:           "share-1",
		JobID:             "1f",
		Height:            3000000,
		BlockHash:         "0000000000000abc",
		BlockHex:          "deadbeef",
		WorkerName:        "RAddr.rig1",
		Address:           "RAddr",
		ShareDifficulty:   12.5,
		NetworkDifficulty: 10,
		FoundAt:           time.Unix(1700000000, 0).UTC(),
	}
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantMsg    string
	}{
		{"accepted", nil, messaging.BlockStatusAccepted, ""},
		{
			"rejected",
			errors.New(errors.ErrorTypeValidation, "submit_block", "block rejected by node").WithContext("reason", "high-hash"),
			messaging.BlockStatusRejected,
			"high-hash",
		},
		{"transport failure", stderrors.New("connection refused"), messaging.BlockStatusFailed, "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &mockNode{err: tt.err}
			bs := NewBlockSubmitter(log.Nop(), n, &mockPublisher{})

			c := testCandidate()
			result := bs.Submit(context.Background(), c)

			if len(n.called) != 1 || n.called[0] != "deadbeef" {
				t.Errorf("SubmitBlock calls = %v, want [deadbeef]", n.called)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", result.Status, tt.wantStatus)
			}
			if result.ErrorMessage != tt.wantMsg {
				t.Errorf("ErrorMessage = %q, want %q", result.ErrorMessage, tt.wantMsg)
			}
			if result.CandidateID != c.CandidateID || result.Height != c.Height || !result.FoundAt.Equal(c.FoundAt) {
				t.Errorf("result did not carry candidate fields: %+v", result)
			}
			if result.SubmittedAt.IsZero() {
				t.Error("SubmittedAt not set")
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	envelope, err := testCandidate().ToProto()
	if err != nil {
		t.Fatalf("ToProto() error = %v", err)
	}
	payload, err := proto.Marshal(envelope)
	if err != nil {
		t.Fatalf("proto.Marshal() error = %v", err)
	}

	pub := &mockPublisher{}
	bs := NewBlockSubmitter(log.Nop(), &mockNode{}, pub)

	if err := bs.HandleMessage(context.Background(), kafka.Message{Value: payload}); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.topic != messaging.TopicBlockResults {
		t.Errorf("topic = %q, want %q", msg.topic, messaging.TopicBlockResults)
	}
	if msg.key != "0000000000000abc" {
		t.Errorf("key = %q, want block hash", msg.key)
	}

	var result messaging.BlockResultMessage
	if err := messaging.DecodeJSON(msg.value, &result); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if result.Status != messaging.BlockStatusAccepted || result.ShareID != "share-1" {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleMessage_BadPayload(t *testing.T) {
	n := &mockNode{}
	pub := &mockPublisher{}
	bs := NewBlockSubmitter(log.Nop(), n, pub)

	if err := bs.HandleMessage(context.Background(), kafka.Message{Value: []byte{0xff, 0xff, 0xff}}); err == nil {
		t.Error("HandleMessage() expected error for garbage payload")
	}
	if len(n.called) != 0 || len(pub.msgs) != 0 {
		t.Error("HandleMessage() should not submit or publish on decode failure")
	}
}

func TestRejectReason(t *testing.T) {
	plain := errors.New(errors.ErrorTypeValidation, "submit_block", "invalid block hex")
	if got := rejectReason(plain); got != plain.Error() {
		t.Errorf("rejectReason() = %q, want %q", got, plain.Error())
	}
}
