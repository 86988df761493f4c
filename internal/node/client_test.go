package node

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bardlex/kawpool/pkg/errors"
)

func TestNewRPCClient(t *testing.T) {
	client, err := NewRPCClient("localhost:8766", "user", "pass")
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	if client == nil {
		t.Fatal("NewRPCClient() returned nil client")
	}
	if got := client.BreakerState().String(); got != "closed" {
		t.Errorf("BreakerState() = %s, want closed", got)
	}
	client.Close()
}

func TestNewHashClient(t *testing.T) {
	rpc, err := NewRPCClient("localhost:8766", "user", "pass")
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	defer rpc.Close()
	hash, err := NewHashClient("localhost:8766", "user", "pass")
	if err != nil {
		t.Fatalf("NewHashClient() error = %v", err)
	}
	defer hash.Close()

	if hash.client == rpc.client || hash.circuitBreaker == rpc.circuitBreaker {
		t.Error("hash client shares a connection or breaker with the template client")
	}
	if hash.retryConfig.MaxAttempts != 1 {
		t.Errorf("hash client MaxAttempts = %d, want 1", hash.retryConfig.MaxAttempts)
	}
}

func TestRPCClient_RawRequestHonoursContext(t *testing.T) {
	client, err := NewHashClient("localhost:8766", "user", "pass")
	if err != nil {
		t.Fatalf("NewHashClient() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.RawRequest(ctx, "getkawpowhash"); err == nil {
		t.Error("RawRequest(canceled ctx) error = nil, want error")
	}
}

func TestRPCClient_SubmitBlockRejectsBadHex(t *testing.T) {
	client, err := NewRPCClient("localhost:8766", "user", "pass")
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	defer client.Close()

	for _, blockHex := range []string{"", "zz", "abc"} {
		err := client.SubmitBlock(context.Background(), blockHex)
		if !errors.IsType(err, errors.ErrorTypeValidation) {
			t.Errorf("SubmitBlock(%q) error = %v, want validation error", blockHex, err)
		}
	}
}

func TestSubmitVerdict(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantReason string
	}{
		{name: "accepted", raw: "null"},
		{name: "empty", raw: ""},
		{name: "duplicate", raw: `"duplicate"`, wantReason: "duplicate"},
		{name: "high hash", raw: `"high-hash"`, wantReason: "high-hash"},
		{name: "non-string", raw: `{"code":1}`, wantReason: `{"code":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := submitVerdict(json.RawMessage(tt.raw))
			if tt.wantReason == "" {
				if err != nil {
					t.Errorf("submitVerdict(%s) = %v, want nil", tt.raw, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("submitVerdict(%s) = nil, want rejection", tt.raw)
			}
			if errors.IsRetryable(err) {
				t.Error("rejected block error is retryable, want permanent")
			}
			if got := errors.GetContext(err)["reason"]; got != tt.wantReason {
				t.Errorf("reason = %v, want %v", got, tt.wantReason)
			}
		})
	}
}

func TestEncodeParams(t *testing.T) {
	got, err := encodeParams([]any{"aa", uint32(42), "0x00000000000000ff"})
	if err != nil {
		t.Fatalf("encodeParams() error = %v", err)
	}
	want := []string{`"aa"`, `42`, `"0x00000000000000ff"`}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("encodeParams()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
