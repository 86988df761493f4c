package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "with cause",
			err: &ServiceError{
				Type:      ErrorTypeNode,
				Operation: "getblocktemplate",
				Message:   "rpc call failed",
				Cause:     errors.New("connection refused"),
			},
			want: "node: getblocktemplate: rpc call failed: connection refused",
		},
		{
			name: "without cause",
			err: &ServiceError{
				Type:      ErrorTypeAllocator,
				Operation: "allocate",
				Message:   "extranonce space exhausted",
			},
			want: "allocator: allocate: extranonce space exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceError_Is(t *testing.T) {
	sentinel := New(ErrorTypeAllocator, "allocate", "extranonce space exhausted")
	wrapped := fmt.Errorf("subscribe: %w", sentinel)

	if !errors.Is(wrapped, sentinel) {
		t.Error("errors.Is(wrapped, sentinel) = false, want true")
	}

	copyOf := New(ErrorTypeAllocator, "allocate", "extranonce space exhausted")
	if !errors.Is(copyOf, sentinel) {
		t.Error("errors.Is(copy, sentinel) = false, want true")
	}

	other := New(ErrorTypeAllocator, "release", "extranonce space exhausted")
	if errors.Is(other, sentinel) {
		t.Error("errors.Is(other, sentinel) = true, want false")
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "create_share", "insert failed").
		WithContext("worker", "rig01").
		WithContext("height", int64(3000000))

	ctx := GetContext(err)
	if len(ctx) != 2 {
		t.Fatalf("len(GetContext()) = %d, want 2", len(ctx))
	}
	if ctx["worker"] != "rig01" {
		t.Errorf("GetContext()[worker] = %v, want rig01", ctx["worker"])
	}
	if ctx["height"] != int64(3000000) {
		t.Errorf("GetContext()[height] = %v, want 3000000", ctx["height"])
	}

	if got := GetContext(errors.New("plain")); got != nil {
		t.Errorf("GetContext(plain) = %v, want nil", got)
	}
}

func TestNew_Retryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		want      bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeNode, true},
		{ErrorTypeValidation, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeAllocator, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.want {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.want)
			}
			if err.Timestamp.IsZero() {
				t.Error("New().Timestamp is zero")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if got := Wrap(nil, ErrorTypeNetwork, "op", "msg"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}

	cause := errors.New("connection reset by peer")
	err := Wrap(cause, ErrorTypeKafka, "publish", "write failed")
	if err.Cause != cause {
		t.Errorf("Wrap().Cause = %v, want %v", err.Cause, cause)
	}
	if !err.Retryable {
		t.Error("Wrap(connection reset).Retryable = false, want true")
	}

	inner := New(ErrorTypeValidation, "parse", "bad input")
	outer := Wrap(inner, ErrorTypeNode, "submitblock", "rejected")
	if outer.Retryable {
		t.Error("Wrap(validation).Retryable = true, want false")
	}
	if !IsType(outer, ErrorTypeValidation) {
		t.Error("IsType(outer, validation) = false, want true")
	}
	if !IsType(outer, ErrorTypeNode) {
		t.Error("IsType(outer, node) = false, want true")
	}
	if IsType(outer, ErrorTypeDatabase) {
		t.Error("IsType(outer, database) = true, want false")
	}

	alloc := Wrap(errors.New("timeout"), ErrorTypeAllocator, "allocate", "failed")
	if alloc.Retryable {
		t.Error("Wrap(allocator).Retryable = true, want false")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped canceled", fmt.Errorf("rpc: %w", context.Canceled), false},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"node warming up", errors.New("-28: Loading block index... warming up"), true},
		{"network service error", New(ErrorTypeNetwork, "dial", "failed"), true},
		{"validation service error", New(ErrorTypeValidation, "parse", "failed"), false},
		{"unknown", errors.New("bad-txns"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
