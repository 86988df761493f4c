package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
)

// mockRPC is a scriptable RPC.
type mockRPC struct {
	mu sync.Mutex

	ShouldError   bool
	ErrorMsg      string
	BlockTemplate *btcjson.GetBlockTemplateResult
	BestBlockHash string
	RawResult     json.RawMessage

	templateCalls int
	submitted     []string
	rawMethod     string
	rawParams     []any
}

func newMockRPC() *mockRPC {
	return &mockRPC{
		BlockTemplate: &btcjson.GetBlockTemplateResult{
			Version:      0x30000000,
			PreviousHash: "000000000000119e5f1d5ce4d8d6d4a8e7d1a8d4b7c0b6a3f43a0d0c1f5b1e00",
			Bits:         "1b00f4ad",
			Height:       3000000,
			CurTime:      1700000000,
		},
		BestBlockHash: "000000000000119e5f1d5ce4d8d6d4a8e7d1a8d4b7c0b6a3f43a0d0c1f5b1e00",
	}
}

func (m *mockRPC) err() error {
	return errors.New(m.ErrorMsg)
}

func (m *mockRPC) GetBlockTemplate(_ context.Context) (*btcjson.GetBlockTemplateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templateCalls++
	if m.ShouldError {
		return nil, m.err()
	}
	return m.BlockTemplate, nil
}

func (m *mockRPC) GetBestBlockHash(_ context.Context) (string, error) {
	if m.ShouldError {
		return "", m.err()
	}
	return m.BestBlockHash, nil
}

func (m *mockRPC) GetBlockCount(_ context.Context) (int64, error) {
	if m.ShouldError {
		return 0, m.err()
	}
	return m.BlockTemplate.Height - 1, nil
}

func (m *mockRPC) GetDifficulty(_ context.Context) (float64, error) {
	if m.ShouldError {
		return 0, m.err()
	}
	return 95000, nil
}

func (m *mockRPC) SubmitBlock(_ context.Context, blockHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldError {
		return m.err()
	}
	m.submitted = append(m.submitted, blockHex)
	return nil
}

func (m *mockRPC) RawRequest(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawMethod, m.rawParams = method, params
	if m.ShouldError {
		return nil, m.err()
	}
	return m.RawResult, nil
}

func (m *mockRPC) Ping(_ context.Context) error {
	if m.ShouldError {
		return m.err()
	}
	return nil
}

func (m *mockRPC) Close() {}

func (m *mockRPC) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.templateCalls
}

var _ RPC = (*mockRPC)(nil)
