package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/pkg/errors"
)

// rawRequester is the part of RPC the hasher needs.
type rawRequester interface {
	RawRequest(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// kawpowHashResult mirrors the daemon's getkawpowhash reply.
type kawpowHashResult struct {
	Result      string `json:"result"`
	Digest      string `json:"digest"`
	MixHash     string `json:"mix_hash"`
	MeetsTarget string `json:"meets_target"`
	Info        string `json:"info"`
}

// KawpowHasher evaluates KawPow by asking the daemon (getkawpowhash), which
// keeps the DAG so the pool does not have to.
type KawpowHasher struct {
	rpc     rawRequester
	timeout time.Duration
}

var _ pow.Hasher = (*KawpowHasher)(nil)

// NewKawpowHasher returns a hasher that gives each evaluation at most
// timeout. Zero means five seconds.
func NewKawpowHasher(rpc rawRequester, timeout time.Duration) *KawpowHasher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KawpowHasher{rpc: rpc, timeout: timeout}
}

func (h *KawpowHasher) Verify(headerHash, mixHash [32]byte, nonce uint64, height uint32) (pow.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	raw, err := h.rpc.RawRequest(ctx, "getkawpowhash",
		hex.EncodeToString(headerHash[:]),
		hex.EncodeToString(mixHash[:]),
		fmt.Sprintf("0x%016x", nonce),
		height,
	)
	if err != nil {
		return pow.Result{}, errors.Wrap(err, errors.ErrorTypeNode, "getkawpowhash",
			"kawpow evaluation failed").
			WithContext("height", height)
	}

	var reply kawpowHashResult
	if err := sonic.Unmarshal(raw, &reply); err != nil {
		return pow.Result{}, errors.Wrap(err, errors.ErrorTypeNode, "getkawpowhash",
			"malformed kawpow reply")
	}

	if reply.Result != "true" {
		return pow.Result{MixValid: false}, nil
	}
	digest, err := decodeDigest(reply.Digest)
	if err != nil {
		return pow.Result{}, errors.Wrap(err, errors.ErrorTypeNode, "getkawpowhash",
			"malformed kawpow digest").
			WithContext("digest", reply.Digest)
	}

	return pow.Result{Digest: digest, MixValid: true}, nil
}

func decodeDigest(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("digest is %d bytes, want %d", len(b), len(out))
	}
	copy(out[:], b)
	return out, nil
}
