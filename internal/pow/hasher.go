// Package pow holds the KawPow proof-of-work boundary and the target and
// difficulty arithmetic used by the share pipeline.
package pow

// Result is the outcome of a KawPow evaluation.
type Result struct {
	// Digest is the final KawPow hash, big-endian (display order).
	Digest [32]byte
	// MixValid reports whether the submitted mix hash matches the one
	// recomputed from the header hash and nonce.
	MixValid bool
}

// Hasher evaluates KawPow for a header hash, nonce and height and checks the
// miner's mix hash. headerHash and mixHash are in display byte order.
type Hasher interface {
	Verify(headerHash, mixHash [32]byte, nonce uint64, height uint32) (Result, error)
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(headerHash, mixHash [32]byte, nonce uint64, height uint32) (Result, error)

func (f HasherFunc) Verify(headerHash, mixHash [32]byte, nonce uint64, height uint32) (Result, error) {
	return f(headerHash, mixHash, nonce, height)
}
