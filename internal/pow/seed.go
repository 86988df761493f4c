package pow

import (
	"sync"

	"golang.org/x/crypto/sha3"
)

// EpochLength is the number of blocks sharing one KawPow DAG.
const EpochLength = 7500

// Epoch returns the DAG epoch for a block height.
func Epoch(height uint64) uint64 {
	return height / EpochLength
}

var seedCache struct {
	sync.Mutex
	epoch uint64
	seed  [32]byte
	ok    bool
}

// SeedHash returns the epoch seed: keccak256 applied Epoch(height) times to
// 32 zero bytes.
func SeedHash(height uint64) [32]byte {
	epoch := Epoch(height)

	seedCache.Lock()
	defer seedCache.Unlock()
	if seedCache.ok && seedCache.epoch == epoch {
		return seedCache.seed
	}

	var seed [32]byte
	h := sha3.NewLegacyKeccak256()
	for i := uint64(0); i < epoch; i++ {
		h.Reset()
		h.Write(seed[:])
		h.Sum(seed[:0])
	}

	seedCache.epoch, seedCache.seed, seedCache.ok = epoch, seed, true
	return seed
}
