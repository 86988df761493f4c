// Package validation checks KawPow share submissions against a job.
package validation

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/pkg/log"
)

// difficultyTolerance admits shares up to 1% under the worker difficulty.
const difficultyTolerance = 0.99

// Validator runs the share pipeline.
type Validator struct {
	hasher pow.Hasher
	logger *log.Logger
}

func NewValidator(hasher pow.Hasher, logger *log.Logger) *Validator {
	return &Validator{
		hasher: hasher,
		logger: logger.WithComponent("validator"),
	}
}

// Validate checks s from worker w against entry. entry is nil when the job id
// is unknown or expired. Stages run in a fixed order and stop at the first
// failure. The duplicate key is recorded before the header and PoW checks,
// so a replay of a rejected share is still reported as a duplicate.
func (v *Validator) Validate(entry *job.Entry, w *Worker, s *Submission) Result {
	if entry == nil {
		return reject(ErrJobNotFound)
	}
	j := entry.Job

	headerHash, ok := decodeHex(s.HeaderHash)
	if !ok {
		return reject(ErrHeaderHex)
	}
	mixHash, ok := decodeHex(s.MixHash)
	if !ok {
		return reject(ErrMixHashHex)
	}
	nonce, ok := decodeHex(s.Nonce)
	if !ok {
		return reject(ErrNonceHex)
	}
	if len(mixHash) != 32 {
		return reject(ErrMixHashSize)
	}
	if len(nonce) != 8 {
		return reject(ErrNonceSize)
	}

	prefix, ok := nonceScope(w.ExtraNonce1, s.ExtraNonce1, nonce)
	if !ok {
		return reject(ErrNonceRange)
	}

	if w.PrimaryAddress == "" {
		return reject(ErrWorkerAddress)
	}

	key := job.ShareKey{WorkerID: w.ID}
	copy(key.ExtraNonce1[:], prefix)
	copy(key.Nonce[:], nonce)
	if entry.Submissions.SeenOrAdd(key) {
		return reject(ErrDuplicateShare)
	}

	if !bytes.Equal(headerHash, j.HeaderHash[:]) {
		return reject(ErrHeaderMismatch)
	}

	var mix [32]byte
	copy(mix[:], mixHash)
	nonceValue := binary.BigEndian.Uint64(nonce)

	res, err := v.hasher.Verify(j.HeaderHash, mix, nonceValue, uint32(j.Height))
	if err != nil {
		v.logger.WithError(err).Error("kawpow verification failed",
			"job_id", j.IDHex(), "worker", w.Name)
		return reject(ErrVerifyUnavailable)
	}
	if !res.MixValid {
		return reject(ErrInvalidShare)
	}

	shareDiff := pow.ShareDifficulty(res.Digest)
	candidate := !entry.Superseded() && pow.MeetsTarget(res.Digest, j.Target)

	credited, ok := creditedDifficulty(shareDiff, w)
	if !ok {
		if !candidate {
			return reject(ErrLowDifficulty)
		}
		credited = w.Difficulty
	}

	result := Result{
		Accepted:        true,
		JobID:           j.ID,
		Height:          j.Height,
		Nonce:           nonceValue,
		ShareDifficulty: shareDiff,
		Difficulty:      credited,
	}
	if candidate {
		block, err := j.SerializeBlock(nonceValue, mix)
		if err != nil {
			v.logger.WithError(err).Error("serialize block candidate", "job_id", j.IDHex())
			return result
		}
		result.IsBlockCandidate = true
		result.BlockHash = hex.EncodeToString(res.Digest[:])
		result.BlockHex = hex.EncodeToString(block)
	}
	return result
}

// nonceScope checks that the nonce starts with the worker's extranonce1 and
// that a prefix claimed by the miner, when sent, is the same one.
func nonceScope(assigned, claimed string, nonce []byte) ([]byte, bool) {
	prefix, ok := decodeHex(assigned)
	if !ok || len(prefix) > 4 || !bytes.HasPrefix(nonce, prefix) {
		return nil, false
	}
	if claimed != "" {
		c, ok := decodeHex(claimed)
		if !ok || !bytes.Equal(c, prefix) {
			return nil, false
		}
	}
	return prefix, true
}

// creditedDifficulty returns the difficulty a share is credited at. After a
// retarget the previous difficulty is still honoured.
func creditedDifficulty(shareDiff float64, w *Worker) (float64, bool) {
	if w.Difficulty <= 0 {
		return shareDiff, true
	}
	if shareDiff/w.Difficulty >= difficultyTolerance {
		return w.Difficulty, true
	}
	if w.PreviousDifficulty > 0 && shareDiff/w.PreviousDifficulty >= difficultyTolerance {
		return w.PreviousDifficulty, true
	}
	return 0, false
}

// decodeHex accepts non-empty, even-length hex with an optional 0x prefix.
func decodeHex(s string) ([]byte, bool) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
