package pow

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
)

// Diff1 is the KawPow target at stratum difficulty 1.
var Diff1 = mustTarget("00000000ff000000000000000000000000000000000000000000000000000000")

var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustTarget(s string) *big.Int {
	t, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("pow: bad target constant " + s)
	}
	return t
}

// DifficultyToTarget returns Diff1 / difficulty. Non-positive difficulties
// map to Diff1.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return new(big.Int).Set(Diff1)
	}

	q := new(big.Float).SetPrec(256).SetInt(Diff1)
	q.Quo(q, new(big.Float).SetFloat64(difficulty))
	target, _ := q.Int(nil)
	if target.Cmp(maxTarget) > 0 {
		return new(big.Int).Set(maxTarget)
	}
	if target.Sign() == 0 {
		target.SetInt64(1)
	}
	return target
}

// TargetToDifficulty returns Diff1 / target, or 0 for a non-positive target.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(Diff1), new(big.Float).SetInt(target)).Float64()
	return d
}

// HashToBig interprets a big-endian digest as an unsigned integer.
func HashToBig(h [32]byte) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// ShareDifficulty is the difficulty a digest satisfies.
func ShareDifficulty(digest [32]byte) float64 {
	return TargetToDifficulty(HashToBig(digest))
}

// MeetsTarget reports whether digest <= target.
func MeetsTarget(digest [32]byte, target *big.Int) bool {
	return HashToBig(digest).Cmp(target) <= 0
}

// TargetHex renders a target as 64 lowercase hex characters.
func TargetHex(target *big.Int) string {
	var buf [32]byte
	target.FillBytes(buf[:])
	return hex.EncodeToString(buf[:])
}

// TargetFromHex parses a 256-bit big-endian hex target.
func TargetFromHex(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" || len(s) > 64 {
		return nil, fmt.Errorf("invalid target length %d", len(s))
	}
	t, ok := new(big.Int).SetString(s, 16)
	if !ok || t.Sign() <= 0 {
		return nil, fmt.Errorf("invalid target %q", s)
	}
	return t, nil
}

// ParseBits parses the compact difficulty field as sent by the node.
func ParseBits(bits string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(bits, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid bits %q: %w", bits, err)
	}
	return uint32(v), nil
}

// TargetFromBits expands a compact difficulty field.
func TargetFromBits(bits string) (*big.Int, error) {
	compact, err := ParseBits(bits)
	if err != nil {
		return nil, err
	}
	t := blockchain.CompactToBig(compact)
	if t.Sign() <= 0 {
		return nil, fmt.Errorf("bits %q expand to a non-positive target", bits)
	}
	return t, nil
}
