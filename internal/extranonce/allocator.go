// Package extranonce hands out the per-session nonce prefixes that partition
// the KawPow search space between workers.
package extranonce

import (
	"encoding/hex"
	"fmt"

	"go.uber.org/atomic"

	"github.com/bardlex/kawpool/pkg/errors"
)

// ErrExhausted is returned by Allocate once every prefix of the configured
// width has been issued. Prefixes are never reused.
var ErrExhausted = errors.New(errors.ErrorTypeAllocator, "allocate", "extranonce space exhausted")

// DefaultSize is the prefix width used by KawPow stratum: 2 bytes, 4 hex chars.
const DefaultSize = 2

const placeholderByte = 0xf0

// Allocator issues unique fixed-width extranonce1 values.
type Allocator struct {
	size     int
	capacity uint64
	next     atomic.Uint64
}

// New returns an allocator for prefixes of size bytes (1 to 4).
func New(size int) (*Allocator, error) {
	if size < 1 || size > 4 {
		return nil, fmt.Errorf("extranonce size must be between 1 and 4 bytes, got %d", size)
	}
	return &Allocator{
		size:     size,
		capacity: uint64(1) << (8 * size),
	}, nil
}

// Allocate returns the next prefix as lowercase big-endian hex.
func (a *Allocator) Allocate() (string, error) {
	for {
		n := a.next.Load()
		if n >= a.capacity {
			return "", ErrExhausted
		}
		if a.next.CAS(n, n+1) {
			return a.format(n), nil
		}
	}
}

func (a *Allocator) format(n uint64) string {
	buf := make([]byte, a.size)
	for i := a.size - 1; i >= 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	return hex.EncodeToString(buf)
}

// Size is the prefix width in bytes.
func (a *Allocator) Size() int { return a.size }

// ExtraNonce2Size is always zero: the miner searches the nonce bytes that
// follow the prefix.
func (a *Allocator) ExtraNonce2Size() int { return 0 }

// Placeholder is the sentinel prefix published where a real one is not yet bound.
func (a *Allocator) Placeholder() []byte {
	p := make([]byte, a.size)
	p[0] = placeholderByte
	return p
}

// Issued returns how many prefixes have been handed out.
func (a *Allocator) Issued() uint64 {
	return min(a.next.Load(), a.capacity)
}

// Remaining returns how many prefixes can still be issued.
func (a *Allocator) Remaining() uint64 {
	return a.capacity - a.Issued()
}
