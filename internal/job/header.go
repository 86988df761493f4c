package job

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	sha256 "github.com/minio/sha256-simd"
)

// HeaderSize is the length of the KawPow header input: the Bitcoin header
// with the 32-bit nonce replaced by the block height.
const HeaderSize = 80

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func reverse32(in [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = in[31-i]
	}
	return out
}

// buildHeader lays out version | prevhash | merkle root | time | bits | height.
// Hashes are in internal byte order, integers little-endian.
func buildHeader(version int32, prev, merkle chainhash.Hash, curtime, bits, height uint32) [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.LittleEndian.PutUint32(h[0:4], uint32(version))
	copy(h[4:36], prev[:])
	copy(h[36:68], merkle[:])
	binary.LittleEndian.PutUint32(h[68:72], curtime)
	binary.LittleEndian.PutUint32(h[72:76], bits)
	binary.LittleEndian.PutUint32(h[76:80], height)
	return h
}

// headerHash is sha256d of the header in display order, the value miners
// receive in mining.notify and echo back in mining.submit.
func headerHash(header [HeaderSize]byte) [32]byte {
	return reverse32(doubleSHA256(header[:]))
}

// merkleRoot folds txids (internal order, coinbase first) pairwise,
// duplicating the last entry of odd levels.
func merkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)

	var pair [64]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			copy(pair[:32], level[i][:])
			copy(pair[32:], level[i+1][:])
			next = append(next, chainhash.Hash(doubleSHA256(pair[:])))
		}
		level = next
	}
	return level[0]
}
