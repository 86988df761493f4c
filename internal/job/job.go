// Package job turns node block templates into immutable KawPow jobs and
// tracks which jobs may still receive shares.
package job

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/kawpool/internal/pow"
)

// Job is one unit of work derived from a template. It is never mutated
// after New returns.
type Job struct {
	ID                uint64
	PrevHash          string
	Height            int64
	Bits              string
	Version           int32
	CurTime           int64
	Target            *big.Int
	NetworkDifficulty float64
	CoinbaseValue     int64

	Header     [HeaderSize]byte
	HeaderHash [32]byte
	SeedHash   [32]byte

	Coinbase      *wire.MsgTx
	CoinbaseBytes []byte
	Transactions  [][]byte

	CleanJobs bool
	CreatedAt time.Time
}

// New builds job id from tmpl.
func New(id uint64, tmpl *btcjson.GetBlockTemplateResult, opts *Options, cleanJobs bool, now time.Time) (*Job, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("nil template")
	}
	if tmpl.Height < 0 || tmpl.Height > int64(^uint32(0)) {
		return nil, fmt.Errorf("template height %d out of range", tmpl.Height)
	}

	prev, err := chainhash.NewHashFromStr(tmpl.PreviousHash)
	if err != nil || len(tmpl.PreviousHash) != 2*chainhash.HashSize {
		return nil, fmt.Errorf("invalid previousblockhash %q", tmpl.PreviousHash)
	}

	bits, err := pow.ParseBits(tmpl.Bits)
	if err != nil {
		return nil, err
	}
	target, err := networkTarget(tmpl)
	if err != nil {
		return nil, err
	}

	var value int64
	if tmpl.CoinbaseValue != nil {
		value = *tmpl.CoinbaseValue
	}
	coinbase, err := buildCoinbase(tmpl.Height, value, tmpl.DefaultWitnessCommitment, opts)
	if err != nil {
		return nil, err
	}
	coinbaseBytes, err := serializeTx(coinbase)
	if err != nil {
		return nil, fmt.Errorf("serialize coinbase: %w", err)
	}

	txids := make([]chainhash.Hash, 0, len(tmpl.Transactions)+1)
	txids = append(txids, coinbase.TxHash())
	txs := make([][]byte, 0, len(tmpl.Transactions))
	for i, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d data: %w", i, err)
		}
		idStr := tx.TxID
		if idStr == "" {
			idStr = tx.Hash
		}
		txid, err := chainhash.NewHashFromStr(idStr)
		if err != nil {
			return nil, fmt.Errorf("transaction %d txid: %w", i, err)
		}
		txids = append(txids, *txid)
		txs = append(txs, raw)
	}

	header := buildHeader(tmpl.Version, *prev, merkleRoot(txids), uint32(tmpl.CurTime), bits, uint32(tmpl.Height))

	return &Job{
		ID:                id,
		PrevHash:          tmpl.PreviousHash,
		Height:            tmpl.Height,
		Bits:              tmpl.Bits,
		Version:           tmpl.Version,
		CurTime:           tmpl.CurTime,
		Target:            target,
		NetworkDifficulty: pow.TargetToDifficulty(target),
		CoinbaseValue:     value,
		Header:            header,
		HeaderHash:        headerHash(header),
		SeedHash:          pow.SeedHash(uint64(tmpl.Height)),
		Coinbase:          coinbase,
		CoinbaseBytes:     coinbaseBytes,
		Transactions:      txs,
		CleanJobs:         cleanJobs,
		CreatedAt:         now,
	}, nil
}

func networkTarget(tmpl *btcjson.GetBlockTemplateResult) (*big.Int, error) {
	if tmpl.Target != "" {
		if t, err := pow.TargetFromHex(tmpl.Target); err == nil {
			return t, nil
		}
	}
	return pow.TargetFromBits(tmpl.Bits)
}

// IDHex is the job id as sent on the wire.
func (j *Job) IDHex() string {
	return strconv.FormatUint(j.ID, 16)
}

// HeaderHashHex returns the header hash in display order.
func (j *Job) HeaderHashHex() string {
	return hex.EncodeToString(j.HeaderHash[:])
}

func (j *Job) SeedHashHex() string {
	return hex.EncodeToString(j.SeedHash[:])
}

// SerializeBlock assembles the full block for a solved nonce. mix is in
// display order and is written in internal order after the nonce.
func (j *Job) SerializeBlock(nonce uint64, mix [32]byte) ([]byte, error) {
	size := HeaderSize + 8 + 32 + wire.MaxVarIntPayload + len(j.CoinbaseBytes)
	for _, tx := range j.Transactions {
		size += len(tx)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.Write(j.Header[:])

	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])

	internalMix := reverse32(mix)
	buf.Write(internalMix[:])

	if err := wire.WriteVarInt(&buf, 0, uint64(len(j.Transactions)+1)); err != nil {
		return nil, fmt.Errorf("write tx count: %w", err)
	}
	buf.Write(j.CoinbaseBytes)
	for _, tx := range j.Transactions {
		buf.Write(tx)
	}
	return buf.Bytes(), nil
}
