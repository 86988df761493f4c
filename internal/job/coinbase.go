package job

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Recipient takes a percentage of the block reward as a coinbase output.
type Recipient struct {
	Address string
	Percent float64
}

// Options are the pool-wide inputs to every job.
type Options struct {
	Params    *chaincfg.Params
	Signature []byte

	poolScript []byte
	recipients []recipientScript
}

type recipientScript struct {
	script  []byte
	percent float64
}

// NewOptions decodes the pool and recipient addresses once so that job
// construction cannot fail on them.
func NewOptions(params *chaincfg.Params, poolAddress, signature string, recipients []Recipient) (*Options, error) {
	addr, err := DecodeAddress(poolAddress, params)
	if err != nil {
		return nil, fmt.Errorf("pool address: %w", err)
	}
	poolScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("pool address script: %w", err)
	}

	opts := &Options{
		Params:     params,
		Signature:  []byte(signature),
		poolScript: poolScript,
	}

	var total float64
	for _, r := range recipients {
		if r.Percent <= 0 {
			return nil, fmt.Errorf("recipient %s: percent must be positive", r.Address)
		}
		total += r.Percent
		raddr, err := DecodeAddress(r.Address, params)
		if err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		script, err := txscript.PayToAddrScript(raddr)
		if err != nil {
			return nil, fmt.Errorf("recipient %s script: %w", r.Address, err)
		}
		opts.recipients = append(opts.recipients, recipientScript{script: script, percent: r.Percent})
	}
	if total >= 100 {
		return nil, fmt.Errorf("recipients take %.2f%% of the reward", total)
	}
	return opts, nil
}

// buildCoinbase creates the BIP34 coinbase paying value to the recipients and
// the pool. A non-empty witnessCommitment is added as a zero-value output.
func buildCoinbase(height, value int64, witnessCommitment string, opts *Options) (*wire.MsgTx, error) {
	if value < 0 {
		return nil, fmt.Errorf("negative coinbase value %d", value)
	}

	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(height).
		AddData(opts.Signature).
		Script()
	if err != nil {
		return nil, fmt.Errorf("coinbase script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})

	remaining := value
	for _, r := range opts.recipients {
		amount := int64(float64(value) * r.percent / 100)
		if amount <= 0 {
			continue
		}
		tx.AddTxOut(wire.NewTxOut(amount, r.script))
		remaining -= amount
	}
	tx.AddTxOut(wire.NewTxOut(remaining, opts.poolScript))

	if witnessCommitment != "" {
		script, err := hex.DecodeString(witnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("witness commitment: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, script))
	}

	return tx, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSizeStripped())
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
