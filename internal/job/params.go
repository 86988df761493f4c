package job

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Ravencoin reuses the Bitcoin transaction and script formats; only the
// base58 version bytes differ. The params are derived from the btcd
// definitions and are not registered with chaincfg.
var (
	RavencoinMainNet = ravencoinParams(chaincfg.MainNetParams, "ravencoin-mainnet", 60, 122, 128)
	RavencoinTestNet = ravencoinParams(chaincfg.TestNet3Params, "ravencoin-testnet", 111, 196, 239)
	RavencoinRegTest = ravencoinParams(chaincfg.RegressionNetParams, "ravencoin-regtest", 111, 196, 239)
)

func ravencoinParams(base chaincfg.Params, name string, pkh, sh, wif byte) *chaincfg.Params {
	p := base
	p.Name = name
	p.PubKeyHashAddrID = pkh
	p.ScriptHashAddrID = sh
	p.PrivateKeyID = wif
	return &p
}

// NetworkParams maps a NETWORK config value to chain params.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return RavencoinMainNet, nil
	case "testnet":
		return RavencoinTestNet, nil
	case "regtest":
		return RavencoinRegTest, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// DecodeAddress decodes a base58 payout address and checks it belongs to params.
func DecodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not valid for %s", address, params.Name)
	}
	return addr, nil
}
