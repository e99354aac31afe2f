// Package xchain defines the foreign blockchains the exchange can pair
// native value against, and validates foreign addresses before a sell
// request carrying one is accepted for relay.
package xchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/pkg/helpers"
)

// ChainType represents the foreign blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // BTC and forks (BCH)
	ChainTypeEVM     ChainType = "evm"     // Ethereum
)

// Params describes one foreign blockchain.
type Params struct {
	// ID is the foreign blockchain id carried in exchange requests.
	ID uint64

	Symbol   string
	Name     string
	Type     ChainType
	Decimals uint8

	// Net holds the address parameters for bitcoin-family chains.
	Net *chaincfg.Params
}

var registry = map[uint64]*Params{}

func register(p *Params) {
	registry[p.ID] = p
}

func init() {
	register(&Params{
		ID:       config.ForeignBlockchainBTC,
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,
		Net:      &chaincfg.MainNetParams,
	})

	// BCH shares the legacy Bitcoin address formats; CashAddr strings are
	// normalized by the wallet before they reach the node.
	register(&Params{
		ID:       config.ForeignBlockchainBCH,
		Symbol:   "BCH",
		Name:     "Bitcoin Cash",
		Type:     ChainTypeBitcoin,
		Decimals: 8,
		Net:      &chaincfg.MainNetParams,
	})

	register(&Params{
		ID:       config.ForeignBlockchainETH,
		Symbol:   "ETH",
		Name:     "Ethereum",
		Type:     ChainTypeEVM,
		Decimals: 18,
	})
}

// Get returns the parameters of a foreign blockchain.
func Get(id uint64) (*Params, bool) {
	p, ok := registry[id]
	return p, ok
}

// Symbols returns the registered foreign chains keyed by id.
func Symbols() map[uint64]string {
	out := make(map[uint64]string, len(registry))
	for id, p := range registry {
		out[id] = p.Symbol
	}
	return out
}

// ValidateAddress checks whether a foreign address is well formed for the
// given foreign blockchain.
func ValidateAddress(blockchain uint64, address string) error {
	p, ok := registry[blockchain]
	if !ok {
		return fmt.Errorf("xchain: unknown foreign blockchain %d", blockchain)
	}

	switch p.Type {
	case ChainTypeBitcoin:
		if _, err := btcutil.DecodeAddress(address, p.Net); err != nil {
			return fmt.Errorf("xchain: invalid %s address: %w", p.Symbol, err)
		}
		return nil

	case ChainTypeEVM:
		if !ethcommon.IsHexAddress(address) {
			return fmt.Errorf("xchain: invalid %s address", p.Symbol)
		}
		return nil

	default:
		return fmt.Errorf("xchain: unsupported chain type %s", p.Type)
	}
}

// ValidateTxid checks whether a foreign transaction id is well formed for
// the given foreign blockchain. Payment advice carries these ids.
func ValidateTxid(blockchain uint64, txid string) error {
	p, ok := registry[blockchain]
	if !ok {
		return fmt.Errorf("xchain: unknown foreign blockchain %d", blockchain)
	}

	switch p.Type {
	case ChainTypeBitcoin:
		if _, err := chainhash.NewHashFromStr(txid); err != nil {
			return fmt.Errorf("xchain: invalid %s txid: %w", p.Symbol, err)
		}
		return nil

	case ChainTypeEVM:
		hash, err := helpers.HexToBytes(txid)
		if err != nil || len(hash) != ethcommon.HashLength {
			return fmt.Errorf("xchain: invalid %s txid", p.Symbol)
		}
		return nil

	default:
		return fmt.Errorf("xchain: unsupported chain type %s", p.Type)
	}
}
