// Package config provides centralized configuration for the veild node.
// ALL protocol parameters (byte sizes, epoch widths, donation schedule,
// exchange limits) MUST be defined here. No hardcoded values should exist
// elsewhere in the codebase.
package config

import "math/big"

// =============================================================================
// Network Types
// =============================================================================

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Blockchain identifiers carried in the genesis file.
const (
	MainnetBlockchain uint64 = 1
	TestnetBlockchain uint64 = 9
)

// IsTestnet reports whether a blockchain id belongs to a test network.
func IsTestnet(blockchain uint64) bool {
	return blockchain >= TestnetBlockchain
}

// =============================================================================
// Wire sizes
// =============================================================================

const (
	// GenesisFileTag identifies a genesis data file ("CCG\2" little endian).
	GenesisFileTag uint32 = 0x02474343

	OidBytes        = 32 // content hash of a wire object
	SerialnumBytes  = 32
	HashkeyBytes    = 32
	AddressBytes    = 32
	CommitmentBytes = 32
	MerkleRootBytes = 32

	SigningPubKeyBytes  = 32 // ed25519
	SigningPrivKeyBytes = 64 // ed25519 seed + pub

	// MaxTxInputs bounds the inputs of a single transaction, including a
	// synthesized pseudo-serialnum input.
	MaxTxInputs  = 8
	MaxTxOutputs = 16
)

// =============================================================================
// Confirmation
// =============================================================================

const (
	// MaxConfSigs bounds nwitnesses; the BLOCK_AUX parameter rows cycle
	// through subkey = level mod BlockAuxModulus, which must cover the
	// deepest possible confirmation window.
	MaxConfSigs     = 64
	BlockAuxModulus = 64

	// PruneTrailingRounds is how many full witness rotations of candidate
	// blocks are kept in memory behind the last indelible block.
	PruneTrailingRounds = 2
)

// =============================================================================
// Exchange
// =============================================================================

const (
	// MatchingEpochSecs is the width of one exchange matching epoch. Block
	// timestamps are rounded down to a multiple of this value to determine
	// the matching round they drive.
	MatchingEpochSecs = 60

	// WaitDiscountInterval is the discount-step width used when a match is
	// held: factor = (1 - wait_discount)^(1 + hold/WaitDiscountInterval).
	WaitDiscountInterval = 600

	// XreqMaxPersistentCount limits persistent requests kept for matching
	// so a round cannot bog down.
	XreqMaxPersistentCount = 1200

	// XreqMinNonPersistentCount is the additional budget of pending
	// (not-yet-persistent) requests kept alongside the persistent set.
	XreqMinNonPersistentCount = 20000

	// MatchingMaxPasses caps the candidate-pair evaluations (CheckMatch
	// calls) of one matching round.
	MatchingMaxPasses = 1000000
)

// Foreign blockchains an exchange request can pair against.
const (
	ForeignBlockchainBTC uint64 = 1
	ForeignBlockchainBCH uint64 = 2
	ForeignBlockchainETH uint64 = 3
)

// =============================================================================
// Assets and amounts
// =============================================================================

const (
	// NativeDecimals is the number of base units per whole native coin,
	// as a power of ten.
	NativeDecimals uint8 = 24

	// NativeAsset is the asset id of the native coin.
	NativeAsset uint64 = 0

	// MinedAsset is the asset paid out by exchange mining.
	MinedAsset uint64 = 0

	// DefaultDomain is the output domain used when a transaction does not
	// specify one.
	DefaultDomain uint32 = 1

	// MintFoundationDomain tags the foundation half of the per-block mint
	// outputs.
	MintFoundationDomain uint32 = 2

	// MintOutputs is the size of the fixed mint destination table; two
	// outputs are created per mint (foundation + public).
	MintOutputs = 82
)

// Donation schedule. Amounts are in native base units.
var (
	DonationPerTx     = mustBig("2500000000000000000000000")
	DonationPerXcxPay = mustBig("10000000000000000000000000")

	// MintFoundationAmount and MintPublicAmount are the per-block amounts
	// paid to the two mint output destinations.
	MintFoundationAmount = mustBig("40000000000000000000000000000000")
	MintPublicAmount     = mustBig("9000000000000000000000000000000")
)

// =============================================================================
// Exchange mining
// =============================================================================

const (
	MiningUpdateTimeIncrement = 240 // seconds per mining period

	MiningMinCutoffFactor = 0.05
	MiningMaxCutoffFactor = 2.0

	MiningMultiplierIncThreshold = 0.5
	MiningMultiplierIncAmount    = 0.02
	MiningMultiplierMax          = 1.0

	MiningMultiplierDecThreshold  = 0.5
	MiningMultiplierDecMultiplier = 0.98
	MiningMultiplierMin           = 0.01

	MiningMinCutoffAmount = 1.0
	MiningAmountMinMax    = 1.0

	// Decay factors applied once per mining period.
	MiningShortDecayFactor = 0.97716    // half life =  30 periods =  2 hours
	MiningLongDecayFactor  = 0.99615659 // half life = 180 periods = 12 hours

	// Pool replenishment.
	MiningRemainingFractionPerInterval = 1.7583627e-6 // half life = 3 years
	MiningMinAmountPerInterval         = 100.0
	MiningMaxCurrentlyMineableIntervals = 3600.0 / MiningUpdateTimeIncrement

	MiningMaxFractionPerMatch = 0.05
	MiningMinFractionPerMatch = 0.01

	// MiningTotalToMine is the total reward pool in whole coins.
	MiningTotalToMine = 0.2 * 200000 * 50000
)

// Mining pool start times, rounded up to an epoch boundary at init.
const (
	MainnetMiningStartTime = 1718467200 // 15-Jun-2024 16:00:00 GMT
	TestnetMiningStartTime = 1718193600 // 12-Jun-2024 12:00:00 GMT
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("config: bad integer constant " + s)
	}
	return v
}
