package exchange

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/big"
	"sync"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/pkg/logging"
)

// MatchStats are the moving averages the mining reward tracks.
type MatchStats struct {
	AvgAmount                  float64
	AvgAmountWeight            float64
	AvgMatchRateRequired       float64
	AvgMatchRateRequiredWeight float64
	AvgMatchRate               float64
	AvgMatchRateWeight         float64
}

// MiningParams is the persistent exchange-mining state, stored under one
// parameter key and saved whenever it changes inside a block commit.
type MiningParams struct {
	TotalMined           *big.Int
	TotalRemainingToMine *big.Int

	Stats MatchStats

	RemainingFractionPerInterval   float64
	MinAmountPerInterval           float64
	MaxCurrentlyMineableIntervals  float64
	LastNominalMineableIncrease    float64
	CurrentlyMineableAmount        float64
	MaxCurrentlyMineableAmount     float64

	ShortDecayFactor float64
	LongDecayFactor  float64

	AmountMultiplier     float64
	MaxFractionPerMatch  float64
	MinFractionPerMatch  float64

	Period uint64

	UpdateTimeIncrement uint64
}

// Mining pays incentives to qualifying buy-side matches out of a decaying
// pool. All methods that touch `saved` are called while the persistent
// write mutex is held; the copy under copyMu serves concurrent readers.
type Mining struct {
	log *logging.Logger

	saved MiningParams

	copyMu sync.Mutex
	copy   MiningParams

	savedCounter uint32
	copyCounter  uint32

	StartTime  uint64
	MinedAsset uint64
}

// NewMining initializes the mining schedule for a blockchain.
func NewMining(blockchain uint64, log *logging.Logger) *Mining {
	m := &Mining{
		log:        log,
		MinedAsset: config.MinedAsset,
	}

	if config.IsTestnet(blockchain) {
		m.StartTime = TestnetMiningStart()
	} else {
		m.StartTime = MainnetMiningStart()
	}

	m.saved = MiningParams{
		TotalMined:           new(big.Int),
		TotalRemainingToMine: AmountFromFloat(config.MinedAsset, config.MiningTotalToMine),

		Stats: MatchStats{
			AvgAmount:       500,
			AvgAmountWeight: 100, // init weights so first mining match doesn't completely reset the averages

			AvgMatchRateRequired:       1.0 / 5000,
			AvgMatchRateRequiredWeight: 100 * 500,

			AvgMatchRate: 1.0 / 5000,
		},

		RemainingFractionPerInterval:  config.MiningRemainingFractionPerInterval,
		MinAmountPerInterval:          config.MiningMinAmountPerInterval,
		MaxCurrentlyMineableIntervals: config.MiningMaxCurrentlyMineableIntervals,

		ShortDecayFactor: config.MiningShortDecayFactor,
		LongDecayFactor:  config.MiningLongDecayFactor,

		AmountMultiplier:    config.MiningMultiplierMax,
		MaxFractionPerMatch: config.MiningMaxFractionPerMatch,
		MinFractionPerMatch: config.MiningMinFractionPerMatch,

		UpdateTimeIncrement: config.MiningUpdateTimeIncrement,
	}

	m.copyCounter = ^uint32(0)

	log.Info("exchange mining initialized", "start_time", m.StartTime,
		"total_to_mine", m.saved.TotalRemainingToMine)

	return m
}

// MainnetMiningStart returns the mainnet pool start, aligned up to an
// epoch boundary.
func MainnetMiningStart() uint64 {
	return alignEpoch(config.MainnetMiningStartTime)
}

// TestnetMiningStart returns the testnet pool start, aligned up to an
// epoch boundary.
func TestnetMiningStart() uint64 {
	return alignEpoch(config.TestnetMiningStartTime)
}

func alignEpoch(t uint64) uint64 {
	t += config.MatchingEpochSecs - 1
	t /= config.MatchingEpochSecs
	return t * config.MatchingEpochSecs
}

// Save persists the mining state if it changed since the last save.
func (m *Mining) Save(w *storage.WriteTx) error {
	if m.savedCounter == m.copyCounter {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m.saved); err != nil {
		return fmt.Errorf("mining: encoding state: %w", err)
	}

	if err := w.ParameterInsert(storage.ParamXMining, 0, buf.Bytes()); err != nil {
		return fmt.Errorf("mining: saving state: %w", err)
	}

	m.snapshot()
	return nil
}

// Restore loads the mining state persisted by a prior run.
func (m *Mining) Restore(s *storage.Storage) error {
	value, found, err := s.ParameterSelect(storage.ParamXMining, 0)
	if err != nil {
		return fmt.Errorf("mining: restoring state: %w", err)
	}
	if !found {
		return nil
	}

	var params MiningParams
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&params); err != nil {
		return fmt.Errorf("mining: decoding state: %w", err)
	}

	m.saved = params
	m.snapshot()

	m.log.Info("exchange mining restored", "period", m.saved.Period,
		"total_mined", m.saved.TotalMined, "remaining", m.saved.TotalRemainingToMine)

	return nil
}

func (m *Mining) snapshot() {
	m.copyMu.Lock()
	defer m.copyMu.Unlock()

	m.copy = m.saved
	m.copy.TotalMined = cloneBig(m.saved.TotalMined)
	m.copy.TotalRemainingToMine = cloneBig(m.saved.TotalRemainingToMine)
	m.copyCounter = m.savedCounter
}

// Params returns a copy of the most recently committed mining state.
func (m *Mining) Params() MiningParams {
	m.copyMu.Lock()
	defer m.copyMu.Unlock()

	params := m.copy
	params.TotalMined = cloneBig(m.copy.TotalMined)
	params.TotalRemainingToMine = cloneBig(m.copy.TotalRemainingToMine)
	return params
}

func updateWeightedAverage(avg, weight *float64, amt, newWeight float64) {
	*avg = *avg**weight + amt
	*weight += newWeight
	*avg /= *weight
}

// UpdateTime advances the mining period to the one covering timestamp,
// decaying the averages and replenishing the mineable pool once per
// elapsed period. Returns true when mining has not started yet.
func (m *Mining) UpdateTime(timestamp uint64) bool {
	if m.StartTime == 0 || timestamp < m.StartTime {
		return true
	}

	period := (timestamp-m.StartTime)/m.saved.UpdateTimeIncrement + 1

	if period != m.saved.Period {
		m.savedCounter++
	}

	for period > m.saved.Period {
		m.saved.Period++

		m.saved.Stats.AvgAmountWeight *= m.saved.LongDecayFactor
		m.saved.Stats.AvgMatchRateRequiredWeight *= m.saved.ShortDecayFactor
		m.saved.Stats.AvgMatchRateWeight *= m.saved.LongDecayFactor

		remaining := AmountToFloat(m.MinedAsset, m.saved.TotalRemainingToMine)

		m.saved.LastNominalMineableIncrease = remaining * m.saved.RemainingFractionPerInterval
		if m.saved.LastNominalMineableIncrease < m.saved.MinAmountPerInterval {
			m.saved.LastNominalMineableIncrease = m.saved.MinAmountPerInterval
		}

		m.saved.MaxCurrentlyMineableAmount = m.saved.LastNominalMineableIncrease * m.saved.MaxCurrentlyMineableIntervals

		m.saved.CurrentlyMineableAmount += m.saved.LastNominalMineableIncrease
		if m.saved.CurrentlyMineableAmount > m.saved.MaxCurrentlyMineableAmount {
			m.saved.CurrentlyMineableAmount = m.saved.MaxCurrentlyMineableAmount
		}

		currentFrac := m.saved.CurrentlyMineableAmount / m.saved.MaxCurrentlyMineableAmount

		if currentFrac > config.MiningMultiplierIncThreshold {
			m.saved.AmountMultiplier += config.MiningMultiplierIncAmount
			if m.saved.AmountMultiplier > config.MiningMultiplierMax {
				m.saved.AmountMultiplier = config.MiningMultiplierMax
			}
		}
	}

	return false
}

// updateStats folds a match into the moving averages. Returns true when
// the match is not mineable.
func (m *Mining) updateStats(match *Xmatch) (baseAmount, buyerRateRequired float64, skip bool) {
	baseAmount = AmountToFloat(match.XSell.BaseAsset, match.BaseAmount)
	if baseAmount <= 0 {
		m.log.Warn("mining stats: non-positive base amount", "xmatchnum", match.Xmatchnum)
		return 0, 0, true
	}

	updateWeightedAverage(&m.saved.Stats.AvgAmount, &m.saved.Stats.AvgAmountWeight, baseAmount, 1)

	// No rate tracking or mining for very small matches.
	if baseAmount < m.saved.Stats.AvgAmount*config.MiningMinCutoffFactor {
		return 0, 0, true
	}

	// To prevent whales from manipulating the mining parameters, skip
	// matches larger than twice the average amount.
	if baseAmount > m.saved.Stats.AvgAmount*config.MiningMaxCutoffFactor {
		return 0, 0, true
	}

	if match.XBuy.NetRateRequired <= 0 {
		m.log.Warn("mining stats: non-positive net rate", "xmatchnum", match.Xmatchnum)
		return 0, 0, true
	}

	buyer := Xreq{
		Type:            match.XBuy.Type,
		BaseCosts:       match.XBuy.BaseCosts,
		QuoteCosts:      match.XBuy.QuoteCosts,
		NetRateRequired: match.XBuy.NetRateRequired,
		BaseAsset:       match.XBuy.BaseAsset,
	}

	buyerRateRequired = buyer.MatchRateRequired(AmountFromFloat(buyer.BaseAsset, baseAmount))

	if match.XBuy.Type == wire.TxXcxMiningBuy {
		buyerRateRequired *= 2
	}

	if buyerRateRequired <= 0 {
		return 0, 0, true
	}

	weightedRate := baseAmount * buyerRateRequired
	updateWeightedAverage(&m.saved.Stats.AvgMatchRateRequired, &m.saved.Stats.AvgMatchRateRequiredWeight, weightedRate, baseAmount)

	return baseAmount, buyerRateRequired, false
}

// computeAmount determines the reward for a qualifying match and adjusts
// the multiplier when the pool is running low.
func (m *Mining) computeAmount(baseAmount, buyerRateRequired float64) float64 {
	if m.saved.CurrentlyMineableAmount <= 0 {
		return 0
	}

	if buyerRateRequired <= m.saved.Stats.AvgMatchRateRequired {
		return 0
	}

	currentFrac := m.saved.CurrentlyMineableAmount / m.saved.MaxCurrentlyMineableAmount

	miningAmount := baseAmount * m.saved.AmountMultiplier
	maxAmount := m.saved.CurrentlyMineableAmount * m.saved.MaxFractionPerMatch
	minMax := m.saved.MaxCurrentlyMineableAmount * m.saved.MinFractionPerMatch

	if minMax < config.MiningAmountMinMax {
		minMax = config.MiningAmountMinMax
	}
	if maxAmount < minMax {
		maxAmount = minMax
	}
	if miningAmount > maxAmount {
		miningAmount = maxAmount
	}
	if miningAmount > m.saved.CurrentlyMineableAmount {
		miningAmount = m.saved.CurrentlyMineableAmount
	}
	if miningAmount < config.MiningMinCutoffAmount {
		return 0
	}

	if currentFrac < config.MiningMultiplierDecThreshold {
		m.saved.AmountMultiplier *= config.MiningMultiplierDecMultiplier
		if m.saved.AmountMultiplier < config.MiningMultiplierMin {
			m.saved.AmountMultiplier = config.MiningMultiplierMin
		}
	}

	return miningAmount
}

// mineable reports whether a match can earn mining rewards: a buy against
// the mined foreign chain, paying out in the native base asset.
func mineable(match *Xmatch) bool {
	if match.XBuy.Type != wire.TxXcxSimpleBuy && match.XBuy.Type != wire.TxXcxMiningBuy {
		return false
	}
	return match.XBuy.QuoteAsset == config.ForeignBlockchainBCH && match.XBuy.BaseAsset == config.NativeAsset
}

// SetMiningAmount assigns the reward for a newly persistent match and
// reserves it from the mineable pool.
func (m *Mining) SetMiningAmount(match *Xmatch) {
	if bigZero(m.saved.TotalRemainingToMine) {
		return
	}
	if !mineable(match) {
		return
	}

	if m.UpdateTime(match.MatchTimestamp) {
		return
	}

	m.savedCounter++

	baseAmount, buyerRateRequired, skip := m.updateStats(match)
	if skip {
		return
	}

	match.MiningAmount = m.computeAmount(baseAmount, buyerRateRequired)

	m.saved.CurrentlyMineableAmount -= match.MiningAmount
	if m.saved.CurrentlyMineableAmount < 0 {
		m.saved.CurrentlyMineableAmount = 0
	}
}

// AdjustedMiningAmount clamps the match reward to what remains mineable.
func (m *Mining) AdjustedMiningAmount(match *Xmatch) *big.Int {
	if match.MiningAmount == 0 {
		return new(big.Int)
	}

	adj := AmountFromFloat(m.MinedAsset, match.MiningAmount)
	if adj.Cmp(m.saved.TotalRemainingToMine) > 0 {
		adj = cloneBig(m.saved.TotalRemainingToMine)
	}
	return adj
}

// FinalizeMiningAmount moves a paid reward from the remaining pool to the
// mined total.
func (m *Mining) FinalizeMiningAmount(match *Xmatch, adj *big.Int) {
	if match.MiningAmount == 0 {
		return
	}

	match.MiningAmount = AmountToFloat(m.MinedAsset, adj)

	m.savedCounter++

	m.saved.TotalRemainingToMine.Sub(m.saved.TotalRemainingToMine, adj)
	if m.saved.TotalRemainingToMine.Sign() < 0 {
		m.saved.TotalRemainingToMine.SetInt64(0)
	}
	m.saved.TotalMined.Add(m.saved.TotalMined, adj)

	if m.saved.TotalRemainingToMine.Sign() == 0 {
		m.saved.CurrentlyMineableAmount = 0
	}
}

// UpdateMatchStats folds the realized rate of a settled match into the
// long-horizon average.
func (m *Mining) UpdateMatchStats(match *Xmatch, buyerAmount *big.Int) {
	if !mineable(match) {
		return
	}
	if bigZero(buyerAmount) {
		return
	}

	baseAmount := AmountToFloat(match.XBuy.BaseAsset, buyerAmount)
	rate := match.AmountPaid / baseAmount

	weightedRate := baseAmount * rate
	updateWeightedAverage(&m.saved.Stats.AvgMatchRate, &m.saved.Stats.AvgMatchRateWeight, weightedRate, baseAmount)
}
