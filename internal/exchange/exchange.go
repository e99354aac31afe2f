package exchange

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/pkg/logging"
)

// Exchange tracks the monotone request and match counters and restores the
// in-memory request store from the persistent tables at startup.
type Exchange struct {
	log *logging.Logger

	nextXreqnum   atomic.Uint64
	nextXmatchnum atomic.Uint64

	// dirty is set when a counter advances, so SaveNextNums writes at most
	// one Exchange_Nums row per block even when called repeatedly.
	dirty atomic.Bool
}

// NewExchange returns counters starting at 1.
func NewExchange(log *logging.Logger) *Exchange {
	ex := &Exchange{log: log}
	ex.nextXreqnum.Store(1)
	ex.nextXmatchnum.Store(1)
	return ex
}

// Init restores the counters from the latest Exchange_Nums snapshot.
func (ex *Exchange) Init(s *storage.Storage) error {
	nums, found, err := s.XcxNumsSelect(math.MaxInt64)
	if err != nil {
		return fmt.Errorf("exchange: restoring counters: %w", err)
	}
	if found {
		ex.nextXreqnum.Store(nums.NextXreqnum)
		ex.nextXmatchnum.Store(nums.NextXmatchnum)

		ex.log.Info("exchange counters restored",
			"level", nums.Level, "next_xreqnum", nums.NextXreqnum, "next_xmatchnum", nums.NextXmatchnum)
	}
	return nil
}

// NextXreqnum returns the next request number, advancing it when increment
// is set.
func (ex *Exchange) NextXreqnum(increment bool) uint64 {
	if increment {
		ex.dirty.Store(true)
		return ex.nextXreqnum.Add(1) - 1
	}
	return ex.nextXreqnum.Load()
}

// NextXmatchnum returns the next match number, advancing it when increment
// is set.
func (ex *Exchange) NextXmatchnum(increment bool) uint64 {
	if increment {
		ex.dirty.Store(true)
		return ex.nextXmatchnum.Add(1) - 1
	}
	return ex.nextXmatchnum.Load()
}

// SaveNextNums records the counters at a block level. Idempotent per
// block: nothing is written unless a counter advanced.
func (ex *Exchange) SaveNextNums(w *storage.WriteTx, level, timestamp uint64) error {
	if !ex.dirty.Swap(false) {
		return nil
	}

	return w.XcxNumsInsert(storage.ExchangeNums{
		Level:         level,
		Timestamp:     timestamp,
		NextXreqnum:   ex.nextXreqnum.Load(),
		NextXmatchnum: ex.nextXmatchnum.Load(),
	})
}

// XreqBlockTime finds the timestamp of the block that persisted an xreqnum
// by binary-searching the Exchange_Nums snapshots: the answer is the lowest
// level whose next_xreqnum exceeds the target.
func XreqBlockTime(s *storage.Storage, xreqnum uint64) (uint64, error) {
	lowerLevel := uint64(0)
	upperLevel := uint64(math.MaxInt64)

	blocktime := uint64(0)

	for {
		searchLevel := (lowerLevel + upperLevel) / 2
		if searchLevel == lowerLevel {
			break
		}

		nums, found, err := s.XcxNumsSelect(searchLevel)
		if err != nil {
			return 0, fmt.Errorf("exchange: request blocktime search: %w", err)
		}

		next := uint64(0)
		if found {
			next = nums.NextXreqnum
		}

		if next <= xreqnum {
			lowerLevel = searchLevel
		} else {
			upperLevel = nums.Level
			blocktime = nums.Timestamp
		}
	}

	return blocktime, nil
}

// Restore rebuilds the in-memory request store from the persistent tables:
// every open Exchange_Match_Reqs row with a live matching row is loaded,
// its derived matching fields recomputed, and mining trade pairs relinked
// by their consecutive xreqnums.
func (ex *Exchange) Restore(s *storage.Storage, store *Store) error {
	nextXreqnum := uint64(1)
	expectedMiningSell := uint64(0)

	for {
		row, found, err := s.MatchReqSelectMatching(nextXreqnum)
		if err != nil {
			return fmt.Errorf("exchange: restoring requests: %w", err)
		}
		if !found {
			break
		}

		if row.Xreqnum >= ex.nextXreqnum.Load() {
			return fmt.Errorf("exchange: restored xreqnum %d beyond counter %d", row.Xreqnum, ex.nextXreqnum.Load())
		}

		nextXreqnum = row.Xreqnum + 1

		req := XmatchreqFromStorage(row)
		if req.Disposition.IsClosed() || bigZero(req.OpenAmount) {
			continue
		}

		blocktime, err := XreqBlockTime(s, req.Xreqnum)
		if err != nil {
			return err
		}

		x := &Xreq{
			Xreqnum: req.Xreqnum,
			ObjID:   req.ObjID,
			Type:    req.Type,

			ExpireTime:   req.ExpireTime,
			BaseAsset:    req.BaseAsset,
			QuoteAsset:   req.QuoteAsset,
			ForeignAsset: req.ForeignAsset,
			MinAmount:    req.MinAmount,
			MaxAmount:    req.MaxAmount,

			NetRateRequired: req.NetRateRequired,
			WaitDiscount:    req.WaitDiscount,
			BaseCosts:       req.BaseCosts,
			QuoteCosts:      req.QuoteCosts,

			Flags: req.Flags,

			ConsiderationRequired: req.ConsiderationRequired,
			ConsiderationOffered:  req.ConsiderationOffered,
			Pledge:                req.Pledge,
			HoldTime:              req.HoldTime,
			HoldTimeRequired:      req.HoldTimeRequired,
			MinWaitTime:           req.MinWaitTime,
			AcceptTimeRequired:    req.AcceptTimeRequired,
			AcceptTimeOffered:     req.AcceptTimeOffered,
			PaymentTime:           req.PaymentTime,
			Confirmations:         req.Confirmations,

			ForeignAddress: req.ForeignAddress,
			Destination:    req.Destination,
			PubSigningKey:  req.PubSigningKey,

			Blocktime:  blocktime,
			OpenAmount: req.OpenAmount,
			RecalcTime: RecalcNext,
		}

		x.OpenRateRequired = x.MatchRateRequired(x.OpenAmount)
		x.Seqnum = store.NextSeqnum()

		// A linked pair of mining buy and sell reqs always have sequential
		// xreqnums. One of the pair might be missing if it was pruned, so
		// only link both ways when the xreqnums are consecutive.
		if x.Type == wire.TxXcxMiningSell && x.Xreqnum == expectedMiningSell {
			x.LinkedSeqnum = x.Seqnum - 1
		}
		if x.Type == wire.TxXcxMiningBuy {
			x.LinkedSeqnum = x.Seqnum + 1
			expectedMiningSell = x.Xreqnum + 1
		}

		ex.log.Debug("restoring request", "xreqnum", x.Xreqnum, "type", x.Type, "seqnum", x.Seqnum)

		store.Add(x)
	}

	return nil
}
