package exchange

import (
	"fmt"
	"math/big"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
)

// AddPendingRequest decodes a relayed request that is not yet in a block
// and places it in the matcher's working set. Matching never runs against
// it until it becomes persistent, but wallets can already see it.
func (p *Matcher) AddPendingRequest(tagType wire.TxType, payload, objID []byte) error {
	x, err := XreqFromWire(tagType, payload)
	if err != nil {
		return err
	}

	x.Seqnum = p.store.NextSeqnum()
	x.ObjID = append([]byte(nil), objID...)

	if x.Type != wire.TxXcxMiningTrade {
		p.addRequest(x)
		return nil
	}

	x2 := x.Clone()

	x.ConvertTradeToBuy()
	x2.ConvertTradeToSell()

	x2.Seqnum = p.store.NextSeqnum()

	x.LinkedSeqnum = x2.Seqnum
	x2.LinkedSeqnum = x.Seqnum

	p.addRequest(x)
	p.addRequest(x2)

	return nil
}

// addRequest finishes a request's derived fields and inserts it into the
// working set, replacing any earlier copy with the same object id.
func (p *Matcher) addRequest(x *Xreq) {
	x.OpenAmount = cloneBig(x.MaxAmount)
	x.OpenRateRequired = x.MatchRateRequired(x.OpenAmount)
	x.RecalcTime = RecalcNext

	p.store.Add(x)
}

// AddXreq persists a request from a newly indelible block: it is assigned
// the next xreqnum, stamped with the block time, and written to the
// persistent request tables. A mining trade splits into a linked buy+sell
// pair with consecutive xreqnums.
func (p *Matcher) AddXreq(w *storage.WriteTx, blocktime uint64, x *Xreq) error {
	x.Xreqnum = p.ex.NextXreqnum(true)
	x.Blocktime = blocktime
	if x.Seqnum == 0 {
		x.Seqnum = p.store.NextSeqnum()
	}

	if x.Type != wire.TxXcxMiningTrade {
		return p.addOneXreq(w, x)
	}

	x2 := x.Clone()

	x.ConvertTradeToBuy()
	x2.ConvertTradeToSell()

	x2.Seqnum = p.store.NextSeqnum()
	x2.Xreqnum = p.ex.NextXreqnum(true)

	x.LinkedSeqnum = x2.Seqnum

	if err := p.addOneXreq(w, x); err != nil {
		return err
	}

	x2.LinkedSeqnum = x.Seqnum

	return p.addOneXreq(w, x2)
}

func (p *Matcher) addOneXreq(w *storage.WriteTx, x *Xreq) error {
	p.addRequest(x)

	req := NewXmatchreq(x)

	if err := w.MatchReqInsert(req.ToStorage()); err != nil {
		return fmt.Errorf("persisting xreqnum %d: %w", x.Xreqnum, err)
	}

	p.log.Debug("request persisted", "xreqnum", x.Xreqnum, "type", x.Type, "blocktime", x.Blocktime)

	return nil
}

// expireXreq closes one request. If it had been added to the blockchain
// and still has open amount, the remainder is refunded: a buyer gets its
// pledge back, a seller its unsold amount.
func (p *Matcher) expireXreq(w *storage.WriteTx, x *Xreq) error {
	p.store.Delete(x)

	if x.Xreqnum == 0 || bigZero(x.OpenAmount) {
		return nil
	}

	disposition := DispositionExpiredAll
	if x.OpenAmount.Cmp(x.MaxAmount) < 0 {
		disposition = DispositionExpiredRem
	}

	if err := w.MatchReqUpdateDisposition(x.Xreqnum, uint32(disposition)); err != nil {
		return err
	}

	if x.Type.HasBareMsg() {
		return nil
	}

	expireAmount := cloneBig(x.OpenAmount)
	if x.IsBuyer() {
		// Pledge amounts always round down.
		expireAmount.Mul(expireAmount, big.NewInt(int64(x.Pledge)))
		expireAmount.Quo(expireAmount, big.NewInt(100))
	}

	p.log.Debug("request expired", "xreqnum", x.Xreqnum, "disposition", disposition, "refund", expireAmount)

	_, err := p.outputs.CreateTxOutputs(w, x.BaseAsset, expireAmount, x.Destination, config.DefaultDomain)
	return err
}

// ExpireXreqs closes every request whose expire time has been reached by
// blockTime.
func (p *Matcher) ExpireXreqs(w *storage.WriteTx, blockTime uint64) error {
	for !p.shutdown.Load() {
		x, ok := p.store.SelectExpire(blockTime)
		if !ok {
			break
		}

		if x.ExpireTime > blockTime {
			return fmt.Errorf("%w: expire scan returned unexpired request", ErrMatchingInvariant)
		}

		if err := p.expireXreq(w, x); err != nil {
			return err
		}
	}

	return nil
}

// PruneXreqs keeps the request population bounded: the persistent set at
// most XreqMaxPersistentCount, and persistent+pending within the combined
// budget. While the persistent set is over its limit, pass 0 only prunes
// persistent requests below newXreqnum that never matched and have no
// pending match, and pass 1 prunes the oldest persistent requests. While
// only the combined budget is exceeded, both passes prune pending
// requests oldest first. A pruned request's linked partner is pruned with
// it.
func (p *Matcher) PruneXreqs(w *storage.WriteTx, newXreqnum uint64) error {
	for pass := 0; pass < 2; pass++ {
		nextXreqnum := uint64(1)

		for !p.shutdown.Load() {
			persistent := p.store.CountPersistent()
			pending := p.store.CountPending()

			overPersistent := persistent > config.XreqMaxPersistentCount

			if !overPersistent && persistent+pending <= config.XreqMaxPersistentCount+config.XreqMinNonPersistentCount {
				break
			}

			var x *Xreq
			var ok bool
			if overPersistent {
				x, ok = p.store.SelectXreqnum(nextXreqnum, 0)
			} else {
				x, ok = p.store.SelectNextPending()
			}
			if !ok {
				break
			}

			nextXreqnum = x.Xreqnum + 1

			if pass == 0 && overPersistent {
				if x.Xreqnum >= newXreqnum {
					break
				}
				neverMatched := x.OpenAmount.Cmp(x.MaxAmount) == 0
				if !neverMatched || x.PendingMatchRate != 0 {
					continue
				}
			}

			if err := p.expireXreq(w, x); err != nil {
				return err
			}

			if x.LinkedSeqnum == 0 {
				continue
			}

			partner, ok := p.store.SelectSeqnum(x.LinkedSeqnum)
			if !ok {
				continue
			}

			if err := p.expireXreq(w, partner); err != nil {
				return err
			}
		}
	}

	return nil
}
