package exchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/pkg/logging"
)

// ErrMatchingInvariant marks a matching-engine invariant violation. The
// node treats it as fatal and refuses further writes.
var ErrMatchingInvariant = errors.New("exchange: matching invariant violated")

// OutputCreator creates settlement outputs inside the current write. It is
// implemented by the ledger, which owns the commitment tree. The returned
// residual is the part of total too small to represent in an output.
type OutputCreator interface {
	CreateTxOutputs(w *storage.WriteTx, asset uint64, total *big.Int, dest []byte, domain uint32) (*big.Int, error)
}

type startMsg struct {
	blockTime  uint64
	maxXreqnum uint64
}

// Matcher runs the per-epoch exchange matching rounds on a single worker
// goroutine. The block-processing goroutine drives it: at each epoch
// boundary it waits for the previous round to go idle, persists the round's
// pending matches, and starts the next round against a frozen max xreqnum.
type Matcher struct {
	log      *logging.Logger
	store    *Store
	ex       *Exchange
	mining   *Mining
	outputs  OutputCreator
	shutdown *atomic.Bool

	// OnFatal is invoked when the matching worker hits an invariant
	// violation; the ledger wires it to its fatal-error flag.
	OnFatal func(error)

	lastMatchedBlockTime uint64
	matchingBlockTime    atomic.Uint64
	matchingMaxXreqnum   atomic.Uint64
	lastMatchingEpoch    uint64

	passnum uint64

	started bool
	dead    chan struct{}

	startCh chan startMsg
	idleCh  chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewMatcher wires the matching engine to its collaborators.
func NewMatcher(store *Store, ex *Exchange, mining *Mining, outputs OutputCreator, shutdown *atomic.Bool, log *logging.Logger) *Matcher {
	return &Matcher{
		log:      log,
		store:    store,
		ex:       ex,
		mining:   mining,
		outputs:  outputs,
		shutdown: shutdown,
		dead:     make(chan struct{}),
		startCh:  make(chan startMsg, 1),
		idleCh:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Init restores the frozen max xreqnum of the interrupted round, starts the
// worker, and kicks off a matching round for the current epoch.
func (p *Matcher) Init(s *storage.Storage, blockLevel, blockTime uint64) error {
	p.lastMatchingEpoch = blockTime / config.MatchingEpochSecs
	p.matchingBlockTime.Store(p.lastMatchingEpoch * config.MatchingEpochSecs)

	value, found, err := s.ParameterSelect(storage.ParamXMatching, 0)
	if err != nil {
		return fmt.Errorf("exchange: restoring matching state: %w", err)
	}
	if found && len(value) == 8 {
		p.matchingMaxXreqnum.Store(binary.LittleEndian.Uint64(value))
	}

	p.log.Info("exchange matching starting",
		"block_level", blockLevel, "block_time", blockTime,
		"epoch", p.lastMatchingEpoch, "max_xreqnum", p.matchingMaxXreqnum.Load())

	p.started = true

	p.wg.Add(1)
	go p.worker()

	p.startCh <- startMsg{p.matchingBlockTime.Load(), p.matchingMaxXreqnum.Load()}

	return nil
}

// Stop shuts the worker down and waits for it.
func (p *Matcher) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// LastMatchedBlockTime returns the block time of the last completed round.
func (p *Matcher) LastMatchedBlockTime() uint64 { return p.lastMatchedBlockTime }

// MatchingBlockTime returns the block time of the current round.
func (p *Matcher) MatchingBlockTime() uint64 { return p.matchingBlockTime.Load() }

func (p *Matcher) worker() {
	defer p.wg.Done()
	defer p.log.Info("matching worker done")

	p.log.Info("matching worker started")

	for {
		var msg startMsg
		select {
		case <-p.quit:
			return
		case msg = <-p.startCh:
		}

		if p.shutdown.Load() {
			return
		}

		if err := p.MatchReqs(msg.blockTime, msg.maxXreqnum); err != nil {
			p.log.Error("exchange matching failed", "error", err)
			if p.OnFatal != nil {
				p.OnFatal(err)
			}
			close(p.dead)
			return
		}

		select {
		case p.idleCh <- struct{}{}:
		case <-p.quit:
			return
		}
	}
}

// waitIdle blocks until the worker finishes the current round. Returns
// false on shutdown or worker death.
func (p *Matcher) waitIdle() bool {
	select {
	case <-p.idleCh:
		return true
	case <-p.dead:
		return false
	case <-p.quit:
		return false
	}
}

// SynchronizeMatching is called by the block-processing goroutine with the
// write mutex held, once per newly indelible block. At each epoch boundary
// it consumes the finished round's pending matches, expires and prunes
// requests, and starts the next round.
func (p *Matcher) SynchronizeMatching(w *storage.WriteTx, blockLevel, blockTime, newXreqnum uint64) error {
	if !p.started {
		return nil
	}

	epoch := blockTime / config.MatchingEpochSecs
	if epoch == p.lastMatchingEpoch {
		return nil
	}
	p.lastMatchingEpoch = epoch

	if !p.waitIdle() {
		return nil
	}

	roundTime := p.matchingBlockTime.Load()

	if err := p.MakeMatchesPersistent(w, roundTime); err != nil {
		return err
	}

	p.mining.UpdateTime(roundTime)

	p.lastMatchedBlockTime = roundTime
	p.matchingBlockTime.Store(epoch * config.MatchingEpochSecs)

	// Close requests that have expired (blocktime >= expire_time).
	if err := p.ExpireXreqs(w, p.matchingBlockTime.Load()); err != nil {
		return err
	}

	// Limit the number of requests so matching doesn't bog down.
	if err := p.PruneXreqs(w, newXreqnum); err != nil {
		return err
	}

	maxXreqnum := p.ex.NextXreqnum(false) - 1
	p.matchingMaxXreqnum.Store(maxXreqnum)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], maxXreqnum)
	if err := w.ParameterInsert(storage.ParamXMatching, 0, buf[:]); err != nil {
		return err
	}

	// A shutdown can race this send from the confirmation goroutine; the
	// quit case abandons the round instead of handing it to a dead worker.
	select {
	case p.startCh <- startMsg{p.matchingBlockTime.Load(), maxXreqnum}:
	case <-p.quit:
	}

	return nil
}

// clearBest resets a request's best-potential-match fields so the next
// pass recomputes them from scratch.
func clearBest(x *Xreq) {
	x.BestAmount = nil
	x.BestRate = 0
	x.BestNetRate = 0
	x.BestOtherSeqnum = 0
	x.BestOtherXreqnum = 0
	x.BestOtherMatchingAmount = nil
	x.BestOtherNetRate = 0
}

// matchingInitPass sets each request's recalc flag for the coming pass.
// On the first pass of a round, the matchable amount is reset to the open
// amount and a request recalcs when its recalc time has been reached. On
// later passes a request recalcs when it or its best potential match was
// consumed by a match in the prior pass.
func (p *Matcher) matchingInitPass(blockTime uint64, firstPass bool, priorPassnum, maxXreqnum uint64) {
	p.store.ForEach(func(x *Xreq) {
		if x.Xreqnum == 0 || x.Xreqnum > maxXreqnum {
			return
		}

		if firstPass {
			x.MatchingAmount = cloneBig(x.OpenAmount)
			x.MatchingRateRequired = x.MatchRateRequired(x.MatchingAmount)

			x.Recalc = x.RecalcTime <= int64(blockTime)
			if x.Recalc {
				x.RecalcTime = RecalcNot
			}
		} else {
			x.Recalc = x.LastMatched == priorPassnum

			if !x.Recalc && x.BestOtherSeqnum != 0 {
				other, ok := p.store.SelectSeqnum(x.BestOtherSeqnum)
				if !ok || other.LastMatched == priorPassnum || other.ExpireTime <= blockTime {
					x.Recalc = true
				}
			}
		}

		// A request holding a pending actual match keeps its best-match
		// link; MakeMatchesPersistent follows it to the partner.
		if x.Recalc && x.PendingMatchOrder == 0 {
			clearBest(x)
		}
	})
}

// MatchReqs runs one complete matching round: repeated passes over every
// tradable pair until no mutual best match changes, then mining-trade
// matches. Nothing in here touches the persistent store — the results are
// consumed by MakeMatchesPersistent at the next epoch boundary.
func (p *Matcher) MatchReqs(blockTime, maxXreqnum uint64) error {
	epoch := blockTime / config.MatchingEpochSecs

	p.log.Debug("matching round start", "epoch", epoch, "block_time", blockTime, "max_xreqnum", maxXreqnum)

	firstPass := true
	haveMatches := true
	nextMatchIndex := uint64(1)

	for inner := 0; haveMatches && inner < config.MatchingMaxPasses && !p.shutdown.Load(); {
		priorPassnum := p.passnum
		p.passnum++

		haveMatches = false
		changedBest := false

		p.matchingInitPass(blockTime, firstPass, priorPassnum, maxXreqnum)
		firstPass = false

		for _, pair := range p.store.Pairs(maxXreqnum) {
			for _, major := range p.store.Majors(pair, maxXreqnum) {
				for _, minor := range p.store.Minors(pair, major, maxXreqnum) {
					if p.shutdown.Load() {
						return nil
					}
					inner++

					changed, err := p.CheckMatch(major, minor, blockTime)
					if err != nil {
						return err
					}
					changedBest = changedBest || changed
				}
			}
		}

		if changedBest {
			var err error
			haveMatches, err = p.FindMutualMatches(p.passnum, &nextMatchIndex, blockTime, maxXreqnum)
			if err != nil {
				return err
			}
		}
	}

	if err := p.AddMiningMatches(&nextMatchIndex, blockTime, maxXreqnum); err != nil {
		return err
	}

	p.store.ClearOldPendingMatches(epoch, maxXreqnum)

	p.log.Debug("matching round done", "epoch", epoch)

	return nil
}

// CompareRates reports whether other is a better match for self than
// self's current best. The tie-break order makes the preference total:
// net rate, opposite net rate (favoring mutual matches), amount (larger
// wins), opposite matchable amount (larger wins, round-robining as amounts
// shrink), opposite xreqnum (lower wins, definitive for persistent
// requests), opposite seqnum.
func CompareRates(self *Xreq, selfNetRate float64, other *Xreq, otherNetRate float64, amount *big.Int) bool {
	// Buyer wants a lower rate; seller wants a higher rate.

	if bigZero(self.BestAmount) {
		return true
	}

	if selfNetRate != self.BestNetRate {
		return self.IsBuyer() != (selfNetRate > self.BestNetRate)
	}

	if otherNetRate != self.BestOtherNetRate {
		return self.IsBuyer() != (otherNetRate < self.BestOtherNetRate)
	}

	if amount.Cmp(self.BestAmount) != 0 {
		return amount.Cmp(self.BestAmount) > 0
	}

	otherMatching := other.MatchingAmount
	if otherMatching == nil {
		otherMatching = new(big.Int)
	}
	best := self.BestOtherMatchingAmount
	if best == nil {
		best = new(big.Int)
	}
	if otherMatching.Cmp(best) != 0 {
		return otherMatching.Cmp(best) > 0
	}

	if other.Xreqnum != self.BestOtherXreqnum {
		return self.BestOtherXreqnum == 0 || (other.Xreqnum != 0 && other.Xreqnum < self.BestOtherXreqnum)
	}

	return other.Seqnum < self.BestOtherSeqnum
}

func computeElapsed(xreqTime, blockTime uint64) uint64 {
	if blockTime <= xreqTime {
		return 0
	}
	return blockTime - xreqTime
}

func computeHold(elapsed, required uint64) uint64 {
	if required <= elapsed {
		return 0
	}
	return required - elapsed
}

func computeNetHold(x, other *Xreq, blockTime uint64) uint64 {
	elapsed := computeElapsed(x.Blocktime, blockTime)

	hold1 := computeHold(elapsed, x.HoldTime)
	hold2 := computeHold(elapsed, other.HoldTimeRequired)

	if hold1 > hold2 {
		return hold1
	}
	return hold2
}

// ComputeMatchHold returns the remaining hold before a buyer/seller pair
// may actually match: the max of each side's own hold and the hold the
// other side requires of it.
func ComputeMatchHold(buyer, seller *Xreq, blockTime uint64) uint64 {
	hold1 := computeNetHold(buyer, seller, blockTime)
	hold2 := computeNetHold(seller, buyer, blockTime)

	if hold1 > hold2 {
		return hold1
	}
	return hold2
}

// powInt computes base^exp by repeated multiplication, keeping the result
// bit-identical across platforms.
func powInt(base float64, exp uint64) float64 {
	result := 1.0
	for ; exp > 0; exp >>= 1 {
		if exp&1 != 0 {
			result *= base
		}
		base *= base
	}
	return result
}

// computeDiscount applies the wait discount to a net rate in place and
// schedules the request's next re-evaluation at the discount boundary.
func (p *Matcher) computeDiscount(x *Xreq, rate *float64, hold, blockTime uint64) {
	if hold <= x.MinWaitTime || *rate == 0 || x.WaitDiscount == 0 {
		return
	}

	hold -= x.MinWaitTime - 1

	factor := powInt(1-x.WaitDiscount, 1+hold/config.WaitDiscountInterval)

	newRate := *rate
	if x.IsBuyer() {
		newRate = *rate / factor
	} else {
		newRate = *rate * factor
	}

	if newRate == *rate {
		p.log.Warn("wait discount underflow", "rate", *rate, "hold", hold, "wait_discount", x.WaitDiscount)
		return
	}

	recalcTime := int64(blockTime + config.WaitDiscountInterval - hold%config.WaitDiscountInterval)

	if x.RecalcTime == RecalcNot || recalcTime < x.RecalcTime {
		x.RecalcTime = recalcTime
		x.changed = true
	}

	*rate = newRate
}

// setMatch records other as self's new best potential match.
func (p *Matcher) setMatch(amount *big.Int, rate float64, hold bool, self *Xreq, selfNetRate float64, other *Xreq, otherNetRate float64) error {
	self.BestAmount = cloneBig(amount)
	self.BestRate = rate
	self.BestNetRate = selfNetRate
	self.BestOtherSeqnum = other.Seqnum
	self.BestOtherXreqnum = other.Xreqnum
	self.BestOtherMatchingAmount = cloneBig(other.MatchingAmount)
	self.BestOtherNetRate = otherNetRate

	if hold {
		// The on-hold match is cleared out of the best-match fields at the
		// next round, so the request must recalc to find it again.
		self.RecalcTime = RecalcNext
	}

	self.changed = true

	if !self.Recalc && !other.Recalc {
		return fmt.Errorf("%w: match set without recalc on xreqnum %d or %d",
			ErrMatchingInvariant, self.Xreqnum, other.Xreqnum)
	}

	return nil
}

// CheckMatch evaluates one buyer/seller candidate pair and updates each
// side's best potential match. Returns true when either side's best
// changed.
func (p *Matcher) CheckMatch(buyer, seller *Xreq, blockTime uint64) (bool, error) {
	// To ensure integrity of mining, crosschain buys only match crosschain
	// sells.
	if (buyer.Type == wire.TxXcxSimpleBuy || buyer.Type == wire.TxXcxMiningBuy) &&
		seller.Type != wire.TxXcxSimpleSell && seller.Type != wire.TxXcxMiningSell {
		return false, nil
	}

	if !buyer.Recalc && !seller.Recalc {
		return false, fmt.Errorf("%w: candidate pair without recalc", ErrMatchingInvariant)
	}

	amount := buyer.MatchingAmount
	if amount.Cmp(seller.MatchingAmount) > 0 {
		amount = seller.MatchingAmount

		if buyer.BaseAmountFloat(amount) <= buyer.BaseCosts {
			return false, nil
		}
	}

	buyerRateReq := buyer.MatchingRateRequired
	if amount.Cmp(buyer.MatchingAmount) < 0 {
		buyerRateReq = buyer.MatchRateRequired(amount)
		if buyerRateReq < seller.MatchingRateRequired {
			return false, nil
		}
	}

	sellerRateReq := seller.MatchingRateRequired
	if amount.Cmp(seller.MatchingAmount) < 0 {
		sellerRateReq = seller.MatchRateRequired(amount)
		if sellerRateReq > buyerRateReq {
			return false, nil
		}
	}

	matchRate := (buyerRateReq + sellerRateReq) / 2

	buyerNetRate := buyer.NetRate(amount, matchRate)
	sellerNetRate := seller.NetRate(amount, matchRate)

	hold := ComputeMatchHold(buyer, seller, blockTime)

	if buyer.ExpireTime <= blockTime+hold {
		return false, nil
	}
	if seller.ExpireTime <= blockTime+hold {
		return false, nil
	}

	if hold > 0 {
		p.computeDiscount(buyer, &buyerNetRate, hold, blockTime)
		p.computeDiscount(seller, &sellerNetRate, hold, blockTime)
	}

	changedBest := false

	if CompareRates(buyer, buyerNetRate, seller, sellerNetRate, amount) {
		if err := p.setMatch(amount, matchRate, hold > 0, buyer, buyerNetRate, seller, sellerNetRate); err != nil {
			return false, err
		}
		changedBest = true
	}

	if CompareRates(seller, sellerNetRate, buyer, buyerNetRate, amount) {
		if err := p.setMatch(amount, matchRate, hold > 0, seller, sellerNetRate, buyer, buyerNetRate); err != nil {
			return false, err
		}
		changedBest = true
	}

	buyer.changed = false
	seller.changed = false

	return changedBest, nil
}

// updateMutualMatch consumes one side's matchable amount for a mutual best
// match and records the pending match for the wallet-facing state.
func (p *Matcher) updateMutualMatch(x, other *Xreq, matchAmount *big.Int, matchRate float64, passnum, blockTime, hold uint64) error {
	if x.Xreqnum == 0 {
		return fmt.Errorf("%w: mutual match on non-persistent request", ErrMatchingInvariant)
	}
	if x.BestOtherSeqnum != other.Seqnum || x.BestOtherXreqnum != other.Xreqnum {
		return fmt.Errorf("%w: mutual match link mismatch", ErrMatchingInvariant)
	}

	if x.ForeignAddress != "" {
		// An active foreign address can only be associated with one match.
		x.MatchingAmount = new(big.Int)
	} else {
		x.MatchingAmount = new(big.Int).Sub(x.MatchingAmount, matchAmount)
	}

	x.MatchingRateRequired = x.MatchRateRequired(x.MatchingAmount)

	epoch := blockTime / config.MatchingEpochSecs
	if x.PendingMatchEpoch != epoch {
		x.PendingMatchEpoch = epoch
		x.PendingMatchAmount = cloneBig(matchAmount)
		x.PendingMatchRate = matchRate
		x.PendingMatchHoldTime = hold
	}

	// Sets recalc on the next pass so the next best match is recomputed
	// with the new matchable amount.
	x.LastMatched = passnum

	return nil
}

// FindMutualMatches sweeps the buyers whose best potential match points at
// a seller that points back, and turns each such pair into a pending
// actual match (hold expired) or a pending on-hold match.
func (p *Matcher) FindMutualMatches(passnum uint64, nextMatchIndex *uint64, blockTime, maxXreqnum uint64) (bool, error) {
	haveMatches := false

	for _, major := range p.store.BestCandidates(maxXreqnum) {
		if p.shutdown.Load() {
			return haveMatches, nil
		}

		minor, ok := p.store.SelectSeqnum(major.BestOtherSeqnum)
		if !ok || !minor.IsSeller() {
			continue
		}
		if minor.BestOtherSeqnum != major.Seqnum || minor.BestOtherXreqnum != major.Xreqnum {
			continue
		}
		if bigZero(minor.BestAmount) || major.BestAmount.Cmp(minor.BestAmount) != 0 {
			continue
		}
		if major.BestRate != minor.BestRate {
			continue
		}

		haveMatches = true

		hold := ComputeMatchHold(major, minor, blockTime)

		if major.MatchingRateRequired > major.NetRateRequired {
			return false, fmt.Errorf("%w: buyer rate above requirement", ErrMatchingInvariant)
		}
		if minor.MatchingRateRequired < minor.NetRateRequired {
			return false, fmt.Errorf("%w: seller rate below requirement", ErrMatchingInvariant)
		}

		if hold == 0 {
			// The pending match values are kept on the sell request, which
			// works because a crosschain sell can hold only one match.
			if minor.PendingMatchOrder != 0 {
				return false, fmt.Errorf("%w: seller xreqnum %d already has a pending match", ErrMatchingInvariant, minor.Xreqnum)
			}
			if minor.PendingMatchEpoch == blockTime/config.MatchingEpochSecs {
				return false, fmt.Errorf("%w: seller xreqnum %d matched twice in one epoch", ErrMatchingInvariant, minor.Xreqnum)
			}

			minor.PendingMatchOrder = *nextMatchIndex
			*nextMatchIndex++
		}

		matchAmount := major.BestAmount
		matchRate := major.BestRate

		p.log.Debug("mutual match",
			"buyer", major.Xreqnum, "seller", minor.Xreqnum,
			"amount", matchAmount, "rate", matchRate, "hold", hold)

		if err := p.updateMutualMatch(major, minor, matchAmount, matchRate, passnum, blockTime, hold); err != nil {
			return false, err
		}
		if err := p.updateMutualMatch(minor, major, matchAmount, matchRate, passnum, blockTime, hold); err != nil {
			return false, err
		}
	}

	return haveMatches, nil
}

// AddMiningMatches matches the two halves of each linked mining-trade pair
// once their hold has expired, at the midpoint of their rates.
func (p *Matcher) AddMiningMatches(nextMatchIndex *uint64, blockTime, maxXreqnum uint64) error {
	nextXreqnum := uint64(1)

	for !p.shutdown.Load() && nextXreqnum <= maxXreqnum {
		major, ok := p.store.SelectXreqnum(nextXreqnum, uint32(wire.TxXcxMiningBuy))
		if !ok {
			break
		}

		nextXreqnum = major.Xreqnum + 1

		if major.Xreqnum > maxXreqnum {
			break
		}
		if major.ExpireTime <= blockTime {
			continue
		}
		if bigZero(major.MatchingAmount) {
			continue
		}
		if major.LinkedSeqnum == 0 {
			continue
		}

		minor, ok := p.store.SelectSeqnum(major.LinkedSeqnum)
		if !ok {
			// The linked request has been pruned; clear the link so this
			// request isn't checked again.
			major.LinkedSeqnum = 0
			continue
		}

		if minor.Xreqnum > maxXreqnum {
			continue
		}
		if minor.ExpireTime <= blockTime {
			continue
		}
		if bigZero(minor.MatchingAmount) {
			continue
		}
		if minor.LinkedSeqnum != major.Seqnum {
			continue
		}

		if hold := ComputeMatchHold(major, minor, blockTime); hold != 0 {
			continue
		}

		major.Recalc = true
		clearBest(major)
		clearBest(minor)

		haveMatch, err := p.CheckMatch(major, minor, blockTime)
		if err != nil {
			return err
		}
		if !haveMatch {
			return fmt.Errorf("%w: mining trade pair failed to match", ErrMatchingInvariant)
		}

		if minor.PendingMatchOrder != 0 {
			return fmt.Errorf("%w: mining sell already has a pending match", ErrMatchingInvariant)
		}

		minor.PendingMatchOrder = *nextMatchIndex
		*nextMatchIndex++

		matchAmount := major.BestAmount
		matchRate := major.BestRate

		if err := p.updateMutualMatch(major, minor, matchAmount, matchRate, 0, blockTime, 0); err != nil {
			return err
		}
		if err := p.updateMutualMatch(minor, major, matchAmount, matchRate, 0, blockTime, 0); err != nil {
			return err
		}
	}

	return nil
}

// updateOpenAmount consumes a match's amount from a request's remaining
// open amount.
func updateOpenAmount(x *Xreq, matchAmount *big.Int) error {
	if x.OpenAmount.Cmp(matchAmount) < 0 {
		return fmt.Errorf("%w: match amount exceeds open amount on xreqnum %d", ErrMatchingInvariant, x.Xreqnum)
	}

	x.OpenAmount = new(big.Int).Sub(x.OpenAmount, matchAmount)
	x.OpenRateRequired = x.MatchRateRequired(x.OpenAmount)
	x.RecalcTime = RecalcNext

	return nil
}

// saveXreq keeps a request with remaining open amount and drops a filled
// one from the matcher's working set.
func (p *Matcher) saveXreq(x *Xreq) {
	if bigZero(x.OpenAmount) {
		p.store.Delete(x)
	}
}

// MakeMatchesPersistent turns the round's pending actual matches into
// persistent Xmatch rows, in pending-match order, under the write mutex.
// Each match is numbered, decrements both sides' open amounts, earns any
// mining reward, and closes a foreign-address seller's unmatchable
// remainder with a refund output.
func (p *Matcher) MakeMatchesPersistent(w *storage.WriteTx, blockTime uint64) error {
	for _, minor := range p.store.PendingMatches() {
		if p.shutdown.Load() {
			return nil
		}

		if minor.PendingMatchHoldTime != 0 {
			return fmt.Errorf("%w: pending match still on hold", ErrMatchingInvariant)
		}

		major, ok := p.store.SelectSeqnum(minor.BestOtherSeqnum)
		if !ok || !major.IsBuyer() || !minor.IsSeller() {
			return fmt.Errorf("%w: pending match buyer missing", ErrMatchingInvariant)
		}
		if major.Xreqnum != minor.BestOtherXreqnum {
			return fmt.Errorf("%w: pending match link mismatch", ErrMatchingInvariant)
		}

		minor.PendingMatchOrder = 0

		matchAmount := minor.PendingMatchAmount
		matchRate := minor.PendingMatchRate

		if bigZero(matchAmount) || matchRate <= 0 {
			return fmt.Errorf("%w: empty pending match", ErrMatchingInvariant)
		}

		if err := updateOpenAmount(major, matchAmount); err != nil {
			return err
		}
		if err := updateOpenAmount(minor, matchAmount); err != nil {
			return err
		}

		major.BestOtherSeqnum = minor.Seqnum

		major.BestAmount = cloneBig(matchAmount)
		minor.BestAmount = cloneBig(matchAmount)
		major.BestRate = matchRate
		minor.BestRate = matchRate

		match := NewXmatch(blockTime, major, minor)
		match.Xmatchnum = p.ex.NextXmatchnum(true)

		p.log.Info("new exchange match",
			"xmatchnum", match.Xmatchnum,
			"buy_xreqnum", match.XBuy.Xreqnum, "sell_xreqnum", match.XSell.Xreqnum,
			"amount", match.BaseAmount, "rate", match.Rate)

		if match.XSell.Disposition == DispositionMatchedPart && match.XSell.ForeignAddress != "" {
			// Close the seller's remainder: an active foreign address can
			// only be associated with one match, so the unmatched part is
			// refunded now.
			remainder := cloneBig(match.XSell.OpenAmount)

			if _, err := p.outputs.CreateTxOutputs(w, match.XSell.BaseAsset, remainder, match.XSell.Destination, config.DefaultDomain); err != nil {
				return err
			}

			minor.OpenAmount = new(big.Int)
			match.XSell.OpenAmount = new(big.Int)
			match.XSell.Disposition = DispositionMatchedAll
		}

		p.mining.SetMiningAmount(match)

		if err := w.MatchReqInsert(match.XBuy.ToStorage()); err != nil {
			return err
		}
		if err := w.MatchReqInsert(match.XSell.ToStorage()); err != nil {
			return err
		}
		if err := w.MatchInsert(match.ToStorage()); err != nil {
			return err
		}

		p.saveXreq(major)
		p.saveXreq(minor)
	}

	return nil
}
