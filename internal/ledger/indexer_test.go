package ledger

import (
	"math/big"
	"testing"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/exchange"
	"github.com/veilcash/veild/internal/wire"
)

func nativeCoins(n int64) *big.Int {
	return exchange.AmountFromFloat(config.NativeAsset, float64(n))
}

// seedMatch writes a match and its two request rows the way the matcher
// persists them.
func seedMatch(t *testing.T, h *chainHarness, status exchange.MatchStatus, amountPaid float64) *exchange.Xmatch {
	t.Helper()

	buy := &exchange.Xmatchreq{
		Xreqnum:     1,
		Type:        wire.TxXcxSimpleBuy,
		Disposition: exchange.DispositionMatchedAll,
		ObjID:       []byte{1},
		ExpireTime:  10000,
		BaseAsset:   config.NativeAsset,
		QuoteAsset:  config.ForeignBlockchainBCH,
		MinAmount:   nativeCoins(1),
		MaxAmount:   nativeCoins(10),
		OpenAmount:  new(big.Int),

		NetRateRequired: 0.001,
		Pledge:          10,
		PaymentTime:     900,

		Destination:  []byte{0xb7},
		HaveMatching: true,
		DeleteTime:   20000,
	}

	sell := &exchange.Xmatchreq{
		Xreqnum:     2,
		Type:        wire.TxXcxSimpleSell,
		Disposition: exchange.DispositionMatchedAll,
		ObjID:       []byte{2},
		ExpireTime:  10000,
		BaseAsset:   config.NativeAsset,
		QuoteAsset:  config.ForeignBlockchainBCH,
		MinAmount:   nativeCoins(1),
		MaxAmount:   nativeCoins(10),
		OpenAmount:  new(big.Int),

		NetRateRequired: 0.001,
		Pledge:          10,
		PaymentTime:     900,

		Destination:    []byte{0x57},
		ForeignAddress: "qzseller",
		HaveMatching:   true,
		DeleteTime:     20000,
	}

	match := &exchange.Xmatch{
		Xmatchnum: 1,
		XBuy:      *buy,
		XSell:     *sell,

		Type:         wire.TxXcxSimpleBuy,
		Status:       status,
		NextDeadline: 2000,

		MatchTimestamp:  1100,
		AcceptTimestamp: 1100,

		BaseAmount: nativeCoins(10),
		Rate:       0.001,
		AmountPaid: amountPaid,

		MatchPledge: 10,
	}

	w, err := h.st.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := w.MatchReqInsert(buy.ToStorage()); err != nil {
		t.Fatalf("MatchReqInsert(buy) error = %v", err)
	}
	if err := w.MatchReqInsert(sell.ToStorage()); err != nil {
		t.Fatalf("MatchReqInsert(sell) error = %v", err)
	}
	if err := w.MatchInsert(match.ToStorage()); err != nil {
		t.Fatalf("MatchInsert() error = %v", err)
	}
	if err := w.End(true); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	return match
}

// sumOutputs totals the decoded amounts indexed for a destination.
func sumOutputs(t *testing.T, h *chainHarness, dest []byte) *big.Int {
	t.Helper()

	addr := computeAddress(dest, h.cfg.Blockchain())

	outputs, err := h.st.TxOutputSelect(addr, 0, 100)
	if err != nil {
		t.Fatalf("TxOutputSelect() error = %v", err)
	}

	total := new(big.Int)
	for _, out := range outputs {
		total.Add(total, wire.DecodeAmount(out.AmountEnc))
	}
	return total
}

func TestComputeMatchSplit(t *testing.T) {
	base := nativeCoins(10)

	paid := &exchange.Xmatch{Status: exchange.MatchStatusPaid, BaseAmount: base, Rate: 0.001}
	_, buyer, seller := computeMatchSplit(paid)
	if buyer.Cmp(base) != 0 || seller.Sign() != 0 {
		t.Errorf("paid split = %s / %s", buyer, seller)
	}

	unpaid := &exchange.Xmatch{Status: exchange.MatchStatusUnpaidExpired, BaseAmount: base, Rate: 0.001}
	_, buyer, seller = computeMatchSplit(unpaid)
	if seller.Cmp(base) != 0 || buyer.Sign() != 0 {
		t.Errorf("unpaid split = %s / %s", buyer, seller)
	}

	// Partial payment of 40% yields the buyer roughly 40% of the base
	// amount; the remainder (plus any rounding loss) is the seller's.
	partial := &exchange.Xmatch{Status: exchange.MatchStatusPartPaidExpired, BaseAmount: base, Rate: 0.001, AmountPaid: 0.004}
	matchAmount, buyer, seller := computeMatchSplit(partial)

	if buyer.Sign() <= 0 || buyer.Cmp(base) >= 0 {
		t.Errorf("partial buyer amount = %s", buyer)
	}
	sum := new(big.Int).Add(buyer, seller)
	if sum.Cmp(matchAmount) != 0 {
		t.Errorf("partial split does not sum: %s + %s != %s", buyer, seller, matchAmount)
	}

	want := nativeCoins(4)
	diff := new(big.Int).Sub(buyer, want)
	if diff.CmpAbs(nativeCoins(1)) > 0 {
		t.Errorf("partial buyer amount = %s, want about %s", buyer, want)
	}
}

func TestProcessXpaymentFullPayment(t *testing.T) {
	h := newChainHarness(t, 4, 1)

	match := seedMatch(t, h, exchange.MatchStatusAccepted, 0)

	// Pay the full quoted foreign amount: 10 coins at rate 0.001.
	xpay := &exchange.Xpay{
		Xmatchnum:         1,
		ForeignBlockchain: config.ForeignBlockchainBCH,
		ForeignTxid:       "txid-full",
		ForeignAmount:     match.QuoteAmount(),
	}

	donation := new(big.Int)

	w, _ := h.st.BeginWrite()
	if err := h.chain.ProcessXpayment(w, 1500, xpay, donation); err != nil {
		t.Fatalf("ProcessXpayment() error = %v", err)
	}
	w.End(true)

	row, found, err := h.st.MatchSelectFrom(1)
	if err != nil || !found {
		t.Fatalf("match row = %v, %v", found, err)
	}
	if exchange.MatchStatus(row.Status) != exchange.MatchStatusPaid {
		t.Errorf("match status = %d, want paid", row.Status)
	}
	if row.FinalTimestamp != 1500 || row.NextDeadline != 0 {
		t.Errorf("final/deadline = %d/%d", row.FinalTimestamp, row.NextDeadline)
	}

	// The buyer receives base + pledge - donation; the seller receives
	// nothing of the base amount.
	pledge := new(big.Int).Quo(nativeCoins(10), big.NewInt(10))
	wantBuyer := new(big.Int).Add(nativeCoins(10), pledge)
	wantBuyer.Sub(wantBuyer, config.DonationPerXcxPay)

	buyerTotal := sumOutputs(t, h, match.XBuy.Destination)
	if buyerTotal.Cmp(wantBuyer) != 0 {
		t.Errorf("buyer payout = %s, want %s", buyerTotal, wantBuyer)
	}

	sellerTotal := sumOutputs(t, h, match.XSell.Destination)
	if sellerTotal.Sign() != 0 {
		t.Errorf("seller payout = %s, want 0", sellerTotal)
	}

	if donation.Cmp(config.DonationPerXcxPay) != 0 {
		t.Errorf("donation = %s, want %s", donation, config.DonationPerXcxPay)
	}

	// The conservation identity holds exactly.
	payout := new(big.Int).Add(buyerTotal, sellerTotal)
	payout.Add(payout, donation)

	expected := new(big.Int).Add(nativeCoins(10), pledge)
	if payout.Cmp(expected) != 0 {
		t.Errorf("payout + donation = %s, want %s", payout, expected)
	}
}

func TestProcessXpaymentPartialKeepsOpen(t *testing.T) {
	h := newChainHarness(t, 4, 1)

	match := seedMatch(t, h, exchange.MatchStatusAccepted, 0)

	xpay := &exchange.Xpay{
		Xmatchnum:         1,
		ForeignBlockchain: config.ForeignBlockchainBCH,
		ForeignTxid:       "txid-part",
		ForeignAmount:     match.QuoteAmount() / 2,
	}

	donation := new(big.Int)

	w, _ := h.st.BeginWrite()
	if err := h.chain.ProcessXpayment(w, 1500, xpay, donation); err != nil {
		t.Fatalf("ProcessXpayment() error = %v", err)
	}
	w.End(true)

	row, _, _ := h.st.MatchSelectFrom(1)
	if exchange.MatchStatus(row.Status) != exchange.MatchStatusPartPaidOpen {
		t.Errorf("match status = %d, want part paid open", row.Status)
	}
	if donation.Sign() != 0 {
		t.Errorf("partial payment produced donation %s", donation)
	}

	// No settlement outputs yet.
	if total := sumOutputs(t, h, match.XBuy.Destination); total.Sign() != 0 {
		t.Errorf("buyer paid out early: %s", total)
	}

	// The deadline passing expires and settles the partially paid match.
	w, _ = h.st.BeginWrite()
	if err := h.chain.ExpireMatches(w, 2500); err != nil {
		t.Fatalf("ExpireMatches() error = %v", err)
	}
	w.End(true)

	row, _, _ = h.st.MatchSelectFrom(1)
	if exchange.MatchStatus(row.Status) != exchange.MatchStatusPartPaidExpired {
		t.Errorf("expired status = %d, want part paid expired", row.Status)
	}

	buyerTotal := sumOutputs(t, h, match.XBuy.Destination)
	sellerTotal := sumOutputs(t, h, match.XSell.Destination)
	if buyerTotal.Sign() == 0 || sellerTotal.Sign() == 0 {
		t.Errorf("partial settlement payouts = %s / %s", buyerTotal, sellerTotal)
	}

	// Base amount plus the whole pledge is distributed between the two.
	total := new(big.Int).Add(buyerTotal, sellerTotal)
	expected := new(big.Int).Add(nativeCoins(10), new(big.Int).Quo(nativeCoins(10), big.NewInt(10)))
	if total.Cmp(expected) != 0 {
		t.Errorf("distributed total = %s, want %s", total, expected)
	}
}

func TestProcessXpaymentUnknownOrClosed(t *testing.T) {
	h := newChainHarness(t, 4, 1)

	donation := new(big.Int)
	xpay := &exchange.Xpay{Xmatchnum: 99, ForeignAmount: 1}

	// Unknown match: silently ignored.
	w, _ := h.st.BeginWrite()
	if err := h.chain.ProcessXpayment(w, 1500, xpay, donation); err != nil {
		t.Fatalf("ProcessXpayment() unknown match error = %v", err)
	}
	w.End(true)

	// Already-paid match: also ignored.
	seedMatch(t, h, exchange.MatchStatusPaid, 0.01)

	xpay.Xmatchnum = 1
	w, _ = h.st.BeginWrite()
	if err := h.chain.ProcessXpayment(w, 1600, xpay, donation); err != nil {
		t.Fatalf("ProcessXpayment() closed match error = %v", err)
	}
	w.End(true)

	if total := sumOutputs(t, h, []byte{0xb7}); total.Sign() != 0 {
		t.Errorf("closed match paid out: %s", total)
	}
}

func TestExpireMatchesUnpaid(t *testing.T) {
	h := newChainHarness(t, 4, 1)

	match := seedMatch(t, h, exchange.MatchStatusAccepted, 0)

	w, _ := h.st.BeginWrite()
	if err := h.chain.ExpireMatches(w, 2500); err != nil {
		t.Fatalf("ExpireMatches() error = %v", err)
	}
	w.End(true)

	row, _, _ := h.st.MatchSelectFrom(1)
	if exchange.MatchStatus(row.Status) != exchange.MatchStatusUnpaidExpired {
		t.Errorf("status = %d, want unpaid expired", row.Status)
	}
	if row.FinalTimestamp != 2500 || row.NextDeadline != 0 {
		t.Errorf("final/deadline = %d/%d", row.FinalTimestamp, row.NextDeadline)
	}

	// The seller receives the base amount plus the whole pledge.
	expected := new(big.Int).Add(nativeCoins(10), new(big.Int).Quo(nativeCoins(10), big.NewInt(10)))
	sellerTotal := sumOutputs(t, h, match.XSell.Destination)
	if sellerTotal.Cmp(expected) != 0 {
		t.Errorf("seller payout = %s, want %s", sellerTotal, expected)
	}
	if total := sumOutputs(t, h, match.XBuy.Destination); total.Sign() != 0 {
		t.Errorf("buyer payout = %s, want 0", total)
	}
}

// Guards against signed/unsigned mixups in the param-level plumbing used
// by settlement outputs.
func TestSettlementOutputsJoinRoots(t *testing.T) {
	h := newChainHarness(t, 4, 1)

	w, _ := h.st.BeginWrite()
	residual, err := h.chain.CreateTxOutputs(w, config.NativeAsset, nativeCoins(3), []byte{0x99}, config.DefaultDomain)
	if err != nil {
		t.Fatalf("CreateTxOutputs() error = %v", err)
	}
	if residual.Sign() != 0 {
		t.Errorf("residual = %s, want 0", residual)
	}
	if err := w.End(true); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	total := sumOutputs(t, h, []byte{0x99})
	if total.Cmp(nativeCoins(3)) != 0 {
		t.Errorf("joined outputs total = %s, want %s", total, nativeCoins(3))
	}
}
