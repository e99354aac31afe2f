package exchange

import (
	"math/big"
	"os"
	"sync/atomic"
	"testing"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/pkg/logging"
)

// epochT0 is an epoch-aligned block time after the mining pool start.
const epochT0 = uint64(1718467800)

type outputCall struct {
	asset  uint64
	total  *big.Int
	dest   []byte
	domain uint32
}

// recordingOutputs stands in for the ledger's output creation.
type recordingOutputs struct {
	calls []outputCall
}

func (r *recordingOutputs) CreateTxOutputs(w *storage.WriteTx, asset uint64, total *big.Int, dest []byte, domain uint32) (*big.Int, error) {
	r.calls = append(r.calls, outputCall{asset, new(big.Int).Set(total), append([]byte(nil), dest...), domain})
	return new(big.Int), nil
}

type matcherHarness struct {
	st      *storage.Storage
	store   *Store
	ex      *Exchange
	mining  *Mining
	matcher *Matcher
	outputs *recordingOutputs
}

func newMatcherHarness(t *testing.T) *matcherHarness {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "veild-exchange-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.New(&logging.Config{Level: "error"})

	h := &matcherHarness{
		st:      st,
		store:   NewStore(),
		ex:      NewExchange(log),
		mining:  NewMining(config.MainnetBlockchain, log),
		outputs: &recordingOutputs{},
	}
	h.matcher = NewMatcher(h.store, h.ex, h.mining, h.outputs, &atomic.Bool{}, log)

	return h
}

// addXreq persists a request the way the indexer does.
func (h *matcherHarness) addXreq(t *testing.T, blocktime uint64, x *Xreq) {
	t.Helper()

	w, err := h.st.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := h.matcher.AddXreq(w, blocktime, x); err != nil {
		t.Fatalf("AddXreq() error = %v", err)
	}
	if err := w.End(true); err != nil {
		t.Fatalf("End() error = %v", err)
	}
}

// runRound runs one matching round and consumes its pending matches.
func (h *matcherHarness) runRound(t *testing.T, blockTime uint64) {
	t.Helper()

	if err := h.matcher.MatchReqs(blockTime, h.ex.NextXreqnum(false)-1); err != nil {
		t.Fatalf("MatchReqs() error = %v", err)
	}

	w, err := h.st.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := h.matcher.MakeMatchesPersistent(w, blockTime); err != nil {
		t.Fatalf("MakeMatchesPersistent() error = %v", err)
	}
	if err := w.End(true); err != nil {
		t.Fatalf("End() error = %v", err)
	}
}

func testBuy(objID byte, maxCoins int64) *Xreq {
	return &Xreq{
		Type:            wire.TxXcxSimpleBuy,
		ObjID:           []byte{objID},
		ExpireTime:      epochT0 + 100000,
		BaseAsset:       0,
		QuoteAsset:      config.ForeignBlockchainBCH,
		ForeignAsset:    "BCH",
		MinAmount:       coins(1),
		MaxAmount:       coins(maxCoins),
		NetRateRequired: 0.001,
		Flags:           XreqFlags{AutoAcceptMatches: true},
		Pledge:          10,
		PaymentTime:     900,
		Destination:     []byte{0xb1},
	}
}

func testSell(objID byte, maxCoins int64, foreignAddress string) *Xreq {
	return &Xreq{
		Type:            wire.TxXcxSimpleSell,
		ObjID:           []byte{objID},
		ExpireTime:      epochT0 + 100000,
		BaseAsset:       0,
		QuoteAsset:      config.ForeignBlockchainBCH,
		ForeignAsset:    "BCH",
		MinAmount:       coins(1),
		MaxAmount:       coins(maxCoins),
		NetRateRequired: 0.001,
		Flags:           XreqFlags{AutoAcceptMatches: true},
		Pledge:          10,
		PaymentTime:     900,
		ForeignAddress:  foreignAddress,
		Destination:     []byte{0x51},
	}
}

func TestSimpleMatchRound(t *testing.T) {
	h := newMatcherHarness(t)

	buy := testBuy(1, 10)
	sell := testSell(2, 10, "qzseller1")

	h.addXreq(t, epochT0, buy)
	h.addXreq(t, epochT0, sell)

	if buy.Xreqnum != 1 || sell.Xreqnum != 2 {
		t.Fatalf("xreqnums = %d, %d", buy.Xreqnum, sell.Xreqnum)
	}

	h.runRound(t, epochT0)

	// Both sides filled completely and left the working set.
	if buy.OpenAmount.Sign() != 0 || sell.OpenAmount.Sign() != 0 {
		t.Errorf("open amounts after match = %s / %s", buy.OpenAmount, sell.OpenAmount)
	}
	if h.store.CountPersistent() != 0 {
		t.Errorf("filled requests still in store: %d", h.store.CountPersistent())
	}

	match, found, err := h.st.MatchSelectFrom(1)
	if err != nil || !found {
		t.Fatalf("MatchSelectFrom() = %v, %v", found, err)
	}

	if match.Xmatchnum != 1 || match.BuyXreqnum != 1 || match.SellXreqnum != 2 {
		t.Errorf("match ids = %+v", match)
	}
	if match.BaseAmount.Cmp(coins(10)) != 0 {
		t.Errorf("match amount = %s, want %s", match.BaseAmount, coins(10))
	}
	if match.Rate != 0.001 {
		t.Errorf("match rate = %g, want 0.001", match.Rate)
	}
	if MatchStatus(match.Status) != MatchStatusAccepted {
		t.Errorf("match status = %d, want accepted", match.Status)
	}
	if match.NextDeadline != epochT0+900 {
		t.Errorf("match deadline = %d, want %d", match.NextDeadline, epochT0+900)
	}
}

func TestMatchWithHold(t *testing.T) {
	h := newMatcherHarness(t)

	buy := testBuy(1, 10)
	buy.HoldTimeRequired = 3600

	sell := testSell(2, 10, "qzseller1")
	sell.HoldTime = 3600

	h.addXreq(t, epochT0, buy)
	h.addXreq(t, epochT0, sell)

	// First round: the match is found but held, consuming only the
	// matchable amounts.
	h.runRound(t, epochT0)

	if buy.OpenAmount.Cmp(coins(10)) != 0 || sell.OpenAmount.Cmp(coins(10)) != 0 {
		t.Errorf("open amounts consumed during hold = %s / %s", buy.OpenAmount, sell.OpenAmount)
	}
	if sell.MatchingAmount.Sign() != 0 {
		t.Errorf("seller matching amount = %s, want 0 during hold", sell.MatchingAmount)
	}
	if sell.PendingMatchOrder != 0 {
		t.Error("held match recorded as an actual pending match")
	}
	if sell.PendingMatchRate == 0 || sell.PendingMatchHoldTime == 0 {
		t.Errorf("held match not recorded: rate %g hold %d", sell.PendingMatchRate, sell.PendingMatchHoldTime)
	}
	if _, found, _ := h.st.MatchSelectFrom(1); found {
		t.Error("held match became persistent")
	}

	// After the hold expires the next round makes the match actual.
	h.runRound(t, epochT0+3600)

	if buy.OpenAmount.Sign() != 0 || sell.OpenAmount.Sign() != 0 {
		t.Errorf("open amounts after hold expiry = %s / %s", buy.OpenAmount, sell.OpenAmount)
	}

	match, found, err := h.st.MatchSelectFrom(1)
	if err != nil || !found {
		t.Fatalf("match not persisted after hold: %v, %v", found, err)
	}
	if match.BaseAmount.Cmp(coins(10)) != 0 {
		t.Errorf("match amount = %s", match.BaseAmount)
	}
}

func TestForeignAddressPartialFill(t *testing.T) {
	h := newMatcherHarness(t)

	buy := testBuy(1, 4)
	sell := testSell(2, 10, "qzseller1")

	h.addXreq(t, epochT0, buy)
	h.addXreq(t, epochT0, sell)

	h.runRound(t, epochT0)

	// The seller matched 4 and its 6-coin remainder was closed with a
	// refund, because an active foreign address can hold only one match.
	if sell.OpenAmount.Sign() != 0 {
		t.Errorf("seller open amount = %s, want 0", sell.OpenAmount)
	}

	if len(h.outputs.calls) != 1 {
		t.Fatalf("refund calls = %d, want 1", len(h.outputs.calls))
	}
	refund := h.outputs.calls[0]
	if refund.total.Cmp(coins(6)) != 0 {
		t.Errorf("refund amount = %s, want %s", refund.total, coins(6))
	}
	if refund.asset != 0 {
		t.Errorf("refund asset = %d", refund.asset)
	}

	match, found, _ := h.st.MatchSelectFrom(1)
	if !found || match.BaseAmount.Cmp(coins(4)) != 0 {
		t.Fatalf("match = %+v, %v", match, found)
	}
}

func TestMiningTradeSplitAndMatch(t *testing.T) {
	h := newMatcherHarness(t)

	trade := &Xreq{
		Type:            wire.TxXcxMiningTrade,
		ObjID:           []byte{9},
		ExpireTime:      epochT0 + 100000,
		BaseAsset:       0,
		QuoteAsset:      config.ForeignBlockchainBCH,
		ForeignAsset:    "BCH",
		MinAmount:       coins(5),
		MaxAmount:       coins(5),
		NetRateRequired: 0.001,
		Flags:           XreqFlags{AutoAcceptMatches: true},
		PaymentTime:     900,
		Destination:     []byte{0xd1},
	}

	h.addXreq(t, epochT0, trade)

	// The trade became a linked buy+sell pair with consecutive xreqnums.
	if trade.Type != wire.TxXcxMiningBuy {
		t.Fatalf("trade type after split = %v", trade.Type)
	}
	if trade.Xreqnum != 1 {
		t.Fatalf("buy half xreqnum = %d", trade.Xreqnum)
	}

	sellHalf, ok := h.store.SelectXreqnum(2, uint32(wire.TxXcxMiningSell))
	if !ok {
		t.Fatal("sell half not found")
	}
	if sellHalf.LinkedSeqnum != trade.Seqnum || trade.LinkedSeqnum != sellHalf.Seqnum {
		t.Errorf("pair links = %d/%d and %d/%d", trade.Seqnum, trade.LinkedSeqnum, sellHalf.Seqnum, sellHalf.LinkedSeqnum)
	}

	h.runRound(t, epochT0)

	match, found, err := h.st.MatchSelectFrom(1)
	if err != nil || !found {
		t.Fatalf("mining trade did not match: %v, %v", found, err)
	}
	if match.BuyXreqnum != 1 || match.SellXreqnum != 2 {
		t.Errorf("mining match ids = %+v", match)
	}
	if match.Rate != 0.001 {
		t.Errorf("mining match rate = %g", match.Rate)
	}
}

func TestExpireXreqs(t *testing.T) {
	h := newMatcherHarness(t)

	buy := testBuy(1, 10)
	buy.ExpireTime = epochT0 + 60

	sell := testSell(2, 10, "qzseller1")
	sell.ExpireTime = epochT0 + 60
	sell.NetRateRequired = 0.002 // no match against the buy

	h.addXreq(t, epochT0, buy)
	h.addXreq(t, epochT0, sell)

	w, _ := h.st.BeginWrite()
	if err := h.matcher.ExpireXreqs(w, epochT0+60); err != nil {
		t.Fatalf("ExpireXreqs() error = %v", err)
	}
	w.End(true)

	if h.store.CountPersistent() != 0 {
		t.Errorf("expired requests still in store: %d", h.store.CountPersistent())
	}

	// The buyer is refunded its pledge fraction, the seller its full
	// open amount.
	if len(h.outputs.calls) != 2 {
		t.Fatalf("refund calls = %d, want 2", len(h.outputs.calls))
	}
	if h.outputs.calls[0].total.Cmp(coins(1)) != 0 {
		t.Errorf("buyer refund = %s, want %s (10%% pledge)", h.outputs.calls[0].total, coins(1))
	}
	if h.outputs.calls[1].total.Cmp(coins(10)) != 0 {
		t.Errorf("seller refund = %s, want %s", h.outputs.calls[1].total, coins(10))
	}

	// Dispositions recorded as never-matched expiry.
	req, found, _ := h.st.MatchReqSelectMatching(1)
	if !found || Disposition(req.Disposition) != DispositionExpiredAll {
		t.Errorf("buyer disposition = %+v, %v", req, found)
	}

	// After expiry nothing is left with expire_time <= blocktime.
	if _, ok := h.store.SelectExpire(epochT0 + 60); ok {
		t.Error("expired request remains selectable")
	}
}

func TestSaveNextNumsIdempotent(t *testing.T) {
	h := newMatcherHarness(t)

	h.ex.NextXreqnum(true)

	w, _ := h.st.BeginWrite()
	if err := h.ex.SaveNextNums(w, 5, epochT0); err != nil {
		t.Fatalf("SaveNextNums() error = %v", err)
	}
	// A second save with no counter movement writes nothing, so the same
	// level can be saved again without a conflict.
	if err := h.ex.SaveNextNums(w, 5, epochT0); err != nil {
		t.Fatalf("second SaveNextNums() error = %v", err)
	}
	w.End(true)

	nums, found, err := h.st.XcxNumsSelect(5)
	if err != nil || !found {
		t.Fatalf("XcxNumsSelect() = %v, %v", found, err)
	}
	if nums.NextXreqnum != 2 {
		t.Errorf("saved next xreqnum = %d, want 2", nums.NextXreqnum)
	}
}

func TestStoreRestore(t *testing.T) {
	h := newMatcherHarness(t)

	buy := testBuy(1, 10)
	sell := testSell(2, 10, "qzseller1")
	sell.NetRateRequired = 0.002 // keep both open

	h.addXreq(t, epochT0, buy)
	h.addXreq(t, epochT0, sell)

	w, _ := h.st.BeginWrite()
	if err := h.ex.SaveNextNums(w, 1, epochT0); err != nil {
		t.Fatalf("SaveNextNums() error = %v", err)
	}
	w.End(true)

	// A fresh store rebuilt from the persistent tables sees both open
	// requests with recomputed derived fields.
	ex2 := NewExchange(logging.New(&logging.Config{Level: "error"}))
	if err := ex2.Init(h.st); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if ex2.NextXreqnum(false) != 3 {
		t.Fatalf("restored next xreqnum = %d, want 3", ex2.NextXreqnum(false))
	}

	store2 := NewStore()
	if err := ex2.Restore(h.st, store2); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if store2.CountPersistent() != 2 {
		t.Fatalf("restored %d requests, want 2", store2.CountPersistent())
	}

	restored, ok := store2.SelectXreqnum(1, 0)
	if !ok {
		t.Fatal("restored buy not found")
	}
	if restored.OpenAmount.Cmp(coins(10)) != 0 {
		t.Errorf("restored open amount = %s", restored.OpenAmount)
	}
	if restored.OpenRateRequired != restored.MatchRateRequired(restored.OpenAmount) {
		t.Error("restored open rate not recomputed")
	}
	if restored.RecalcTime != RecalcNext {
		t.Errorf("restored recalc time = %d", restored.RecalcTime)
	}
	if restored.Blocktime != epochT0 {
		t.Errorf("restored blocktime = %d, want %d", restored.Blocktime, epochT0)
	}
}
