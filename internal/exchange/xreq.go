// Package exchange implements the built-in decentralized exchange: the
// in-memory request store, the per-epoch matching engine, mining rewards,
// and the request/match lifecycle.
package exchange

import (
	"math"
	"math/big"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/pkg/helpers"
)

// Sentinel values for Xreq.RecalcTime.
const (
	// RecalcNext marks a request due for re-evaluation at the start of the
	// next matching round.
	RecalcNext int64 = 0

	// RecalcNot marks a request with no scheduled re-evaluation.
	RecalcNot int64 = math.MaxInt64
)

// XreqFlags packs the boolean request options carried on the wire.
type XreqFlags struct {
	AddImmediatelyToBlockchain   bool
	AutoAcceptMatches            bool
	NoMinimumAfterFirstMatch     bool
	MustLiquidateCrossingMinimum bool
	MustLiquidateBelowMinimum    bool
	HasSigningKey                bool
}

// Pack encodes the flags into a bit field.
func (f XreqFlags) Pack() uint32 {
	var v uint32
	set := func(bit uint, b bool) {
		if b {
			v |= 1 << bit
		}
	}
	set(0, f.AddImmediatelyToBlockchain)
	set(1, f.AutoAcceptMatches)
	set(2, f.NoMinimumAfterFirstMatch)
	set(3, f.MustLiquidateCrossingMinimum)
	set(4, f.MustLiquidateBelowMinimum)
	set(5, f.HasSigningKey)
	return v
}

// UnpackFlags decodes a packed flag field.
func UnpackFlags(v uint32) XreqFlags {
	get := func(bit uint) bool { return v&(1<<bit) != 0 }
	return XreqFlags{
		AddImmediatelyToBlockchain:   get(0),
		AutoAcceptMatches:            get(1),
		NoMinimumAfterFirstMatch:     get(2),
		MustLiquidateCrossingMinimum: get(3),
		MustLiquidateBelowMinimum:    get(4),
		HasSigningKey:                get(5),
	}
}

// Xreq is one exchange request, combining its wire fields with the
// matching-engine state tracked while the request is open.
type Xreq struct {
	// Identity. Seqnum orders requests before they are persistent;
	// Xreqnum is assigned when the enclosing block becomes indelible and
	// stays zero until then. A trade request splits into a buy and sell
	// whose LinkedSeqnums point at each other.
	Seqnum       int64
	LinkedSeqnum int64
	Xreqnum      uint64
	ObjID        []byte
	Type         wire.TxType

	// Terms.
	ExpireTime   uint64
	BaseAsset    uint64
	QuoteAsset   uint64
	ForeignAsset string
	MinAmount    *big.Int
	MaxAmount    *big.Int

	NetRateRequired float64
	WaitDiscount    float64
	BaseCosts       float64
	QuoteCosts      float64

	Flags XreqFlags

	ConsiderationRequired uint32
	ConsiderationOffered  uint32
	Pledge                uint32
	HoldTime              uint64
	HoldTimeRequired      uint64
	MinWaitTime           uint64
	AcceptTimeRequired    uint64
	AcceptTimeOffered     uint64
	PaymentTime           uint64
	Confirmations         uint32

	ForeignAddress string
	Destination    []byte
	PubSigningKey  []byte

	// Matching state.
	Blocktime        uint64
	OpenAmount       *big.Int
	OpenRateRequired float64

	MatchingAmount       *big.Int
	MatchingRateRequired float64

	RecalcTime  int64
	Recalc      bool
	LastMatched uint64

	PendingMatchEpoch    uint64
	PendingMatchOrder    uint64
	PendingMatchAmount   *big.Int
	PendingMatchRate     float64
	PendingMatchHoldTime uint64

	// Best potential match.
	BestAmount              *big.Int
	BestRate                float64
	BestNetRate             float64
	BestOtherSeqnum         int64
	BestOtherXreqnum        uint64
	BestOtherMatchingAmount *big.Int
	BestOtherNetRate        float64

	changed bool
}

// IsBuyer reports whether the request is on the buy side.
func (x *Xreq) IsBuyer() bool { return x.Type.IsBuyer() }

// IsSeller reports whether the request is on the sell side.
func (x *Xreq) IsSeller() bool { return x.Type.IsSeller() }

// AssetDecimals returns the display decimals of an asset: the native coin
// uses the protocol precision, foreign amounts use satoshi-style units.
func AssetDecimals(asset uint64) uint8 {
	if asset == config.NativeAsset {
		return config.NativeDecimals
	}
	return 8
}

// AmountToFloat converts a base-unit amount of an asset to whole coins.
func AmountToFloat(asset uint64, amount *big.Int) float64 {
	return helpers.BigToFloat(amount, AssetDecimals(asset))
}

// AmountFromFloat converts whole coins of an asset back to base units.
func AmountFromFloat(asset uint64, v float64) *big.Int {
	return helpers.FloatToBig(v, AssetDecimals(asset))
}

// BaseAmountFloat converts a base-asset amount of this request to whole
// coins for rate arithmetic.
func (x *Xreq) BaseAmountFloat(amount *big.Int) float64 {
	return AmountToFloat(x.BaseAsset, amount)
}

// NetRate is the rate this request effectively pays or receives at the
// given amount and quoted rate, once its fixed costs are spread over the
// amount. A buyer's costs worsen (raise) the effective rate; a seller's
// costs lower it. Never negative.
func (x *Xreq) NetRate(amount *big.Int, rate float64) float64 {
	a := x.BaseAmountFloat(amount)

	var net float64
	if x.IsBuyer() {
		den := a - x.BaseCosts
		if den <= 0 {
			return 0
		}
		net = (a*rate + x.QuoteCosts) / den
	} else {
		net = (a*rate - x.QuoteCosts) / (a + x.BaseCosts)
	}

	if net < 0 {
		return 0
	}
	return net
}

// MatchRateRequired is the quoted rate at which this request's net rate at
// the given amount equals its required net rate: the most the buyer will
// quote, or the least the seller will accept. The result is bounded by
// NetRateRequired so float round-off cannot order a request on the wrong
// side of its own requirement.
func (x *Xreq) MatchRateRequired(amount *big.Int) float64 {
	a := x.BaseAmountFloat(amount)
	if a <= 0 {
		return 0
	}

	var rate float64
	if x.IsBuyer() {
		rate = (x.NetRateRequired*(a-x.BaseCosts) - x.QuoteCosts) / a
		if rate > x.NetRateRequired {
			rate = x.NetRateRequired
		}
		if rate < 0 {
			rate = 0
		}
	} else {
		rate = (x.NetRateRequired*(a+x.BaseCosts) + x.QuoteCosts) / a
		if rate < x.NetRateRequired {
			rate = x.NetRateRequired
		}
	}

	return rate
}

// ConvertTradeToBuy rewrites a trade request as its buy half.
func (x *Xreq) ConvertTradeToBuy() {
	x.Type = wire.TxXcxMiningBuy
}

// ConvertTradeToSell rewrites a trade request as its sell half. The sell
// side of a mining trade carries no unique foreign address.
func (x *Xreq) ConvertTradeToSell() {
	x.Type = wire.TxXcxMiningSell
	x.ForeignAddress = ""
}

// Clone returns a deep copy of the request.
func (x *Xreq) Clone() *Xreq {
	c := *x
	c.ObjID = append([]byte(nil), x.ObjID...)
	c.Destination = append([]byte(nil), x.Destination...)
	c.PubSigningKey = append([]byte(nil), x.PubSigningKey...)
	c.MinAmount = cloneBig(x.MinAmount)
	c.MaxAmount = cloneBig(x.MaxAmount)
	c.OpenAmount = cloneBig(x.OpenAmount)
	c.MatchingAmount = cloneBig(x.MatchingAmount)
	c.PendingMatchAmount = cloneBig(x.PendingMatchAmount)
	c.BestAmount = cloneBig(x.BestAmount)
	c.BestOtherMatchingAmount = cloneBig(x.BestOtherMatchingAmount)
	return &c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// bigZero reports whether an amount is nil or zero.
func bigZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
