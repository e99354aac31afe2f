package exchange

import (
	"math/big"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
)

// MatchStatus is the settlement state of a match.
type MatchStatus uint32

const (
	MatchStatusNone MatchStatus = iota
	MatchStatusMatched
	MatchStatusAccepted
	MatchStatusPartPaidOpen
	MatchStatusPaid
	MatchStatusUnpaidExpired
	MatchStatusPartPaidExpired
)

// IsOpen reports whether the match can still receive payment advice.
func (s MatchStatus) IsOpen() bool {
	return s == MatchStatusAccepted || s == MatchStatusPartPaidOpen
}

// IsClosed reports whether the match has reached a final state.
func (s MatchStatus) IsClosed() bool {
	switch s {
	case MatchStatusPaid, MatchStatusUnpaidExpired, MatchStatusPartPaidExpired:
		return true
	}
	return false
}

// Disposition tracks the lifecycle of a persistent request.
type Disposition uint32

const (
	DispositionOpen Disposition = iota + 1
	DispositionMatchedPart
	DispositionMatchedAll
	DispositionExpiredAll
	DispositionExpiredRem
)

// IsClosed reports whether the request can no longer match.
func (d Disposition) IsClosed() bool {
	switch d {
	case DispositionMatchedAll, DispositionExpiredAll, DispositionExpiredRem:
		return true
	}
	return false
}

// Xmatchreq is the persistent snapshot of one side of a match.
type Xmatchreq struct {
	Xreqnum     uint64
	Type        wire.TxType
	Disposition Disposition
	ObjID       []byte
	ExpireTime  uint64

	BaseAsset    uint64
	QuoteAsset   uint64
	ForeignAsset string
	MinAmount    *big.Int
	MaxAmount    *big.Int
	OpenAmount   *big.Int

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

	HaveMatching bool
	DeleteTime   uint64
}

// NewXmatchreq snapshots a request for persistence. The matching row stays
// live until the request's terms can no longer affect settlement.
func NewXmatchreq(x *Xreq) *Xmatchreq {
	disposition := DispositionOpen
	if !bigZero(x.OpenAmount) && x.OpenAmount.Cmp(x.MaxAmount) < 0 {
		disposition = DispositionMatchedPart
	} else if bigZero(x.OpenAmount) {
		disposition = DispositionMatchedAll
	}

	deleteTime := x.ExpireTime + x.AcceptTimeOffered + x.PaymentTime + config.MatchingEpochSecs

	return &Xmatchreq{
		Xreqnum:     x.Xreqnum,
		Type:        x.Type,
		Disposition: disposition,
		ObjID:       append([]byte(nil), x.ObjID...),
		ExpireTime:  x.ExpireTime,

		BaseAsset:    x.BaseAsset,
		QuoteAsset:   x.QuoteAsset,
		ForeignAsset: x.ForeignAsset,
		MinAmount:    cloneBig(x.MinAmount),
		MaxAmount:    cloneBig(x.MaxAmount),
		OpenAmount:   cloneBig(x.OpenAmount),

		NetRateRequired: x.NetRateRequired,
		WaitDiscount:    x.WaitDiscount,
		BaseCosts:       x.BaseCosts,
		QuoteCosts:      x.QuoteCosts,

		Flags: x.Flags,

		ConsiderationRequired: x.ConsiderationRequired,
		ConsiderationOffered:  x.ConsiderationOffered,
		Pledge:                x.Pledge,
		HoldTime:              x.HoldTime,
		HoldTimeRequired:      x.HoldTimeRequired,
		MinWaitTime:           x.MinWaitTime,
		AcceptTimeRequired:    x.AcceptTimeRequired,
		AcceptTimeOffered:     x.AcceptTimeOffered,
		PaymentTime:           x.PaymentTime,
		Confirmations:         x.Confirmations,

		ForeignAddress: x.ForeignAddress,
		Destination:    append([]byte(nil), x.Destination...),
		PubSigningKey:  append([]byte(nil), x.PubSigningKey...),

		HaveMatching: true,
		DeleteTime:   deleteTime,
	}
}

// ToStorage converts the snapshot to its persistent row form.
func (r *Xmatchreq) ToStorage() *storage.MatchReq {
	return &storage.MatchReq{
		Xreqnum:     r.Xreqnum,
		Disposition: uint32(r.Disposition),
		ExpireTime:  r.ExpireTime,
		ObjID:       r.ObjID,
		Type:        uint32(r.Type),

		BaseAsset:    r.BaseAsset,
		QuoteAsset:   r.QuoteAsset,
		ForeignAsset: r.ForeignAsset,
		MinAmount:    r.MinAmount,
		MaxAmount:    r.MaxAmount,

		NetRateRequired: r.NetRateRequired,
		WaitDiscount:    r.WaitDiscount,
		BaseCosts:       r.BaseCosts,
		QuoteCosts:      r.QuoteCosts,

		PackedFlags: r.Flags.Pack(),

		ConsiderationRequired: r.ConsiderationRequired,
		ConsiderationOffered:  r.ConsiderationOffered,
		Pledge:                r.Pledge,
		HoldTime:              r.HoldTime,
		HoldTimeRequired:      r.HoldTimeRequired,
		MinWaitTime:           r.MinWaitTime,
		AcceptTimeRequired:    r.AcceptTimeRequired,
		AcceptTimeOffered:     r.AcceptTimeOffered,
		PaymentTime:           r.PaymentTime,
		Confirmations:         r.Confirmations,

		HaveMatching:         r.HaveMatching,
		DeleteTime:           r.DeleteTime,
		ForeignAddressUnique: r.ForeignAddress != "",
		ForeignAddress:       r.ForeignAddress,
		Destination:          r.Destination,
		PubSigningKey:        r.PubSigningKey,
		OpenAmount:           r.OpenAmount,
	}
}

// XmatchreqFromStorage converts a persistent row back to its domain form.
func XmatchreqFromStorage(row *storage.MatchReq) *Xmatchreq {
	return &Xmatchreq{
		Xreqnum:     row.Xreqnum,
		Type:        wire.TxType(row.Type),
		Disposition: Disposition(row.Disposition),
		ObjID:       row.ObjID,
		ExpireTime:  row.ExpireTime,

		BaseAsset:    row.BaseAsset,
		QuoteAsset:   row.QuoteAsset,
		ForeignAsset: row.ForeignAsset,
		MinAmount:    row.MinAmount,
		MaxAmount:    row.MaxAmount,
		OpenAmount:   row.OpenAmount,

		NetRateRequired: row.NetRateRequired,
		WaitDiscount:    row.WaitDiscount,
		BaseCosts:       row.BaseCosts,
		QuoteCosts:      row.QuoteCosts,

		Flags: UnpackFlags(row.PackedFlags),

		ConsiderationRequired: row.ConsiderationRequired,
		ConsiderationOffered:  row.ConsiderationOffered,
		Pledge:                row.Pledge,
		HoldTime:              row.HoldTime,
		HoldTimeRequired:      row.HoldTimeRequired,
		MinWaitTime:           row.MinWaitTime,
		AcceptTimeRequired:    row.AcceptTimeRequired,
		AcceptTimeOffered:     row.AcceptTimeOffered,
		PaymentTime:           row.PaymentTime,
		Confirmations:         row.Confirmations,

		ForeignAddress: row.ForeignAddress,
		Destination:    row.Destination,
		PubSigningKey:  row.PubSigningKey,

		HaveMatching: row.HaveMatching,
		DeleteTime:   row.DeleteTime,
	}
}

// Xmatch is one match between a buy and a sell request.
type Xmatch struct {
	Xmatchnum uint64

	XBuy  Xmatchreq
	XSell Xmatchreq

	Type         wire.TxType
	Status       MatchStatus
	NextDeadline uint64

	MatchTimestamp  uint64
	AcceptTimestamp uint64
	FinalTimestamp  uint64

	BaseAmount   *big.Int
	Rate         float64
	AmountPaid   float64
	MiningAmount float64

	// MatchPledge is the pledge percentage binding this match: the
	// seller's requirement, which the buyer met or exceeded.
	MatchPledge uint32

	AcceptTime          uint64
	BuyerConsideration  uint32
	SellerConsideration uint32
}

// NewXmatch builds the match produced by a mutual best match between a
// buyer and a seller. When both sides auto-accept, the match is born
// accepted and its deadline is the payment deadline; otherwise the
// deadline is the acceptance deadline.
func NewXmatch(blockTime uint64, buyer, seller *Xreq) *Xmatch {
	m := &Xmatch{
		XBuy:  *NewXmatchreq(buyer),
		XSell: *NewXmatchreq(seller),

		Type:   buyer.Type,
		Status: MatchStatusMatched,

		MatchTimestamp: blockTime,

		BaseAmount: cloneBig(buyer.BestAmount),
		Rate:       buyer.BestRate,

		MatchPledge: seller.Pledge,

		AcceptTime:          buyer.AcceptTimeRequired,
		BuyerConsideration:  buyer.ConsiderationOffered,
		SellerConsideration: seller.ConsiderationOffered,
	}

	if buyer.Flags.AutoAcceptMatches && seller.Flags.AutoAcceptMatches {
		m.Status = MatchStatusAccepted
		m.AcceptTimestamp = blockTime
		m.NextDeadline = blockTime + buyer.PaymentTime
	} else {
		m.NextDeadline = blockTime + m.AcceptTime
	}

	return m
}

// QuoteAmount returns the foreign amount due for the match in whole quote
// units.
func (m *Xmatch) QuoteAmount() float64 {
	return AmountToFloat(m.XBuy.BaseAsset, m.BaseAmount) * m.Rate
}

// AmountToPay returns the foreign amount still owed by the buyer.
func (m *Xmatch) AmountToPay() float64 {
	return m.QuoteAmount() - m.AmountPaid
}

// ToStorage converts the match to its persistent row form.
func (m *Xmatch) ToStorage() *storage.Match {
	return &storage.Match{
		Xmatchnum:   m.Xmatchnum,
		BuyXreqnum:  m.XBuy.Xreqnum,
		SellXreqnum: m.XSell.Xreqnum,

		Type:         uint32(m.Type),
		Status:       uint32(m.Status),
		NextDeadline: m.NextDeadline,

		MatchTimestamp:  m.MatchTimestamp,
		AcceptTimestamp: m.AcceptTimestamp,
		FinalTimestamp:  m.FinalTimestamp,

		BaseAmount:   m.BaseAmount,
		Rate:         m.Rate,
		AmountPaid:   m.AmountPaid,
		MiningAmount: m.MiningAmount,

		AcceptTime:          m.AcceptTime,
		BuyerConsideration:  m.BuyerConsideration,
		SellerConsideration: m.SellerConsideration,
		BuyerPledge:         m.MatchPledge,
	}
}

// XmatchFromStorage rebuilds a match from its persistent row plus the rows
// of the two requests it references.
func XmatchFromStorage(row *storage.Match, buy, sell *storage.MatchReq) *Xmatch {
	m := &Xmatch{
		Xmatchnum: row.Xmatchnum,

		Type:         wire.TxType(row.Type),
		Status:       MatchStatus(row.Status),
		NextDeadline: row.NextDeadline,

		MatchTimestamp:  row.MatchTimestamp,
		AcceptTimestamp: row.AcceptTimestamp,
		FinalTimestamp:  row.FinalTimestamp,

		BaseAmount:   row.BaseAmount,
		Rate:         row.Rate,
		AmountPaid:   row.AmountPaid,
		MiningAmount: row.MiningAmount,

		MatchPledge: row.BuyerPledge,

		AcceptTime:          row.AcceptTime,
		BuyerConsideration:  row.BuyerConsideration,
		SellerConsideration: row.SellerConsideration,
	}

	if buy != nil {
		m.XBuy = *XmatchreqFromStorage(buy)
	}
	if sell != nil {
		m.XSell = *XmatchreqFromStorage(sell)
	}

	return m
}
