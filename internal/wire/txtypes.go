package wire

// TxType identifies the kind of a wire transaction.
type TxType uint32

// Transaction kinds. The XcxMiningTrade kind never reaches the persistent
// store: the indexer splits it into a linked buy + sell pair.
const (
	TxInvalid TxType = iota
	TxMint
	TxPay
	TxMove

	TxXcxSimpleBuy
	TxXcxSimpleSell
	TxXcxMiningBuy
	TxXcxMiningSell
	TxXcxNakedBuy
	TxXcxNakedSell
	TxXcxMiningTrade

	TxXcxPay

	TxXcxQuery
	TxXcxReply
)

// IsXreq reports whether the type is an exchange request.
func (t TxType) IsXreq() bool {
	switch t {
	case TxXcxSimpleBuy, TxXcxSimpleSell, TxXcxMiningBuy, TxXcxMiningSell,
		TxXcxNakedBuy, TxXcxNakedSell, TxXcxMiningTrade:
		return true
	}
	return false
}

// IsXpay reports whether the type is a payment advice.
func (t TxType) IsXpay() bool {
	return t == TxXcxPay
}

// IsBuyer reports whether the request type is on the buy side.
func (t TxType) IsBuyer() bool {
	switch t {
	case TxXcxSimpleBuy, TxXcxMiningBuy, TxXcxNakedBuy, TxXcxMiningTrade:
		return true
	}
	return false
}

// IsSeller reports whether the request type is on the sell side.
func (t TxType) IsSeller() bool {
	switch t {
	case TxXcxSimpleSell, TxXcxMiningSell, TxXcxNakedSell:
		return true
	}
	return false
}

// IsCrosschain reports whether the request pairs native value against a
// foreign blockchain.
func (t TxType) IsCrosschain() bool {
	switch t {
	case TxXcxSimpleBuy, TxXcxSimpleSell, TxXcxMiningBuy, TxXcxMiningSell, TxXcxMiningTrade:
		return true
	}
	return false
}

// HasBareMsg reports whether the type carries no settleable value (nothing
// to refund on expiration).
func (t TxType) HasBareMsg() bool {
	switch t {
	case TxXcxNakedBuy, TxXcxNakedSell, TxXcxQuery, TxXcxReply:
		return true
	}
	return false
}
