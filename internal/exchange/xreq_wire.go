package exchange

import (
	"fmt"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/wire"
)

// XreqFromWire decodes the appended request payload of an exchange-request
// transaction.
func XreqFromWire(t wire.TxType, data []byte) (*Xreq, error) {
	if !t.IsXreq() {
		return nil, fmt.Errorf("exchange: tx type %d is not a request", t)
	}

	r := wire.NewReader(data)

	x := &Xreq{Type: t}

	x.ExpireTime = r.U64()
	x.BaseAsset = r.U64()
	x.QuoteAsset = r.U64()
	x.ForeignAsset = r.String()

	x.MinAmount = wire.DecodeAmount(r.U64())
	x.MaxAmount = wire.DecodeAmount(r.U64())

	x.NetRateRequired = r.F64()
	x.WaitDiscount = r.F64()
	x.BaseCosts = r.F64()
	x.QuoteCosts = r.F64()

	x.Flags = UnpackFlags(r.U32())

	x.ConsiderationRequired = r.U32()
	x.ConsiderationOffered = r.U32()
	x.Pledge = r.U32()
	x.HoldTime = r.U64()
	x.HoldTimeRequired = r.U64()
	x.MinWaitTime = r.U64()
	x.AcceptTimeRequired = r.U64()
	x.AcceptTimeOffered = r.U64()
	x.PaymentTime = r.U64()
	x.Confirmations = r.U32()

	x.ForeignAddress = r.String()
	x.Destination = r.Bytes(config.AddressBytes)

	if x.Flags.HasSigningKey {
		x.PubSigningKey = r.Bytes(config.SigningPubKeyBytes)
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("exchange: decoding request payload: %w", err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("exchange: %d trailing bytes in request payload", r.Remaining())
	}

	return x, nil
}

// ToWire encodes the request payload appended to an exchange-request
// transaction.
func (x *Xreq) ToWire() []byte {
	w := wire.NewWriter()

	w.U64(x.ExpireTime)
	w.U64(x.BaseAsset)
	w.U64(x.QuoteAsset)
	w.String(x.ForeignAsset)

	w.U64(wire.EncodeAmount(x.MinAmount))
	w.U64(wire.EncodeAmount(x.MaxAmount))

	w.F64(x.NetRateRequired)
	w.F64(x.WaitDiscount)
	w.F64(x.BaseCosts)
	w.F64(x.QuoteCosts)

	w.U32(x.Flags.Pack())

	w.U32(x.ConsiderationRequired)
	w.U32(x.ConsiderationOffered)
	w.U32(x.Pledge)
	w.U64(x.HoldTime)
	w.U64(x.HoldTimeRequired)
	w.U64(x.MinWaitTime)
	w.U64(x.AcceptTimeRequired)
	w.U64(x.AcceptTimeOffered)
	w.U64(x.PaymentTime)
	w.U32(x.Confirmations)

	w.String(x.ForeignAddress)
	w.Raw(padTo(x.Destination, config.AddressBytes))

	if x.Flags.HasSigningKey {
		w.Raw(padTo(x.PubSigningKey, config.SigningPubKeyBytes))
	}

	return w.Bytes()
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
