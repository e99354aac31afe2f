package exchange

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/wire"
)

// Xpay is a payment advice: the claim that a foreign payment was sent to
// settle a match.
type Xpay struct {
	Xmatchnum         uint64
	ForeignBlockchain uint64
	ForeignTxid       string
	ForeignAmount     float64
}

// XpayFromWire decodes the appended payload of a payment-advice tx.
func XpayFromWire(t wire.TxType, data []byte) (*Xpay, error) {
	if !t.IsXpay() {
		return nil, fmt.Errorf("exchange: tx type %d is not a payment advice", t)
	}

	r := wire.NewReader(data)

	x := &Xpay{}
	x.Xmatchnum = r.U64()
	x.ForeignBlockchain = r.U64()
	x.ForeignTxid = r.String()
	x.ForeignAmount = r.F64()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("exchange: decoding payment advice: %w", err)
	}

	return x, nil
}

// ToWire encodes the payment-advice payload.
func (x *Xpay) ToWire() []byte {
	w := wire.NewWriter()
	w.U64(x.Xmatchnum)
	w.U64(x.ForeignBlockchain)
	w.String(x.ForeignTxid)
	w.F64(x.ForeignAmount)
	return w.Bytes()
}

// PaymentIDHash hashes the payment identity. It becomes the pseudo
// serialnum of the advice tx, so no other tx can claim the same foreign
// payment.
func (x *Xpay) PaymentIDHash() []byte {
	h, _ := blake2b.New(config.SerialnumBytes, nil)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x.ForeignBlockchain)
	h.Write(buf[:])
	h.Write([]byte(x.ForeignTxid))

	return h.Sum(nil)
}
