package ledger

import (
	"fmt"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/wire"
)

// TxIn is one transaction input. An input with NoSerialnum set spends
// nothing; the indexer may later synthesize a pseudo-serialnum for the
// whole transaction.
type TxIn struct {
	NoSerialnum bool
	Serialnum   []byte
	Hashkey     []byte
}

// TxOut is one transaction output: a commitment for the accumulator plus
// the stealth-address index fields.
type TxOut struct {
	NoAddress  bool
	Address    []byte
	Commitment []byte
	Domain     uint32
	AssetEnc   uint64
	AmountEnc  uint64
	AssetMask  uint64
	AmountMask uint64
}

// Tx is a parsed transaction. The zk-proof itself is validated by an
// external collaborator before the tx ever reaches the indexer; here only
// the structure matters.
type Tx struct {
	TagType    wire.TxType
	ParamLevel uint64
	DonationFP uint64

	Inputs  []TxIn
	Outputs []TxOut

	// AppendData carries the typed payload of exchange transactions.
	AppendData []byte

	// Filled by the indexer.
	MerkleRoot   []byte
	CommitmentIV []byte
}

// MarshalBody encodes the tx as the body of a TagTx object.
func (t *Tx) MarshalBody() []byte {
	w := wire.NewWriter()

	w.U32(uint32(t.TagType))
	w.U64(t.ParamLevel)
	w.U64(t.DonationFP)

	w.U16(uint16(len(t.Inputs)))
	w.U16(uint16(len(t.Outputs)))

	for _, in := range t.Inputs {
		if in.NoSerialnum {
			w.U8(1)
			continue
		}
		w.U8(0)
		w.Raw(padBytes(in.Serialnum, config.SerialnumBytes))
		w.Raw(padBytes(in.Hashkey, config.HashkeyBytes))
	}

	for _, out := range t.Outputs {
		if out.NoAddress {
			w.U8(1)
		} else {
			w.U8(0)
		}
		w.Raw(padBytes(out.Address, config.AddressBytes))
		w.Raw(padBytes(out.Commitment, config.CommitmentBytes))
		w.U32(out.Domain)
		w.U64(out.AssetEnc)
		w.U64(out.AmountEnc)
		w.U64(out.AssetMask)
		w.U64(out.AmountMask)
	}

	w.U32(uint32(len(t.AppendData)))
	w.Raw(t.AppendData)

	return w.Bytes()
}

// Marshal encodes the complete wire object including the header.
func (t *Tx) Marshal() []byte {
	return wire.AppendObject(nil, wire.TagTx, t.MarshalBody())
}

// TxFromBody decodes a transaction from the body of a TagTx object.
func TxFromBody(body []byte) (*Tx, error) {
	r := wire.NewReader(body)

	t := &Tx{}
	t.TagType = wire.TxType(r.U32())
	t.ParamLevel = r.U64()
	t.DonationFP = r.U64()

	nin := int(r.U16())
	nout := int(r.U16())

	if nin > config.MaxTxInputs || nout > config.MaxTxOutputs {
		return nil, fmt.Errorf("ledger: tx with %d inputs and %d outputs exceeds limits", nin, nout)
	}

	for i := 0; i < nin; i++ {
		var in TxIn
		in.NoSerialnum = r.U8() != 0
		if !in.NoSerialnum {
			in.Serialnum = r.Bytes(config.SerialnumBytes)
			in.Hashkey = r.Bytes(config.HashkeyBytes)
		}
		t.Inputs = append(t.Inputs, in)
	}

	for i := 0; i < nout; i++ {
		var out TxOut
		out.NoAddress = r.U8() != 0
		out.Address = r.Bytes(config.AddressBytes)
		out.Commitment = r.Bytes(config.CommitmentBytes)
		out.Domain = r.U32()
		out.AssetEnc = r.U64()
		out.AmountEnc = r.U64()
		out.AssetMask = r.U64()
		out.AmountMask = r.U64()
		t.Outputs = append(t.Outputs, out)
	}

	appendLen := int(r.U32())
	t.AppendData = r.Bytes(appendLen)

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decoding tx: %w", err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("ledger: %d trailing bytes in tx", r.Remaining())
	}

	return t, nil
}
