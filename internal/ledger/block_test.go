package ledger

import (
	"bytes"
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/exchange"
	"github.com/veilcash/veild/internal/wire"
)

func TestBlockWireRoundtrip(t *testing.T) {
	b := &Block{
		TxData:         []byte("tx stream"),
		TotalDonations: new(big.Int),
	}
	b.Wire.Level = 42
	b.Wire.Timestamp = 1700000000
	b.Wire.PriorOid = bytes.Repeat([]byte{0xab}, config.OidBytes)
	b.Wire.Witness = 3
	b.Wire.Skip = true
	b.Wire.Signature = bytes.Repeat([]byte{0xcd}, ed25519.SignatureSize)

	decoded, err := BlockFromWire(b.Marshal())
	if err != nil {
		t.Fatalf("BlockFromWire() error = %v", err)
	}

	if decoded.Wire.Level != 42 || decoded.Wire.Timestamp != 1700000000 {
		t.Errorf("decoded header = %+v", decoded.Wire)
	}
	if decoded.Wire.Witness != 3 || !decoded.Wire.Skip {
		t.Errorf("decoded witness/skip = %d/%v", decoded.Wire.Witness, decoded.Wire.Skip)
	}
	if !bytes.Equal(decoded.Wire.PriorOid, b.Wire.PriorOid) {
		t.Error("decoded prior oid differs")
	}
	if !bytes.Equal(decoded.TxData, b.TxData) {
		t.Error("decoded tx data differs")
	}

	// The oid is content derived and stable.
	if !bytes.Equal(decoded.Oid, ComputeBlockOid(b.MarshalBody())) {
		t.Error("decoded oid differs from computed oid")
	}
}

func TestBlockSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	b := &Block{TotalDonations: new(big.Int)}
	b.Wire.Level = 1
	b.Wire.PriorOid = make([]byte, config.OidBytes)
	b.Wire.Witness = 0
	b.TxData = []byte("payload")

	b.Sign(priv)

	params := &ChainParams{SigningKeys: []ed25519.PublicKey{pub}}
	if !b.VerifySignature(params) {
		t.Error("valid signature rejected")
	}

	// Tampering with the tx stream invalidates the signature.
	b.TxData = []byte("tampered")
	if b.VerifySignature(params) {
		t.Error("tampered block verified")
	}

	// A witness index outside the key set never verifies.
	b.Wire.Witness = 5
	if b.VerifySignature(params) {
		t.Error("out-of-range witness verified")
	}
}

func TestTxWireRoundtrip(t *testing.T) {
	tx := &Tx{
		TagType:    wire.TxPay,
		ParamLevel: 17,
		DonationFP: 12345,
		Inputs: []TxIn{
			{Serialnum: bytes.Repeat([]byte{1}, config.SerialnumBytes), Hashkey: bytes.Repeat([]byte{2}, config.HashkeyBytes)},
			{NoSerialnum: true},
		},
		Outputs: []TxOut{{
			Address:    bytes.Repeat([]byte{3}, config.AddressBytes),
			Commitment: bytes.Repeat([]byte{4}, config.CommitmentBytes),
			Domain:     2,
			AssetEnc:   7,
			AmountEnc:  9,
			AssetMask:  1,
		}},
		AppendData: []byte("payload"),
	}

	obj, _, err := wire.ParseObject(tx.Marshal())
	if err != nil {
		t.Fatalf("ParseObject() error = %v", err)
	}
	if obj.Tag != wire.TagTx {
		t.Fatalf("tx object tag = %#x", obj.Tag)
	}

	decoded, err := TxFromBody(obj.Body)
	if err != nil {
		t.Fatalf("TxFromBody() error = %v", err)
	}

	if decoded.TagType != wire.TxPay || decoded.ParamLevel != 17 || decoded.DonationFP != 12345 {
		t.Errorf("decoded tx = %+v", decoded)
	}
	if len(decoded.Inputs) != 2 || decoded.Inputs[1].NoSerialnum != true {
		t.Errorf("decoded inputs = %+v", decoded.Inputs)
	}
	if !bytes.Equal(decoded.Inputs[0].Serialnum, tx.Inputs[0].Serialnum) {
		t.Error("decoded serialnum differs")
	}
	if len(decoded.Outputs) != 1 || decoded.Outputs[0].AssetMask != 1 {
		t.Errorf("decoded outputs = %+v", decoded.Outputs)
	}
	if string(decoded.AppendData) != "payload" {
		t.Errorf("decoded append data = %q", decoded.AppendData)
	}
}

func TestPseudoSerialnumPolicy(t *testing.T) {
	mintBody := []byte("mint body")

	mint := &Tx{TagType: wire.TxMint, Inputs: []TxIn{{NoSerialnum: true}}}
	checkCreatePseudoSerialnum(mint, nil, nil, wire.TagTx, mintBody)

	if len(mint.Inputs) != 1 || mint.Inputs[0].NoSerialnum {
		t.Fatalf("mint inputs after synthesis = %+v", mint.Inputs)
	}

	// Identical bodies synthesize identical serialnums; different bodies
	// differ.
	mint2 := &Tx{TagType: wire.TxMint, Inputs: []TxIn{{NoSerialnum: true}}}
	checkCreatePseudoSerialnum(mint2, nil, nil, wire.TagTx, mintBody)
	if !bytes.Equal(mint.Inputs[0].Serialnum, mint2.Inputs[0].Serialnum) {
		t.Error("identical mint bodies produced different serialnums")
	}

	mint3 := &Tx{TagType: wire.TxMint, Inputs: []TxIn{{NoSerialnum: true}}}
	checkCreatePseudoSerialnum(mint3, nil, nil, wire.TagTx, []byte("other body"))
	if bytes.Equal(mint.Inputs[0].Serialnum, mint3.Inputs[0].Serialnum) {
		t.Error("different mint bodies produced the same serialnum")
	}

	// A tx with a real serialnum input is left untouched.
	pay := &Tx{TagType: wire.TxPay, Inputs: []TxIn{{Serialnum: bytes.Repeat([]byte{1}, 32)}}}
	checkCreatePseudoSerialnum(pay, nil, nil, wire.TagTx, []byte("pay body"))
	if len(pay.Inputs) != 1 {
		t.Errorf("pay inputs after policy = %d", len(pay.Inputs))
	}
}

func TestPseudoSerialnumForeignAddress(t *testing.T) {
	sellTx := func(addr, body string) []byte {
		xreq := &exchange.Xreq{Type: wire.TxXcxSimpleSell, ForeignAddress: addr}
		tx := &Tx{TagType: wire.TxXcxSimpleSell, Inputs: []TxIn{{NoSerialnum: true}}}
		checkCreatePseudoSerialnum(tx, xreq, nil, wire.TagTx, []byte(body))
		return tx.Inputs[len(tx.Inputs)-1].Serialnum
	}

	// The serialnum keys on the foreign address, not the tx body, so two
	// sells reusing one active address collide even with different bodies.
	a1 := sellTx("qzaddress1", "body one")
	a2 := sellTx("qzaddress1", "body two")
	b1 := sellTx("qzaddress2", "body one")

	if !bytes.Equal(a1, a2) {
		t.Error("same foreign address produced different serialnums")
	}
	if bytes.Equal(a1, b1) {
		t.Error("different foreign addresses produced the same serialnum")
	}

	// A payment advice keys on its payment id and carries the tx hash as
	// the hashkey.
	xpay := &exchange.Xpay{Xmatchnum: 1, ForeignBlockchain: 2, ForeignTxid: "txid1", ForeignAmount: 1}
	tx := &Tx{TagType: wire.TxXcxPay, Inputs: []TxIn{{NoSerialnum: true}}}
	checkCreatePseudoSerialnum(tx, nil, xpay, wire.TagTx, []byte("xpay body"))

	in := tx.Inputs[len(tx.Inputs)-1]
	if !bytes.Equal(in.Serialnum, xpay.PaymentIDHash()) {
		t.Error("payment advice serialnum is not the payment id hash")
	}
	if len(in.Hashkey) != config.HashkeyBytes || bytes.Equal(in.Hashkey, make([]byte, config.HashkeyBytes)) {
		t.Error("payment advice hashkey not derived from the tx body")
	}
}
