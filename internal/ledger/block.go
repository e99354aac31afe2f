// Package ledger implements the blockchain state machine: candidate block
// tracking, indelible promotion, transaction indexing into persistent
// state, and the commitment Merkle accumulator.
package ledger

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"math/big"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/wire"
)

// ChainParams is the per-block parameter snapshot a block is validated
// against. Witness-set rotation takes effect through the Next values.
type ChainParams struct {
	Nwitnesses int
	Maxmal     int

	Nconfsigs     int
	Nseqconfsigs  int
	Nskipconfsigs int

	NextNwitnesses int
	NextMaxmal     int

	SigningKeys []ed25519.PublicKey
}

// SetConfSigs derives the confirmation thresholds from the witness counts.
// A block is indelible once nseqconfsigs successors (including itself) are
// stacked on it without a skip round, or nskipconfsigs with one.
func (p *ChainParams) SetConfSigs() {
	honest := p.Nwitnesses - p.Maxmal

	p.Nconfsigs = honest + honest/2
	if p.Nconfsigs > p.Nwitnesses {
		p.Nconfsigs = p.Nwitnesses
	}

	p.Nseqconfsigs = p.Maxmal + honest/2 + 1
	p.Nskipconfsigs = p.Nconfsigs

	if p.Nskipconfsigs < p.Nseqconfsigs {
		p.Nskipconfsigs = p.Nseqconfsigs
	}
}

// BlockWire is the fixed wire header of a block.
type BlockWire struct {
	Level     uint64
	Timestamp uint64
	PriorOid  []byte
	Witness   uint16
	Skip      bool
	Signature []byte
}

// Block is one candidate or indelible block held in memory. Blocks link
// back to their parent by shared reference; the map from oid to block
// lives in the Chain and is pruned behind the confirmation window.
type Block struct {
	Wire   BlockWire
	TxData []byte

	// Aux state, not part of the wire form.
	Oid                []byte
	Params             ChainParams
	MarkedForIndelible bool
	TotalDonations     *big.Int

	Prior *Block
}

const blockWireFixedBytes = 8 + 8 + config.OidBytes + 2 + 1 + ed25519.SignatureSize

// MarshalBody encodes the block header and transaction stream as the body
// of a TagBlock object.
func (b *Block) MarshalBody() []byte {
	w := wire.NewWriter()

	w.U64(b.Wire.Level)
	w.U64(b.Wire.Timestamp)
	w.Raw(padBytes(b.Wire.PriorOid, config.OidBytes))
	w.U16(b.Wire.Witness)
	if b.Wire.Skip {
		w.U8(1)
	} else {
		w.U8(0)
	}
	w.Raw(padBytes(b.Wire.Signature, ed25519.SignatureSize))
	w.Raw(b.TxData)

	return w.Bytes()
}

// Marshal encodes the complete wire object including the header.
func (b *Block) Marshal() []byte {
	return wire.AppendObject(nil, wire.TagBlock, b.MarshalBody())
}

// BlockFromBody decodes a block from the body of a TagBlock object.
func BlockFromBody(body []byte) (*Block, error) {
	if len(body) < blockWireFixedBytes {
		return nil, fmt.Errorf("ledger: block body too short: %d bytes", len(body))
	}

	r := wire.NewReader(body)

	b := &Block{TotalDonations: new(big.Int)}
	b.Wire.Level = r.U64()
	b.Wire.Timestamp = r.U64()
	b.Wire.PriorOid = r.Bytes(config.OidBytes)
	b.Wire.Witness = r.U16()
	b.Wire.Skip = r.U8() != 0
	b.Wire.Signature = r.Bytes(ed25519.SignatureSize)

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decoding block header: %w", err)
	}

	b.TxData = body[blockWireFixedBytes:]

	oid := wire.ComputeObjID(wire.TagBlock, body)
	b.Oid = oid[:]

	return b, nil
}

// BlockFromWire decodes a complete block object.
func BlockFromWire(data []byte) (*Block, error) {
	obj, rest, err := wire.ParseObject(data)
	if err != nil {
		return nil, err
	}
	if obj.Tag != wire.TagBlock {
		return nil, fmt.Errorf("ledger: object tag %#x is not a block", obj.Tag)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("ledger: %d trailing bytes after block", len(rest))
	}
	return BlockFromBody(obj.Body)
}

// SigningMessage is the byte string a witness signs: everything in the
// body except the signature itself.
func (b *Block) SigningMessage() []byte {
	body := b.MarshalBody()
	sigStart := blockWireFixedBytes - ed25519.SignatureSize

	msg := make([]byte, 0, len(body)-ed25519.SignatureSize)
	msg = append(msg, body[:sigStart]...)
	msg = append(msg, body[blockWireFixedBytes:]...)
	return msg
}

// Sign signs the block with a witness key.
func (b *Block) Sign(key ed25519.PrivateKey) {
	b.Wire.Signature = ed25519.Sign(key, b.SigningMessage())
}

// VerifySignature checks the block's signature against its witness's key
// in the parameter snapshot.
func (b *Block) VerifySignature(params *ChainParams) bool {
	if int(b.Wire.Witness) >= len(params.SigningKeys) {
		return false
	}
	return ed25519.Verify(params.SigningKeys[b.Wire.Witness], b.SigningMessage(), b.Wire.Signature)
}

// SameOid reports whether two object ids match.
func SameOid(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func padBytes(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
