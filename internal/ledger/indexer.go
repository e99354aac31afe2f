package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/exchange"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
)

// indexTxs indexes every transaction of a newly indelible block, in order:
// serialnums into the spent set, commitments into the accumulator, stealth
// outputs into the address index, and exchange requests and payment advice
// into the exchange.
func (c *Chain) indexTxs(w *storage.WriteTx, blocktime uint64, b *Block) error {
	data := b.TxData
	level := b.Wire.Level

	for len(data) > 0 && !c.Shutdown.Load() {
		obj, rest, err := wire.ParseObject(data)
		if err != nil {
			c.SetFatalError("error parsing indelible block transaction: " + err.Error())
			return ErrFatal
		}
		data = rest

		tx, err := TxFromBody(obj.Body)
		if err != nil {
			c.SetFatalError("error parsing indelible block transaction: " + err.Error())
			return ErrFatal
		}

		oid := wire.ComputeObjID(obj.Tag, obj.Body)

		// The root valid at param_level is the last one recorded at or
		// below it; levels that added no commitments record no row.
		root, found, err := w.CommitRootsSelectLevel(int64(tx.ParamLevel), storage.RootAtOrBelow)
		if err != nil || !found {
			c.SetFatalError(fmt.Sprintf("no commit root at tx param level %d", tx.ParamLevel))
			return ErrFatal
		}

		tx.MerkleRoot = root.MerkleRoot
		tx.CommitmentIV = deriveCommitmentIV(root.MerkleRoot)

		var xreq *exchange.Xreq
		var xpay *exchange.Xpay

		if tx.TagType.IsXreq() {
			xreq, err = exchange.XreqFromWire(tx.TagType, tx.AppendData)
			if err != nil {
				c.SetFatalError("error extracting exchange request: " + err.Error())
				return ErrFatal
			}
		} else if tx.TagType.IsXpay() {
			xpay, err = exchange.XpayFromWire(tx.TagType, tx.AppendData)
			if err != nil {
				c.SetFatalError("error extracting payment advice: " + err.Error())
				return ErrFatal
			}
		}

		checkCreatePseudoSerialnum(tx, xreq, xpay, obj.Tag, obj.Body)

		if xreq != nil {
			xreq.ObjID = oid[:]
			if err := c.Matcher.AddXreq(w, blocktime, xreq); err != nil {
				c.SetFatalError("error adding exchange request: " + err.Error())
				return ErrFatal
			}
		}

		// The first output commitment's number marks the spend.
		txCommitnum := c.Commitments.NextCommitnum(false)

		haveSerialnum := false
		for _, in := range tx.Inputs {
			if in.NoSerialnum {
				continue
			}
			haveSerialnum = true

			if err := w.SerialnumInsert(in.Serialnum, in.Hashkey, txCommitnum); err != nil {
				if errors.Is(err, storage.ErrSerialnumExists) {
					c.SetFatalError("duplicate serialnum in indelible block")
					return ErrFatal
				}
				c.SetFatalError(err.Error())
				return ErrFatal
			}
		}

		if !haveSerialnum {
			c.SetFatalError("transaction with no serialnum-bearing input")
			return ErrFatal
		}

		for i := range tx.Outputs {
			if err := c.indexTxOutput(w, level, tx, &tx.Outputs[i]); err != nil {
				c.SetFatalError("error indexing tx output: " + err.Error())
				return ErrFatal
			}
		}

		donation := newBig()

		if xpay != nil {
			if err := c.ProcessXpayment(w, blocktime, xpay, donation); err != nil {
				c.SetFatalError("error processing payment advice: " + err.Error())
				return ErrFatal
			}
		} else if tx.TagType != wire.TxMint {
			donation = wire.DecodeAmount(tx.DonationFP)
		}

		b.TotalDonations.Add(b.TotalDonations, donation)
	}

	return nil
}

// checkCreatePseudoSerialnum synthesizes a serialnum for transactions
// whose native inputs all lack one:
//
//   - a crosschain sell hashes its foreign address, so all active foreign
//     addresses are unique and no buyer can claim another buyer's payment;
//   - a payment advice uses its payment-id hash, with the tx hash as the
//     hashkey so the wallet can tell which tx claimed the payment;
//   - a mint (and everything else) hashes the object itself, so the same
//     object cannot enter the blockchain twice.
func checkCreatePseudoSerialnum(tx *Tx, xreq *exchange.Xreq, xpay *exchange.Xpay, objTag uint32, body []byte) {
	t := tx.TagType

	xchainSell := t.IsXreq() && t.IsCrosschain() && t.IsSeller() && xreq != nil && xreq.ForeignAddress != ""

	needPseudo := xchainSell || t == wire.TxMint

	if !needPseudo {
		for _, in := range tx.Inputs {
			if !in.NoSerialnum {
				return
			}
		}
	}

	// A mint's placeholder input is replaced rather than appended.
	if t == wire.TxMint && len(tx.Inputs) > 0 {
		tx.Inputs = tx.Inputs[:len(tx.Inputs)-1]
	}

	in := TxIn{}

	switch {
	case xchainSell:
		in.Serialnum = hashSized(config.SerialnumBytes, []byte(xreq.ForeignAddress))
		in.Hashkey = make([]byte, config.HashkeyBytes)

	case xpay != nil:
		in.Serialnum = xpay.PaymentIDHash()
		in.Hashkey = hashObj(config.HashkeyBytes, objTag, body)

	default:
		in.Serialnum = hashObj(config.SerialnumBytes, objTag, body)
		in.Hashkey = make([]byte, config.HashkeyBytes)
	}

	tx.Inputs = append(tx.Inputs, in)
}

func hashSized(size int, data ...[]byte) []byte {
	h, _ := blake2b.New(size, nil)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func hashObj(size int, objTag uint32, body []byte) []byte {
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], objTag)
	return hashSized(size, tag[:], body)
}

func deriveCommitmentIV(merkleRoot []byte) []byte {
	return hashSized(32, []byte("commitment-iv"), merkleRoot)
}

// indexTxOutput appends one output commitment and indexes the output by
// its stealth address. Mint transactions additionally create the two
// per-block mint outputs.
func (c *Chain) indexTxOutput(w *storage.WriteTx, level uint64, tx *Tx, out *TxOut) error {
	commitnum := c.Commitments.NextCommitnum(true)

	if err := c.Commitments.AddCommitment(w, commitnum, out.Commitment); err != nil {
		return err
	}

	domain := out.Domain
	if domain == 0 {
		domain = config.DefaultDomain
	}
	noEncrypt := out.AssetMask == 0 && out.AmountMask == 0
	domain = domain << 1
	if noEncrypt {
		domain |= 1
	}

	if !out.NoAddress {
		if err := w.TxOutputInsert(out.Address, domain, out.AssetEnc, out.AmountEnc, int64(tx.ParamLevel), commitnum); err != nil {
			return err
		}
	}

	if tx.TagType != wire.TxMint {
		return nil
	}

	for i := 0; i < 2; i++ {
		index := int(level%(config.MintOutputs/2)) + i*(config.MintOutputs/2)

		dest := mintDestination(index)
		amount := new(big.Int).Set(config.MintFoundationAmount)
		domain := config.MintFoundationDomain
		if i != 0 {
			amount.Set(config.MintPublicAmount)
			domain = config.DefaultDomain
		}

		if _, err := c.createTxOutputs(w, config.NativeAsset, amount, dest, domain, true); err != nil {
			return err
		}
	}

	return nil
}

// mintDestination derives one entry of the fixed mint destination table.
func mintDestination(index int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(index))
	return hashSized(config.AddressBytes, []byte("mint output destination"), buf[:])
}

// CreateTxOutputs creates node-generated outputs (settlements, refunds,
// mint payouts) for a destination. The total is split into amounts
// representable in the compressed wire encoding; the unrepresentable
// residual is returned. All calls must happen in the same order on all
// nodes.
func (c *Chain) CreateTxOutputs(w *storage.WriteTx, asset uint64, total *big.Int, dest []byte, domain uint32) (*big.Int, error) {
	return c.createTxOutputs(w, asset, total, dest, domain, false)
}

func (c *Chain) createTxOutputs(w *storage.WriteTx, asset uint64, total *big.Int, dest []byte, domain uint32, oneOutput bool) (*big.Int, error) {
	remaining := new(big.Int).Set(total)

	for remaining.Sign() > 0 && !c.Shutdown.Load() {
		amountFP := wire.EncodeAmount(remaining)
		amount := wire.DecodeAmount(amountFP)

		if amount.Sign() == 0 {
			break
		}

		paramLevel := int64(c.LastIndelibleLevel())

		root, found, err := w.CommitRootsSelectLevel(paramLevel, storage.RootAtOrBelow)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("ledger: no commit root at or below level %d", paramLevel)
		}

		iv := deriveCommitmentIV(root.MerkleRoot)
		commitment := computeCommitment(iv, dest, domain, asset, amountFP)

		commitnum := c.Commitments.NextCommitnum(true)

		if err := c.Commitments.AddCommitment(w, commitnum, commitment); err != nil {
			return nil, err
		}

		addr := computeAddress(dest, c.cfg.Blockchain())

		noEncrypt := uint32(1)
		if err := w.TxOutputInsert(addr, domain<<1|noEncrypt, asset, amountFP, root.Level, commitnum); err != nil {
			return nil, err
		}

		remaining.Sub(remaining, amount)

		if oneOutput {
			break
		}
	}

	return remaining, nil
}

func computeCommitment(iv, dest []byte, domain uint32, asset, amountFP uint64) []byte {
	var fixed [20]byte
	binary.LittleEndian.PutUint32(fixed[0:4], domain)
	binary.LittleEndian.PutUint64(fixed[4:12], asset)
	binary.LittleEndian.PutUint64(fixed[12:20], amountFP)
	return hashSized(config.CommitmentBytes, iv, dest, fixed[:])
}

func computeAddress(dest []byte, blockchain uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], blockchain)
	return hashSized(config.AddressBytes, dest, buf[:])
}

// loadMatch reads a match and the two requests it references.
func (c *Chain) loadMatch(w *storage.WriteTx, xmatchnum uint64) (*exchange.Xmatch, error) {
	row, err := w.MatchSelect(xmatchnum)
	if err != nil {
		return nil, err
	}

	buy, _, err := w.MatchReqSelect(row.BuyXreqnum)
	if err != nil {
		return nil, err
	}
	sell, _, err := w.MatchReqSelect(row.SellXreqnum)
	if err != nil {
		return nil, err
	}

	return exchange.XmatchFromStorage(row, buy, sell), nil
}

// ProcessXpayment applies one payment advice: the foreign amount is added
// to the match's paid total, and when the quoted amount is covered the
// match becomes PAID and settles.
func (c *Chain) ProcessXpayment(w *storage.WriteTx, blocktime uint64, xpay *exchange.Xpay, donation *big.Int) error {
	if xpay.ForeignAmount <= 0 {
		return fmt.Errorf("ledger: payment advice for matchnum %d with foreign amount %g", xpay.Xmatchnum, xpay.ForeignAmount)
	}

	match, err := c.loadMatch(w, xpay.Xmatchnum)
	if errors.Is(err, storage.ErrMatchNotFound) {
		c.log.Info("payment advice for unknown match", "xmatchnum", xpay.Xmatchnum)
		return nil
	}
	if err != nil {
		return err
	}

	if !match.Status.IsOpen() {
		// The match could already be paid in full, so this is not an error.
		c.log.Info("payment advice for closed match", "xmatchnum", match.Xmatchnum, "status", match.Status)
		return nil
	}

	match.AmountPaid += xpay.ForeignAmount

	if match.AmountToPay() > 0 {
		match.Status = exchange.MatchStatusPartPaidOpen
		return w.MatchInsert(match.ToStorage())
	}

	match.Status = exchange.MatchStatusPaid
	match.FinalTimestamp = blocktime
	match.NextDeadline = 0

	return c.SettleMatch(w, match, donation)
}

// computeMatchSplit divides a match's base amount between buyer and
// seller. On partial payment the effective base amount is recomputed so
// the seller's net rate is preserved. That computation is in floating
// point, the buyer's part is rounded to the nearest base unit, and the
// seller receives the remainder, so the two parts always sum to the
// match's base amount and no base asset is lost.
func computeMatchSplit(match *exchange.Xmatch) (matchAmount, buyerAmount, sellerAmount *big.Int) {
	matchAmount = new(big.Int).Set(match.BaseAmount)

	switch {
	case match.Status == exchange.MatchStatusPaid:
		buyerAmount = new(big.Int).Set(matchAmount)
		sellerAmount = new(big.Int)

	case match.AmountPaid <= 0:
		sellerAmount = new(big.Int).Set(matchAmount)
		buyerAmount = new(big.Int)

	default:
		// The seller's net rate is (quote_amount - quote_costs) /
		// (base_amount + base_costs); solve for the base amount at which
		// the amount actually paid yields the same net rate.
		baseAmount := exchange.AmountToFloat(match.XSell.BaseAsset, match.BaseAmount)

		netBase := match.AmountPaid - match.XSell.QuoteCosts
		netBase *= baseAmount + match.XSell.BaseCosts
		netBase /= baseAmount*match.Rate - match.XSell.QuoteCosts
		netBase -= match.XSell.BaseCosts

		if netBase <= 0 {
			netBase = 0
		}

		buyerAmount = exchange.AmountFromFloat(match.XBuy.BaseAsset, netBase)
		if buyerAmount.Cmp(matchAmount) > 0 {
			buyerAmount = new(big.Int).Set(matchAmount)
		}

		sellerAmount = new(big.Int).Sub(matchAmount, buyerAmount)
	}

	return matchAmount, buyerAmount, sellerAmount
}

// SettleMatch pays out a finished match: the base amount split, the pledge
// disposition, any mining reward, and the buyer's payment-advice donation.
func (c *Chain) SettleMatch(w *storage.WriteTx, match *exchange.Xmatch, donation *big.Int) error {
	matchAmount, buyerAmount, sellerAmount := computeMatchSplit(match)

	c.Mining.UpdateMatchStats(match, buyerAmount)

	pledgeAmount := newBig()
	adjMining := newBig()

	if match.MatchPledge != 0 {
		// Pledge amounts always round down.
		pledgeAmount.Mul(matchAmount, big.NewInt(int64(match.MatchPledge)))
		pledgeAmount.Quo(pledgeAmount, big.NewInt(100))

		switch {
		case match.AmountPaid == 0:
			sellerAmount.Add(sellerAmount, pledgeAmount)

		case match.Status == exchange.MatchStatusPaid:
			adjMining = c.Mining.AdjustedMiningAmount(match)
			buyerAmount.Add(buyerAmount, pledgeAmount)
			buyerAmount.Add(buyerAmount, adjMining)

		default:
			sellerSplit := new(big.Int).Mul(sellerAmount, big.NewInt(int64(match.MatchPledge)))
			sellerSplit.Add(sellerSplit, big.NewInt(99))
			sellerSplit.Quo(sellerSplit, big.NewInt(100))

			if sellerSplit.Cmp(pledgeAmount) > 0 {
				sellerSplit = new(big.Int).Set(pledgeAmount)
			}

			sellerAmount.Add(sellerAmount, sellerSplit)
			buyerAmount.Add(buyerAmount, pledgeAmount)
			buyerAmount.Sub(buyerAmount, sellerSplit)
		}
	}

	// Revert any excess buyer's pledge.
	if match.XBuy.Pledge > match.MatchPledge {
		buyerPledge := new(big.Int).Mul(matchAmount, big.NewInt(int64(match.XBuy.Pledge)))
		buyerPledge.Quo(buyerPledge, big.NewInt(100))

		extra := new(big.Int).Sub(buyerPledge, pledgeAmount)
		if extra.Sign() > 0 {
			buyerAmount.Add(buyerAmount, extra)
		}
	}

	// The buyer's donation is the witnesses' incentive to include the
	// payment advice in a block.
	if match.Status == exchange.MatchStatusPaid {
		donation.Set(config.DonationPerXcxPay)
	}
	if buyerAmount.Cmp(donation) <= 0 {
		donation.Set(buyerAmount)
		buyerAmount.SetInt64(0)
	} else {
		buyerAmount.Sub(buyerAmount, donation)
	}

	c.log.Debug("settling match",
		"xmatchnum", match.Xmatchnum, "status", match.Status,
		"amount", matchAmount, "buyer", buyerAmount, "seller", sellerAmount,
		"mining", adjMining, "donation", donation)

	residual, err := c.CreateTxOutputs(w, match.XBuy.BaseAsset, buyerAmount, match.XBuy.Destination, config.DefaultDomain)
	if err != nil {
		return err
	}

	// Any buyer residual goes first to the seller.
	sellerAmount.Add(sellerAmount, residual)

	residual, err = c.CreateTxOutputs(w, match.XSell.BaseAsset, sellerAmount, match.XSell.Destination, config.DefaultDomain)
	if err != nil {
		return err
	}

	// Subtract the unpayable residual from the amount mined.
	if residual.Cmp(adjMining) > 0 {
		adjMining.SetInt64(0)
	} else {
		adjMining.Sub(adjMining, residual)
	}

	if match.Status == exchange.MatchStatusPaid {
		c.Mining.FinalizeMiningAmount(match, adjMining)
	}

	return w.MatchInsert(match.ToStorage())
}

// ExpireMatches settles matches whose payment deadline has passed.
func (c *Chain) ExpireMatches(w *storage.WriteTx, blocktime uint64) error {
	for !c.Shutdown.Load() {
		row, found, err := w.MatchSelectNextDeadline(blocktime)
		if err != nil {
			return err
		}
		if !found {
			break
		}

		match, err := c.loadMatch(w, row.Xmatchnum)
		if err != nil {
			return err
		}

		switch match.Status {
		case exchange.MatchStatusMatched, exchange.MatchStatusAccepted:
			match.Status = exchange.MatchStatusUnpaidExpired
		case exchange.MatchStatusPartPaidOpen:
			match.Status = exchange.MatchStatusPartPaidExpired
		default:
			return fmt.Errorf("ledger: match %d expired in status %d", match.Xmatchnum, match.Status)
		}

		match.FinalTimestamp = blocktime
		match.NextDeadline = 0

		donation := newBig()

		if err := c.SettleMatch(w, match, donation); err != nil {
			return err
		}

		if donation.Sign() != 0 {
			return fmt.Errorf("ledger: expired match %d produced a donation", match.Xmatchnum)
		}
	}

	return nil
}
