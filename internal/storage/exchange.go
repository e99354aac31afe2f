// Package storage - Exchange table operations.
//
// Persistent exchange state is split across three tables. Exchange_Matches
// records every match. Exchange_Match_Reqs is the immutable copy of each
// persistent request, shared by all matches that reference it; only its
// Disposition changes. Exchange_Matching_Reqs is the mutable side needed to
// complete trades and resync at startup, pruned by DeleteTime.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
)

// ErrMatchNotFound is returned when a match lookup finds no row.
var ErrMatchNotFound = errors.New("match not found")

// ExchangeNums is a per-level snapshot of the exchange sequence counters.
type ExchangeNums struct {
	Level         uint64
	Timestamp     uint64
	NextXreqnum   uint64
	NextXmatchnum uint64
}

// XcxNumsInsert records the sequence counters at a block level.
func (w *WriteTx) XcxNumsInsert(nums ExchangeNums) error {
	_, err := w.tx.Exec(
		"INSERT INTO Exchange_Nums (Level, Timestamp, NextXreqnum, NextXmatchnum) VALUES (?, ?, ?, ?)",
		nums.Level, nums.Timestamp, nums.NextXreqnum, nums.NextXmatchnum)
	if err != nil {
		return fmt.Errorf("exchange nums insert level %d: %w", nums.Level, err)
	}
	return nil
}

// XcxNumsSelect returns the sequence snapshot at or below the given level.
func (s *Storage) XcxNumsSelect(level uint64) (ExchangeNums, bool, error) {
	var nums ExchangeNums
	err := s.db.QueryRow(
		"SELECT Level, Timestamp, NextXreqnum, NextXmatchnum FROM Exchange_Nums WHERE Level <= ? ORDER BY Level DESC LIMIT 1",
		level).Scan(&nums.Level, &nums.Timestamp, &nums.NextXreqnum, &nums.NextXmatchnum)
	if errors.Is(err, sql.ErrNoRows) {
		return nums, false, nil
	}
	if err != nil {
		return nums, false, fmt.Errorf("exchange nums select level %d: %w", level, err)
	}
	return nums, true, nil
}

// MatchReq is the persistent form of an exchange request: the immutable
// Exchange_Match_Reqs columns plus, when HaveMatching is set, the mutable
// Exchange_Matching_Reqs columns.
type MatchReq struct {
	Xreqnum     uint64
	Disposition uint32
	ExpireTime  uint64
	ObjID       []byte
	Type        uint32

	BaseAsset    uint64
	QuoteAsset   uint64
	ForeignAsset string
	MinAmount    *big.Int
	MaxAmount    *big.Int

	NetRateRequired float64
	WaitDiscount    float64
	BaseCosts       float64
	QuoteCosts      float64

	PackedFlags uint32

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

	// Matching side.
	HaveMatching         bool
	DeleteTime           uint64
	ForeignAddressUnique bool
	ForeignAddress       string
	Destination          []byte
	PubSigningKey        []byte
	OpenAmount           *big.Int
}

// MatchReqInsert persists a request. The immutable row keeps its first
// values on conflict (except Disposition); the matching row folds in the
// new OpenAmount and keeps the latest DeleteTime.
func (w *WriteTx) MatchReqInsert(req *MatchReq) error {
	_, err := w.tx.Exec(
		`INSERT INTO Exchange_Match_Reqs VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(Xreqnum) DO UPDATE SET Disposition = excluded.Disposition`,
		req.Xreqnum, req.Disposition, req.ExpireTime, req.ObjID, req.Type,
		req.BaseAsset, req.QuoteAsset, req.ForeignAsset,
		bigBytes(req.MinAmount), bigBytes(req.MaxAmount),
		req.NetRateRequired, req.WaitDiscount, req.BaseCosts, req.QuoteCosts,
		req.PackedFlags,
		req.ConsiderationRequired, req.ConsiderationOffered, req.Pledge,
		req.HoldTime, req.HoldTimeRequired, req.MinWaitTime,
		req.AcceptTimeRequired, req.AcceptTimeOffered,
		req.PaymentTime, req.Confirmations)
	if err != nil {
		return fmt.Errorf("match req insert xreqnum %d: %w", req.Xreqnum, err)
	}

	if !req.HaveMatching {
		return nil
	}

	var foreignAddr any
	if req.ForeignAddress != "" {
		foreignAddr = []byte(req.ForeignAddress)
	}

	_, err = w.tx.Exec(
		`INSERT INTO Exchange_Matching_Reqs VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(Xreqnum) DO UPDATE SET
			OpenAmount = excluded.OpenAmount,
			DeleteTime = MAX(DeleteTime, excluded.DeleteTime)`,
		req.Xreqnum, req.DeleteTime, req.QuoteAsset,
		req.ForeignAddressUnique, foreignAddr,
		req.Destination, req.PubSigningKey, bigBytes(req.OpenAmount))
	if err != nil {
		return fmt.Errorf("matching req insert xreqnum %d: %w", req.Xreqnum, err)
	}
	return nil
}

// MatchReqUpdateDisposition updates the disposition of a persistent request.
func (w *WriteTx) MatchReqUpdateDisposition(xreqnum uint64, disposition uint32) error {
	_, err := w.tx.Exec(
		"UPDATE Exchange_Match_Reqs SET Disposition = ? WHERE Xreqnum = ? AND Xreqnum != 0",
		disposition, xreqnum)
	if err != nil {
		return fmt.Errorf("match req update xreqnum %d: %w", xreqnum, err)
	}
	return nil
}

const matchReqColumns = `
	r.Xreqnum, r.Disposition, r.ExpireTime, r.ObjId, r.Type,
	r.BaseAsset, r.QuoteAsset, r.ForeignAsset, r.MinAmount, r.MaxAmount,
	r.NetRateRequired, r.WaitDiscount, r.BaseCosts, r.QuoteCosts,
	r.PackedFlags,
	r.ConsiderationRequired, r.ConsiderationOffered, r.Pledge,
	r.HoldTime, r.HoldTimeRequired, r.MinWaitTime,
	r.AcceptTimeRequired, r.AcceptTimeOffered, r.PaymentTime, r.Confirmations,
	m.DeleteTime, m.ForeignAddressUnique, m.ForeignAddress,
	m.Destination, m.PubSigningKey, m.OpenAmount`

func scanMatchReq(row interface{ Scan(...any) error }) (*MatchReq, error) {
	var req MatchReq
	var foreignAsset sql.NullString
	var minAmount, maxAmount, openAmount, foreignAddr []byte
	var deleteTime sql.NullInt64
	var addrUnique sql.NullBool

	err := row.Scan(
		&req.Xreqnum, &req.Disposition, &req.ExpireTime, &req.ObjID, &req.Type,
		&req.BaseAsset, &req.QuoteAsset, &foreignAsset, &minAmount, &maxAmount,
		&req.NetRateRequired, &req.WaitDiscount, &req.BaseCosts, &req.QuoteCosts,
		&req.PackedFlags,
		&req.ConsiderationRequired, &req.ConsiderationOffered, &req.Pledge,
		&req.HoldTime, &req.HoldTimeRequired, &req.MinWaitTime,
		&req.AcceptTimeRequired, &req.AcceptTimeOffered, &req.PaymentTime, &req.Confirmations,
		&deleteTime, &addrUnique, &foreignAddr,
		&req.Destination, &req.PubSigningKey, &openAmount)
	if err != nil {
		return nil, err
	}

	req.ForeignAsset = foreignAsset.String
	req.MinAmount = bigFromBytes(minAmount)
	req.MaxAmount = bigFromBytes(maxAmount)
	req.OpenAmount = bigFromBytes(openAmount)
	req.ForeignAddress = string(foreignAddr)
	if deleteTime.Valid {
		req.HaveMatching = true
		req.DeleteTime = uint64(deleteTime.Int64)
	}
	req.ForeignAddressUnique = addrUnique.Valid && addrUnique.Bool

	return &req, nil
}

// MatchReqSelectMatching returns the next request with a live matching row
// at or above minXreqnum, in xreqnum order. Used to rebuild the in-memory
// request store at startup.
func (s *Storage) MatchReqSelectMatching(minXreqnum uint64) (*MatchReq, bool, error) {
	row := s.db.QueryRow(
		`SELECT `+matchReqColumns+`
		FROM Exchange_Match_Reqs r
		INNER JOIN Exchange_Matching_Reqs m ON r.Xreqnum = m.Xreqnum
		WHERE m.Xreqnum >= ? ORDER BY m.Xreqnum LIMIT 1`,
		minXreqnum)

	req, err := scanMatchReq(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match req select matching: %w", err)
	}
	return req, true, nil
}

// MatchingReqPrune deletes matching rows whose DeleteTime has passed.
func (w *WriteTx) MatchingReqPrune(blocktime uint64) error {
	_, err := w.tx.Exec(
		"DELETE FROM Exchange_Matching_Reqs WHERE DeleteTime < ?", blocktime)
	if err != nil {
		return fmt.Errorf("matching req prune: %w", err)
	}
	return nil
}

// Match is one persistent exchange match.
type Match struct {
	Xmatchnum   uint64
	BuyXreqnum  uint64
	SellXreqnum uint64

	Type         uint32
	Status       uint32
	NextDeadline uint64

	MatchTimestamp  uint64
	AcceptTimestamp uint64
	FinalTimestamp  uint64

	BaseAmount   *big.Int
	Rate         float64
	AmountPaid   float64
	MiningAmount float64

	AcceptTime          uint64
	BuyerConsideration  uint32
	SellerConsideration uint32
	BuyerPledge         uint32
}

// MatchInsert stores a match, updating the mutable columns on conflict.
func (w *WriteTx) MatchInsert(m *Match) error {
	_, err := w.tx.Exec(
		`INSERT INTO Exchange_Matches VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(Xmatchnum) DO UPDATE SET
			BaseAmount = excluded.BaseAmount,
			Rate = excluded.Rate,
			AmountPaid = excluded.AmountPaid,
			MiningAmount = excluded.MiningAmount,
			Status = excluded.Status,
			NextDeadline = excluded.NextDeadline,
			AcceptTimestamp = excluded.AcceptTimestamp,
			FinalTimestamp = excluded.FinalTimestamp`,
		m.Xmatchnum, m.BuyXreqnum, m.SellXreqnum,
		m.Type, m.Status, m.NextDeadline,
		m.MatchTimestamp, m.AcceptTimestamp, m.FinalTimestamp,
		bigBytes(m.BaseAmount), m.Rate, m.AmountPaid, m.MiningAmount,
		m.AcceptTime, m.BuyerConsideration, m.SellerConsideration, m.BuyerPledge)
	if err != nil {
		return fmt.Errorf("match insert xmatchnum %d: %w", m.Xmatchnum, err)
	}
	return nil
}

const matchColumns = `
	Xmatchnum, BuyXreqnum, SellXreqnum, Type, Status, NextDeadline,
	MatchTimestamp, AcceptTimestamp, FinalTimestamp,
	BaseAmount, Rate, AmountPaid, MiningAmount,
	AcceptTime, BuyerConsideration, SellerConsideration, BuyerPledge`

func scanMatch(row interface{ Scan(...any) error }) (*Match, error) {
	var m Match
	var baseAmount []byte

	err := row.Scan(
		&m.Xmatchnum, &m.BuyXreqnum, &m.SellXreqnum,
		&m.Type, &m.Status, &m.NextDeadline,
		&m.MatchTimestamp, &m.AcceptTimestamp, &m.FinalTimestamp,
		&baseAmount, &m.Rate, &m.AmountPaid, &m.MiningAmount,
		&m.AcceptTime, &m.BuyerConsideration, &m.SellerConsideration, &m.BuyerPledge)
	if err != nil {
		return nil, err
	}

	m.BaseAmount = bigFromBytes(baseAmount)
	return &m, nil
}

// MatchSelect returns the match with the given xmatchnum inside the write
// transaction. Returns ErrMatchNotFound if there is no such match.
func (w *WriteTx) MatchSelect(xmatchnum uint64) (*Match, error) {
	row := w.tx.QueryRow(
		"SELECT "+matchColumns+" FROM Exchange_Matches WHERE Xmatchnum = ?",
		xmatchnum)

	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match select %d: %w", xmatchnum, err)
	}
	return m, nil
}

// MatchSelectFrom returns the first match with xmatchnum >= the given value.
func (s *Storage) MatchSelectFrom(xmatchnum uint64) (*Match, bool, error) {
	row := s.db.QueryRow(
		"SELECT "+matchColumns+" FROM Exchange_Matches WHERE Xmatchnum >= ? ORDER BY Xmatchnum LIMIT 1",
		xmatchnum)

	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match select from %d: %w", xmatchnum, err)
	}
	return m, true, nil
}

// MatchSelectByReqnum returns the first match referencing a request, with
// xmatchnum >= minXmatchnum.
func (s *Storage) MatchSelectByReqnum(xreqnum, minXmatchnum uint64) (*Match, bool, error) {
	row := s.db.QueryRow(
		"SELECT "+matchColumns+" FROM Exchange_Matches WHERE (BuyXreqnum = ? OR SellXreqnum = ?) AND Xmatchnum >= ? ORDER BY Xmatchnum LIMIT 1",
		xreqnum, xreqnum, minXmatchnum)

	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match select by reqnum %d: %w", xreqnum, err)
	}
	return m, true, nil
}

// MatchSelectNextDeadline returns the open match with the earliest payment
// deadline at or before blocktime, inside the write transaction.
func (w *WriteTx) MatchSelectNextDeadline(blocktime uint64) (*Match, bool, error) {
	row := w.tx.QueryRow(
		"SELECT "+matchColumns+" FROM Exchange_Matches WHERE NextDeadline <= ? AND NextDeadline > 0 ORDER BY NextDeadline, Xmatchnum LIMIT 1",
		blocktime)

	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match select next deadline: %w", err)
	}
	return m, true, nil
}

// MatchReqSelect returns the persistent request with the given xreqnum,
// inside the write transaction.
func (w *WriteTx) MatchReqSelect(xreqnum uint64) (*MatchReq, bool, error) {
	row := w.tx.QueryRow(
		`SELECT `+matchReqColumns+`
		FROM Exchange_Match_Reqs r
		LEFT JOIN Exchange_Matching_Reqs m ON r.Xreqnum = m.Xreqnum
		WHERE r.Xreqnum = ?`,
		xreqnum)

	req, err := scanMatchReq(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match req select %d: %w", xreqnum, err)
	}
	return req, true, nil
}

// ForeignAddressInUse reports whether a unique foreign address is still
// attached to a live matching request on the given foreign blockchain.
func (s *Storage) ForeignAddressInUse(quoteAsset uint64, foreignAddress string, blocktime uint64) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM Exchange_Matching_Reqs
		WHERE DeleteTime >= ? AND QuoteAsset = ? AND ForeignAddress = ?
			AND ForeignAddressUnique AND ForeignAddress IS NOT NULL LIMIT 1`,
		blocktime, quoteAsset, []byte(foreignAddress)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("foreign address in use: %w", err)
	}
	return true, nil
}

// ForeignAddressBlocked reports whether a foreign address is blocked on the
// given foreign blockchain.
func (s *Storage) ForeignAddressBlocked(blockchain uint64, foreignAddress string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM Exchange_Blocked_Foreign_Addresses WHERE Blockchain = ? AND ForeignAddress = ? LIMIT 1",
		blockchain, []byte(foreignAddress)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("foreign address blocked: %w", err)
	}
	return true, nil
}

// bigBytes encodes a big integer amount for storage; nil encodes as an
// empty blob meaning zero.
func bigBytes(v *big.Int) []byte {
	if v == nil {
		return []byte{}
	}
	return v.Bytes()
}

// bigFromBytes decodes a stored amount; empty or missing blobs are zero.
func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
