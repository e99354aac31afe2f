// Package storage - Parameter table operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Parameter keys. BlockAux cycles through subkey = level mod 64; donation
// totals use subkey = witness index.
const (
	ParamSchema         = 0
	ParamGenesisHash    = 1
	ParamBlockAux       = 2
	ParamCommitLevel    = 3
	ParamCommitnumLo    = 4
	ParamCommitnumHi    = 5
	ParamCommitNull     = 6
	ParamMintCount      = 7
	ParamDonationTotals = 8
	ParamXMatching      = 9
	ParamXMining        = 10
)

// ParameterInsert stores or replaces a parameter value.
func (w *WriteTx) ParameterInsert(key, subkey int, value []byte) error {
	_, err := w.tx.Exec(
		"INSERT OR REPLACE INTO Parameters (Key, Subkey, Value) VALUES (?, ?, ?)",
		key, subkey, value)
	if err != nil {
		return fmt.Errorf("parameter insert %d/%d: %w", key, subkey, err)
	}
	return nil
}

// ParameterSelect reads a parameter value inside the write transaction.
// Returns (nil, false, nil) if the row does not exist.
func (w *WriteTx) ParameterSelect(key, subkey int) ([]byte, bool, error) {
	return parameterSelect(w.tx, key, subkey)
}

// ParameterSelect reads a parameter value outside any write.
func (s *Storage) ParameterSelect(key, subkey int) ([]byte, bool, error) {
	return parameterSelect(s.db, key, subkey)
}

func parameterSelect(q querier, key, subkey int) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRow(
		"SELECT Value FROM Parameters WHERE Key = ? AND Subkey = ?",
		key, subkey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("parameter select %d/%d: %w", key, subkey, err)
	}
	return value, true, nil
}
