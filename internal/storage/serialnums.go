// Package storage - Serialnum table operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrSerialnumExists is returned when inserting a serialnum that is already
// spent. Callers treat it as data: the enclosing transaction is a double
// spend.
var ErrSerialnumExists = errors.New("serialnum already spent")

// SerialnumInsert marks a serialnum spent. Fails with ErrSerialnumExists if
// the serialnum is already in the table.
func (w *WriteTx) SerialnumInsert(serialnum, hashkey []byte, txCommitnum uint64) error {
	_, err := w.tx.Exec(
		"INSERT INTO Serialnums (Serialnum, HashKey, TxCommitnum) VALUES (?, ?, ?)",
		serialnum, hashkey, txCommitnum)
	if err != nil {
		if isConstraintErr(err) {
			return ErrSerialnumExists
		}
		return fmt.Errorf("serialnum insert: %w", err)
	}
	return nil
}

// SerialnumResult is the result of a serialnum lookup.
type SerialnumResult struct {
	Found       bool
	HashKey     []byte
	TxCommitnum uint64
}

// SerialnumSelect reports whether a serialnum is spent, and if so returns
// its hashkey and the commitnum of the spending transaction.
func (s *Storage) SerialnumSelect(serialnum []byte) (SerialnumResult, error) {
	return serialnumSelect(s.db, serialnum)
}

// SerialnumSelect looks up a serialnum inside the write transaction.
func (w *WriteTx) SerialnumSelect(serialnum []byte) (SerialnumResult, error) {
	return serialnumSelect(w.tx, serialnum)
}

func serialnumSelect(q querier, serialnum []byte) (SerialnumResult, error) {
	var result SerialnumResult
	var commitnum sql.NullInt64

	err := q.QueryRow(
		"SELECT HashKey, TxCommitnum FROM Serialnums WHERE Serialnum = ?",
		serialnum).Scan(&result.HashKey, &commitnum)
	if errors.Is(err, sql.ErrNoRows) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("serialnum select: %w", err)
	}

	result.Found = true
	if commitnum.Valid {
		result.TxCommitnum = uint64(commitnum.Int64)
	}
	return result, nil
}
