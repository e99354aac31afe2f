// Package storage - Blockchain table operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// BlockchainInsert stores the wire bytes of an indelible block at a level.
func (w *WriteTx) BlockchainInsert(level uint64, block []byte) error {
	_, err := w.tx.Exec(
		"INSERT INTO Blockchain (Level, Block) VALUES (?, ?)",
		level, block)
	if err != nil {
		return fmt.Errorf("blockchain insert level %d: %w", level, err)
	}
	return nil
}

// BlockchainSelect returns the wire bytes of the block at a level.
// Returns (nil, false, nil) if no block is stored at that level.
func (s *Storage) BlockchainSelect(level uint64) ([]byte, bool, error) {
	var block []byte
	err := s.db.QueryRow(
		"SELECT Block FROM Blockchain WHERE Level = ?", level).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blockchain select level %d: %w", level, err)
	}
	return block, true, nil
}

// BlockchainSelectMax returns the highest stored level.
// Returns (0, false, nil) on an empty chain.
func (s *Storage) BlockchainSelectMax() (uint64, bool, error) {
	var level sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(Level) FROM Blockchain").Scan(&level)
	if err != nil {
		return 0, false, fmt.Errorf("blockchain select max: %w", err)
	}
	if !level.Valid {
		return 0, false, nil
	}
	return uint64(level.Int64), true, nil
}
