// Package storage - Commitment tree and root tables.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CommitRoot is one snapshot of the commitment Merkle root, taken at a
// block level.
type CommitRoot struct {
	Level         int64
	Timestamp     uint64
	NextCommitnum uint64
	MerkleRoot    []byte
}

// CommitTreeInsert stores or replaces one tree node at (height, offset).
func (w *WriteTx) CommitTreeInsert(height uint32, offset uint64, data []byte) error {
	_, err := w.tx.Exec(
		"INSERT OR REPLACE INTO Commit_Tree (Height, Offset, Data) VALUES (?, ?, ?)",
		height, offset, data)
	if err != nil {
		return fmt.Errorf("commit tree insert %d/%d: %w", height, offset, err)
	}
	return nil
}

// CommitTreeSelect reads one tree node. Returns (nil, false, nil) when the
// node has never been written (an all-zero subtree).
func (w *WriteTx) CommitTreeSelect(height uint32, offset uint64) ([]byte, bool, error) {
	return commitTreeSelect(w.tx, height, offset)
}

// CommitTreeSelect reads one tree node outside any write.
func (s *Storage) CommitTreeSelect(height uint32, offset uint64) ([]byte, bool, error) {
	return commitTreeSelect(s.db, height, offset)
}

func commitTreeSelect(q querier, height uint32, offset uint64) ([]byte, bool, error) {
	var data []byte
	err := q.QueryRow(
		"SELECT Data FROM Commit_Tree WHERE Height = ? AND Offset = ?",
		height, offset).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("commit tree select %d/%d: %w", height, offset, err)
	}
	return data, true, nil
}

// CommitRootsInsert records the tree root valid at a block level. History
// bootstrap rows use negative pseudo-levels below genesis.
func (w *WriteTx) CommitRootsInsert(level int64, timestamp, nextCommitnum uint64, root []byte) error {
	_, err := w.tx.Exec(
		"INSERT INTO Commit_Roots (Level, Timestamp, NextCommitnum, MerkleRoot) VALUES (?, ?, ?, ?)",
		level, timestamp, nextCommitnum, root)
	if err != nil {
		return fmt.Errorf("commit roots insert level %d: %w", level, err)
	}
	return nil
}

// RootSelector picks which root a level query returns.
type RootSelector int

const (
	// RootAtOrAbove returns the smallest-level root >= the query level.
	RootAtOrAbove RootSelector = 1
	// RootAtOrBelow returns the greatest-level root <= the query level.
	RootAtOrBelow RootSelector = -1
)

// CommitRootsSelectLevel returns the root snapshot nearest the given level
// per the selector, inside the write transaction.
func (w *WriteTx) CommitRootsSelectLevel(level int64, sel RootSelector) (CommitRoot, bool, error) {
	return commitRootsSelectLevel(w.tx, level, sel)
}

// CommitRootsSelectLevel returns the root snapshot nearest the given level
// per the selector.
func (s *Storage) CommitRootsSelectLevel(level int64, sel RootSelector) (CommitRoot, bool, error) {
	return commitRootsSelectLevel(s.db, level, sel)
}

func commitRootsSelectLevel(q querier, level int64, sel RootSelector) (CommitRoot, bool, error) {
	query := "SELECT Level, Timestamp, NextCommitnum, MerkleRoot FROM Commit_Roots WHERE Level >= ? ORDER BY Level LIMIT 1"
	if sel == RootAtOrBelow {
		query = "SELECT Level, Timestamp, NextCommitnum, MerkleRoot FROM Commit_Roots WHERE Level <= ? ORDER BY Level DESC LIMIT 1"
	}

	var root CommitRoot
	err := q.QueryRow(query, level).Scan(&root.Level, &root.Timestamp, &root.NextCommitnum, &root.MerkleRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return root, false, nil
	}
	if err != nil {
		return root, false, fmt.Errorf("commit roots select level %d: %w", level, err)
	}
	return root, true, nil
}

// CommitRootsSelectCommitnum returns the first root whose NextCommitnum
// exceeds the given commitnum — the root covering that commitment.
func (s *Storage) CommitRootsSelectCommitnum(commitnum uint64) (CommitRoot, bool, error) {
	var root CommitRoot
	err := s.db.QueryRow(
		"SELECT Level, Timestamp, NextCommitnum, MerkleRoot FROM Commit_Roots WHERE NextCommitnum > ? ORDER BY NextCommitnum LIMIT 1",
		commitnum).Scan(&root.Level, &root.Timestamp, &root.NextCommitnum, &root.MerkleRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return root, false, nil
	}
	if err != nil {
		return root, false, fmt.Errorf("commit roots select commitnum %d: %w", commitnum, err)
	}
	return root, true, nil
}
