package ledger

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/pkg/logging"
)

// TreeHeight is the fixed height of the commitment accumulator. Leaves sit
// at height 0, the root at TreeHeight.
const TreeHeight = 40

// zeroHashes[h] is the node value of an all-zero subtree of height h.
var zeroHashes = func() [TreeHeight + 1][]byte {
	var z [TreeHeight + 1][]byte
	z[0] = make([]byte, 32)
	for h := 1; h <= TreeHeight; h++ {
		z[h] = hashNode(z[h-1], z[h-1])
	}
	return z
}()

func hashNode(left, right []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Commitments is the append-only Merkle accumulator over all output
// commitments. Appends write leaves only; the interior path and the root
// snapshot are brought up to date once per block by UpdateRoot.
type Commitments struct {
	log *logging.Logger

	nextCommitnum atomic.Uint64

	// dirtyStart is the first leaf not yet folded into the stored tree.
	dirtyStart uint64

	// lastRootNext is the NextCommitnum of the most recent root row; a
	// level with no new commitments records no root (the prior root is
	// still the one valid at that level, and NextCommitnum is unique).
	lastRootNext uint64
}

// NewCommitments returns an accumulator restored from the persistent
// counters.
func NewCommitments(s *storage.Storage, log *logging.Logger) (*Commitments, error) {
	m := &Commitments{log: log}

	value, found, err := s.ParameterSelect(storage.ParamCommitnumLo, 0)
	if err != nil {
		return nil, fmt.Errorf("ledger: restoring commitnum: %w", err)
	}
	if found && len(value) == 8 {
		m.nextCommitnum.Store(binary.LittleEndian.Uint64(value))
		m.dirtyStart = m.nextCommitnum.Load()
		m.lastRootNext = m.dirtyStart
	}

	return m, nil
}

// NextCommitnum returns the next leaf position, advancing it when
// increment is set.
func (m *Commitments) NextCommitnum(increment bool) uint64 {
	if increment {
		return m.nextCommitnum.Add(1) - 1
	}
	return m.nextCommitnum.Load()
}

// AddCommitment appends one commitment leaf. The caller must have
// allocated commitnum with NextCommitnum(true).
func (m *Commitments) AddCommitment(w *storage.WriteTx, commitnum uint64, commitment []byte) error {
	if commitnum >= m.nextCommitnum.Load() {
		return fmt.Errorf("ledger: commitment %d appended beyond allocation %d", commitnum, m.nextCommitnum.Load())
	}
	return w.CommitTreeInsert(0, commitnum, padBytes(commitment, 32))
}

// node reads one tree node, substituting the all-zero value for nodes
// never written.
func (m *Commitments) node(w *storage.WriteTx, height uint32, offset uint64) ([]byte, error) {
	data, found, err := w.CommitTreeSelect(height, offset)
	if err != nil {
		return nil, err
	}
	if !found {
		return zeroHashes[height], nil
	}
	return data, nil
}

// UpdateRoot folds the leaves appended since the last snapshot into the
// interior tree and records the root at the given block level.
func (m *Commitments) UpdateRoot(w *storage.WriteTx, level int64, timestamp uint64) error {
	next := m.nextCommitnum.Load()

	if next == m.lastRootNext {
		return nil
	}

	start := m.dirtyStart
	end := next

	for h := uint32(1); h <= TreeHeight; h++ {
		pstart := start / 2
		pend := uint64(0)
		if end > 0 {
			pend = (end - 1) / 2
		}

		for offset := pstart; offset <= pend; offset++ {
			left, err := m.node(w, h-1, 2*offset)
			if err != nil {
				return err
			}
			right, err := m.node(w, h-1, 2*offset+1)
			if err != nil {
				return err
			}
			if err := w.CommitTreeInsert(h, offset, hashNode(left, right)); err != nil {
				return err
			}
		}

		start = pstart
		end = pend + 1
	}

	root, err := m.node(w, TreeHeight, 0)
	if err != nil {
		return err
	}

	if err := w.CommitRootsInsert(level, timestamp, next, root); err != nil {
		return err
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	if err := w.ParameterInsert(storage.ParamCommitnumLo, 0, buf[:]); err != nil {
		return err
	}

	m.dirtyStart = next
	m.lastRootNext = next

	m.log.Debug("commit root updated", "level", level, "next_commitnum", next)

	return nil
}
