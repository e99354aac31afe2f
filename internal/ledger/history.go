package ledger

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2s"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/pkg/helpers"
)

// historyReader reads the bootstrap file while folding everything read
// into the integrity hash.
type historyReader struct {
	r    *bufio.Reader
	hash io.Writer
}

func (h *historyReader) read(buf []byte) (bool, error) {
	_, err := io.ReadFull(h.r, buf)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	h.hash.Write(buf)
	return true, nil
}

// LoadHistoryFile replays the mainnet bootstrap data: per-witness donation
// totals, the spent serialnums, and the pre-genesis output tuples, each
// section terminated by a zero record. The trailing blake2s hash of the
// file is checked against the configured value; the expected hash is
// treated as configuration, not computed.
func (c *Chain) LoadHistoryFile(w *storage.WriteTx, path, expectedHashHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ledger: opening history file: %w", err)
	}
	defer f.Close()

	hasher, _ := blake2s.New256(nil)
	h := &historyReader{r: bufio.NewReader(f), hash: hasher}

	// Witness donation totals.
	amount := make([]byte, 32)
	for i := 0; ; i++ {
		ok, err := h.read(amount)
		if err != nil || !ok {
			return fmt.Errorf("ledger: reading history donations: %w", err)
		}
		if helpers.IsZeroBytes(amount) {
			break
		}

		total := newBig().SetBytes(reverse(amount))

		c.log.Debug("history donation total", "witness", i, "total", total)

		if err := w.ParameterInsert(storage.ParamDonationTotals, i, total.Bytes()); err != nil {
			return err
		}
	}

	// Spent serialnums.
	serialnum := make([]byte, config.SerialnumBytes)
	for {
		ok, err := h.read(serialnum)
		if err != nil || !ok {
			return fmt.Errorf("ledger: reading history serialnums: %w", err)
		}
		if helpers.IsZeroBytes(serialnum) {
			break
		}

		if err := w.SerialnumInsert(append([]byte(nil), serialnum...), nil, 0); err != nil {
			return err
		}
	}

	if c.Commitments.NextCommitnum(false) != 1 {
		return fmt.Errorf("ledger: history load expects only the null commitment")
	}

	// Output tuples at descending pseudo-levels below genesis.
	level := int64(-1)
	lastRoot := make([]byte, config.MerkleRootBytes)
	haveRoot := false

	address := make([]byte, config.AddressBytes)
	var numbuf [8]byte
	root := make([]byte, config.MerkleRootBytes)
	commitment := make([]byte, config.CommitmentBytes)

	for {
		ok, err := h.read(address)
		if err != nil {
			return fmt.Errorf("ledger: reading history outputs: %w", err)
		}
		if !ok || helpers.IsZeroBytes(address) {
			break
		}

		if _, err := h.read(numbuf[:]); err != nil {
			return fmt.Errorf("ledger: reading history outputs: %w", err)
		}
		asset := binary.LittleEndian.Uint64(numbuf[:])

		if _, err := h.read(numbuf[:]); err != nil {
			return fmt.Errorf("ledger: reading history outputs: %w", err)
		}
		amount := binary.LittleEndian.Uint64(numbuf[:])

		if _, err := h.read(root); err != nil {
			return fmt.Errorf("ledger: reading history outputs: %w", err)
		}
		if _, err := h.read(commitment); err != nil {
			return fmt.Errorf("ledger: reading history outputs: %w", err)
		}

		domain := uint64(3)
		if asset != 0 {
			domain = 2
		}

		commitnum := c.Commitments.NextCommitnum(true)

		if err := c.Commitments.AddCommitment(w, commitnum, commitment); err != nil {
			return err
		}

		if !bytes.Equal(lastRoot, root) {
			if !haveRoot {
				// Insert one root immediately: settlement outputs need a
				// root at or below the last indelible level.
				copy(lastRoot, root)
				haveRoot = true
			}

			if err := w.CommitRootsInsert(level, 0, commitnum, append([]byte(nil), lastRoot...)); err != nil {
				return err
			}

			level--
			copy(lastRoot, root)
		}

		if err := w.TxOutputInsert(append([]byte(nil), address...), uint32(domain), asset, amount, level, commitnum); err != nil {
			return err
		}
	}

	if err := w.CommitRootsInsert(level, 0, 0, append([]byte(nil), lastRoot...)); err != nil {
		return err
	}

	// Trailing integrity hash, excluded from the running hash.
	fileHash := make([]byte, 32)
	if _, err := io.ReadFull(h.r, fileHash); err != nil {
		return fmt.Errorf("ledger: reading history file hash: %w", err)
	}

	if expectedHashHex != "" {
		expected, err := hex.DecodeString(expectedHashHex)
		if err != nil {
			return fmt.Errorf("ledger: bad configured history hash: %w", err)
		}
		if !bytes.Equal(fileHash, expected) || !bytes.Equal(hasher.Sum(nil), expected) {
			return fmt.Errorf("ledger: history file hash mismatch")
		}
	}

	return nil
}

// reverse returns a reversed copy; history amounts are little endian.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
