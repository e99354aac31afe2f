// Package storage provides persistent storage using SQLite.
//
// All durable state lives in one database: the blockchain itself, spent
// serialnums, the commitment Merkle tree and its roots, indexed transaction
// outputs, and the exchange tables. A single process-wide mutex serializes
// writers; a write is opened with BeginWrite and every mutation happens on
// the returned WriteTx. Readers use the database's own MVCC (WAL mode) and
// never block writers.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/pkg/logging"
)

// Storage errors.
var (
	ErrShutdown     = errors.New("storage: shutting down")
	ErrWriteNotHeld = errors.New("storage: write transaction not held")
)

// Storage provides persistent storage for the veild node.
type Storage struct {
	db     *sql.DB
	dbPath string
	log    *logging.Logger

	// writeMu is the process-wide persistent write mutex. It is the
	// outermost lock in the system.
	writeMu sync.Mutex

	shutdown atomic.Bool

	checkpointCh   chan bool
	checkpointDone chan struct{}
}

// Config holds storage configuration.
type Config struct {
	DataDir string
	Logger  *logging.Logger
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := config.ExpandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "veild.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer; readers share the WAL snapshot.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}

	s := &Storage{
		db:             db,
		dbPath:         dbPath,
		log:            log,
		checkpointCh:   make(chan bool, 1),
		checkpointDone: make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.checkpointWorker()

	return s, nil
}

// Close stops the checkpoint worker and closes the database.
func (s *Storage) Close() error {
	s.shutdown.Store(true)
	close(s.checkpointCh)
	<-s.checkpointDone
	return s.db.Close()
}

// DB returns the underlying database connection for read-only callers.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Key/value parameter rows. Subkey distinguishes rotating slots
	-- (block aux, donation totals per witness).
	CREATE TABLE IF NOT EXISTS Parameters (
		Key INTEGER NOT NULL,
		Subkey INTEGER NOT NULL,
		Value BLOB,
		PRIMARY KEY (Key, Subkey)
	) WITHOUT ROWID;

	-- The blockchain itself: wire bytes of each indelible block.
	CREATE TABLE IF NOT EXISTS Blockchain (
		Level INTEGER PRIMARY KEY NOT NULL,
		Block BLOB NOT NULL
	);

	-- Spent serialnums from indelible transactions.
	CREATE TABLE IF NOT EXISTS Serialnums (
		Serialnum BLOB PRIMARY KEY NOT NULL,
		HashKey BLOB,
		TxCommitnum INTEGER
	) WITHOUT ROWID;

	-- The Merkle tree of all commitments, stored (Height, Offset) so an
	-- append touches one row per height.
	CREATE TABLE IF NOT EXISTS Commit_Tree (
		Height INTEGER NOT NULL,
		Offset INTEGER NOT NULL,
		Data BLOB NOT NULL,
		PRIMARY KEY (Height, Offset)
	) WITHOUT ROWID;

	-- Recent Merkle roots by block level. A transaction is valid if it
	-- references a recent root via its param_level.
	CREATE TABLE IF NOT EXISTS Commit_Roots (
		Level INTEGER PRIMARY KEY NOT NULL,
		Timestamp INTEGER NOT NULL,
		NextCommitnum INTEGER NOT NULL,
		MerkleRoot BLOB NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS Commit_Roots_Commitnum_Index
		ON Commit_Roots (NextCommitnum);

	-- Indexed transaction outputs, looked up by the wallet by address.
	CREATE TABLE IF NOT EXISTS Tx_Outputs (
		Address BLOB NOT NULL,
		Domain INTEGER,
		AssetEnc INTEGER,
		AmountEnc INTEGER,
		ParamLevel INTEGER NOT NULL,
		Commitnum INTEGER NOT NULL,
		PRIMARY KEY (Address, Commitnum)
	) WITHOUT ROWID;

	-- Exchange request/match sequence snapshots by block level; also maps
	-- an xreqnum back to the block that persisted it.
	CREATE TABLE IF NOT EXISTS Exchange_Nums (
		Level INTEGER PRIMARY KEY NOT NULL,
		Timestamp INTEGER NOT NULL,
		NextXreqnum INTEGER NOT NULL,
		NextXmatchnum INTEGER NOT NULL
	);

	-- A record of matches. BaseAmount excludes fees; FinalTimestamp is the
	-- block time at which paid/expired was recorded.
	CREATE TABLE IF NOT EXISTS Exchange_Matches (
		Xmatchnum INTEGER PRIMARY KEY NOT NULL,
		BuyXreqnum INTEGER NOT NULL,
		SellXreqnum INTEGER NOT NULL,
		Type INTEGER NOT NULL,
		Status INTEGER NOT NULL,
		NextDeadline INTEGER NOT NULL,
		MatchTimestamp INTEGER NOT NULL,
		AcceptTimestamp INTEGER NOT NULL,
		FinalTimestamp INTEGER NOT NULL,
		BaseAmount BLOB NOT NULL,
		Rate REAL NOT NULL,
		AmountPaid REAL NOT NULL,
		MiningAmount REAL NOT NULL,
		AcceptTime INTEGER NOT NULL,
		BuyerConsideration INTEGER NOT NULL,
		SellerConsideration INTEGER NOT NULL,
		BuyerPledge INTEGER NOT NULL
	);

	-- Immutable copy of each persistent request, shared by the matches
	-- that reference it. Only Disposition is ever updated.
	CREATE TABLE IF NOT EXISTS Exchange_Match_Reqs (
		Xreqnum INTEGER PRIMARY KEY NOT NULL,
		Disposition INTEGER NOT NULL,
		ExpireTime INTEGER NOT NULL,
		ObjId BLOB NOT NULL,
		Type INTEGER NOT NULL,
		BaseAsset INTEGER NOT NULL,
		QuoteAsset INTEGER NOT NULL,
		ForeignAsset TEXT,
		MinAmount BLOB NOT NULL,
		MaxAmount BLOB NOT NULL,
		NetRateRequired REAL NOT NULL,
		WaitDiscount REAL NOT NULL,
		BaseCosts REAL NOT NULL,
		QuoteCosts REAL NOT NULL,
		PackedFlags INTEGER NOT NULL,
		ConsiderationRequired INTEGER NOT NULL,
		ConsiderationOffered INTEGER NOT NULL,
		Pledge INTEGER NOT NULL,
		HoldTime INTEGER NOT NULL,
		HoldTimeRequired INTEGER NOT NULL,
		MinWaitTime INTEGER NOT NULL,
		AcceptTimeRequired INTEGER NOT NULL,
		AcceptTimeOffered INTEGER NOT NULL,
		PaymentTime INTEGER NOT NULL,
		Confirmations INTEGER NOT NULL
	);

	-- Mutable side of a persistent request: what is needed to complete a
	-- trade and resync after restart. Pruned by DeleteTime when no longer
	-- needed.
	CREATE TABLE IF NOT EXISTS Exchange_Matching_Reqs (
		Xreqnum INTEGER PRIMARY KEY NOT NULL,
		DeleteTime INTEGER NOT NULL CHECK (DeleteTime > 0),
		QuoteAsset INTEGER NOT NULL,
		ForeignAddressUnique BOOLEAN,
		ForeignAddress BLOB,
		Destination BLOB NOT NULL,
		PubSigningKey BLOB,
		OpenAmount BLOB
	);

	CREATE INDEX IF NOT EXISTS Exchange_Matches_BuyXreqnum_Index
		ON Exchange_Matches (BuyXreqnum);
	CREATE INDEX IF NOT EXISTS Exchange_Matches_SellXreqnum_Index
		ON Exchange_Matches (SellXreqnum);
	CREATE INDEX IF NOT EXISTS Exchange_Matches_Deadline_Index
		ON Exchange_Matches (NextDeadline, Xmatchnum) WHERE NextDeadline > 0;
	CREATE INDEX IF NOT EXISTS Exchange_Match_Reqs_ObjId_Index
		ON Exchange_Match_Reqs (ObjId, Xreqnum);
	CREATE INDEX IF NOT EXISTS Exchange_Matching_Reqs_Delete_Index
		ON Exchange_Matching_Reqs (DeleteTime);
	CREATE INDEX IF NOT EXISTS Exchange_Matching_Reqs_ForeignAddress_Index
		ON Exchange_Matching_Reqs (ForeignAddress)
		WHERE ForeignAddressUnique AND ForeignAddress IS NOT NULL;

	-- Foreign addresses that may never appear in a sell request.
	CREATE TABLE IF NOT EXISTS Exchange_Blocked_Foreign_Addresses (
		Blockchain INTEGER NOT NULL,
		ForeignAddress BLOB NOT NULL,
		PRIMARY KEY (Blockchain, ForeignAddress)
	) WITHOUT ROWID;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	seed := fmt.Sprintf(
		"INSERT OR IGNORE INTO Exchange_Blocked_Foreign_Addresses VALUES (%d, CAST('INVALID_ADDRESS' AS BLOB));"+
			"INSERT OR IGNORE INTO Exchange_Blocked_Foreign_Addresses VALUES (%d, CAST('INVALID_ADDRESS' AS BLOB));",
		config.ForeignBlockchainBTC, config.ForeignBlockchainBCH)

	_, err := s.db.Exec(seed)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so selects can run either inside a
// write transaction (seeing its uncommitted rows) or on the read pool.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// WriteTx is a held persistent write. It is returned by BeginWrite and must
// be finished with End. All mutating statements hang off it, which makes it
// impossible to mutate durable state without holding the write mutex.
type WriteTx struct {
	s    *Storage
	tx   *sql.Tx
	done bool
}

// BeginWrite acquires the process-wide write mutex and opens an exclusive
// transaction. Returns ErrShutdown if the node is stopping.
func (s *Storage) BeginWrite() (*WriteTx, error) {
	if s.shutdown.Load() {
		return nil, ErrShutdown
	}

	s.writeMu.Lock()

	if s.shutdown.Load() {
		s.writeMu.Unlock()
		return nil, ErrShutdown
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("begin write: %w", err)
	}

	return &WriteTx{s: s, tx: tx}, nil
}

// End finishes the write. With commit true the transaction is committed,
// otherwise rolled back. A shutdown in progress forces a rollback. The
// write mutex is released before returning, so a WAL checkpoint started
// afterwards never runs under the lock.
func (w *WriteTx) End(commit bool) error {
	if w.done {
		return nil
	}
	w.done = true

	var err error
	if commit && !w.s.shutdown.Load() {
		err = w.tx.Commit()
	} else {
		err = w.tx.Rollback()
	}

	w.s.writeMu.Unlock()

	return err
}

// StartCheckpoint asks the checkpoint worker to run a WAL checkpoint. Must
// be called after End — never while holding the write mutex.
func (s *Storage) StartCheckpoint(full bool) {
	if s.shutdown.Load() {
		return
	}
	select {
	case s.checkpointCh <- full:
	default:
		// a checkpoint is already queued
	}
}

func (s *Storage) checkpointWorker() {
	defer close(s.checkpointDone)

	for full := range s.checkpointCh {
		mode := "PASSIVE"
		if full {
			mode = "TRUNCATE"
		}

		if _, err := s.db.Exec("PRAGMA wal_checkpoint(" + mode + ");"); err != nil {
			s.log.Error("wal checkpoint failed", "mode", mode, "error", err)
		}
	}
}

// isConstraintErr reports whether err is a SQLite uniqueness violation.
func isConstraintErr(err error) bool {
	var sqerr sqlite3.Error
	if errors.As(err, &sqerr) {
		return sqerr.Code == sqlite3.ErrConstraint
	}
	return false
}
