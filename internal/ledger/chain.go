package ledger

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/exchange"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/pkg/logging"
)

// Chain errors.
var (
	// ErrFatal marks an invariant violation. Once raised, the chain
	// refuses all further writes.
	ErrFatal = errors.New("ledger: fatal error")

	// ErrOrphanBlock is returned for a block whose parent is unknown.
	ErrOrphanBlock = errors.New("ledger: block has no known parent")

	// errAlreadyIndelible stops the confirmation loop when it reaches a
	// block promoted by an earlier iteration.
	errAlreadyIndelible = errors.New("ledger: block already indelible")
)

// Status is the published view of the last indelible state. A reader that
// observes LastIndelibleLevel == L is guaranteed all of L's effects are
// durable.
type Status struct {
	LastIndelibleLevel     uint64
	LastIndelibleTimestamp uint64
	LastIndelibleOid       []byte

	LastMatchingCompletedBlockTime uint64
	LastMatchingStartBlockTime     uint64
}

// Chain is the blockchain state machine. It receives candidate blocks,
// promotes them to indelible once their successor quorum is reached, and
// drives the transaction indexer and the exchange on each promotion.
type Chain struct {
	log   *logging.Logger
	cfg   *config.Config
	store *storage.Storage

	Commitments *Commitments
	Exchange    *exchange.Exchange
	Xreqs       *exchange.Store
	Matcher     *exchange.Matcher
	Mining      *exchange.Mining

	Shutdown atomic.Bool

	// OnIndelible, when set, is invoked after each commit with the newly
	// published status. Used for the rpc event feed.
	OnIndelible func(Status)

	genesis  *GenesisData
	fatal    atomic.Bool
	fatalMsg atomic.Value

	// confirmMu serializes the two block producers (network processing
	// and the local witness) through the confirmation path.
	confirmMu sync.Mutex

	// blocks maps oid to candidate blocks behind the confirmation window.
	blocks  map[string]*Block
	tip     *Block
	pruned  uint64
	startup uint64

	lastMu                 sync.Mutex
	lastIndelibleBlock     *Block
	lastIndelibleLevel     uint64
	lastIndelibleTimestamp uint64

	newIndelibleBlock *Block
}

func newBig() *big.Int { return new(big.Int) }

// NewChain wires the state machine and its exchange collaborators.
func NewChain(cfg *config.Config, s *storage.Storage, log *logging.Logger) *Chain {
	c := &Chain{
		log:    log,
		cfg:    cfg,
		store:  s,
		blocks: make(map[string]*Block),
	}

	c.Xreqs = exchange.NewStore()
	c.Exchange = exchange.NewExchange(log.Component("exchange"))
	c.Mining = exchange.NewMining(cfg.Blockchain(), log.Component("mining"))
	c.Matcher = exchange.NewMatcher(c.Xreqs, c.Exchange, c.Mining, c, &c.Shutdown, log.Component("matching"))
	c.Matcher.OnFatal = func(err error) {
		c.SetFatalError("exchange matching failed: " + err.Error())
	}

	return c
}

// SetFatalError latches the fatal flag. Subsequent writes refuse to begin.
func (c *Chain) SetFatalError(msg string) {
	c.fatal.Store(true)
	c.fatalMsg.Store(msg)
	c.log.Error("FATAL ERROR", "msg", msg)
}

// HasFatalError reports whether an invariant violation occurred.
func (c *Chain) HasFatalError() bool {
	return c.fatal.Load()
}

// Init bootstraps an empty store from the genesis data file (and the
// optional history file) or restores the chain state from a prior run.
func (c *Chain) Init() error {
	genesis, err := LoadGenesisFile(config.ExpandPath(c.cfg.Genesis.DataFile))
	if err != nil {
		c.SetFatalError(err.Error())
		return err
	}
	c.genesis = genesis

	if genesis.Blockchain != c.cfg.Blockchain() {
		err := fmt.Errorf("ledger: genesis file is for blockchain %d, config says %d", genesis.Blockchain, c.cfg.Blockchain())
		c.SetFatalError(err.Error())
		return err
	}

	c.log.Info("genesis parameters",
		"blockchain", genesis.Blockchain,
		"nwitnesses", genesis.Params.Nwitnesses,
		"maxmal", genesis.Params.Maxmal,
		"nconfsigs", genesis.Params.Nconfsigs,
		"nseqconfsigs", genesis.Params.Nseqconfsigs,
		"nskipconfsigs", genesis.Params.Nskipconfsigs)

	c.Commitments, err = NewCommitments(c.store, c.log.Component("commitments"))
	if err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	if err := c.Exchange.Init(c.store); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	lastLevel, haveChain, err := c.store.BlockchainSelectMax()
	if err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	if !haveChain {
		if err := c.bootstrapGenesis(genesis); err != nil {
			return err
		}
	} else {
		if err := c.restore(genesis, lastLevel); err != nil {
			return err
		}
	}

	if err := c.Exchange.Restore(c.store, c.Xreqs); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	if err := c.Matcher.Init(c.store, c.lastIndelibleLevel, c.lastIndelibleTimestamp); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	return nil
}

// Stop shuts down the matcher worker.
func (c *Chain) Stop() {
	c.Shutdown.Store(true)
	c.Matcher.Stop()
}

// bootstrapGenesis initializes an empty store: genesis hash, the null
// commitment at commitnum 0, the optional history file, and the genesis
// block itself promoted to indelible.
func (c *Chain) bootstrapGenesis(genesis *GenesisData) error {
	w, err := c.store.BeginWrite()
	if err != nil {
		c.SetFatalError(err.Error())
		return err
	}
	defer w.End(false)

	if err := w.ParameterInsert(storage.ParamGenesisHash, 0, genesis.BlockHash); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	commitnum := c.Commitments.NextCommitnum(true)
	if commitnum != 0 {
		err := fmt.Errorf("ledger: bootstrap found commitnum %d, want 0", commitnum)
		c.SetFatalError(err.Error())
		return err
	}
	if err := c.Commitments.AddCommitment(w, commitnum, make([]byte, 32)); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	if err := c.Mining.Save(w); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	if !c.cfg.IsTestnet() && c.cfg.Genesis.HistoryFile != "" {
		c.log.Info("loading blockchain history file", "path", c.cfg.Genesis.HistoryFile)

		if err := c.LoadHistoryFile(w, config.ExpandPath(c.cfg.Genesis.HistoryFile), c.cfg.Genesis.HistoryFileHash); err != nil {
			c.SetFatalError(err.Error())
			return err
		}

		c.log.Info("blockchain history file loaded")
	}

	block := GenesisBlock(genesis)

	if err := c.setNewlyIndelibleBlock(w, block); err != nil {
		return err
	}

	if err := c.Mining.Save(w); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	if err := w.End(true); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	block = c.newIndelibleBlock
	c.newIndelibleBlock = nil

	c.setLastIndelible(block)
	c.blocks[string(block.Oid)] = block
	c.tip = block

	c.store.StartCheckpoint(false)

	return nil
}

// restore reloads the last indelible block and its aux parameters.
func (c *Chain) restore(genesis *GenesisData, lastLevel uint64) error {
	c.log.Info("restoring blockchain", "last_indelible_level", lastLevel)

	check, found, err := c.store.ParameterSelect(storage.ParamGenesisHash, 0)
	if err != nil || !found {
		c.SetFatalError("error retrieving genesis block hash")
		return ErrFatal
	}
	if !bytes.Equal(check, genesis.BlockHash) {
		c.SetFatalError("genesis block hash mismatch")
		return ErrFatal
	}

	if err := c.Mining.Restore(c.store); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	var block *Block
	if lastLevel == 0 {
		block = GenesisBlock(genesis)
	} else {
		raw, found, err := c.store.BlockchainSelect(lastLevel)
		if err != nil || !found {
			c.SetFatalError("error retrieving last indelible block")
			return ErrFatal
		}

		block, err = BlockFromWire(raw)
		if err != nil {
			c.SetFatalError(err.Error())
			return err
		}
	}

	aux, found, err := c.loadBlockAux(lastLevel)
	if err != nil {
		c.SetFatalError(err.Error())
		return err
	}
	if !found {
		c.SetFatalError("missing block aux parameters")
		return ErrFatal
	}

	block.Params = aux.Params
	block.Params.SigningKeys = genesis.Params.SigningKeys
	block.MarkedForIndelible = true
	block.Oid = aux.Oid

	c.startup = lastLevel
	c.pruned = lastLevel

	c.blocks[string(block.Oid)] = block
	c.tip = block
	c.setLastIndelible(block)

	return nil
}

// blockAux is the persistent per-block parameter snapshot, stored under
// ParamBlockAux at subkey level mod 64.
type blockAux struct {
	Oid    []byte
	Level  uint64
	Skip   bool
	Params ChainParams

	TotalDonations *big.Int
}

func (c *Chain) saveBlockAux(w *storage.WriteTx, b *Block) error {
	aux := blockAux{
		Oid:            b.Oid,
		Level:          b.Wire.Level,
		Skip:           b.Wire.Skip,
		Params:         b.Params,
		TotalDonations: b.TotalDonations,
	}
	aux.Params.SigningKeys = nil // restored from the genesis file

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&aux); err != nil {
		return fmt.Errorf("ledger: encoding block aux: %w", err)
	}

	return w.ParameterInsert(storage.ParamBlockAux, int(b.Wire.Level%config.BlockAuxModulus), buf.Bytes())
}

func (c *Chain) loadBlockAux(level uint64) (*blockAux, bool, error) {
	value, found, err := c.store.ParameterSelect(storage.ParamBlockAux, int(level%config.BlockAuxModulus))
	if err != nil || !found {
		return nil, false, err
	}

	var aux blockAux
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&aux); err != nil {
		return nil, false, fmt.Errorf("ledger: decoding block aux: %w", err)
	}
	if aux.Level != level {
		return nil, false, nil
	}

	return &aux, true, nil
}

// setLastIndelible publishes the new last indelible pointer. Called after
// the enclosing write has committed.
func (c *Chain) setLastIndelible(b *Block) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()

	c.lastIndelibleBlock = b
	c.lastIndelibleLevel = b.Wire.Level
	c.lastIndelibleTimestamp = b.Wire.Timestamp
}

// LastIndelibleLevel returns the published last indelible level.
func (c *Chain) LastIndelibleLevel() uint64 {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.lastIndelibleLevel
}

// GetStatus returns the published last indelible values.
func (c *Chain) GetStatus() Status {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()

	status := Status{
		LastIndelibleLevel:     c.lastIndelibleLevel,
		LastIndelibleTimestamp: c.lastIndelibleTimestamp,

		LastMatchingCompletedBlockTime: c.Matcher.LastMatchedBlockTime(),
		LastMatchingStartBlockTime:     c.Matcher.MatchingBlockTime(),
	}
	if c.lastIndelibleBlock != nil {
		status.LastIndelibleOid = c.lastIndelibleBlock.Oid
	}
	return status
}

// Tip returns the highest candidate block seen so far.
func (c *Chain) Tip() *Block {
	c.confirmMu.Lock()
	defer c.confirmMu.Unlock()
	return c.tip
}

// computePruneLevel returns the level below which candidate blocks are no
// longer needed for confirmation walks.
func (c *Chain) computePruneLevel(trailingRounds int) uint64 {
	lastLevel := uint64(0)
	trailingLevels := uint64(0)

	c.lastMu.Lock()
	if c.lastIndelibleBlock != nil {
		lastLevel = c.lastIndelibleBlock.Wire.Level
		trailingLevels = uint64(trailingRounds * c.lastIndelibleBlock.Params.Nwitnesses)
	}
	c.lastMu.Unlock()

	pruneLevel := uint64(0)
	if lastLevel > trailingLevels {
		pruneLevel = lastLevel - trailingLevels
	}
	if pruneLevel < c.startup {
		pruneLevel = c.startup
	}
	return pruneLevel
}

// pruneBlocks drops candidate blocks behind the prune window and unlinks
// their parents so the chain of shared references can be collected.
func (c *Chain) pruneBlocks() {
	pruneLevel := c.computePruneLevel(config.PruneTrailingRounds)
	if pruneLevel <= c.pruned {
		return
	}

	for oid, b := range c.blocks {
		if b.Wire.Level < pruneLevel {
			delete(c.blocks, oid)
		} else if b.Prior != nil && b.Prior.Wire.Level < pruneLevel {
			b.Prior = nil
		}
	}

	c.pruned = pruneLevel
}

// AddBlock links a candidate block to its parent, validates its header
// against the parent, and runs the confirmation loop.
func (c *Chain) AddBlock(b *Block) error {
	if c.HasFatalError() {
		return ErrFatal
	}

	c.confirmMu.Lock()
	defer c.confirmMu.Unlock()

	prior, ok := c.blocks[string(b.Wire.PriorOid)]
	if !ok {
		return fmt.Errorf("%w: level %d", ErrOrphanBlock, b.Wire.Level)
	}

	if b.Wire.Level != prior.Wire.Level+1 {
		return fmt.Errorf("ledger: block level %d does not follow parent level %d", b.Wire.Level, prior.Wire.Level)
	}
	if b.Wire.Timestamp < prior.Wire.Timestamp {
		return fmt.Errorf("ledger: block timestamp %d before parent timestamp %d", b.Wire.Timestamp, prior.Wire.Timestamp)
	}
	if int(b.Wire.Witness) >= prior.Params.NextNwitnesses {
		return fmt.Errorf("ledger: block witness %d out of range", b.Wire.Witness)
	}

	b.Prior = prior
	b.Params = prior.Params
	b.Params.Nwitnesses = prior.Params.NextNwitnesses
	b.Params.Maxmal = prior.Params.NextMaxmal
	b.Params.SetConfSigs()

	if !b.VerifySignature(&b.Params) {
		return fmt.Errorf("ledger: bad block signature at level %d witness %d", b.Wire.Level, b.Wire.Witness)
	}

	if b.TotalDonations == nil {
		b.TotalDonations = newBig()
	}

	c.blocks[string(b.Oid)] = b
	if c.tip == nil || b.Wire.Level > c.tip.Wire.Level {
		c.tip = b
	}

	return c.doConfirmations(b)
}

// doConfirmations runs the confirmation loop for a newly arrived block and
// commits whatever became indelible. Called with confirmMu held.
func (c *Chain) doConfirmations(newBlock *Block) error {
	var w *storage.WriteTx
	defer func() {
		if w != nil {
			w.End(false)
		}
	}()

	haveNew := false

	for {
		err := c.doConfirmOne(&w, newBlock)
		if errors.Is(err, errAlreadyIndelible) || errors.Is(err, errNoQuorum) {
			break
		}
		if err != nil {
			return err
		}
		if c.HasFatalError() || c.Shutdown.Load() {
			return ErrFatal
		}
		haveNew = true
	}

	if !haveNew {
		return nil
	}

	if c.newIndelibleBlock == nil {
		c.SetFatalError("confirmation loop lost its new indelible block")
		return ErrFatal
	}

	if err := c.Mining.Save(w); err != nil {
		c.SetFatalError(err.Error())
		return err
	}

	err := w.End(true)
	w = nil
	if err != nil {
		c.SetFatalError("error committing db write: " + err.Error())
		return ErrFatal
	}

	// For consistency, publish only after the commit.
	c.setLastIndelible(c.newIndelibleBlock)
	c.newIndelibleBlock = nil

	c.pruneBlocks()

	// The write mutex is released; the checkpoint runs on its worker.
	c.store.StartCheckpoint(false)

	if c.OnIndelible != nil {
		c.OnIndelible(c.GetStatus())
	}

	return nil
}

var errNoQuorum = errors.New("ledger: no new indelible block")

// doConfirmOne walks back from newBlock counting unmarked ancestors. When
// the quorum rule is satisfied, the oldest unmarked ancestor is promoted.
func (c *Chain) doConfirmOne(w **storage.WriteTx, newBlock *Block) error {
	if newBlock.MarkedForIndelible {
		return errAlreadyIndelible
	}

	nconfsigs := 1
	anySkip := newBlock.Wire.Skip

	candidate := newBlock
	scan := newBlock

	for {
		if c.Shutdown.Load() {
			return ErrFatal
		}

		prior := scan.Prior
		if prior == nil {
			break
		}

		if prior.Wire.Level != scan.Wire.Level-1 {
			c.SetFatalError("block level sequence error")
			return ErrFatal
		}

		if prior.MarkedForIndelible {
			break
		}

		scan = prior
		candidate = prior
		nconfsigs++
		anySkip = anySkip || candidate.Wire.Skip
	}

	params := &candidate.Params

	c.lastMu.Lock()
	haveLast := c.lastIndelibleBlock != nil
	c.lastMu.Unlock()

	if haveLast {
		need := params.Nseqconfsigs
		if anySkip {
			need = params.Nskipconfsigs
		}
		if nconfsigs < need {
			return errNoQuorum
		}
	}

	c.log.Debug("new indelible block",
		"level", candidate.Wire.Level, "timestamp", candidate.Wire.Timestamp,
		"witness", candidate.Wire.Witness, "nconfsigs", nconfsigs, "skip", anySkip)

	if *w == nil {
		var err error
		*w, err = c.store.BeginWrite()
		if err != nil {
			c.SetFatalError("error starting db write: " + err.Error())
			return ErrFatal
		}
	}

	return c.setNewlyIndelibleBlock(*w, candidate)
}

// setNewlyIndelibleBlock promotes one block inside the held write. Updates
// happen in a fixed order: index the block's transactions, synchronize
// exchange matching, save the sequence counters, expire matches, prune
// matching reqs, update the commitment root, store the block, split the
// donations, and store the aux snapshot. The published last-indelible
// pointer moves only after the caller commits.
func (c *Chain) setNewlyIndelibleBlock(w *storage.WriteTx, b *Block) error {
	if b.MarkedForIndelible {
		return errAlreadyIndelible
	}
	b.MarkedForIndelible = true

	level := b.Wire.Level
	timestamp := b.Wire.Timestamp

	last := c.lastIndelibleBlock
	if c.newIndelibleBlock != nil {
		last = c.newIndelibleBlock
	}

	if last == nil {
		if level != 0 {
			c.SetFatalError("first indelible block is not genesis")
			return ErrFatal
		}
	} else {
		expected := last.Wire.Level + 1
		if level != expected || !SameOid(b.Wire.PriorOid, last.Oid) {
			if level <= expected {
				c.SetFatalError("two indelible blocks at same level")
			} else {
				c.SetFatalError("blockchain sequence error")
			}
			return ErrFatal
		}
	}

	// Snapshot next_xreqnum for pruning: requests persisted by this block
	// get xreqnums >= newXreqnum.
	newXreqnum := c.Exchange.NextXreqnum(false)

	if err := c.indexTxs(w, timestamp, b); err != nil {
		return err
	}

	if err := c.Matcher.SynchronizeMatching(w, level, timestamp, newXreqnum); err != nil {
		c.SetFatalError("error updating exchange matches: " + err.Error())
		return ErrFatal
	}

	if err := c.Exchange.SaveNextNums(w, level, timestamp); err != nil {
		c.SetFatalError("error saving exchange sequence numbers: " + err.Error())
		return ErrFatal
	}

	if err := c.ExpireMatches(w, timestamp); err != nil {
		c.SetFatalError("error expiring matches: " + err.Error())
		return ErrFatal
	}

	if err := w.MatchingReqPrune(timestamp); err != nil {
		c.SetFatalError(err.Error())
		return ErrFatal
	}

	if err := c.Commitments.UpdateRoot(w, int64(level), timestamp); err != nil {
		c.SetFatalError("error updating commit tree: " + err.Error())
		return ErrFatal
	}

	if err := w.BlockchainInsert(level, b.Marshal()); err != nil {
		c.SetFatalError(err.Error())
		return ErrFatal
	}

	if err := c.splitDonations(w, b); err != nil {
		return err
	}

	if err := c.saveBlockAux(w, b); err != nil {
		c.SetFatalError(err.Error())
		return ErrFatal
	}

	c.log.Info("block indelible",
		"level", level, "timestamp", timestamp, "witness", b.Wire.Witness,
		"donations", b.TotalDonations, "xreq_count", c.Xreqs.CountPersistent())

	c.newIndelibleBlock = b

	return nil
}

// splitDonations divides the block's donations across the witness set:
// the block's witness gets the big split, every other witness an equal
// little split.
func (c *Chain) splitDonations(w *storage.WriteTx, b *Block) error {
	if b.TotalDonations == nil || b.TotalDonations.Sign() == 0 {
		return nil
	}

	nwitnesses := int64(b.Params.Nwitnesses)
	if nwitnesses == 0 {
		c.SetFatalError("donation split with zero witnesses")
		return ErrFatal
	}

	bigSplit := new(big.Int).Set(b.TotalDonations)
	littleSplit := new(big.Int).Mul(b.TotalDonations, big.NewInt(2))
	littleSplit.Quo(littleSplit, big.NewInt(3*nwitnesses))
	littleSum := new(big.Int).Mul(big.NewInt(nwitnesses-1), littleSplit)

	if bigSplit.Cmp(littleSum) > 0 {
		bigSplit.Sub(bigSplit, littleSum)
	} else {
		littleSplit.SetInt64(0)
	}

	for i := int64(0); i < nwitnesses; i++ {
		total := newBig()

		value, found, err := w.ParameterSelect(storage.ParamDonationTotals, int(i))
		if err != nil {
			c.SetFatalError(err.Error())
			return ErrFatal
		}
		if found {
			total.SetBytes(value)
		}

		if i == int64(b.Wire.Witness) {
			total.Add(total, bigSplit)
		} else {
			total.Add(total, littleSplit)
		}

		if err := w.ParameterInsert(storage.ParamDonationTotals, int(i), total.Bytes()); err != nil {
			c.SetFatalError(err.Error())
			return ErrFatal
		}
	}

	return nil
}

// DonationTotal returns the accumulated donation rewards of one witness.
func (c *Chain) DonationTotal(witness int) (*big.Int, error) {
	value, found, err := c.store.ParameterSelect(storage.ParamDonationTotals, witness)
	if err != nil {
		return nil, err
	}
	total := newBig()
	if found {
		total.SetBytes(value)
	}
	return total, nil
}
