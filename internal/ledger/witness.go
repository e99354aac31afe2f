package ledger

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/pkg/logging"
)

// Witness is a local block producer. It extends the current tip on its
// schedule and feeds the blocks through the same confirmation path as
// blocks arriving from peers. Transaction selection is handled by the
// relay layer; blocks produced here carry whatever tx stream the queue
// hands over.
type Witness struct {
	log   *logging.Logger
	chain *Chain

	index int
	key   ed25519.PrivateKey

	// Interval between block attempts.
	interval time.Duration

	// PendingTxData is polled for the next block's tx stream.
	PendingTxData func() []byte

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWitness returns a block producer for one witness slot.
func NewWitness(chain *Chain, index int, key ed25519.PrivateKey, interval time.Duration, log *logging.Logger) *Witness {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Witness{
		log:      log,
		chain:    chain,
		index:    index,
		key:      key,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

// Start launches the production loop.
func (wt *Witness) Start() {
	wt.wg.Add(1)
	go wt.run()
}

// Stop terminates the production loop and waits for it.
func (wt *Witness) Stop() {
	close(wt.quit)
	wt.wg.Wait()
}

func (wt *Witness) run() {
	defer wt.wg.Done()

	ticker := time.NewTicker(wt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-wt.quit:
			return
		case <-ticker.C:
		}

		if wt.chain.HasFatalError() || wt.chain.Shutdown.Load() {
			return
		}

		if err := wt.produceBlock(); err != nil {
			wt.log.Error("block production failed", "error", err)
		}
	}
}

// produceBlock builds, signs, and submits one block on top of the tip.
// The round is a skip round when it is not this witness's strict turn in
// the rotation.
func (wt *Witness) produceBlock() error {
	tip := wt.chain.Tip()
	if tip == nil {
		return nil
	}

	var txData []byte
	if wt.PendingTxData != nil {
		txData = wt.PendingTxData()
	}

	b, err := wt.BuildBlock(tip, uint64(time.Now().Unix()), txData)
	if err != nil {
		return err
	}

	wt.log.Debug("produced block", "level", b.Wire.Level, "witness", wt.index, "skip", b.Wire.Skip)

	return wt.chain.AddBlock(b)
}

// BuildBlock assembles and signs a block extending prior at the given
// timestamp.
func (wt *Witness) BuildBlock(prior *Block, timestamp uint64, txData []byte) (*Block, error) {
	if timestamp < prior.Wire.Timestamp {
		timestamp = prior.Wire.Timestamp
	}

	nwitnesses := prior.Params.NextNwitnesses
	expected := (int(prior.Wire.Witness) + 1) % nwitnesses

	b := &Block{
		TxData:         txData,
		TotalDonations: newBig(),
	}
	b.Wire.Level = prior.Wire.Level + 1
	b.Wire.Timestamp = timestamp
	b.Wire.PriorOid = append([]byte(nil), prior.Oid...)
	b.Wire.Witness = uint16(wt.index)
	b.Wire.Skip = wt.index != expected

	b.Sign(wt.key)

	body := b.MarshalBody()
	oid := ComputeBlockOid(body)
	b.Oid = oid

	return b, nil
}

// ComputeBlockOid hashes a block body into its object id.
func ComputeBlockOid(body []byte) []byte {
	oid := wire.ComputeObjID(wire.TagBlock, body)
	return oid[:]
}
