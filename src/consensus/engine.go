package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default engine timing and bounds. The timeouts are engine-level durations;
// the owning runtime fires InitiateViewChange when they elapse, the engine
// itself never sleeps or polls.
const (
	DefaultBlockTimeout      = 10 * time.Second
	DefaultViewChangeTimeout = 5 * time.Second

	// MaxFinalizedBlocks caps the in-memory finalized queue. The queue is a
	// statistics window, not the canonical ledger; the ledger collaborator is
	// the record of finalized blocks.
	MaxFinalizedBlocks = 10000
)

// Engine drives the PrePrepare/Prepare/Commit phase machine for one
// validator node, with view-change recovery. It is a synchronous state
// mutator: public methods take the engine lock for the duration of one state
// transition and perform no I/O.
type Engine struct {
	sync.Mutex

	// validatorID is the address of the validator running this engine.
	validatorID string

	// totalValidators and maxFaulty (f) are recomputed atomically with every
	// validator-set swap. Safety requires 3f < n.
	totalValidators int
	maxFaulty       int

	view     uint64
	sequence uint64
	state    State

	// At most one block is locked at a time: commit always operates against
	// the currently locked block, so finalization happens in increasing
	// sequence order and only one sequence is in flight.
	lockedBlock *Block
	lockedView  uint64

	// Vote collections per sequence, keyed by sender. The map key is what
	// dedupes replayed votes: a single Byzantine sender can never account
	// for more than one entry.
	prePrepares  map[uint64]Message
	prepareVotes map[uint64]map[string]Message
	commitVotes  map[uint64]map[string]Message

	finalizedBlocks   []*Block
	finalityTimestamp int64

	blockTimeout      time.Duration
	viewChangeTimeout time.Duration

	blocksFinalized uint64
	viewChanges     uint64

	// secret keys the MAC on consensus messages. Shared by all honest
	// participants out-of-band.
	secret []byte

	// validatorSet is the ordered list used for leader rotation. Mutated only
	// through UpdateValidatorSet.
	validatorSet []string

	logger *logrus.Entry
}

// NewEngine is a factory method for a consensus Engine.
func NewEngine(validatorID string, totalValidators int, secret []byte, logger *logrus.Entry) *Engine {
	if logger == nil {
		log := logrus.New()
		logger = log.WithField("prefix", "consensus")
	}

	return &Engine{
		validatorID:       validatorID,
		totalValidators:   totalValidators,
		maxFaulty:         maxFaulty(totalValidators),
		state:             Normal,
		prePrepares:       make(map[uint64]Message),
		prepareVotes:      make(map[uint64]map[string]Message),
		commitVotes:       make(map[uint64]map[string]Message),
		blockTimeout:      DefaultBlockTimeout,
		viewChangeTimeout: DefaultViewChangeTimeout,
		secret:            secret,
		logger:            logger,
	}
}

func maxFaulty(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// Quorum returns the distinct-voter threshold 2f+1 required to progress a
// phase. Integer arithmetic only; it must agree on every node.
func Quorum(n int) int {
	if n <= 1 {
		return 1
	}
	return 2*maxFaulty(n) + 1
}

// UpdateValidatorSet swaps the ordered validator list used for leader
// rotation and recomputes f and the quorum atomically with the swap, so no
// reader can observe an inconsistent (list, f) pair. The list must be sorted
// deterministically by the caller; all nodes must agree on the order.
func (e *Engine) UpdateValidatorSet(validators []string) {
	e.Lock()
	defer e.Unlock()

	n := len(validators)
	if n < 1 {
		n = 1
	}
	e.totalValidators = n
	e.maxFaulty = maxFaulty(n)
	e.validatorSet = validators

	e.logger.WithFields(logrus.Fields{
		"validators": len(validators),
		"max_faulty": e.maxFaulty,
		"quorum":     Quorum(n),
	}).Debug("Updated validator set")
}

// PrePrepare proposes a block: it increments the sequence, locks the block,
// and returns an authenticated PrePrepare message for broadcast. It is only
// valid outside a view change.
func (e *Engine) PrePrepare(block *Block) (Message, error) {
	e.Lock()
	defer e.Unlock()

	if e.state == ViewChanging {
		return Message{}, fmt.Errorf("cannot pre-prepare: view change in progress (view %d)", e.view)
	}

	e.sequence++

	hex := block.Hex()

	msg := NewMessage(PrePrepare, e.view, e.sequence, hex, e.validatorID, e.secret)
	e.prePrepares[e.sequence] = msg

	e.lockedBlock = block
	e.lockedView = e.view
	e.state = Locked

	e.logger.WithFields(logrus.Fields{
		"sequence":   e.sequence,
		"block_hash": hex,
	}).Debug("PrePrepare")

	return msg, nil
}

// Prepare records a Prepare vote, deduplicated by sender. The message must
// carry a valid authentication tag and belong to the current view.
func (e *Engine) Prepare(msg Message) error {
	e.Lock()
	defer e.Unlock()

	if !msg.Authentic(e.secret) {
		return fmt.Errorf("prepare from %s: invalid message authentication", msg.Sender)
	}

	if msg.View != e.view {
		return fmt.Errorf("prepare from wrong view: got %d, current %d", msg.View, e.view)
	}

	votes, ok := e.prepareVotes[msg.Sequence]
	if !ok {
		votes = make(map[string]Message)
		e.prepareVotes[msg.Sequence] = votes
	}
	votes[msg.Sender] = msg

	return nil
}

// CanCommit reports whether the Prepare set for the sequence holds votes from
// at least 2f+1 distinct senders.
func (e *Engine) CanCommit(sequence uint64) bool {
	e.Lock()
	defer e.Unlock()

	return len(e.prepareVotes[sequence]) >= Quorum(e.totalValidators)
}

// Commit records a Commit vote, deduplicated by sender. Once the Commit set
// reaches quorum, the locked block is finalized and Commit returns true.
// Returning false means "not yet finalized", which is not an error.
func (e *Engine) Commit(msg Message) (bool, error) {
	e.Lock()
	defer e.Unlock()

	if !msg.Authentic(e.secret) {
		return false, fmt.Errorf("commit from %s: invalid message authentication", msg.Sender)
	}

	votes, ok := e.commitVotes[msg.Sequence]
	if !ok {
		votes = make(map[string]Message)
		e.commitVotes[msg.Sequence] = votes
	}
	votes[msg.Sender] = msg

	if len(votes) >= Quorum(e.totalValidators) {
		return e.finalize(msg.Sequence)
	}

	return false, nil
}

// finalize moves the locked block into the bounded finalized queue and clears
// the sequence's vote sets. Callers must hold the engine lock.
func (e *Engine) finalize(sequence uint64) (bool, error) {
	if e.lockedBlock == nil {
		return false, fmt.Errorf("no locked block to finalize at sequence %d", sequence)
	}

	e.finalizedBlocks = append(e.finalizedBlocks, e.lockedBlock)
	if len(e.finalizedBlocks) > MaxFinalizedBlocks {
		e.finalizedBlocks = e.finalizedBlocks[len(e.finalizedBlocks)-MaxFinalizedBlocks:]
	}

	e.blocksFinalized++
	e.finalityTimestamp = time.Now().Unix()

	delete(e.prePrepares, sequence)
	delete(e.prepareVotes, sequence)
	delete(e.commitVotes, sequence)

	e.logger.WithFields(logrus.Fields{
		"sequence":   sequence,
		"block_hash": e.lockedBlock.Hex(),
		"finalized":  e.blocksFinalized,
	}).Debug("Finalized block")

	e.state = Normal
	e.lockedBlock = nil

	return true, nil
}

// InitiateViewChange switches the engine to ViewChanging, increments the
// view, and returns an authenticated ViewChange message for broadcast. The
// owning runtime calls this when the block or view-change timeout elapses.
func (e *Engine) InitiateViewChange() Message {
	e.Lock()
	defer e.Unlock()

	e.state = ViewChanging
	e.view++
	e.viewChanges++

	e.logger.WithField("view", e.view).Debug("Initiating view change")

	return NewMessage(ViewChange, e.view, e.sequence, "", e.validatorID, e.secret)
}

// CompleteViewChange adopts the new view and returns the engine to Normal.
// All pending vote sets are cleared: votes from the old view are invalid in
// the new one.
func (e *Engine) CompleteViewChange(newView uint64) error {
	e.Lock()
	defer e.Unlock()

	if newView < e.view {
		return fmt.Errorf("invalid new view: %d < current view %d", newView, e.view)
	}

	e.view = newView
	e.state = Normal
	e.prepareVotes = make(map[uint64]map[string]Message)
	e.commitVotes = make(map[uint64]map[string]Message)

	return nil
}

// Leader returns the leader address for a view: deterministic round-robin
// over the ordered validator set. Before any validator set is configured it
// falls back to a synthetic name, which only happens in bootstrap and test
// scenarios.
func (e *Engine) Leader(view uint64) string {
	e.Lock()
	defer e.Unlock()

	return e.leader(view)
}

func (e *Engine) leader(view uint64) string {
	if len(e.validatorSet) == 0 {
		n := e.totalValidators
		if n < 1 {
			n = 1
		}
		return fmt.Sprintf("validator-%d", view%uint64(n))
	}
	return e.validatorSet[view%uint64(len(e.validatorSet))]
}

// IsLeader reports whether this validator leads the current view.
func (e *Engine) IsLeader() bool {
	e.Lock()
	defer e.Unlock()

	return e.leader(e.view) == e.validatorID
}

// RecordExternalFinalization reports a block finalized by a separate
// vote-accumulation mechanism into this engine's statistics, without
// re-running the three-phase protocol. It is a statistics-sync operation, not
// a safety-relevant one.
func (e *Engine) RecordExternalFinalization(distinctVoters int) {
	e.Lock()
	defer e.Unlock()

	e.sequence++
	e.blocksFinalized++
	e.finalityTimestamp = time.Now().Unix()

	_ = distinctVoters
}

// FinalizedBlocks returns a copy of the bounded finalized queue.
func (e *Engine) FinalizedBlocks() []*Block {
	e.Lock()
	defer e.Unlock()

	res := make([]*Block, len(e.finalizedBlocks))
	copy(res, e.finalizedBlocks)
	return res
}

// LastFinalizedBlock ...
func (e *Engine) LastFinalizedBlock() *Block {
	e.Lock()
	defer e.Unlock()

	if len(e.finalizedBlocks) == 0 {
		return nil
	}
	return e.finalizedBlocks[len(e.finalizedBlocks)-1]
}

// ByzantineSafe reports whether the safety condition 3f < n holds for the
// current validator set.
func (e *Engine) ByzantineSafe() bool {
	e.Lock()
	defer e.Unlock()

	return 3*e.maxFaulty < e.totalValidators
}

// FinalityTime estimates the time to finality: one block timeout spread over
// the three phases.
func (e *Engine) FinalityTime() time.Duration {
	return e.blockTimeout / 3
}

// Stats holds a snapshot of the engine counters.
type Stats struct {
	View            uint64 `json:"view"`
	Sequence        uint64 `json:"sequence"`
	State           string `json:"state"`
	BlocksFinalized uint64 `json:"blocks_finalized"`
	ViewChanges     uint64 `json:"view_changes"`
	TotalValidators int    `json:"total_validators"`
	MaxFaulty       int    `json:"max_faulty"`
	Quorum          int    `json:"quorum"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.Lock()
	defer e.Unlock()

	return Stats{
		View:            e.view,
		Sequence:        e.sequence,
		State:           e.state.String(),
		BlocksFinalized: e.blocksFinalized,
		ViewChanges:     e.viewChanges,
		TotalValidators: e.totalValidators,
		MaxFaulty:       e.maxFaulty,
		Quorum:          Quorum(e.totalValidators),
	}
}
