package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unauthority/los/src/checkpoint"
	"github.com/unauthority/los/src/config"
	"github.com/unauthority/los/src/consensus"
	"github.com/unauthority/los/src/crypto/keys"
	"github.com/unauthority/los/src/slashing"
)

//Node defines a LOS validator node. It owns the consensus engine, the
//finality checkpoint store, and the slashing manager, and routes consensus
//traffic between them. The node itself holds no transport; messages are fed
//in by the embedding application.
type Node struct {
	coreLock sync.Mutex

	conf   *config.Config
	logger *logrus.Entry

	validator *Validator

	engine      *consensus.Engine
	checkpoints *checkpoint.Manager
	slashing    *slashing.Manager

	// pending is the checkpoint currently accumulating validator signatures,
	// nil when no checkpoint is in flight.
	pending *checkpoint.PendingCheckpoint

	// stateRoot provides the application state root at a given height when a
	// checkpoint is opened.
	stateRoot func(height uint64) string

	validators []string

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	start time.Time
}

//NewNode is a factory method that returns a Node instance
func NewNode(conf *config.Config,
	validator *Validator,
	checkpoints *checkpoint.Manager,
	secret []byte,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger().WithField("this_validator", validator.Address())

	node := Node{
		conf:        conf,
		logger:      logger,
		validator:   validator,
		engine:      consensus.NewEngine(validator.Address(), conf.TotalValidators, secret, logger),
		checkpoints: checkpoints,
		slashing:    slashing.NewManager(logger),
		stateRoot:   func(uint64) string { return "" },
		sigintCh:    sigintCh,
		shutdownCh:  make(chan struct{}),
		start:       time.Now(),
	}

	return &node
}

//Init intialises the node: it registers this validator with the slashing
//manager and seeds the consensus validator set.
func (n *Node) Init(validators []string) error {
	n.logger.WithField("validators", len(validators)).Debug("Init")

	n.slashing.RegisterValidator(n.validator.Address())

	n.SetValidators(validators)

	return nil
}

//SetStateRootProvider installs the application callback that supplies the
//state root hash when a checkpoint is opened.
func (n *Node) SetStateRootProvider(fn func(height uint64) string) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	n.stateRoot = fn
}

//SetValidators installs a new validator set. Every member is registered with
//the slashing manager, and banned validators are excluded from the consensus
//rotation before the set is handed to the engine.
func (n *Node) SetValidators(validators []string) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	n.validators = validators

	active := []string{}
	for _, addr := range validators {
		n.slashing.RegisterValidator(addr)
		if status, ok := n.slashing.Status(addr); ok && status == slashing.Banned {
			continue
		}
		active = append(active, addr)
	}

	n.engine.UpdateValidatorSet(active)
}

//CreateBlock assembles the next block on top of the last finalized block.
func (n *Node) CreateBlock(data []byte) *consensus.Block {
	height := uint64(1)
	parentHash := ""

	if last := n.engine.LastFinalizedBlock(); last != nil {
		height = last.Height() + 1
		parentHash = last.Hex()
	}

	return consensus.NewBlock(height, time.Now().Unix(), data, n.validator.Address(), parentHash)
}

//ProposeBlock runs the leader path: it validates the block against the
//finality checkpoints and starts the three-phase round, returning the
//PrePrepare message to broadcast.
func (n *Node) ProposeBlock(block *consensus.Block) (consensus.Message, error) {
	if !n.engine.IsLeader() {
		return consensus.Message{}, fmt.Errorf("not the leader for the current view")
	}

	if err := n.checkpoints.ValidateBlock(block.Height(), block.Hex(), block.ParentHash()); err != nil {
		return consensus.Message{}, err
	}

	return n.engine.PrePrepare(block)
}

//HandlePrepare records a Prepare vote and the sender's block signature, which
//feeds double-sign detection.
func (n *Node) HandlePrepare(msg consensus.Message) error {
	if err := n.engine.Prepare(msg); err != nil {
		return err
	}

	if err := n.slashing.RecordSignature(
		msg.Sender,
		msg.Sequence,
		signatureHash(msg),
		msg.Timestamp,
	); err != nil {
		n.logger.WithError(err).WithField("sender", msg.Sender).Warn("Misbehaving validator")
		return err
	}

	return nil
}

//HandleCommit records a Commit vote. When the vote completes the quorum, the
//block is finalized, participation is credited, and a checkpoint round is
//opened if the height is on the checkpoint interval. It returns the finalized
//block, or nil if the round is still in progress.
func (n *Node) HandleCommit(msg consensus.Message) (*consensus.Block, error) {
	finalized, err := n.engine.Commit(msg)
	if err != nil {
		return nil, err
	}
	if !finalized {
		return nil, nil
	}

	block := n.engine.LastFinalizedBlock()

	n.noteFinalized(block)

	return block, nil
}

//noteFinalized propagates a finalized block to the slashing manager and the
//checkpoint pipeline.
func (n *Node) noteFinalized(block *consensus.Block) {
	height := block.Height()

	n.slashing.UpdateBlockHeight(height)

	if err := n.slashing.RecordParticipation(n.validator.Address(), time.Now().Unix()); err != nil {
		n.logger.WithError(err).Debug("Participation not recorded")
	}

	if n.checkpoints.ShouldCreateCheckpoint(height) {
		if err := n.openCheckpoint(block); err != nil {
			n.logger.WithError(err).Error("Failed to open checkpoint")
		}
	}
}

//openCheckpoint starts a signature-collection round for a checkpoint at the
//block's height, seeded with this validator's own signature.
func (n *Node) openCheckpoint(block *consensus.Block) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	cp := checkpoint.New(
		block.Height(),
		block.Hex(),
		len(n.validators),
		n.stateRoot(block.Height()),
		nil,
	)

	n.pending = checkpoint.NewPending(cp)

	sig, err := keys.SignBytes(n.validator.Key, n.pending.SigningData)
	if err != nil {
		return err
	}

	n.pending.AddSignature(checkpoint.Signature{
		ValidatorAddress: n.validator.Address(),
		Signature:        sig,
	})

	n.logger.WithField("height", block.Height()).Info("Opened checkpoint")

	return n.maybeSealCheckpoint()
}

//AddCheckpointSignature records another validator's signature on the pending
//checkpoint. When the signer set reaches quorum the checkpoint is persisted.
//It returns true once the checkpoint has been stored.
func (n *Node) AddCheckpointSignature(sig checkpoint.Signature) (bool, error) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if n.pending == nil {
		return false, fmt.Errorf("no checkpoint in flight")
	}

	n.pending.AddSignature(sig)

	if err := n.maybeSealCheckpoint(); err != nil {
		return false, err
	}

	return n.pending == nil, nil
}

//maybeSealCheckpoint persists the pending checkpoint once it has quorum.
//Callers must hold coreLock.
func (n *Node) maybeSealCheckpoint() error {
	if n.pending == nil || !n.pending.HasQuorum() {
		return nil
	}

	if err := n.checkpoints.StoreCheckpoint(n.pending.Checkpoint); err != nil {
		return err
	}

	n.logger.WithField("height", n.pending.Checkpoint.Height).Info("Sealed checkpoint")

	n.pending = nil

	return nil
}

//PendingCheckpoint returns the checkpoint currently accumulating signatures,
//or nil.
func (n *Node) PendingCheckpoint() *checkpoint.PendingCheckpoint {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	return n.pending
}

//HandleViewChange adopts a view change once the leader has failed.
func (n *Node) HandleViewChange(msg consensus.Message) error {
	return n.engine.CompleteViewChange(msg.View)
}

//ReportDoubleSign opens a slash proposal against a validator caught signing
//two different blocks at the same height.
func (n *Node) ReportDoubleSign(offender, evidenceHash string) (string, error) {
	return n.slashing.ProposeSlash(
		offender,
		slashing.DoubleSigning,
		evidenceHash,
		n.validator.Address(),
		time.Now().Unix(),
	)
}

//Engine exposes the consensus engine.
func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

//Checkpoints exposes the finality checkpoint manager.
func (n *Node) Checkpoints() *checkpoint.Manager {
	return n.checkpoints
}

//Slashing exposes the slashing manager.
func (n *Node) Slashing() *slashing.Manager {
	return n.slashing
}

//Validator returns this node's validator identity.
func (n *Node) Validator() *Validator {
	return n.validator
}

//Uptime returns the time elapsed since the node was created.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.start)
}

//Run blocks until a SIGINT or a Shutdown call, then closes the checkpoint
//store.
func (n *Node) Run() {
	select {
	case <-n.sigintCh:
		n.logger.Debug("Reacting to SIGINT signal")
	case <-n.shutdownCh:
	}

	if err := n.checkpoints.Close(); err != nil {
		n.logger.WithError(err).Error("Error closing checkpoint store")
	}
}

//Shutdown stops the node.
func (n *Node) Shutdown() {
	close(n.shutdownCh)
}

//signatureHash derives a stable hash of a vote's voted content, used as the
//double-sign detection fingerprint. The view is deliberately excluded: after
//a view change, validators re-vote for the same block at the same sequence,
//and those re-votes must collapse to one fingerprint. Only a vote for a
//different block at the same sequence is equivocation.
func signatureHash(msg consensus.Message) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", msg.Sequence, msg.BlockHash, msg.Sender)))
	return hex.EncodeToString(sum[:])
}
