package node

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/unauthority/los/src/checkpoint"
	"github.com/unauthority/los/src/config"
	"github.com/unauthority/los/src/consensus"
	"github.com/unauthority/los/src/crypto/keys"
	"github.com/unauthority/los/src/slashing"
)

var testSecret = []byte("shared test secret")

func initNode(t *testing.T) (*Node, string) {
	os.Mkdir("test_data", os.ModeDir|0700)
	dir, err := ioutil.TempDir("test_data", "los")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dir)

	key, _ := keys.GenerateECDSAKey()
	validator := NewValidator(key, "node0")

	checkpoints, err := checkpoint.NewManager(path.Join(dir, "checkpoint_db"), conf.Logger())
	if err != nil {
		t.Fatal(err)
	}

	n := NewNode(conf, validator, checkpoints, testSecret)

	if err := n.Init([]string{validator.Address()}); err != nil {
		t.Fatal(err)
	}

	return n, dir
}

// finalizeBlock runs one full solo round: propose, commit, finalize.
func finalizeBlock(t *testing.T, n *Node, data []byte) *consensus.Block {
	block := n.CreateBlock(data)

	if _, err := n.ProposeBlock(block); err != nil {
		t.Fatal(err)
	}

	commit := consensus.NewMessage(
		consensus.Commit,
		n.Engine().Stats().View,
		n.Engine().Stats().Sequence,
		block.Hex(),
		n.Validator().Address(),
		testSecret,
	)

	finalized, err := n.HandleCommit(commit)
	if err != nil {
		t.Fatal(err)
	}
	if finalized == nil {
		t.Fatalf("solo commit should finalize immediately")
	}

	return finalized
}

func TestSoloRound(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	block := finalizeBlock(t, n, []byte("tx batch"))

	if block.Height() != 1 {
		t.Fatalf("first block should have height 1, got %d", block.Height())
	}

	// no checkpoint is due this early
	if n.PendingCheckpoint() != nil {
		t.Fatalf("no checkpoint should be in flight at height 1")
	}

	// participation was credited
	profile, ok := n.Slashing().Profile(n.Validator().Address())
	if !ok {
		t.Fatalf("own validator should be registered")
	}
	if profile.BlocksParticipated != 1 {
		t.Fatalf("participation not credited: %d", profile.BlocksParticipated)
	}

	// the next block chains on the finalized one
	next := n.CreateBlock([]byte("more txs"))
	if next.Height() != 2 || next.ParentHash() != block.Hex() {
		t.Fatalf("next block should chain on the finalized block")
	}
}

func TestCheckpointAtInterval(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	for i := 0; i < int(checkpoint.Interval); i++ {
		finalizeBlock(t, n, []byte(fmt.Sprintf("batch %d", i)))
	}

	// the solo validator reaches quorum alone, so the checkpoint was sealed
	// and persisted as soon as it was opened
	if n.PendingCheckpoint() != nil {
		t.Fatalf("solo checkpoint should seal immediately")
	}

	if n.Checkpoints().LatestHeight() != checkpoint.Interval {
		t.Fatalf("checkpoint not persisted at height %d, latest is %d",
			checkpoint.Interval, n.Checkpoints().LatestHeight())
	}

	stored, err := n.Checkpoints().GetCheckpoint(checkpoint.Interval)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SignatureCount != 1 {
		t.Fatalf("checkpoint should carry the proposer's signature")
	}
	if stored.Signatures[0].ValidatorAddress != n.Validator().Address() {
		t.Fatalf("checkpoint signed by the wrong validator")
	}
}

func TestProposeRequiresLeadership(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	// hand leadership to someone else
	n.SetValidators([]string{"other-validator", n.Validator().Address()})

	block := n.CreateBlock([]byte("tx"))
	if _, err := n.ProposeBlock(block); err == nil {
		t.Fatalf("a follower should not propose")
	}
}

func TestHandlePrepareDetectsDoubleSign(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	peer := "peer-validator"
	n.SetValidators([]string{n.Validator().Address(), peer})

	block := n.CreateBlock([]byte("tx"))
	if _, err := n.ProposeBlock(block); err != nil {
		t.Fatal(err)
	}

	prepare := consensus.NewMessage(consensus.Prepare, 0, 1, block.Hex(), peer, testSecret)
	if err := n.HandlePrepare(prepare); err != nil {
		t.Fatal(err)
	}

	// the same vote again is harmless
	if err := n.HandlePrepare(prepare); err != nil {
		t.Fatal(err)
	}

	// a vote for a conflicting block at the same sequence is double-signing
	conflicting := consensus.NewMessage(consensus.Prepare, 0, 1, "conflicting-hash", peer, testSecret)
	if err := n.HandlePrepare(conflicting); err == nil {
		t.Fatalf("conflicting vote should be reported")
	}
}

func TestReprepareAfterViewChangeNotDoubleSign(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	peer := "peer-validator"
	n.SetValidators([]string{n.Validator().Address(), peer})

	block := n.CreateBlock([]byte("tx"))
	if _, err := n.ProposeBlock(block); err != nil {
		t.Fatal(err)
	}

	prepare := consensus.NewMessage(consensus.Prepare, 0, 1, block.Hex(), peer, testSecret)
	if err := n.HandlePrepare(prepare); err != nil {
		t.Fatal(err)
	}

	viewChange := consensus.NewMessage(consensus.ViewChange, 1, 1, "", peer, testSecret)
	if err := n.HandleViewChange(viewChange); err != nil {
		t.Fatal(err)
	}

	// re-voting for the same block at the same sequence in the new view is
	// honest recovery, not equivocation
	reprepare := consensus.NewMessage(consensus.Prepare, 1, 1, block.Hex(), peer, testSecret)
	if err := n.HandlePrepare(reprepare); err != nil {
		t.Fatalf("re-prepare after view change should be accepted: %v", err)
	}

	// a different block at the same sequence is still caught in the new view
	conflicting := consensus.NewMessage(consensus.Prepare, 1, 1, "conflicting-hash", peer, testSecret)
	if err := n.HandlePrepare(conflicting); err == nil {
		t.Fatalf("conflicting vote should be reported")
	}
}

func TestSetValidatorsExcludesBanned(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	self := n.Validator().Address()
	validators := []string{self, "val-1", "val-2", "val-3"}

	n.SetValidators(validators)

	if err := n.Slashing().EmergencyBan("val-1", "test"); err != nil {
		t.Fatal(err)
	}

	n.SetValidators(validators)

	// with val-1 out of rotation, views cycle over the 3 remaining
	seen := map[string]bool{}
	for view := uint64(0); view < 6; view++ {
		seen[n.Engine().Leader(view)] = true
	}
	if seen["val-1"] {
		t.Fatalf("banned validator should be out of the leader rotation")
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 leaders in rotation, got %d", len(seen))
	}
}

func TestAddCheckpointSignatureNoPending(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	_, err := n.AddCheckpointSignature(checkpoint.Signature{
		ValidatorAddress: "val-1",
		Signature:        []byte("sig"),
	})
	if err == nil {
		t.Fatalf("adding a signature with no checkpoint in flight should error")
	}
}

func TestReportDoubleSign(t *testing.T) {
	n, dir := initNode(t)
	defer os.RemoveAll(dir)
	defer n.Checkpoints().Close()

	peer := "peer-validator"
	n.SetValidators([]string{n.Validator().Address(), peer})

	id, err := n.ReportDoubleSign(peer, "evidence-hash")
	if err != nil {
		t.Fatal(err)
	}

	proposals := n.Slashing().PendingProposals()
	if len(proposals) != 1 || proposals[0].ProposalID != id {
		t.Fatalf("proposal not opened: %v", proposals)
	}
	if proposals[0].Violation != slashing.DoubleSigning {
		t.Fatalf("wrong violation type: %v", proposals[0].Violation)
	}
}
