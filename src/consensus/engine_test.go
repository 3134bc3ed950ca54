package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/unauthority/los/src/common"
)

var testSecret = []byte("shared test secret")

func testValidators(n int) []string {
	validators := make([]string, n)
	for i := 0; i < n; i++ {
		validators[i] = fmt.Sprintf("val-%d", i)
	}
	return validators
}

func newTestEngine(t *testing.T, n int) (*Engine, []string) {
	validators := testValidators(n)
	engine := NewEngine(validators[0], n, testSecret, common.NewTestEntry(t, "consensus"))
	engine.UpdateValidatorSet(validators)
	return engine, validators
}

func TestQuorum(t *testing.T) {
	for _, tt := range []struct {
		n      int
		quorum int
	}{
		{0, 1},
		{1, 1},
		{2, 1},
		{4, 3},
		{7, 5},
		{10, 7},
		{100, 67},
	} {
		if q := Quorum(tt.n); q != tt.quorum {
			t.Fatalf("Quorum(%d) = %d, want %d", tt.n, q, tt.quorum)
		}
	}
}

func TestThreePhaseFinalization(t *testing.T) {
	engine, validators := newTestEngine(t, 7)

	if !engine.IsLeader() {
		t.Fatalf("val-0 should lead view 0")
	}

	block := NewBlock(1, time.Now().Unix(), []byte("tx batch"), validators[0], "")

	msg, err := engine.PrePrepare(block)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != PrePrepare {
		t.Fatalf("wrong message type: %v", msg.Type)
	}
	if msg.Sequence != 1 {
		t.Fatalf("wrong sequence: %d", msg.Sequence)
	}

	// 4 prepares out of 7 validators is below the 2f+1=5 quorum
	for i := 0; i < 4; i++ {
		prepare := NewMessage(Prepare, 0, 1, block.Hex(), validators[i], testSecret)
		if err := engine.Prepare(prepare); err != nil {
			t.Fatal(err)
		}
	}

	if engine.CanCommit(1) {
		t.Fatalf("4 prepares should not reach quorum with 7 validators")
	}

	prepare := NewMessage(Prepare, 0, 1, block.Hex(), validators[4], testSecret)
	if err := engine.Prepare(prepare); err != nil {
		t.Fatal(err)
	}

	if !engine.CanCommit(1) {
		t.Fatalf("5 prepares should reach quorum with 7 validators")
	}

	// 4 commits is still below quorum
	for i := 0; i < 4; i++ {
		commit := NewMessage(Commit, 0, 1, block.Hex(), validators[i], testSecret)
		finalized, err := engine.Commit(commit)
		if err != nil {
			t.Fatal(err)
		}
		if finalized {
			t.Fatalf("block finalized with only %d commits", i+1)
		}
	}

	commit := NewMessage(Commit, 0, 1, block.Hex(), validators[4], testSecret)
	finalized, err := engine.Commit(commit)
	if err != nil {
		t.Fatal(err)
	}
	if !finalized {
		t.Fatalf("block should finalize with 5 commits")
	}

	last := engine.LastFinalizedBlock()
	if last == nil || last.Hex() != block.Hex() {
		t.Fatalf("finalized block mismatch")
	}

	// the sequence's vote sets were cleared on finalization
	if engine.CanCommit(1) {
		t.Fatalf("vote sets should be cleared after finalization")
	}

	stats := engine.Stats()
	if stats.BlocksFinalized != 1 {
		t.Fatalf("expected 1 finalized block, got %d", stats.BlocksFinalized)
	}
}

func TestPrepareDedup(t *testing.T) {
	engine, validators := newTestEngine(t, 7)

	block := NewBlock(1, time.Now().Unix(), []byte("tx"), validators[0], "")

	if _, err := engine.PrePrepare(block); err != nil {
		t.Fatal(err)
	}

	// a single sender replaying its vote never accounts for more than one
	prepare := NewMessage(Prepare, 0, 1, block.Hex(), validators[1], testSecret)
	for i := 0; i < 10; i++ {
		if err := engine.Prepare(prepare); err != nil {
			t.Fatal(err)
		}
	}

	if engine.CanCommit(1) {
		t.Fatalf("replayed votes from one sender should not reach quorum")
	}
}

func TestPrepareWrongView(t *testing.T) {
	engine, validators := newTestEngine(t, 4)

	prepare := NewMessage(Prepare, 3, 1, "deadbeef", validators[1], testSecret)

	if err := engine.Prepare(prepare); err == nil {
		t.Fatalf("prepare from a different view should be rejected")
	}
}

func TestMessageAuthentication(t *testing.T) {
	engine, validators := newTestEngine(t, 4)

	forged := NewMessage(Prepare, 0, 1, "deadbeef", validators[1], []byte("wrong secret"))

	if err := engine.Prepare(forged); err == nil {
		t.Fatalf("prepare with a forged tag should be rejected")
	}

	forgedCommit := NewMessage(Commit, 0, 1, "deadbeef", validators[1], []byte("wrong secret"))

	if _, err := engine.Commit(forgedCommit); err == nil {
		t.Fatalf("commit with a forged tag should be rejected")
	}
}

func TestViewChange(t *testing.T) {
	engine, validators := newTestEngine(t, 4)

	msg := engine.InitiateViewChange()
	if msg.Type != ViewChange {
		t.Fatalf("wrong message type: %v", msg.Type)
	}
	if msg.View != 1 {
		t.Fatalf("view change should carry view 1, got %d", msg.View)
	}

	// proposing is forbidden while the view change is in progress
	block := NewBlock(1, time.Now().Unix(), []byte("tx"), validators[0], "")
	if _, err := engine.PrePrepare(block); err == nil {
		t.Fatalf("pre-prepare should be rejected during a view change")
	}

	// a view change can never move backwards
	if err := engine.CompleteViewChange(0); err == nil {
		t.Fatalf("view change to an older view should be rejected")
	}

	if err := engine.CompleteViewChange(1); err != nil {
		t.Fatal(err)
	}

	// leadership rotated to the next validator
	if engine.Leader(1) != validators[1] {
		t.Fatalf("leader after view change should be %s, got %s", validators[1], engine.Leader(1))
	}
	if engine.IsLeader() {
		t.Fatalf("val-0 should no longer lead after the view change")
	}

	// the engine accepts proposals again once the new leader is chosen
	stats := engine.Stats()
	if stats.State != Normal.String() {
		t.Fatalf("engine should be back to Normal, got %s", stats.State)
	}
	if stats.ViewChanges != 1 {
		t.Fatalf("expected 1 view change, got %d", stats.ViewChanges)
	}
}

func TestViewChangeClearsVotes(t *testing.T) {
	engine, validators := newTestEngine(t, 4)

	block := NewBlock(1, time.Now().Unix(), []byte("tx"), validators[0], "")

	if _, err := engine.PrePrepare(block); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		prepare := NewMessage(Prepare, 0, 1, block.Hex(), validators[i], testSecret)
		if err := engine.Prepare(prepare); err != nil {
			t.Fatal(err)
		}
	}

	if !engine.CanCommit(1) {
		t.Fatalf("3 prepares should reach quorum with 4 validators")
	}

	engine.InitiateViewChange()
	if err := engine.CompleteViewChange(1); err != nil {
		t.Fatal(err)
	}

	// votes from the old view are invalid in the new one
	if engine.CanCommit(1) {
		t.Fatalf("vote sets should be cleared by the view change")
	}
}

func TestLeaderRotation(t *testing.T) {
	engine, validators := newTestEngine(t, 4)

	for view := uint64(0); view < 12; view++ {
		expected := validators[view%4]
		if leader := engine.Leader(view); leader != expected {
			t.Fatalf("leader(%d) = %s, want %s", view, leader, expected)
		}
	}
}

func TestLeaderWithoutValidatorSet(t *testing.T) {
	engine := NewEngine("val-0", 4, testSecret, common.NewTestEntry(t, "consensus"))

	if leader := engine.Leader(5); leader != "validator-1" {
		t.Fatalf("synthetic leader mismatch: %s", leader)
	}
}

func TestByzantineSafe(t *testing.T) {
	for _, n := range []int{1, 4, 7, 10, 100} {
		engine, _ := newTestEngine(t, n)
		if !engine.ByzantineSafe() {
			t.Fatalf("engine with %d validators should be byzantine safe", n)
		}
	}
}

func TestFinalizedBlocksBounded(t *testing.T) {
	engine, validators := newTestEngine(t, 1)

	// quorum is 1 with a single validator, so one commit finalizes
	parent := ""
	for i := 0; i < 5; i++ {
		block := NewBlock(uint64(i+1), time.Now().Unix(), []byte("tx"), validators[0], parent)
		if _, err := engine.PrePrepare(block); err != nil {
			t.Fatal(err)
		}
		commit := NewMessage(Commit, 0, uint64(i+1), block.Hex(), validators[0], testSecret)
		finalized, err := engine.Commit(commit)
		if err != nil {
			t.Fatal(err)
		}
		if !finalized {
			t.Fatalf("single-validator commit should finalize immediately")
		}
		parent = block.Hex()
	}

	blocks := engine.FinalizedBlocks()
	if len(blocks) != 5 {
		t.Fatalf("expected 5 finalized blocks, got %d", len(blocks))
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].ParentHash() != blocks[i-1].Hex() {
			t.Fatalf("finalized chain broken at index %d", i)
		}
	}
}

func TestRecordExternalFinalization(t *testing.T) {
	engine, _ := newTestEngine(t, 4)

	engine.RecordExternalFinalization(3)

	stats := engine.Stats()
	if stats.BlocksFinalized != 1 {
		t.Fatalf("external finalization not recorded")
	}
	if stats.Sequence != 1 {
		t.Fatalf("sequence should advance with external finalization")
	}
}
