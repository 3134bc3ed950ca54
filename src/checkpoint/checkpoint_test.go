package checkpoint

import (
	"fmt"
	"testing"

	"github.com/unauthority/los/src/crypto/keys"
)

func testSignatures(n int) []Signature {
	sigs := make([]Signature, n)
	for i := 0; i < n; i++ {
		sigs[i] = Signature{
			ValidatorAddress: fmt.Sprintf("val-%d", i),
			Signature:        []byte(fmt.Sprintf("sig-%d", i)),
		}
	}
	return sigs
}

func TestVerifyQuorum(t *testing.T) {
	// with 10 validators, f=3 and the quorum is 7
	cp := New(1000, "blockhash", 10, "stateroot", testSignatures(6))
	if cp.VerifyQuorum() {
		t.Fatalf("6 signatures should not reach quorum with 10 validators")
	}

	cp = New(1000, "blockhash", 10, "stateroot", testSignatures(7))
	if !cp.VerifyQuorum() {
		t.Fatalf("7 signatures should reach quorum with 10 validators")
	}
}

func TestVerifyQuorumBootstrap(t *testing.T) {
	// a solo chain needs a single signature
	cp := New(1000, "blockhash", 1, "stateroot", testSignatures(1))
	if !cp.VerifyQuorum() {
		t.Fatalf("1 signature should reach quorum with 1 validator")
	}

	cp = New(1000, "blockhash", 0, "stateroot", nil)
	cp.SignatureCount = 1
	if !cp.VerifyQuorum() {
		t.Fatalf("bootstrap quorum should be 1")
	}
}

func TestVerifyQuorumDedup(t *testing.T) {
	// 7 entries from the same signer count as one
	sigs := make([]Signature, 7)
	for i := range sigs {
		sigs[i] = Signature{ValidatorAddress: "val-0", Signature: []byte("sig")}
	}

	cp := New(1000, "blockhash", 10, "stateroot", sigs)
	if cp.SignatureCount != 1 {
		t.Fatalf("duplicate signers should collapse to 1, got %d", cp.SignatureCount)
	}
	if cp.VerifyQuorum() {
		t.Fatalf("quorum cannot be inflated by duplicate signers")
	}
}

func TestVerifyQuorumLegacyFallback(t *testing.T) {
	// checkpoints persisted before signatures were recorded carry only the
	// bare count
	cp := &FinalityCheckpoint{
		Height:         1000,
		BlockHash:      "blockhash",
		ValidatorCount: 10,
		SignatureCount: 7,
	}

	if !cp.VerifyQuorum() {
		t.Fatalf("legacy checkpoint should fall back to the stored count")
	}

	// but as soon as signatures are present, the stored count is ignored
	cp.SignatureCount = 7
	cp.Signatures = testSignatures(2)
	if cp.VerifyQuorum() {
		t.Fatalf("stored count must be ignored when signatures are present")
	}
}

func TestSigningDataDeterministic(t *testing.T) {
	cp1 := New(2000, "blockhash", 4, "stateroot", nil)
	cp2 := New(2000, "blockhash", 4, "stateroot", nil)

	if cp1.ID() != cp2.ID() {
		t.Fatalf("identical checkpoints should share an ID")
	}

	cp3 := New(3000, "blockhash", 4, "stateroot", nil)
	if cp1.ID() == cp3.ID() {
		t.Fatalf("different heights should produce different IDs")
	}
}

func TestValidInterval(t *testing.T) {
	if cp := New(1500, "blockhash", 4, "stateroot", nil); cp.ValidInterval() {
		t.Fatalf("height 1500 is not aligned to the checkpoint interval")
	}
	if cp := New(3000, "blockhash", 4, "stateroot", nil); !cp.ValidInterval() {
		t.Fatalf("height 3000 is aligned to the checkpoint interval")
	}
}

func TestVerifySignatures(t *testing.T) {
	cp := New(1000, "blockhash", 4, "stateroot", nil)
	signingData := cp.SigningData()

	pubs := map[string][]byte{}

	for i := 0; i < 3; i++ {
		key, _ := keys.GenerateECDSAKey()
		address := keys.AddressFromPublicKey(&key.PublicKey)
		pubs[address] = keys.FromPublicKey(&key.PublicKey)

		sig, err := keys.SignBytes(key, signingData)
		if err != nil {
			t.Fatal(err)
		}

		cp.Signatures = append(cp.Signatures, Signature{
			ValidatorAddress: address,
			Signature:        sig,
		})
	}

	// one forged signature and one unknown signer
	cp.Signatures = append(cp.Signatures,
		Signature{ValidatorAddress: "unknown", Signature: []byte("sig")})

	forgeKey, _ := keys.GenerateECDSAKey()
	forgeAddress := keys.AddressFromPublicKey(&forgeKey.PublicKey)
	pubs[forgeAddress] = keys.FromPublicKey(&forgeKey.PublicKey)
	cp.Signatures = append(cp.Signatures,
		Signature{ValidatorAddress: forgeAddress, Signature: []byte("forged")})

	resolve := func(address string) []byte { return pubs[address] }

	valid := cp.VerifySignatures(resolve, keys.VerifyBytes)
	if valid != 3 {
		t.Fatalf("expected 3 valid signatures, got %d", valid)
	}
}

func TestPendingCheckpoint(t *testing.T) {
	cp := New(1000, "blockhash", 4, "stateroot", nil)
	pending := NewPending(cp)

	if pending.HasQuorum() {
		t.Fatalf("empty pending checkpoint should not have quorum")
	}

	// quorum is 3 with 4 validators
	for i := 0; i < 2; i++ {
		if !pending.AddSignature(testSignatures(3)[i]) {
			t.Fatalf("fresh signature %d should be accepted", i)
		}
	}

	if pending.HasQuorum() {
		t.Fatalf("2 signatures should not reach quorum with 4 validators")
	}

	// a replay from a known signer is rejected and does not change the count
	if pending.AddSignature(testSignatures(3)[0]) {
		t.Fatalf("duplicate signature should be rejected")
	}
	if pending.Checkpoint.SignatureCount != 2 {
		t.Fatalf("duplicate must not change the count, got %d", pending.Checkpoint.SignatureCount)
	}

	if !pending.AddSignature(testSignatures(3)[2]) {
		t.Fatalf("third signature should be accepted")
	}
	if !pending.HasQuorum() {
		t.Fatalf("3 signatures should reach quorum with 4 validators")
	}
}
