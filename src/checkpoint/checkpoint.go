package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/ugorji/go/codec"
	"github.com/unauthority/los/src/crypto"
	"github.com/unauthority/los/src/crypto/keys"
)

// Interval is the fixed number of blocks between finality checkpoints. It
// MUST be identical across all validators: a mismatch is a consensus-breaking
// bug, not a tunable.
const Interval uint64 = 1000

// Signature is a single validator's signature over a checkpoint's signing
// data.
type Signature struct {
	ValidatorAddress string
	Signature        []byte
}

// FinalityCheckpoint is an immutable, multi-signed snapshot binding a block
// height to a state root. Chain history predating the latest checkpoint is
// rejected, which bounds how far back a fork can be rewritten.
//
// SignatureCount is derived from the deduplicated signer set and is only
// trusted as a bare integer for legacy checkpoints persisted before
// signatures were introduced (empty Signatures).
type FinalityCheckpoint struct {
	Height         uint64
	BlockHash      string
	Timestamp      int64
	ValidatorCount int
	StateRoot      string
	SignatureCount int
	Signatures     []Signature
}

// New builds a checkpoint whose SignatureCount is derived from the unique
// signer addresses in sigs; it cannot be inflated by duplicate entries.
func New(height uint64, blockHash string, validatorCount int, stateRoot string, sigs []Signature) *FinalityCheckpoint {
	cp := &FinalityCheckpoint{
		Height:         height,
		BlockHash:      blockHash,
		Timestamp:      time.Now().Unix(),
		ValidatorCount: validatorCount,
		StateRoot:      stateRoot,
		Signatures:     sigs,
	}
	cp.SignatureCount = cp.uniqueSigners()
	return cp
}

// SigningData returns the canonical bytes that validators sign:
// height (little-endian) || block hash || state root. Every signer signs
// exactly this.
func (cp *FinalityCheckpoint) SigningData() []byte {
	data := make([]byte, 8, 8+len(cp.BlockHash)+len(cp.StateRoot))
	binary.LittleEndian.PutUint64(data, cp.Height)
	data = append(data, []byte(cp.BlockHash)...)
	data = append(data, []byte(cp.StateRoot)...)
	return data
}

// ID returns the unique checkpoint id: the hex digest of the signing data.
func (cp *FinalityCheckpoint) ID() string {
	return hex.EncodeToString(crypto.SHA256(cp.SigningData()))
}

// ValidInterval reports whether the checkpoint height is aligned to the
// network-wide interval.
func (cp *FinalityCheckpoint) ValidInterval() bool {
	return cp.Height%Interval == 0
}

// uniqueSigners counts distinct validator addresses in the signature set.
func (cp *FinalityCheckpoint) uniqueSigners() int {
	seen := make(map[string]struct{}, len(cp.Signatures))
	for _, s := range cp.Signatures {
		seen[s.ValidatorAddress] = struct{}{}
	}
	return len(seen)
}

// VerifyQuorum reports whether the checkpoint carries signatures from at
// least 2f+1 validators, with f = (n-1)/3 and a bootstrap threshold of 1
// when n <= 1. Integer arithmetic only: a floating-point approximation can
// disagree across platforms at specific validator-set sizes and would split
// the chain.
//
// The signer count is recomputed from the deduplicated signature set. Legacy
// checkpoints with no signatures fall back to the stored SignatureCount;
// those were created locally, never received from peers.
func (cp *FinalityCheckpoint) VerifyQuorum() bool {
	n := cp.ValidatorCount

	required := 1
	if n > 1 {
		f := (n - 1) / 3
		required = 2*f + 1
	}

	actual := cp.SignatureCount
	if len(cp.Signatures) > 0 {
		actual = cp.uniqueSigners()
	}

	return actual >= required
}

// VerifySignatures cryptographically verifies every signature against the
// signing data and returns the count of valid unique signers. resolve maps a
// validator address to its public key (nil for unknown validators); verify
// is the pluggable signature-verification function. Called when receiving
// checkpoints from peers during sync.
func (cp *FinalityCheckpoint) VerifySignatures(resolve keys.AddressResolver, verify keys.Verifier) int {
	signingData := cp.SigningData()
	seen := make(map[string]struct{}, len(cp.Signatures))
	valid := 0

	for _, sig := range cp.Signatures {
		// each validator signs at most once
		if _, ok := seen[sig.ValidatorAddress]; ok {
			continue
		}
		seen[sig.ValidatorAddress] = struct{}{}

		pub := resolve(sig.ValidatorAddress)
		if pub == nil {
			continue
		}

		if verify(signingData, sig.Signature, pub) {
			valid++
		}
	}

	return valid
}

// Marshal - canonical json encoding
func (cp *FinalityCheckpoint) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(cp); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal ...
func (cp *FinalityCheckpoint) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	return dec.Decode(cp)
}
