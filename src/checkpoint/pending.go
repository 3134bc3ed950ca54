package checkpoint

// PendingCheckpoint is a checkpoint still accumulating signatures from
// peers, held in memory until quorum is reached and the checkpoint is
// persisted. It performs bookkeeping and dedup only: callers must verify a
// signature cryptographically, and check that the peer signed the same
// signing data, before inserting it.
type PendingCheckpoint struct {
	Checkpoint *FinalityCheckpoint

	// SigningData is cached so that callers can verify incoming signatures
	// against exactly what was proposed.
	SigningData []byte
}

// NewPending wraps a freshly created checkpoint, usually carrying only the
// proposer's own signature.
func NewPending(cp *FinalityCheckpoint) *PendingCheckpoint {
	return &PendingCheckpoint{
		Checkpoint:  cp,
		SigningData: cp.SigningData(),
	}
}

// AddSignature appends a pre-verified signature, deduplicated by signer
// address. It returns false when the signer was already counted. The derived
// signature count is recomputed from the deduplicated set on every accept.
func (p *PendingCheckpoint) AddSignature(sig Signature) bool {
	for _, s := range p.Checkpoint.Signatures {
		if s.ValidatorAddress == sig.ValidatorAddress {
			return false
		}
	}

	p.Checkpoint.Signatures = append(p.Checkpoint.Signatures, sig)
	p.Checkpoint.SignatureCount = p.Checkpoint.uniqueSigners()

	return true
}

// HasQuorum reports whether the accumulated signature set reaches the 2f+1
// checkpoint quorum.
func (p *PendingCheckpoint) HasQuorum() bool {
	return p.Checkpoint.VerifyQuorum()
}
