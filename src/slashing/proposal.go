package slashing

import (
	"fmt"
	"math/big"
)

// Proposal is a pending slash awaiting multi-validator confirmation. A
// proposal executes exactly once, after confirmations from at least
// 2n/3 + 1 of the total validators.
type Proposal struct {
	ProposalID   string
	Offender     string
	Violation    ViolationType
	EvidenceHash string
	ProposedAt   int64
	Proposer     string

	// Confirmations lists the validator addresses that confirmed, proposer
	// included. Idempotent: an address is never counted twice.
	Confirmations []string

	Executed bool

	// StakedAmountCIL is the offender's balance, populated by the caller
	// from ledger state at confirmation time; the penalty is computed from
	// it when the threshold is met.
	StakedAmountCIL *big.Int
}

// proposalID derives a collision-resistant id from offender, evidence and
// timestamp, so repeated same-second proposals against one offender for
// different offenses stay distinct.
func proposalID(offender, evidenceHash string, timestamp int64) string {
	return fmt.Sprintf("slash_%s_%s_%d", offender, evidenceHash, timestamp)
}

// confirmed reports whether addr is already in the confirmation list.
func (p *Proposal) confirmed(addr string) bool {
	for _, c := range p.Confirmations {
		if c == addr {
			return true
		}
	}
	return false
}

// ConfirmationThreshold is the supermajority required to execute a slash
// proposal: 2n/3 + 1 of the total validator count.
func ConfirmationThreshold(totalValidators int) int {
	return totalValidators*2/3 + 1
}
