package slashing

import (
	"math/big"
)

// Slashing parameters. Percentages are expressed in basis points (1/100 of a
// percent) so that every node computes penalties with the same integer
// arithmetic; 10000 bps = 100%. These are network-wide constants.
const (
	// DoubleSigningSlashBps is the penalty for signing two different blocks
	// at the same height: the full stake.
	DoubleSigningSlashBps = 10000

	// DowntimeSlashBps is the penalty for extended downtime: 1% of stake.
	DowntimeSlashBps = 100

	// DowntimeWindowBlocks is the observation window; downtime is only
	// evaluated once a validator has been observed for this many blocks.
	DowntimeWindowBlocks = 50000

	// MinUptimeBps is the participation floor inside a full observation
	// window. Below it, the downtime penalty applies.
	MinUptimeBps = 9500

	// MaxRecentSignatures caps the per-validator signature window used for
	// double-sign detection; the oldest record is evicted past the cap.
	MaxRecentSignatures = 1000
)

// ViolationType enumerates the offenses that trigger slashing.
type ViolationType uint32

const (
	// DoubleSigning is signing two different blocks at the same height.
	DoubleSigning ViolationType = iota
	// ExtendedDowntime is participation below MinUptimeBps over a full
	// observation window.
	ExtendedDowntime
	// FraudulentTransaction is provably invalid block content; punished like
	// double-signing.
	FraudulentTransaction
)

var violationTypes = []string{"DoubleSigning", "ExtendedDowntime", "FraudulentTransaction"}

func (v ViolationType) String() string {
	if int(v) >= len(violationTypes) {
		return "Unknown"
	}
	return violationTypes[v]
}

// Status is the per-validator safety state machine. Banned is terminal;
// Slashed can be restored to Active; Unstaking marks a voluntary exit and
// cannot be entered from Banned.
type Status uint32

const (
	// Active ...
	Active Status = iota
	// Slashed means caught misbehaving but not banned.
	Slashed
	// Banned means permanently removed from consensus.
	Banned
	// Unstaking means a voluntary exit is in progress.
	Unstaking
)

var statuses = []string{"Active", "Slashed", "Banned", "Unstaking"}

func (s Status) String() string {
	if int(s) >= len(statuses) {
		return "Unknown"
	}
	return statuses[s]
}

// SlashEvent is an append-only audit record of one executed penalty.
type SlashEvent struct {
	BlockHeight      uint64
	ValidatorAddress string
	Violation        ViolationType
	SlashAmountCIL   *big.Int
	SlashBps         uint32
	Timestamp        int64
}

// SignatureRecord tracks one block signature for double-sign detection.
type SignatureRecord struct {
	BlockHeight   uint64
	SignatureHash string
	Timestamp     int64
}

// Profile is the safety profile of one validator: status, signing window,
// participation counters, and the full slash history. Created on first
// registration, removed only on explicit validator removal.
type Profile struct {
	ValidatorAddress string

	Status Status

	// TotalSlashedCIL accumulates every penalty applied to this validator.
	TotalSlashedCIL *big.Int

	// RecentSignatures is the bounded double-sign detection window.
	RecentSignatures []SignatureRecord

	BlocksParticipated  uint64
	TotalBlocksObserved uint64
	LastParticipation   int64
	SlashHistory        []SlashEvent
	ViolationCount      uint32
}

// NewProfile ...
func NewProfile(validatorAddress string) *Profile {
	return &Profile{
		ValidatorAddress: validatorAddress,
		Status:           Active,
		TotalSlashedCIL:  new(big.Int),
	}
}

// UptimeBps returns the validator's uptime in basis points, computed with
// integer math only: participated * 10000 / observed. An empty window counts
// as full uptime.
func (p *Profile) UptimeBps() uint32 {
	if p.TotalBlocksObserved == 0 {
		return 10000
	}
	return uint32(p.BlocksParticipated * 10000 / p.TotalBlocksObserved)
}

// MeetsUptimeRequirement ...
func (p *Profile) MeetsUptimeRequirement() bool {
	return p.UptimeBps() >= MinUptimeBps
}
