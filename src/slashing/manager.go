package slashing

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
)

var bpsDenominator = big.NewInt(10000)

// Manager is the validator-safety enforcement engine: it tracks signing
// history and participation per validator, detects double-signing and
// extended downtime, and applies stake penalties.
//
// The authorized punishment path is the propose/confirm protocol
// (ProposeSlash + ConfirmSlash), which requires a 2n/3 + 1 supermajority.
// SlashDoubleSigning and CheckAndSlashDowntime remain exported as privileged
// administrative overrides for operator intervention.
//
// Like the consensus engine, the manager is a synchronous state mutator
// behind one lock; it performs no I/O.
type Manager struct {
	sync.Mutex

	validators map[string]*Profile

	// slashEvents is the global append-only audit log.
	slashEvents []SlashEvent

	currentHeight uint64

	pendingProposals map[string]*Proposal

	logger *logrus.Entry
}

// NewManager is a factory method for a slashing Manager.
func NewManager(logger *logrus.Entry) *Manager {
	if logger == nil {
		log := logrus.New()
		logger = log.WithField("prefix", "slashing")
	}

	return &Manager{
		validators:       make(map[string]*Profile),
		pendingProposals: make(map[string]*Proposal),
		logger:           logger,
	}
}

// RegisterValidator creates a safety profile on first registration; it is a
// no-op for an already-registered validator.
func (m *Manager) RegisterValidator(address string) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.validators[address]; !ok {
		m.validators[address] = NewProfile(address)
	}
}

// RemoveValidator fully removes a validator on unregister, unlike
// SetUnstaking which preserves the record. Returns false when the validator
// was not registered.
func (m *Manager) RemoveValidator(address string) bool {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.validators[address]; !ok {
		return false
	}
	delete(m.validators, address)
	return true
}

// UpdateBlockHeight tracks the chain height used when executing proposals.
func (m *Manager) UpdateBlockHeight(height uint64) {
	m.Lock()
	defer m.Unlock()

	m.currentHeight = height
}

// RecordSignature appends a block signature to the validator's bounded
// detection window. Recording a different signature hash at a height the
// validator already signed is double-signing and returns an error naming it;
// the evidence stays in the window for the confirmation protocol.
func (m *Manager) RecordSignature(address string, height uint64, signatureHash string, timestamp int64) error {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return fmt.Errorf("validator %s not registered", address)
	}

	for _, sig := range profile.RecentSignatures {
		if sig.BlockHeight == height && sig.SignatureHash != signatureHash {
			return fmt.Errorf("double-signing detected for %s at height %d", address, height)
		}
	}

	profile.RecentSignatures = append(profile.RecentSignatures, SignatureRecord{
		BlockHeight:   height,
		SignatureHash: signatureHash,
		Timestamp:     timestamp,
	})

	if len(profile.RecentSignatures) > MaxRecentSignatures {
		profile.RecentSignatures = profile.RecentSignatures[1:]
	}

	return nil
}

// RecordParticipation counts a block the validator signed, for uptime
// tracking.
func (m *Manager) RecordParticipation(address string, timestamp int64) error {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return fmt.Errorf("validator %s not registered", address)
	}

	profile.BlocksParticipated++
	profile.TotalBlocksObserved++
	profile.LastParticipation = timestamp

	return nil
}

// RecordObservation counts a block the validator missed.
func (m *Manager) RecordObservation(address string) error {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return fmt.Errorf("validator %s not registered", address)
	}

	profile.TotalBlocksObserved++

	return nil
}

// SlashDoubleSigning applies the full-stake penalty and permanently bans the
// validator. An already-banned validator is not punished twice; that is an
// error, not a silent no-op. Administrative override; the authorized path is
// ProposeSlash/ConfirmSlash.
func (m *Manager) SlashDoubleSigning(address string, height uint64, stakedCIL *big.Int, timestamp int64) (*big.Int, error) {
	m.Lock()
	defer m.Unlock()

	return m.slashDoubleSigning(address, height, stakedCIL, timestamp, DoubleSigning)
}

// slashDoubleSigning is the full-slash path shared by DoubleSigning and
// FraudulentTransaction. Callers must hold the manager lock.
func (m *Manager) slashDoubleSigning(address string, height uint64, stakedCIL *big.Int, timestamp int64, violation ViolationType) (*big.Int, error) {
	profile, ok := m.validators[address]
	if !ok {
		return nil, fmt.Errorf("validator %s not registered", address)
	}

	if profile.Status == Banned {
		return nil, fmt.Errorf("validator %s already banned", address)
	}

	slashAmount := new(big.Int).Set(stakedCIL) // 100% of stake
	profile.TotalSlashedCIL.Add(profile.TotalSlashedCIL, slashAmount)
	profile.Status = Banned
	profile.ViolationCount++

	event := SlashEvent{
		BlockHeight:      height,
		ValidatorAddress: address,
		Violation:        violation,
		SlashAmountCIL:   slashAmount,
		SlashBps:         DoubleSigningSlashBps,
		Timestamp:        timestamp,
	}

	profile.SlashHistory = append(profile.SlashHistory, event)
	m.slashEvents = append(m.slashEvents, event)

	m.logger.WithFields(logrus.Fields{
		"validator": address,
		"height":    height,
		"violation": violation.String(),
		"amount":    slashAmount.String(),
	}).Warn("Validator banned")

	return slashAmount, nil
}

// CheckAndSlashDowntime evaluates the validator's uptime once the
// observation window is full. Below the minimum, it applies the downtime
// penalty (ceiling division of stake * bps / 10000), marks the validator
// Slashed, and resets the window. A nil amount with nil error means no slash
// was due. Administrative override; the authorized path is
// ProposeSlash/ConfirmSlash.
func (m *Manager) CheckAndSlashDowntime(address string, height uint64, stakedCIL *big.Int, timestamp int64) (*big.Int, error) {
	m.Lock()
	defer m.Unlock()

	return m.checkAndSlashDowntime(address, height, stakedCIL, timestamp)
}

func (m *Manager) checkAndSlashDowntime(address string, height uint64, stakedCIL *big.Int, timestamp int64) (*big.Int, error) {
	profile, ok := m.validators[address]
	if !ok {
		return nil, fmt.Errorf("validator %s not registered", address)
	}

	if profile.Status == Banned {
		return nil, fmt.Errorf("validator %s is banned", address)
	}

	if profile.TotalBlocksObserved < DowntimeWindowBlocks || profile.MeetsUptimeRequirement() {
		return nil, nil
	}

	// ceil(stake * bps / 10000)
	slashAmount := new(big.Int).Mul(stakedCIL, big.NewInt(DowntimeSlashBps))
	rem := new(big.Int)
	slashAmount.QuoRem(slashAmount, bpsDenominator, rem)
	if rem.Sign() > 0 {
		slashAmount.Add(slashAmount, big.NewInt(1))
	}

	profile.TotalSlashedCIL.Add(profile.TotalSlashedCIL, slashAmount)
	profile.Status = Slashed
	profile.ViolationCount++

	event := SlashEvent{
		BlockHeight:      height,
		ValidatorAddress: address,
		Violation:        ExtendedDowntime,
		SlashAmountCIL:   slashAmount,
		SlashBps:         DowntimeSlashBps,
		Timestamp:        timestamp,
	}

	profile.SlashHistory = append(profile.SlashHistory, event)
	m.slashEvents = append(m.slashEvents, event)

	// the next observation window starts clean
	profile.BlocksParticipated = 0
	profile.TotalBlocksObserved = 0

	m.logger.WithFields(logrus.Fields{
		"validator": address,
		"height":    height,
		"amount":    slashAmount.String(),
	}).Warn("Validator slashed for downtime")

	return slashAmount, nil
}

// ProposeSlash opens a slash proposal against a registered offender. The
// proposer auto-confirms. The proposal id is derived from offender, evidence
// hash and timestamp; an identical resubmission is rejected.
func (m *Manager) ProposeSlash(offender string, violation ViolationType, evidenceHash, proposer string, timestamp int64) (string, error) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.validators[offender]; !ok {
		return "", fmt.Errorf("offender %s not registered", offender)
	}

	id := proposalID(offender, evidenceHash, timestamp)

	if _, ok := m.pendingProposals[id]; ok {
		return "", fmt.Errorf("proposal %s already exists", id)
	}

	m.pendingProposals[id] = &Proposal{
		ProposalID:    id,
		Offender:      offender,
		Violation:     violation,
		EvidenceHash:  evidenceHash,
		ProposedAt:    timestamp,
		Proposer:      proposer,
		Confirmations: []string{proposer},
	}

	return id, nil
}

// ConfirmSlash adds a confirming validator to a proposal. Confirmations are
// idempotent per address. stakedCIL, when non-nil, refreshes the offender's
// authoritative balance from the caller's ledger snapshot. Once the
// 2n/3 + 1 threshold is met the proposal executes exactly once and returns
// true; confirming an already-executed proposal is an error.
func (m *Manager) ConfirmSlash(proposalID, confirmer string, totalValidators int, timestamp int64, stakedCIL *big.Int) (bool, error) {
	m.Lock()
	defer m.Unlock()

	proposal, ok := m.pendingProposals[proposalID]
	if !ok {
		return false, fmt.Errorf("proposal %s not found", proposalID)
	}

	if stakedCIL != nil {
		proposal.StakedAmountCIL = new(big.Int).Set(stakedCIL)
	}

	if proposal.Executed {
		return false, fmt.Errorf("proposal %s already executed", proposalID)
	}

	if !proposal.confirmed(confirmer) {
		proposal.Confirmations = append(proposal.Confirmations, confirmer)
	}

	if len(proposal.Confirmations) < ConfirmationThreshold(totalValidators) {
		return false, nil
	}

	staked := proposal.StakedAmountCIL
	if staked == nil {
		staked = new(big.Int)
	}

	switch proposal.Violation {
	case DoubleSigning, FraudulentTransaction:
		if _, err := m.slashDoubleSigning(proposal.Offender, m.currentHeight, staked, timestamp, proposal.Violation); err != nil {
			return false, err
		}
	case ExtendedDowntime:
		if _, err := m.checkAndSlashDowntime(proposal.Offender, m.currentHeight, staked, timestamp); err != nil {
			return false, err
		}
	}

	proposal.Executed = true

	m.logger.WithFields(logrus.Fields{
		"proposal":      proposalID,
		"offender":      proposal.Offender,
		"confirmations": len(proposal.Confirmations),
	}).Info("Slash proposal executed")

	return true, nil
}

// PendingProposals returns a snapshot of the open proposals.
func (m *Manager) PendingProposals() []*Proposal {
	m.Lock()
	defer m.Unlock()

	res := make([]*Proposal, 0, len(m.pendingProposals))
	for _, p := range m.pendingProposals {
		cp := *p
		res = append(res, &cp)
	}
	return res
}

// RestoreValidator returns a Slashed validator to Active and resets its
// participation counters. Banned is terminal; Unstaking must complete its
// exit first.
func (m *Manager) RestoreValidator(address string) error {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return fmt.Errorf("validator %s not registered", address)
	}

	switch profile.Status {
	case Banned:
		return fmt.Errorf("validator %s is permanently banned", address)
	case Unstaking:
		return fmt.Errorf("validator %s is unstaking and must complete its exit", address)
	case Active:
		return fmt.Errorf("validator %s is not slashed", address)
	}

	profile.Status = Active
	profile.BlocksParticipated = 0
	profile.TotalBlocksObserved = 0

	return nil
}

// SetUnstaking marks a voluntary exit. Rejected for banned and
// already-unstaking validators.
func (m *Manager) SetUnstaking(address string) error {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return fmt.Errorf("validator %s not registered", address)
	}

	switch profile.Status {
	case Banned:
		return fmt.Errorf("validator %s is permanently banned", address)
	case Unstaking:
		return fmt.Errorf("validator %s is already unstaking", address)
	}

	profile.Status = Unstaking

	return nil
}

// EmergencyBan bans a validator without the confirmation protocol. Operator
// emergency mechanism only.
func (m *Manager) EmergencyBan(address, reason string) error {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return fmt.Errorf("validator %s not registered", address)
	}

	profile.Status = Banned

	m.logger.WithFields(logrus.Fields{
		"validator": address,
		"reason":    reason,
	}).Warn("Validator emergency-banned")

	return nil
}

// Profile returns a copy of a validator's safety profile.
func (m *Manager) Profile(address string) (Profile, bool) {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return Profile{}, false
	}
	return *profile, true
}

// Status returns a validator's safety status.
func (m *Manager) Status(address string) (Status, bool) {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return Active, false
	}
	return profile.Status, true
}

// TotalSlashed returns the cumulative amount slashed from a validator.
func (m *Manager) TotalSlashed(address string) (*big.Int, bool) {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(profile.TotalSlashedCIL), true
}

// SlashHistory returns a validator's audit trail.
func (m *Manager) SlashHistory(address string) ([]SlashEvent, bool) {
	m.Lock()
	defer m.Unlock()

	profile, ok := m.validators[address]
	if !ok {
		return nil, false
	}
	res := make([]SlashEvent, len(profile.SlashHistory))
	copy(res, profile.SlashHistory)
	return res, true
}

// AllSlashEvents returns the global audit log.
func (m *Manager) AllSlashEvents() []SlashEvent {
	m.Lock()
	defer m.Unlock()

	res := make([]SlashEvent, len(m.slashEvents))
	copy(res, m.slashEvents)
	return res
}

// BannedValidators ...
func (m *Manager) BannedValidators() []string {
	return m.validatorsWithStatus(Banned)
}

// SlashedValidators ...
func (m *Manager) SlashedValidators() []string {
	return m.validatorsWithStatus(Slashed)
}

func (m *Manager) validatorsWithStatus(status Status) []string {
	m.Lock()
	defer m.Unlock()

	res := []string{}
	for addr, profile := range m.validators {
		if profile.Status == status {
			res = append(res, addr)
		}
	}
	return res
}

// AllValidatorAddresses returns every registered validator address.
func (m *Manager) AllValidatorAddresses() []string {
	m.Lock()
	defer m.Unlock()

	res := make([]string, 0, len(m.validators))
	for addr := range m.validators {
		res = append(res, addr)
	}
	return res
}

// Stats holds network-wide safety statistics.
type Stats struct {
	TotalValidators  int    `json:"total_validators"`
	BannedCount      int    `json:"banned_count"`
	SlashedCount     int    `json:"slashed_count"`
	ActiveValidators int    `json:"active_validators"`
	TotalSlashedCIL  string `json:"total_slashed_cil"`
	TotalSlashEvents int    `json:"total_slash_events"`
}

// Stats returns a snapshot of the network-wide safety statistics.
func (m *Manager) Stats() Stats {
	m.Lock()
	defer m.Unlock()

	banned, slashed := 0, 0
	totalSlashed := new(big.Int)
	for _, profile := range m.validators {
		switch profile.Status {
		case Banned:
			banned++
		case Slashed:
			slashed++
		}
		totalSlashed.Add(totalSlashed, profile.TotalSlashedCIL)
	}

	return Stats{
		TotalValidators:  len(m.validators),
		BannedCount:      banned,
		SlashedCount:     slashed,
		ActiveValidators: len(m.validators) - banned - slashed,
		TotalSlashedCIL:  totalSlashed.String(),
		TotalSlashEvents: len(m.slashEvents),
	}
}
