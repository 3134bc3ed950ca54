package consensus

// State captures the lifecycle of the consensus engine: Normal, ViewChanging
// or Locked on a block.
type State uint32

const (
	// Normal is the initial state of the engine.
	Normal State = iota

	// ViewChanging means a view change is in progress and no new block can be
	// proposed until it completes.
	ViewChanging

	// Locked means the engine holds exactly one block that is going through
	// the Prepare/Commit phases.
	Locked
)

func (s State) String() string {
	switch s {
	case Normal:
		return "Normal"
	case ViewChanging:
		return "ViewChanging"
	case Locked:
		return "Locked"
	default:
		return "Unknown"
	}
}
