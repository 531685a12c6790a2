package scheduler

// State is the scheduler's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateAggregating
	StateCommitted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolving:
		return "RESOLVING"
	case StateAggregating:
		return "AGGREGATING"
	case StateCommitted:
		return "COMMITTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
