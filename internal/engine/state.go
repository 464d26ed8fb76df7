package engine

// State is the orchestrator's position in an apply pass.
type State int

const (
	Idle State = iota
	Detecting
	Applying
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case Applying:
		return "applying"
	case Done:
		return "done"
	case Error:
		return "error"
	}
	return "unknown"
}

// Ready reports whether a new pass may start without superseding one in flight.
func (s State) Ready() bool {
	return s == Idle || s == Done || s == Error
}
