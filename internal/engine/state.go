package engine

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateTearingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateTearingDown:
		return "tearing-down"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
