package pipeline

// State is the orchestrator lifecycle state.
//
// Transitions: Init -> Connected -> Streaming <-> Degraded -> Stopped.
type State int32

const (
	StateInit State = iota
	StateConnected
	StateStreaming
	StateDegraded
	StateStopped
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

func (o *Orchestrator) setState(s State) {
	old := State(o.state.Swap(int32(s)))
	if old != s {
		o.logger.Info("pipeline state change",
			"from", old.String(),
			"to", s.String(),
		)
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() State {
	return State(o.state.Load())
}
