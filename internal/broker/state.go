package broker

type State string

const (
	StateConnecting  State = "CONNECTING"
	StateOpen        State = "OPEN"
	StateError       State = "ERROR"
	StateIdleTimeout State = "IDLE_TIMEOUT"
	StateClientClose State = "CLIENT_CLOSE"
	StateClosed      State = "CLOSED"
)

var transitions = map[State][]State{
	StateConnecting:  {StateOpen, StateError},
	StateOpen:        {StateError, StateIdleTimeout, StateClientClose},
	StateError:       {StateClosed},
	StateIdleTimeout: {StateClosed},
	StateClientClose: {StateClosed},
}

// CanTransition reports whether to may follow s. CLOSED is terminal.
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
