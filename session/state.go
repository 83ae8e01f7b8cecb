package session

// State is the UI-facing login state.
//
// StateUnknown is the transient value before the first credential read
// completes. Consumers must wait for a terminal value before routing; Unknown
// never means logged out.
type State int

const (
	StateUnknown State = iota
	StateLoggedIn
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateLoggedIn:
		return "logged-in"
	case StateLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a routable state.
func (s State) Terminal() bool {
	return s == StateLoggedIn || s == StateLoggedOut
}
