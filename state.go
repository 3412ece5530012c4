package modcore

// State is a module's lifecycle state.
//
//	Unloaded -> Loaded -> Enabled <-> Disabled -> Unloaded
//	Loaded -> Unloaded
//	any -> Error, Error -> Unloaded only through Reset
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

var transitions = map[State][]State{
	StateUnloaded: {StateLoaded},
	StateLoaded:   {StateEnabled, StateUnloaded},
	StateEnabled:  {StateDisabled},
	StateDisabled: {StateEnabled, StateUnloaded},
}

func (s State) String() string { return string(s) }

// CanTransition reports whether the state machine allows s -> to. Moving to
// Error is always allowed; leaving Error requires Reset.
func (s State) CanTransition(to State) bool {
	if to == StateError {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether a module in this state holds loaded resources.
func (s State) Active() bool {
	return s == StateLoaded || s == StateEnabled || s == StateDisabled
}
