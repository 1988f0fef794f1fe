package txn

// State is the transaction state of a Producer.
type State uint8

const (
	StateUninitialized State = iota
	StateReady
	StateInTransaction
	StateCommitting
	StateAborting
	StateFenced
)

var allStates = []State{
	StateUninitialized,
	StateReady,
	StateInTransaction,
	StateCommitting,
	StateAborting,
	StateFenced,
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateInTransaction:
		return "in_transaction"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	case StateFenced:
		return "fenced"
	default:
		return "unknown"
	}
}

// validTransitions lists, for every state, the states it may move to.
// Uninitialized -> InTransaction is only taken by ResumeTransaction.
var validTransitions = map[State][]State{
	StateUninitialized: {StateReady, StateInTransaction, StateFenced},
	StateReady:         {StateInTransaction, StateFenced},
	StateInTransaction: {StateCommitting, StateAborting, StateFenced},
	StateCommitting:    {StateCommitting, StateReady, StateAborting, StateFenced},
	StateAborting:      {StateAborting, StateReady, StateFenced},
	StateFenced:        nil,
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
