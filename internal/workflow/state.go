// Package workflow implements the scheduled poll orchestrator: a
// per-tenant state machine that refreshes credentials, discovers active
// encounters, and polls watched encounters for imaging documents with a
// bounded, lease-guarded worker pool.
package workflow

// State is a step of one orchestrator run.
type State string

const (
	StateRefreshCredentials State = "RefreshCredentials"
	StatePollEncounters     State = "PollEncounters"
	StatePollDocuments      State = "PollDocuments"
	StateSucceeded          State = "Succeeded"
	StateFailed             State = "Failed"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// transitions is the success path. Every non-terminal state can also
// transition to StateFailed when its step exhausts retries.
var transitions = map[State]State{
	StateRefreshCredentials: StatePollEncounters,
	StatePollEncounters:     StatePollDocuments,
	StatePollDocuments:      StateSucceeded,
}

// next returns the state after a successful step. Terminal and unknown
// states have no successor.
func next(s State) (State, bool) {
	n, ok := transitions[s]
	return n, ok
}
