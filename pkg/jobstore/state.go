package jobstore

// transitions is the closed edge set of the job state machine. REJECTED has
// no inbound edge here: it is only reachable at submission time.
var transitions = map[JobState][]JobState{
	StateQueued:  {StateRunning, StateAborted},
	StateRunning: {StateSucceeded, StateFailed, StateAborted, StateOrphaned},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no edges leave the given state.
func IsTerminal(s JobState) bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted, StateOrphaned, StateRejected:
		return true
	}
	return false
}

// KnownState reports whether s is a member of the state enum. Records found
// outside the enum at startup are repaired into ORPHANED during migration.
func KnownState(s JobState) bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateAborted, StateOrphaned, StateRejected:
		return true
	}
	return false
}

// States returns every member of the state enum, in lifecycle order.
func States() []JobState {
	return []JobState{
		StateQueued, StateRunning,
		StateSucceeded, StateFailed, StateAborted, StateOrphaned, StateRejected,
	}
}
