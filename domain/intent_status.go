package domain

type IntentStatus string

const (
	IntentStatusValidating       IntentStatus = "validating"
	IntentStatusProcessing       IntentStatus = "processing"
	IntentStatusAwaitingTerminal IntentStatus = "awaiting_terminal"
	IntentStatusApproved         IntentStatus = "approved"
	IntentStatusSaving           IntentStatus = "saving"
	IntentStatusCompleted        IntentStatus = "completed"
	IntentStatusFailed           IntentStatus = "failed"
	IntentStatusCancelled        IntentStatus = "cancelled"
	IntentStatusExpired          IntentStatus = "expired"
)

var validTransitions = map[IntentStatus][]IntentStatus{
	IntentStatusValidating: {
		IntentStatusProcessing, IntentStatusFailed, IntentStatusCancelled, IntentStatusExpired,
	},
	IntentStatusProcessing: {
		IntentStatusAwaitingTerminal, IntentStatusApproved,
		IntentStatusFailed, IntentStatusCancelled, IntentStatusExpired,
	},
	// awaiting_terminal -> awaiting_terminal is the next card leg of a multi-card payment
	IntentStatusAwaitingTerminal: {
		IntentStatusAwaitingTerminal, IntentStatusApproved,
		IntentStatusFailed, IntentStatusCancelled, IntentStatusExpired,
	},
	IntentStatusApproved: {
		IntentStatusSaving, IntentStatusFailed, IntentStatusCancelled, IntentStatusExpired,
	},
	IntentStatusSaving: {
		IntentStatusCompleted, IntentStatusFailed,
	},
}

// CanTransitionTo reports whether the state graph allows moving from one status to another.
func CanTransitionTo(from, to IntentStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusCompleted, IntentStatusFailed, IntentStatusCancelled, IntentStatusExpired:
		return true
	}
	return false
}

func (s IntentStatus) IsValid() bool {
	return s.rank() >= 0
}

// rank orders statuses along the happy path. All absorbing states share the top rank
// so nothing can be rendered after them.
func (s IntentStatus) rank() int {
	switch s {
	case IntentStatusValidating:
		return 0
	case IntentStatusProcessing:
		return 1
	case IntentStatusAwaitingTerminal:
		return 2
	case IntentStatusApproved:
		return 3
	case IntentStatusSaving:
		return 4
	case IntentStatusCompleted, IntentStatusFailed, IntentStatusCancelled, IntentStatusExpired:
		return 5
	}
	return -1
}

// String representation (for logging)
func (s IntentStatus) String() string {
	return string(s)
}
