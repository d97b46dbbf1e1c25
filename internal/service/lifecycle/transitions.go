package lifecycle

import (
	"github.com/labhya/labhya/pkg/models"
)

// Operation is a session lifecycle operation
type Operation string

const (
	OpCreate      Operation = "create"
	OpMarkStarted Operation = "mark_started"
	OpEnd         Operation = "end_session"
	OpCancel      Operation = "cancel_session"
)

// transitions lists the allowed edges. COMPLETED and CANCELLED have none.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusPending: {models.StatusActive, models.StatusCancelled},
	models.StatusActive:  {models.StatusCompleted},
}

// operationTargets maps each operation on an existing session to the status it produces
var operationTargets = map[Operation]models.SessionStatus{
	OpMarkStarted: models.StatusActive,
	OpEnd:         models.StatusCompleted,
	OpCancel:      models.StatusCancelled,
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to models.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns an InvalidTransitionError if op is not allowed on s
func Check(s *models.Session, op Operation) error {
	target, ok := operationTargets[op]
	if !ok || !CanTransition(s.Status, target) {
		return &InvalidTransitionError{ID: s.ID, From: s.Status, Op: op}
	}
	return nil
}

// HasPending reports whether any session is still PENDING
func HasPending(sessions []models.Session) bool {
	for i := range sessions {
		if sessions[i].IsPending() {
			return true
		}
	}
	return false
}

// Transition is an observed status change between two snapshots.
// From is empty for a session that was not in the earlier snapshot.
type Transition struct {
	ID   string
	From models.SessionStatus
	To   models.SessionStatus
}

// Diff returns the status changes from prev to next
func Diff(prev, next []models.Session) []Transition {
	before := make(map[string]models.SessionStatus, len(prev))
	for _, s := range prev {
		before[s.ID] = s.Status
	}

	var out []Transition
	for _, s := range next {
		from, seen := before[s.ID]
		if seen && from == s.Status {
			continue
		}
		out = append(out, Transition{ID: s.ID, From: from, To: s.Status})
	}
	return out
}
