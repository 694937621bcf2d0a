package workflow

import "slices"

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:        {StatusRunning, StatusCancelled},
	StatusRunning:         {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusRunning,
		StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}
