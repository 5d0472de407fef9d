package tasks

import (
	"errors"
	"fmt"
)

// Status is the persisted lifecycle state of a task.
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusRejected            Status = "rejected"
)

var ErrIllegalTransition = errors.New("illegal task status transition")

var transitions = map[Status][]Status{
	StatusPendingConfirmation: {StatusInProgress, StatusRejected},
	StatusInProgress:          {StatusCompleted, StatusRejected},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingConfirmation, StatusInProgress, StatusCompleted, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition with an error naming the edge. Re-writing
// a non-terminal status onto itself is accepted; the pipeline re-marks
// immediate-start tasks in_progress before it begins.
func CheckTransition(from, to Status) error {
	if from == to && from.Valid() && !from.Terminal() {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// PreviousStatuses lists the statuses from which to may be entered, including
// the non-terminal self edge accepted by CheckTransition.
func PreviousStatuses(to Status) []Status {
	var out []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	if to.Valid() && !to.Terminal() {
		out = append(out, to)
	}
	return out
}
