package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a session status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusProcessing   Status = "PROCESSING"
	StatusAwaitingUser Status = "AWAITING_USER"
	StatusDone         Status = "DONE"
	// StatusFailed marks a session whose text extraction failed or timed out.
	StatusFailed Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusProcessing:   {StatusAwaitingUser, StatusDone, StatusFailed},
	StatusAwaitingUser: {StatusDone},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether a session in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates a move from s to next.
func (s Status) Transition(next Status) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}
