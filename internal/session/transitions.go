package session

import "fmt"

var transitions = map[Status][]Status{
	StatusRequested:              {StatusWaitlisted, StatusPendingProviderConfirm, StatusCancelled},
	StatusWaitlisted:             {StatusCancelled},
	StatusPendingProviderConfirm: {StatusProviderConfirmed, StatusCancelled},
	StatusProviderConfirmed:      {StatusActive, StatusCancelled},
	StatusActive:                 {StatusEnded},
	StatusEnded:                  nil,
	StatusCancelled:              nil,
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from Status, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transition(session *Session, to Status) error {
	if !CanTransition(session.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, to)
	}
	session.Status = to
	return nil
}
