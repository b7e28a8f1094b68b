package calls

import (
	"strings"
)

// Status is the lifecycle position of a call.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusOngoing   Status = "ONGOING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusScheduled: {StatusOngoing, StatusCancelled},
	StatusOngoing:   {StatusCompleted, StatusCancelled},
}

// Terminal reports whether no further mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", Failf(ErrInvalidRequest, "unknown status %q", value)
	}
	return status, nil
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a lifecycle move without regard to who asked for it.
func CheckTransition(from, to Status) error {
	if from.Terminal() {
		return Failf(ErrCallClosed, "call is %s", from)
	}
	if !to.Valid() {
		return Failf(ErrInvalidTransition, "unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return Failf(ErrInvalidTransition, "%s cannot move to %s", from, to)
	}
	return nil
}
