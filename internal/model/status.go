package model

import "fmt"

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
)

// Task queue transitions: queued → running. A running task has no successor
// status; its record is deleted when the slot running it is reclaimed.
var validTaskQueueTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {},
}

func (s Status) Valid() bool {
	_, ok := validTaskQueueTransitions[s]
	return ok
}

func ValidateTaskQueueTransition(from, to Status) error {
	allowed, ok := validTaskQueueTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task queue transition: %q → %q", from, to)
	}
	return nil
}
