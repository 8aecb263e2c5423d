package model

import (
	"fmt"
	"time"
)

// TaskKey identifies one unit of pipeline work. It is unique in the task store.
type TaskKey struct {
	ProposalID string `yaml:"proposal_id" json:"proposal_id"`
	Visit      string `yaml:"visit" json:"visit"`
	Stage      int    `yaml:"stage" json:"stage"`
}

func (k TaskKey) String() string {
	visit := k.Visit
	if visit == "" {
		visit = "-"
	}
	return fmt.Sprintf("%s/%s/%d", k.ProposalID, visit, k.Stage)
}

type Task struct {
	TaskKey   `yaml:",inline"`
	Priority  int       `yaml:"priority" json:"priority"`
	Status    Status    `yaml:"status" json:"status"`
	Command   string    `yaml:"command" json:"command"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// ProcessSlot is one in-flight external worker process. A slot with a
// negative PID is a reservation taken by a scheduler that has not spawned
// its worker yet.
type ProcessSlot struct {
	PID        int       `yaml:"pid" json:"pid"`
	Stage      int       `yaml:"stage" json:"stage"`
	StartedAt  time.Time `yaml:"started_at" json:"started_at"`
	Deadline   time.Time `yaml:"deadline" json:"deadline"`
	Visit      string    `yaml:"visit" json:"visit"`
	ProposalID string    `yaml:"proposal_id" json:"proposal_id"`
}

func (s ProcessSlot) Key() TaskKey {
	return TaskKey{ProposalID: s.ProposalID, Visit: s.Visit, Stage: s.Stage}
}

func (s ProcessSlot) Expired(now time.Time) bool {
	return now.After(s.Deadline)
}

// Reserved reports whether the slot holds a reservation rather than a worker.
func (s ProcessSlot) Reserved() bool {
	return s.PID < 0
}
