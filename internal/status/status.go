// Package status reports the contents of a task store: queued and running
// tasks, occupied worker slots and whether a driver currently owns the store.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/pdart-go/hstqueue/internal/lock"
	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/procs"
	"github.com/pdart-go/hstqueue/internal/store"
)

type Report struct {
	Store  string        `json:"store"`
	Driver DriverStatus  `json:"driver"`
	Stages []StageStatus `json:"stages,omitempty"`
	Slots  []SlotStatus  `json:"slots,omitempty"`
	Max    int           `json:"max_subprocesses"`
}

type DriverStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type StageStatus struct {
	Stage   int    `json:"stage"`
	Name    string `json:"name"`
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
}

type SlotStatus struct {
	PID       int           `json:"pid"`
	Task      model.TaskKey `json:"task"`
	Process   string        `json:"process"`
	StartedAt time.Time     `json:"started_at"`
	Deadline  time.Time     `json:"deadline"`
	Overdue   bool          `json:"overdue"`
}

// Collect builds a Report. prober may be nil, in which case process states are
// reported as unknown.
func Collect(ctx context.Context, cfg model.Config, st store.Store, prober procs.Prober, now time.Time) (*Report, error) {
	stages, err := model.NewStageTable(cfg.Stages)
	if err != nil {
		return nil, err
	}
	r := &Report{Store: cfg.Store.DSN, Max: cfg.Scheduler.MaxSubprocesses}

	if fb, ok := st.(store.FileBacked); ok {
		pid, held, err := lock.Holder(lock.PathFor(fb.Path()))
		if err != nil {
			return nil, fmt.Errorf("check driver lock: %w", err)
		}
		r.Driver = DriverStatus{Running: held, PID: pid}
	}

	tasks, err := st.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	byStage := make(map[int]*StageStatus)
	for _, t := range tasks {
		s, ok := byStage[t.Stage]
		if !ok {
			s = &StageStatus{Stage: t.Stage, Name: stages.Name(t.Stage)}
			byStage[t.Stage] = s
		}
		switch t.Status {
		case model.StatusQueued:
			s.Queued++
		case model.StatusRunning:
			s.Running++
		}
	}
	for _, s := range byStage {
		r.Stages = append(r.Stages, *s)
	}
	sort.Slice(r.Stages, func(i, j int) bool { return r.Stages[i].Stage < r.Stages[j].Stage })

	slots, err := st.Slots(ctx)
	if err != nil {
		return nil, err
	}
	for _, sl := range slots {
		state := "unknown"
		if sl.Reserved() {
			state = "reserved"
		} else if prober != nil {
			if ps, err := prober.State(sl.PID); err == nil {
				state = ps.String()
			}
		}
		r.Slots = append(r.Slots, SlotStatus{
			PID:       sl.PID,
			Task:      sl.Key(),
			Process:   state,
			StartedAt: sl.StartedAt,
			Deadline:  sl.Deadline,
			Overdue:   sl.Expired(now),
		})
	}
	return r, nil
}

// Write renders r as indented JSON or as a human readable table.
func Write(w io.Writer, r *Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if r.Driver.Running {
		fmt.Fprintf(w, "Driver: running (pid %d)\n", r.Driver.PID)
	} else {
		fmt.Fprintln(w, "Driver: not running")
	}
	fmt.Fprintf(w, "Store:  %s\n", r.Store)
	fmt.Fprintf(w, "Slots:  %d/%d\n", len(r.Slots), r.Max)

	if len(r.Stages) > 0 {
		fmt.Fprintln(w, "\nTasks:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  STAGE\tNAME\tQUEUED\tRUNNING")
		for _, s := range r.Stages {
			fmt.Fprintf(tw, "  %d\t%s\t%d\t%d\n", s.Stage, s.Name, s.Queued, s.Running)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, "\nTasks: none")
	}

	if len(r.Slots) > 0 {
		fmt.Fprintln(w, "\nWorkers:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  PID\tTASK\tPROCESS\tSTARTED\tDEADLINE")
		for _, s := range r.Slots {
			deadline := s.Deadline.Format(time.RFC3339)
			if s.Overdue {
				deadline += " (overdue)"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", s.PID, s.Task, s.Process, s.StartedAt.Format(time.RFC3339), deadline)
		}
		return tw.Flush()
	}
	return nil
}
