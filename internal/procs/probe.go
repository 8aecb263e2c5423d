package procs

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoProcess is returned by Terminate when the pid no longer exists.
var ErrNoProcess = errors.New("process does not exist")

type ProcState int

const (
	StateGone ProcState = iota
	StateZombie
	StateAlive
)

func (s ProcState) String() string {
	switch s {
	case StateGone:
		return "gone"
	case StateZombie:
		return "zombie"
	case StateAlive:
		return "alive"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Prober looks at worker processes by pid. The pids may belong to children of
// other scheduler processes.
type Prober interface {
	State(pid int) (ProcState, error)
	Terminate(pid int) error
}

// SystemProber implements Prober with gopsutil.
type SystemProber struct{}

func NewSystemProber() *SystemProber {
	return &SystemProber{}
}

func (SystemProber) State(pid int) (ProcState, error) {
	if pid <= 0 {
		return StateGone, nil
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return StateGone, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	if !exists {
		return StateGone, nil
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return StateGone, nil
		}
		return StateGone, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	status, err := p.Status()
	if err != nil {
		// The process exited between the existence check and the status read.
		if !pidAlive(pid) {
			return StateGone, nil
		}
		return StateAlive, fmt.Errorf("status of pid %d: %w", pid, err)
	}
	if slices.Contains(status, process.Zombie) {
		return StateZombie, nil
	}
	return StateAlive, nil
}

// Terminate sends SIGTERM.
func (SystemProber) Terminate(pid int) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ErrNoProcess
		}
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if err := p.Terminate(); err != nil {
		if isNoProcess(err) {
			return ErrNoProcess
		}
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}

func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isNoProcess(err error) bool {
	return errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, process.ErrorProcessNotRunning)
}
