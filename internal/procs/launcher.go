package procs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pdart-go/hstqueue/internal/model"
)

// Launcher starts one worker process and returns its pid without waiting for
// it to finish.
type Launcher interface {
	Launch(ctx context.Context, key model.TaskKey, argv []string) (int, error)
}

// ExecLauncher starts workers with os/exec in their own process group so that
// signals sent to the scheduler do not reach them.
type ExecLauncher struct {
	// LogDir receives one <proposal>_<visit>_<stage>.log per task. Empty means
	// workers inherit the scheduler's stdout and stderr.
	LogDir string
	// Env is appended to the scheduler's environment, replacing variables of the
	// same name.
	Env    []string
	Logger *slog.Logger
}

func NewExecLauncher(logDir string, env []string, logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLauncher{LogDir: logDir, Env: env, Logger: logger}
}

func (l *ExecLauncher) Launch(ctx context.Context, key model.TaskKey, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("launch %s: empty argv", key)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	out, err := l.output(key)
	if err != nil {
		return 0, err
	}

	// Not CommandContext: workers outlive a cancelled scheduler.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = mergeEnv(os.Environ(), l.Env)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		closeOutput(out)
		return 0, fmt.Errorf("launch %s: %w", key, err)
	}
	pid := cmd.Process.Pid

	// Reap the child so it does not linger as a zombie of this process.
	go func() {
		err := cmd.Wait()
		closeOutput(out)
		l.Logger.Debug("worker_exited", "task", key.String(), "pid", pid, "error", err)
	}()
	return pid, nil
}

func (l *ExecLauncher) output(key model.TaskKey) (io.Writer, error) {
	if l.LogDir == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker log dir: %w", err)
	}
	path := filepath.Join(l.LogDir, LogFileName(key))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	return f, nil
}

func closeOutput(w io.Writer) {
	if f, ok := w.(*os.File); ok && f != os.Stderr && f != os.Stdout {
		_ = f.Close()
	}
}

// LogFileName is the per-task worker log file name.
func LogFileName(key model.TaskKey) string {
	visit := key.Visit
	if visit == "" {
		visit = "all"
	}
	return fmt.Sprintf("%s_%s_%d.log", key.ProposalID, visit, key.Stage)
}

// mergeEnv returns environ with extra appended; an entry of extra replaces any
// entry of environ with the same name.
func mergeEnv(environ, extra []string) []string {
	if len(extra) == 0 {
		return environ
	}
	names := make(map[string]bool, len(extra))
	for _, e := range extra {
		name, _, _ := strings.Cut(e, "=")
		names[name] = true
	}
	out := make([]string, 0, len(environ)+len(extra))
	for _, e := range environ {
		name, _, _ := strings.Cut(e, "=")
		if !names[name] {
			out = append(out, e)
		}
	}
	return append(out, extra...)
}
