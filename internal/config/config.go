// Package config loads the hstqueue configuration from YAML, a .env file and
// HSTQ_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/yamlfile"
)

const (
	// EnvConfigPath names the config file when --config is not given.
	EnvConfigPath = "HSTQ_CONFIG"
	DefaultPath   = "hstqueue.yaml"
)

// Load reads path on top of model.DefaultConfig. A missing file is not an
// error: defaults and environment variables still apply. Relative paths in the
// file are resolved against the file's directory.
func Load(path string) (*model.Config, error) {
	cfg := model.DefaultConfig()

	baseDir := ""
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yamlfile.Decode(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			baseDir = filepath.Dir(path)
			loadDotEnv(filepath.Join(baseDir, ".env"))
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	loadDotEnv(".env")

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if baseDir != "" {
		resolvePaths(&cfg, baseDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ResolvePath picks the config file: the flag value, then $HSTQ_CONFIG, then
// DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	// Variables already set in the environment win over the file.
	_ = godotenv.Load(path)
}

func applyEnv(cfg *model.Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	flag := func(name string, dst *bool) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a boolean", name, v))
			return
		}
		*dst = b
	}

	str("HSTQ_STORE_DSN", &cfg.Store.DSN)
	num("HSTQ_MAX_SUBPROCESSES", &cfg.Scheduler.MaxSubprocesses)
	num("HSTQ_MAX_ALLOWED_SEC", &cfg.Scheduler.MaxAllowedSec)
	num("HSTQ_POLL_INTERVAL_MS", &cfg.Scheduler.PollIntervalMs)
	num("HSTQ_MAX_DRAIN", &cfg.Scheduler.MaxDrain)
	str("HSTQ_PREEMPTION", &cfg.Scheduler.Preemption)
	flag("HSTQ_WATCH_STORE", &cfg.Scheduler.WatchStore)
	str("HSTQ_INTERPRETER", &cfg.Worker.Interpreter)
	str("HSTQ_SOURCE_ROOT", &cfg.Worker.SourceRoot)
	str("HSTQ_WORKER_LOG_DIR", &cfg.Worker.LogDir)
	str("HSTQ_LOG_LEVEL", &cfg.Logging.Level)
	str("HSTQ_LOG_FORMAT", &cfg.Logging.Format)
	str("HSTQ_AUDIT_LOG", &cfg.Logging.AuditLog)
	str("HSTQ_METRICS_ADDR", &cfg.Metrics.Addr)
	flag("HSTQ_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("HSTQ_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	return errors.Join(errs...)
}

func resolvePaths(cfg *model.Config, baseDir string) {
	abs := func(p *string) {
		if *p == "" || filepath.IsAbs(*p) {
			return
		}
		*p = filepath.Join(baseDir, *p)
	}
	if !strings.Contains(cfg.Store.DSN, "://") {
		abs(&cfg.Store.DSN)
	}
	abs(&cfg.Worker.SourceRoot)
	abs(&cfg.Worker.LogDir)
	abs(&cfg.Logging.AuditLog)
}
