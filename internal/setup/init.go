// Package setup creates a working directory for a pipeline driver.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/yamlfile"
	"github.com/pdart-go/hstqueue/templates"
)

// ErrExists is returned when the directory already holds a configuration and
// Options.Force is not set.
var ErrExists = errors.New("configuration already exists")

type Options struct {
	// SourceRoot is the checkout holding the pipeline worker scripts.
	SourceRoot  string
	Interpreter string
	StoreDSN    string
	Force       bool
}

// Run writes dir/hstqueue.yaml from the embedded template and creates the log
// directories it refers to. It returns the path of the written config.
func Run(dir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	path := filepath.Join(absDir, templates.ConfigName)
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	for _, d := range []string{cfg.Worker.LogDir, filepath.Dir(cfg.Logging.AuditLog)} {
		if d == "" || d == "." {
			continue
		}
		if !filepath.IsAbs(d) {
			d = filepath.Join(absDir, d)
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := yamlfile.Save(path, cfg, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", templates.ConfigName, err)
	}
	return path, nil
}

func generateConfig(opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, templates.ConfigName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlfile.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.SourceRoot != "" {
		root, err := filepath.Abs(opts.SourceRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve source root: %w", err)
		}
		cfg.Worker.SourceRoot = root
	}
	if opts.Interpreter != "" {
		cfg.Worker.Interpreter = opts.Interpreter
	}
	if opts.StoreDSN != "" {
		cfg.Store.DSN = opts.StoreDSN
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
