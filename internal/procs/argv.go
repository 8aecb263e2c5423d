// Package procs starts pipeline worker processes and inspects them by pid.
package procs

import (
	"fmt"
	"path/filepath"

	"github.com/google/shlex"
)

// BuildArgv splits a rendered stage command and resolves its script against
// sourceRoot. With an interpreter the result is [interpreter, script, args...];
// without one the script is executed directly.
func BuildArgv(command, interpreter, sourceRoot string) ([]string, error) {
	parts, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split command %q: %w", command, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	script := parts[0]
	if sourceRoot != "" && !filepath.IsAbs(script) {
		script = filepath.Join(sourceRoot, script)
	}

	argv := make([]string, 0, len(parts)+1)
	if interpreter != "" {
		argv = append(argv, interpreter)
	}
	argv = append(argv, script)
	return append(argv, parts[1:]...), nil
}
