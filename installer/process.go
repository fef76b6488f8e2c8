package installer

import (
	"bytes"
	"context"
	"os/exec"
)

// ProcessRunner abstracts subprocess invocation so tests can substitute a
// fake without spawning real processes.
type ProcessRunner interface {
	Run(ctx context.Context, cmd string, args []string, cwd string, env []string) (stdout string, exitCode int, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes cmd with args in cwd. A non-zero exit is reported through
// exitCode with a nil error; err is reserved for failures to run at all.
func (ExecRunner) Run(ctx context.Context, cmd string, args []string, cwd string, env []string) (string, int, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = cwd
	if len(env) > 0 {
		c.Env = env
	}

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out.String(), exitErr.ExitCode(), nil
		}
		return out.String(), -1, err
	}
	return out.String(), 0, nil
}

var _ ProcessRunner = ExecRunner{}
