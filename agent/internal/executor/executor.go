// Package executor runs operator commands through the local shell, bounded
// by a timeout, and captures their output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// Executor runs shell commands with a per-command timeout.
type Executor struct {
	Timeout time.Duration
}

func New(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{Timeout: timeout}
}

// Run executes command through the shell and captures stdout, stderr, and
// the exit code. Failures to execute, timeouts included, are reported in
// the returned values with code -1 rather than as an error, so the caller
// always has a result to send back.
func (e *Executor) Run(ctx context.Context, command string) (stdout, stderr string, code int) {
	cctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	name, flag := shellCommand()
	cmd := exec.CommandContext(cctx, name, flag, command)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return stdout, fmt.Sprintf("command timed out after %s", e.Timeout), -1
	case err == nil:
		return stdout, stderr, 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, exitErr.ExitCode()
		}
		return stdout, fmt.Sprintf("command execution error: %v", err), -1
	}
}

func shellCommand() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "/bin/sh", "-c"
}
