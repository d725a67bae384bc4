// Package verify runs a session's verification command after each fix.
package verify

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Status reports the outcome of a verification run.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// Result holds the outcome of one verification command run.
type Result struct {
	Status Status
	Output string
	Errors string
}

// Service runs verification commands for the orchestrator.
type Service interface {
	Run(ctx context.Context, dir, command string) (*Result, error)
}

// Exec implements Service with os/exec and a per-run timeout.
type Exec struct {
	Timeout time.Duration
}

// NewExec creates a command-based verification service. A zero timeout
// defaults to 10 minutes.
func NewExec(timeout time.Duration) *Exec {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Exec{Timeout: timeout}
}

// Run executes the command via sh -c in dir. A non-zero exit is a failed
// verification, not an error; errors mean the command could not run at all.
func (e *Exec) Run(ctx context.Context, dir, command string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Status: StatusPassed,
		Output: stdout.String(),
		Errors: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Status = StatusFailed
			return res, nil
		}
		return nil, err
	}
	return res, nil
}
