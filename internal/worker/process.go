package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
)

// EnvWorkerMode marks a child process as a worker rather than the control
// plane. EnvSession carries the pre-serialized session for bootstrap.
const (
	EnvWorkerMode = "REMEDY_WORKER"
	EnvSession    = "REMEDY_SESSION"
)

// Process runs each worker as a child OS process speaking NDJSON over
// stdin/stdout, so a crashing or runaway session cannot take the control
// plane with it.
type Process struct {
	// Args are prepended to the child invocation (the hidden worker
	// subcommand). The binary is the running executable.
	Args []string
	// ExtraEnv is appended to the child environment (db path etc.).
	ExtraEnv []string
}

// NewProcess creates the child-process backend.
func NewProcess(args, extraEnv []string) *Process {
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return &Process{Args: args, ExtraEnv: extraEnv}
}

type processConn struct {
	cmd    *exec.Cmd
	writer *ipc.Writer
	out    chan ipc.Message
}

func (c *processConn) Send(msg ipc.Message) error {
	return c.writer.Write(msg)
}

func (c *processConn) Recv() <-chan ipc.Message { return c.out }

func (c *processConn) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Start re-executes the current binary in worker mode with the session
// serialized into the child environment.
func (p *Process) Start(ctx context.Context, session *models.Session) (Conn, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("serialize session: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, p.Args...)
	cmd.Env = append(os.Environ(),
		EnvWorkerMode+"=1",
		EnvSession+"="+string(sessionJSON),
	)
	cmd.Env = append(cmd.Env, p.ExtraEnv...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	conn := &processConn{
		cmd:    cmd,
		writer: ipc.NewWriter(stdin),
		out:    make(chan ipc.Message, 64),
	}

	// Pump child stdout into the recv channel; close it when the transport
	// ends so the manager can detect crashes.
	go func() {
		defer close(conn.out)
		reader := ipc.NewReader(stdout)
		for {
			msg, err := reader.Read()
			if err != nil {
				if err != io.EOF {
					slog.Warn("worker transport read failed",
						slog.String("session_id", session.ID), slog.Any("error", err))
				}
				_ = cmd.Wait()
				return
			}
			conn.out <- msg
		}
	}()

	return conn, nil
}
