package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
)

// sendTimeout bounds how long a control send waits on a busy worker inbox.
// A package-level variable so tests can compress it.
var sendTimeout = 5 * time.Second

// Runner is the worker-side loop hosted by a backend. The orchestrator
// satisfies this; tests substitute scripted runners.
type Runner interface {
	Run(ctx context.Context, in <-chan ipc.Message, out chan<- ipc.Message)
}

// RunnerFactory builds the per-session runner a goroutine worker hosts.
type RunnerFactory func(session *models.Session) (Runner, error)

// Goroutine runs each worker as an in-process goroutine connected by
// channels. Crashes are confined by the orchestrator's panic recovery rather
// than OS isolation.
type Goroutine struct {
	factory RunnerFactory
}

// NewGoroutine creates the in-process backend.
func NewGoroutine(factory RunnerFactory) *Goroutine {
	return &Goroutine{factory: factory}
}

type goroutineConn struct {
	ctx    context.Context
	in     chan ipc.Message
	out    chan ipc.Message
	cancel context.CancelFunc
}

// Send blocks until the worker accepts the message, the worker is gone, or
// the timeout expires. Control messages must not be dropped silently while
// the worker is mid-fix with a backed-up inbox.
func (c *goroutineConn) Send(msg ipc.Message) error {
	select {
	case c.in <- msg:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("worker gone, cannot deliver %s", msg.Type)
	case <-time.After(sendTimeout):
		return fmt.Errorf("worker inbox full, %s not delivered", msg.Type)
	}
}

func (c *goroutineConn) Recv() <-chan ipc.Message { return c.out }

func (c *goroutineConn) Kill() error {
	c.cancel()
	return nil
}

// Start launches the runner goroutine and returns its channel pair.
func (g *Goroutine) Start(ctx context.Context, session *models.Session) (Conn, error) {
	runner, err := g.factory(session)
	if err != nil {
		return nil, fmt.Errorf("build worker runner: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &goroutineConn{
		ctx:    ctx,
		in:     make(chan ipc.Message, 64),
		out:    make(chan ipc.Message, 64),
		cancel: cancel,
	}

	go func() {
		defer cancel()
		defer close(conn.out)
		runner.Run(ctx, conn.in, conn.out)
	}()

	return conn, nil
}
