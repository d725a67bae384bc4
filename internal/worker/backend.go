// Package worker owns the 1:1 mapping from session to isolated worker and
// the message channel connecting them.
package worker

import (
	"context"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
)

// Conn is the control plane's end of a worker's message channel. Messages on
// one Conn are delivered in send order; there is no ordering across sessions.
type Conn interface {
	// Send delivers a control message to the worker.
	Send(msg ipc.Message) error
	// Recv returns the worker's outbound message stream. The channel closes
	// when the worker's transport ends, with or without a terminal message.
	Recv() <-chan ipc.Message
	// Kill forcibly terminates the worker unit. The Recv channel closes soon
	// after.
	Kill() error
}

// Backend launches worker units. The message contract is identical across
// implementations so the manager stays backend-agnostic.
type Backend interface {
	Start(ctx context.Context, session *models.Session) (Conn, error)
}
