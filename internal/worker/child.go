package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
)

// InWorkerMode reports whether this process was launched as a worker child.
func InWorkerMode() bool {
	return os.Getenv(EnvWorkerMode) == "1"
}

// SessionFromEnv reads the pre-serialized session a worker child was
// bootstrapped with.
func SessionFromEnv() (*models.Session, error) {
	raw := os.Getenv(EnvSession)
	if raw == "" {
		return nil, fmt.Errorf("%s not set", EnvSession)
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvSession, err)
	}
	return &session, nil
}

// RunChild hosts a runner inside a worker child process, bridging its channel
// pair onto the stdin/stdout NDJSON transport. Blocks until the runner
// finishes or the parent closes stdin.
func RunChild(ctx context.Context, runner Runner, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan ipc.Message, 64)
	out := make(chan ipc.Message, 64)

	// stdin → in. Parent closing stdin means the control plane is gone.
	go func() {
		defer close(in)
		reader := ipc.NewReader(stdin)
		for {
			msg, err := reader.Read()
			if err != nil {
				cancel()
				return
			}
			select {
			case in <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// out → stdout.
	writer := ipc.NewWriter(stdout)
	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		for msg := range out {
			if err := writer.Write(msg); err != nil {
				writeErr = err
				return
			}
		}
	}()

	runner.Run(ctx, in, out)
	close(out)
	wg.Wait()
	return writeErr
}
