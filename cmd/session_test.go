package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/output"
	"github.com/remedyhq/remedy/internal/session"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/worker"
)

type stubGit struct{}

func (stubGit) RepoRoot(path string) (string, error) { return path, nil }
func (stubGit) CurrentCommit(string) (string, error) { return "abc1234", nil }
func (stubGit) CurrentBranch(string) (string, error) { return "main", nil }
func (stubGit) IsDirty(string) (bool, error)         { return false, nil }
func (stubGit) Commit(_, _ string) (string, error)   { return "abc1234", nil }

func (stubGit) CreateAnnotatedTag(_, _, _ string) error { return nil }

func (stubGit) DeleteTag(_, _ string) error       { return nil }
func (stubGit) TagExists(_, _ string) bool        { return false }
func (stubGit) Checkout(_, _ string) error        { return nil }
func (stubGit) CreateBranch(_, _, _ string) error { return nil }
func (stubGit) StashPush(_, _ string) error       { return nil }

func newForegroundManager(t *testing.T, run func(ctx context.Context, in <-chan ipc.Message, out chan<- ipc.Message)) (*session.Manager, *models.Session) {
	t.Helper()
	ui = output.New()

	ms := store.NewMemoryStore()
	backend := worker.NewGoroutine(func(*models.Session) (worker.Runner, error) {
		return workerRunner(run), nil
	})
	wm := worker.NewManager(backend, backend, 4)
	sm := session.NewManager(ms, wm, stubGit{}, session.Options{StopGrace: time.Second})
	t.Cleanup(sm.Shutdown)

	sess, err := sm.Create(context.Background(), t.TempDir(), "", 60, models.SessionConfig{})
	require.NoError(t, err)
	return sm, sess
}

type workerRunner func(ctx context.Context, in <-chan ipc.Message, out chan<- ipc.Message)

func (f workerRunner) Run(ctx context.Context, in <-chan ipc.Message, out chan<- ipc.Message) {
	f(ctx, in, out)
}

func TestRunSessionForeground_ReturnsOnCompletion(t *testing.T) {
	sm, sess := newForegroundManager(t, func(_ context.Context, _ <-chan ipc.Message, out chan<- ipc.Message) {
		out <- ipc.NewWithPayload(ipc.TypeComplete, "", ipc.CompletePayload{
			Summary: ipc.Summary{Total: 1, Resolved: 1},
		})
	})
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, sess.ID))

	done := make(chan error, 1)
	go func() { done <- runSessionForeground(ctx, sm, sess.ID) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("foreground run did not return after completion")
	}

	got, err := sm.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
}

func TestRunSessionForeground_ReturnsOnFailure(t *testing.T) {
	sm, sess := newForegroundManager(t, func(_ context.Context, _ <-chan ipc.Message, out chan<- ipc.Message) {
		out <- ipc.NewWithPayload(ipc.TypeError, "", ipc.ErrorPayload{
			Error: "repository vanished", Fatal: true,
		})
	})
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, sess.ID))

	done := make(chan error, 1)
	go func() { done <- runSessionForeground(ctx, sm, sess.ID) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("foreground run did not return after failure")
	}

	got, err := sm.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
	assert.Equal(t, "repository vanished", got.FailureReason)
}
