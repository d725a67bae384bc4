package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/tracker"
)

// recordingGit records mutations and serves configurable answers.
type recordingGit struct {
	commit    string
	commitErr error
	dirty     bool
	tagErr    error
	checkErr  error

	tags      []string
	deleted   []string
	checkouts []string
	branches  []string
	stashes   []string
}

func (g *recordingGit) RepoRoot(path string) (string, error) { return path, nil }
func (g *recordingGit) CurrentCommit(string) (string, error) { return g.commit, g.commitErr }
func (g *recordingGit) CurrentBranch(string) (string, error) { return "main", nil }
func (g *recordingGit) IsDirty(string) (bool, error)         { return g.dirty, nil }
func (g *recordingGit) Commit(_, _ string) (string, error)   { return g.commit, nil }

func (g *recordingGit) CreateAnnotatedTag(_, name, _ string) error {
	if g.tagErr != nil {
		return g.tagErr
	}
	g.tags = append(g.tags, name)
	return nil
}

func (g *recordingGit) DeleteTag(_, name string) error {
	g.deleted = append(g.deleted, name)
	return nil
}

func (g *recordingGit) TagExists(_, name string) bool {
	for _, t := range g.tags {
		if t == name {
			return true
		}
	}
	return false
}

func (g *recordingGit) Checkout(_, ref string) error {
	if g.checkErr != nil {
		return g.checkErr
	}
	g.checkouts = append(g.checkouts, ref)
	return nil
}

func (g *recordingGit) CreateBranch(_, name, _ string) error {
	g.branches = append(g.branches, name)
	return nil
}

func (g *recordingGit) StashPush(_, msg string) error {
	g.stashes = append(g.stashes, msg)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *recordingGit, string) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	sess := &models.Session{RepoPath: "/tmp/repo", CleaningBranch: "main", MaxTimeMinutes: 60}
	require.NoError(t, ms.CreateSession(ctx, sess))

	g := &recordingGit{commit: "abc1234"}
	tr := tracker.New(ms, sess.ID)
	svc := NewService(ms, g, tr, sess.RepoPath, sess.ID, sess.CleaningBranch)
	return svc, ms, g, sess.ID
}

func seedIssues(t *testing.T, ms *store.MemoryStore, tr *tracker.IssueTracker, sessionID string) {
	t.Helper()
	issues := []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m1"},
		{File: "b.go", Line: 2, Rule: "shadow", Message: "m2"},
	}
	require.NoError(t, tr.SetIssues(context.Background(), issues))
	require.NoError(t, tr.MarkResolved(context.Background(), issues[0].ID))
}

func TestCreate_SnapshotsStateAndTags(t *testing.T) {
	svc, ms, g, sessionID := newTestService(t)
	ctx := context.Background()
	seedIssues(t, ms, svc.tracker, sessionID)

	cp, err := svc.Create(ctx, "after first fix", map[string]float64{"fixes_per_minute": 1.5})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "abc1234", cp.CommitHash)
	assert.Equal(t, "main", cp.Branch)
	assert.Equal(t, models.IssueProgress{Total: 2, Resolved: 1, Pending: 1}, cp.Progress)

	assert.Equal(t, []string{"remedy-cp-" + cp.ID}, g.tags)

	got, err := ms.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "after first fix", got.Description)
	assert.InDelta(t, 1.5, got.Metrics["fixes_per_minute"], 0.001)
}

func TestCreate_TagFailureIsNonFatal(t *testing.T) {
	svc, ms, g, _ := newTestService(t)
	g.tagErr = errors.New("tag exists")

	cp, err := svc.Create(context.Background(), "snapshot", nil)
	require.NoError(t, err, "tag failure must not block the checkpoint record")

	_, err = ms.GetCheckpoint(context.Background(), cp.ID)
	assert.NoError(t, err)
}

func TestCreate_NoCommit(t *testing.T) {
	svc, _, g, _ := newTestService(t)
	g.commit = ""

	_, err := svc.Create(context.Background(), "snapshot", nil)
	assert.ErrorIs(t, err, ErrNoCommit)
}

func TestRestore_CleanTreeByTag(t *testing.T) {
	svc, _, g, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, "snapshot", nil)
	require.NoError(t, err)

	res := svc.Restore(ctx, cp.ID)
	require.True(t, res.Success, "restore failed: %v", res.Err)
	assert.Equal(t, cp.ID, res.Checkpoint.ID)

	assert.Empty(t, g.stashes, "clean tree must not be stashed")
	assert.Equal(t, []string{"remedy-cp-" + cp.ID}, g.checkouts)
	assert.Equal(t, []string{"remedy-restore-" + cp.ID}, g.branches)
}

func TestRestore_DirtyTreeStashesFirst(t *testing.T) {
	svc, _, g, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, "snapshot", nil)
	require.NoError(t, err)

	g.dirty = true
	res := svc.Restore(ctx, cp.ID)
	require.True(t, res.Success, "restore failed: %v", res.Err)

	require.Len(t, g.stashes, 1)
	assert.Contains(t, g.stashes[0], cp.ID)
}

func TestRestore_MissingTagFallsBackToHash(t *testing.T) {
	svc, _, g, _ := newTestService(t)
	ctx := context.Background()

	g.tagErr = errors.New("tags disabled")
	cp, err := svc.Create(ctx, "snapshot", nil)
	require.NoError(t, err)

	g.tagErr = nil
	res := svc.Restore(ctx, cp.ID)
	require.True(t, res.Success, "restore failed: %v", res.Err)
	assert.Equal(t, []string{"abc1234"}, g.checkouts)
}

func TestRestore_CheckoutFailureIsResultNotError(t *testing.T) {
	svc, _, g, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, "snapshot", nil)
	require.NoError(t, err)

	g.checkErr = errors.New("pathspec did not match")
	res := svc.Restore(ctx, cp.ID)
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Equal(t, cp.ID, res.Checkpoint.ID)
	assert.Empty(t, g.branches, "no restore branch after failed checkout")
}

func TestRestore_UnknownCheckpoint(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	res := svc.Restore(context.Background(), "nonexistent")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, store.ErrNotFound)
}

func TestDelete_RemovesTagAndRecord(t *testing.T) {
	svc, ms, g, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.Create(ctx, "snapshot", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, cp.ID))
	assert.Equal(t, []string{"remedy-cp-" + cp.ID}, g.deleted)

	_, err = ms.GetCheckpoint(ctx, cp.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete_MissingTagStillDeletesRecord(t *testing.T) {
	svc, ms, g, _ := newTestService(t)
	ctx := context.Background()

	g.tagErr = errors.New("tags disabled")
	cp, err := svc.Create(ctx, "snapshot", nil)
	require.NoError(t, err)
	g.tagErr = nil

	require.NoError(t, svc.Delete(ctx, cp.ID))
	assert.Empty(t, g.deleted)

	_, err = ms.GetCheckpoint(ctx, cp.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteForSession_TagsFirstThenRecords(t *testing.T) {
	svc, ms, g, sessionID := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, "snapshot", nil)
		require.NoError(t, err)
	}

	n, err := svc.DeleteForSession(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Len(t, g.deleted, 3)

	remaining, err := ms.ListCheckpoints(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAutoCheckpoint_TicksAndStops(t *testing.T) {
	svc, ms, _, sessionID := newTestService(t)
	ctx := context.Background()

	svc.StartAuto(ctx, 20*time.Millisecond, func() map[string]float64 {
		return map[string]float64{"tick": 1}
	})

	require.Eventually(t, func() bool {
		cps, err := ms.ListCheckpoints(ctx, sessionID)
		return err == nil && len(cps) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	svc.StopAuto()
	cps, err := ms.ListCheckpoints(ctx, sessionID)
	require.NoError(t, err)
	count := len(cps)

	time.Sleep(60 * time.Millisecond)
	cps, err = ms.ListCheckpoints(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, count, len(cps), "no checkpoints after StopAuto")
}

func TestStopAuto_SafeWhenNotRunning(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.StopAuto()
}
