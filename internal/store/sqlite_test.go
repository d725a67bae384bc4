package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(repoPath string) *models.Session {
	return &models.Session{
		RepoPath:       repoPath,
		CleaningBranch: "main",
		MaxTimeMinutes: 60,
		Config: models.SessionConfig{
			IssueTypes:    []string{"unused", "shadow"},
			VerifyCommand: "go test ./...",
		},
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Session CRUD ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("/tmp/repo")
	err := s.CreateSession(ctx, sess)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionStatusPending, sess.Status)
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.RepoPath, got.RepoPath)
	assert.Equal(t, sess.CleaningBranch, got.CleaningBranch)
	assert.Equal(t, []string{"unused", "shadow"}, got.Config.IssueTypes)
	assert.Equal(t, "go test ./...", got.Config.VerifyCommand)
	assert.True(t, got.StartedAt.IsZero())
	assert.Nil(t, got.EndedAt)

	// Update
	now := time.Now().UTC().Truncate(time.Second)
	got.Status = models.SessionStatusRunning
	got.StartedAt = now
	err = s.UpdateSession(ctx, got)
	require.NoError(t, err)

	got2, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got2.Status)
	assert.WithinDuration(t, now, got2.StartedAt, time.Second)

	// EndedAt round-trips through the nullable column
	ended := now.Add(time.Minute)
	got2.Status = models.SessionStatusCompleted
	got2.EndedAt = &ended
	require.NoError(t, s.UpdateSession(ctx, got2))

	got3, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got3.EndedAt)
	assert.WithinDuration(t, ended, *got3.EndedAt, time.Second)

	// Delete
	err = s.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	sess := testSession("/tmp/repo")
	sess.ID = "nonexistent"
	err := s.UpdateSession(context.Background(), sess)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateSession(ctx, testSession("/tmp/repo")))
		time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	}

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt) || all[0].CreatedAt.Equal(all[2].CreatedAt))

	limited, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListSessionsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := testSession("/tmp/a")
	running.Status = models.SessionStatusRunning
	require.NoError(t, s.CreateSession(ctx, running))

	pending := testSession("/tmp/b")
	require.NoError(t, s.CreateSession(ctx, pending))

	got, err := s.ListSessionsByStatus(ctx, []models.SessionStatus{models.SessionStatusRunning})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)

	none, err := s.ListSessionsByStatus(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Checkpoints ---

func TestCheckpointCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("/tmp/repo")
	require.NoError(t, s.CreateSession(ctx, sess))

	cp := &models.Checkpoint{
		SessionID:   sess.ID,
		CommitHash:  "abc1234",
		Branch:      "main",
		Description: "after first fix",
		Progress:    models.IssueProgress{Total: 5, Resolved: 2, Failed: 1, Pending: 2},
		Metrics:     map[string]float64{"issues_per_minute": 0.5},
	}
	require.NoError(t, s.CreateCheckpoint(ctx, cp))
	assert.NotEmpty(t, cp.ID)

	got, err := s.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc1234", got.CommitHash)
	assert.Equal(t, 2, got.Progress.Resolved)
	assert.InDelta(t, 0.5, got.Metrics["issues_per_minute"], 0.001)

	// Nil metrics stays nil
	cp2 := &models.Checkpoint{SessionID: sess.ID, CommitHash: "def5678", Branch: "main"}
	require.NoError(t, s.CreateCheckpoint(ctx, cp2))
	got2, err := s.GetCheckpoint(ctx, cp2.ID)
	require.NoError(t, err)
	assert.Nil(t, got2.Metrics)

	cps, err := s.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	require.NoError(t, s.DeleteCheckpoint(ctx, cp.ID))
	_, err = s.GetCheckpoint(ctx, cp.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCheckpointsForSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("/tmp/repo")
	require.NoError(t, s.CreateSession(ctx, sess))
	other := testSession("/tmp/other")
	require.NoError(t, s.CreateSession(ctx, other))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{SessionID: sess.ID, CommitHash: "aaa", Branch: "main"}))
	}
	require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{SessionID: other.ID, CommitHash: "bbb", Branch: "main"}))

	n, err := s.DeleteCheckpointsForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	remaining, err := s.ListCheckpoints(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestDeleteSession_CascadesCheckpointsAndIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("/tmp/repo")
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{SessionID: sess.ID, CommitHash: "aaa", Branch: "main"}))
	require.NoError(t, s.ReplaceIssues(ctx, sess.ID, []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "x is unused"},
	}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	cps, err := s.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)

	issues, err := s.ListIssues(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

// --- Issues ---

func TestReplaceIssues_ReplacesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("/tmp/repo")
	require.NoError(t, s.CreateSession(ctx, sess))

	first := []*models.Issue{
		{File: "b.go", Line: 10, Rule: "shadow", Message: "shadowed"},
		{File: "a.go", Line: 5, Rule: "unused", Message: "unused"},
	}
	require.NoError(t, s.ReplaceIssues(ctx, sess.ID, first))

	got, err := s.ListIssues(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by file then line
	assert.Equal(t, "a.go", got[0].File)
	assert.Equal(t, models.IssueStatusPending, got[0].Status)

	// A second analysis pass replaces the previous set
	require.NoError(t, s.ReplaceIssues(ctx, sess.ID, []*models.Issue{
		{File: "c.go", Line: 1, Rule: "gocritic", Message: "simplify"},
	}))
	got, err = s.ListIssues(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c.go", got[0].File)
}

func TestUpdateIssueStatusAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("/tmp/repo")
	require.NoError(t, s.CreateSession(ctx, sess))
	issues := []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m1"},
		{File: "b.go", Line: 2, Rule: "shadow", Message: "m2"},
		{File: "c.go", Line: 3, Rule: "unused", Message: "m3"},
	}
	require.NoError(t, s.ReplaceIssues(ctx, sess.ID, issues))

	require.NoError(t, s.UpdateIssueStatus(ctx, issues[0].ID, models.IssueStatusResolved))
	require.NoError(t, s.UpdateIssueStatus(ctx, issues[1].ID, models.IssueStatusFailed))

	p, err := s.IssueProgress(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueProgress{Total: 3, Resolved: 1, Failed: 1, Pending: 1}, p)

	err = s.UpdateIssueStatus(ctx, "nonexistent", models.IssueStatusResolved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewULID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewULID()
		assert.Len(t, id, 26)
		assert.False(t, seen[id], "ULID collision")
		seen[id] = true
	}
}
