package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/analyzer"
	"github.com/remedyhq/remedy/internal/checkpoint"
	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/provider"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/tracker"
	"github.com/remedyhq/remedy/internal/verify"
)

type fakeGit struct{ commits int }

func (g *fakeGit) RepoRoot(path string) (string, error) { return path, nil }
func (g *fakeGit) CurrentCommit(string) (string, error) { return "abc1234", nil }
func (g *fakeGit) CurrentBranch(string) (string, error) { return "main", nil }
func (g *fakeGit) IsDirty(string) (bool, error)         { return false, nil }

func (g *fakeGit) Commit(_, _ string) (string, error) {
	g.commits++
	return "abc1234", nil
}

func (g *fakeGit) CreateAnnotatedTag(_, _, _ string) error { return nil }
func (g *fakeGit) DeleteTag(_, _ string) error             { return nil }
func (g *fakeGit) TagExists(_, _ string) bool              { return false }
func (g *fakeGit) Checkout(_, _ string) error              { return nil }
func (g *fakeGit) CreateBranch(_, _, _ string) error       { return nil }
func (g *fakeGit) StashPush(_, _ string) error             { return nil }

type fakeProvider struct {
	err     error
	panicOn bool
	content string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GenerateFix(_ context.Context, req provider.FixRequest) (*provider.Fix, error) {
	if f.panicOn {
		panic("provider exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	content := f.content
	if content == "" {
		content = "package main // fixed\n"
	}
	return &provider.Fix{FilePath: req.Issue.File, UpdatedContent: content}, nil
}

type fakeAnalyzer struct {
	issues []*models.Issue
	err    error
	calls  int
}

func (f *fakeAnalyzer) Analyze(context.Context, string, []string, []string) ([]*models.Issue, error) {
	f.calls++
	return f.issues, f.err
}

type fakeVerifier struct{ status verify.Status }

func (f *fakeVerifier) Run(context.Context, string, string) (*verify.Result, error) {
	s := f.status
	if s == "" {
		s = verify.StatusPassed
	}
	return &verify.Result{Status: s}, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	git     *fakeGit
	session *models.Session
	repo    string
}

func newFixture(t *testing.T, p provider.AIProvider, a analyzer.CodeAnalyzer, v verify.Service) *fixture {
	t.Helper()
	repo := t.TempDir()
	ms := store.NewMemoryStore()

	sess := &models.Session{RepoPath: repo, CleaningBranch: "main", MaxTimeMinutes: 60}
	require.NoError(t, ms.CreateSession(context.Background(), sess))

	g := &fakeGit{}
	tr := tracker.New(ms, sess.ID)
	cp := checkpoint.NewService(ms, g, tr, repo, sess.ID, "main")
	return &fixture{
		orch:    New(sess, p, a, v, tr, cp, g),
		store:   ms,
		git:     g,
		session: sess,
		repo:    repo,
	}
}

func writeFile(t *testing.T, repo, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(repo, name), []byte(content), 0644))
}

// run feeds the queued messages and returns everything the orchestrator
// emitted, in order.
func run(t *testing.T, f *fixture, queued ...ipc.Message) []ipc.Message {
	t.Helper()
	in := make(chan ipc.Message, len(queued))
	for _, msg := range queued {
		in <- msg
	}
	out := make(chan ipc.Message, 256)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.Run(context.Background(), in, out)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not return")
	}
	close(out)

	var msgs []ipc.Message
	for msg := range out {
		msgs = append(msgs, msg)
	}
	return msgs
}

func startMsg(f *fixture, resume bool) ipc.Message {
	return ipc.NewWithPayload(ipc.TypeStart, f.session.ID, ipc.StartPayload{Session: f.session, Resume: resume})
}

func lastComplete(t *testing.T, msgs []ipc.Message) ipc.CompletePayload {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == ipc.TypeComplete {
			return msgs[i].Payload.(ipc.CompletePayload)
		}
	}
	t.Fatal("no complete message emitted")
	return ipc.CompletePayload{}
}

func eventNames(msgs []ipc.Message) []string {
	var names []string
	for _, msg := range msgs {
		if p, ok := msg.Payload.(ipc.EventPayload); ok {
			names = append(names, p.Event)
		}
	}
	return names
}

func TestRun_FixesAllIssues(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m1"},
		{File: "b.go", Line: 2, Rule: "shadow", Message: "m2"},
	}}
	f := newFixture(t, &fakeProvider{content: "package main // fixed\n"}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "package main // broken\n")
	writeFile(t, f.repo, "b.go", "package main // broken\n")

	msgs := run(t, f, startMsg(f, false))

	summary := lastComplete(t, msgs).Summary
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Resolved)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.Stopped)
	assert.Equal(t, "abc1234", summary.FinalCommit)

	got, err := os.ReadFile(filepath.Join(f.repo, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main // fixed\n", string(got))
	assert.Equal(t, 2, f.git.commits, "one commit per resolved issue")

	names := eventNames(msgs)
	assert.Contains(t, names, "checkpoint_created")
	assert.Contains(t, names, "issue_resolved")

	// Initial and final checkpoints persisted.
	cps, err := f.store.ListCheckpoints(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestRun_VerificationFailureRevertsFile(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m"},
	}}
	f := newFixture(t, &fakeProvider{content: "garbage"}, a, &fakeVerifier{status: verify.StatusFailed})
	f.session.Config.VerifyCommand = "go test ./..."
	writeFile(t, f.repo, "a.go", "original\n")

	msgs := run(t, f, startMsg(f, false))

	summary := lastComplete(t, msgs).Summary
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Resolved)
	assert.Contains(t, eventNames(msgs), "issue_failed")

	got, err := os.ReadFile(filepath.Join(f.repo, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(got), "failed fix must be rolled back")
	assert.Equal(t, 0, f.git.commits)
}

func TestRun_ProviderErrorFailsIssueNotRun(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m"},
	}}
	f := newFixture(t, &fakeProvider{err: errors.New("model refused")}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "original\n")

	msgs := run(t, f, startMsg(f, false))

	summary := lastComplete(t, msgs).Summary
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Resolved)
}

func TestRun_ProviderOutageIsFatalAndLeavesIssuesPending(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m1"},
		{File: "b.go", Line: 2, Rule: "shadow", Message: "m2"},
	}}
	f := newFixture(t, &fakeProvider{err: provider.ErrAllProvidersUnavailable}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "original\n")
	writeFile(t, f.repo, "b.go", "original\n")

	msgs := run(t, f, startMsg(f, false))

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, ipc.TypeError, last.Type)
	p := last.Payload.(ipc.ErrorPayload)
	assert.True(t, p.Fatal)
	assert.Contains(t, p.Error, "generate fix")

	for _, msg := range msgs {
		assert.NotEqual(t, ipc.TypeComplete, msg.Type, "a total outage must not complete the run")
	}

	// The issue list survives for a later resume.
	progress, err := f.store.IssueProgress(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueProgress{Total: 2, Pending: 2}, progress)
}

func TestRun_StopBeforeStartAbortsSilently(t *testing.T) {
	f := newFixture(t, &fakeProvider{}, &fakeAnalyzer{}, &fakeVerifier{})

	msgs := run(t, f, ipc.New(ipc.TypeStop, f.session.ID))
	assert.Empty(t, msgs)
}

func TestRun_StopAfterStart(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m"},
	}}
	f := newFixture(t, &fakeProvider{}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "original\n")

	msgs := run(t, f, startMsg(f, false), ipc.New(ipc.TypeStop, f.session.ID))

	summary := lastComplete(t, msgs).Summary
	assert.True(t, summary.Stopped)
	assert.Equal(t, 0, summary.Resolved, "stop lands before the first fix attempt")
}

func TestRun_PauseThenResume(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m"},
	}}
	f := newFixture(t, &fakeProvider{}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "original\n")

	msgs := run(t, f,
		startMsg(f, false),
		ipc.New(ipc.TypePause, f.session.ID),
		ipc.New(ipc.TypeResume, f.session.ID),
	)

	var pausedSeen bool
	for _, msg := range msgs {
		if p, ok := msg.Payload.(ipc.StatusPayload); ok && p.Status == "paused" {
			pausedSeen = true
		}
	}
	assert.True(t, pausedSeen, "pause must be reported before parking")

	summary := lastComplete(t, msgs).Summary
	assert.Equal(t, 1, summary.Resolved, "work continues after resume")
	assert.False(t, summary.Stopped)
}

func TestRun_AnalyzerErrorIsFatal(t *testing.T) {
	f := newFixture(t, &fakeProvider{}, &fakeAnalyzer{err: errors.New("linter missing")}, &fakeVerifier{})

	msgs := run(t, f, startMsg(f, false))

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, ipc.TypeError, last.Type)
	p := last.Payload.(ipc.ErrorPayload)
	assert.True(t, p.Fatal)
	assert.Contains(t, p.Error, "analyze repository")
}

func TestRun_ResumeReloadsFromStore(t *testing.T) {
	// On resume the persisted issue set is authoritative; the analyzer must not
	// run again.
	a := &fakeAnalyzer{err: errors.New("must not be called")}
	f := newFixture(t, &fakeProvider{}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "original\n")

	require.NoError(t, f.store.ReplaceIssues(context.Background(), f.session.ID, []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m"},
	}))

	msgs := run(t, f, startMsg(f, true))

	assert.Equal(t, 0, a.calls)
	summary := lastComplete(t, msgs).Summary
	assert.Equal(t, 1, summary.Resolved)
}

func TestRun_PanicBecomesFatalError(t *testing.T) {
	a := &fakeAnalyzer{issues: []*models.Issue{
		{File: "a.go", Line: 1, Rule: "unused", Message: "m"},
	}}
	f := newFixture(t, &fakeProvider{panicOn: true}, a, &fakeVerifier{})
	writeFile(t, f.repo, "a.go", "original\n")

	msgs := run(t, f, startMsg(f, false))

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, ipc.TypeError, last.Type)
	p := last.Payload.(ipc.ErrorPayload)
	assert.True(t, p.Fatal)
	assert.Contains(t, p.Error, "panic")
	assert.NotEmpty(t, p.Stack)
}
