// Package tracker maintains a session's in-memory issue state, backed by the
// store so restores and resumes can reload it.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
)

// IssueTracker holds the issue set for one session.
type IssueTracker struct {
	store     store.Store
	sessionID string

	mu     sync.Mutex
	issues []*models.Issue
}

// New creates a tracker for the given session.
func New(s store.Store, sessionID string) *IssueTracker {
	return &IssueTracker{store: s, sessionID: sessionID}
}

// SetIssues replaces the tracked issue set and persists it.
func (t *IssueTracker) SetIssues(ctx context.Context, issues []*models.Issue) error {
	if err := t.store.ReplaceIssues(ctx, t.sessionID, issues); err != nil {
		return fmt.Errorf("persist issues: %w", err)
	}
	t.mu.Lock()
	t.issues = issues
	t.mu.Unlock()
	return nil
}

// LoadFromStore reloads issue state from persistence, discarding in-memory state.
func (t *IssueTracker) LoadFromStore(ctx context.Context) error {
	issues, err := t.store.ListIssues(ctx, t.sessionID)
	if err != nil {
		return fmt.Errorf("load issues: %w", err)
	}
	t.mu.Lock()
	t.issues = issues
	t.mu.Unlock()
	return nil
}

// Next returns the first pending issue, or nil when none remain.
func (t *IssueTracker) Next() *models.Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range t.issues {
		if i.Status == models.IssueStatusPending {
			return i
		}
	}
	return nil
}

// MarkResolved transitions an issue to resolved and persists the change.
func (t *IssueTracker) MarkResolved(ctx context.Context, id string) error {
	return t.mark(ctx, id, models.IssueStatusResolved)
}

// MarkFailed transitions an issue to failed and persists the change.
func (t *IssueTracker) MarkFailed(ctx context.Context, id string) error {
	return t.mark(ctx, id, models.IssueStatusFailed)
}

func (t *IssueTracker) mark(ctx context.Context, id string, status models.IssueStatus) error {
	if err := t.store.UpdateIssueStatus(ctx, id, status); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range t.issues {
		if i.ID == id {
			i.Status = status
			return nil
		}
	}
	return fmt.Errorf("issue %s not tracked", id)
}

// Stats returns the current issue-progress counters.
func (t *IssueTracker) Stats() models.IssueProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	var p models.IssueProgress
	for _, i := range t.issues {
		p.Total++
		switch i.Status {
		case models.IssueStatusResolved:
			p.Resolved++
		case models.IssueStatusFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	return p
}
