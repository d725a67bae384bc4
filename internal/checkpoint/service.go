// Package checkpoint provides git-native snapshot/restore of repository state
// correlated with issue-fix progress.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remedyhq/remedy/internal/git"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/tracker"
)

// ErrNoCommit is returned when the repository has no readable HEAD commit.
var ErrNoCommit = errors.New("repository has no current commit")

// RestoreResult reports a restore outcome. Restore failures are results, not
// errors, because the caller decides whether to retry or abort the session.
type RestoreResult struct {
	Success    bool
	Checkpoint *models.Checkpoint
	Err        error
}

// Service creates and restores checkpoints for one session.
type Service struct {
	store     store.Store
	git       git.Client
	tracker   *tracker.IssueTracker
	repoPath  string
	sessionID string
	branch    string

	mu         sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
}

// NewService creates a checkpoint service bound to a session's repo and branch.
func NewService(s store.Store, g git.Client, t *tracker.IssueTracker, repoPath, sessionID, branch string) *Service {
	return &Service{
		store:     s,
		git:       g,
		tracker:   t,
		repoPath:  repoPath,
		sessionID: sessionID,
		branch:    branch,
	}
}

// Create snapshots the current repository state and issue progress. Tag
// creation failure is a warning, not fatal: restore falls back to the raw
// commit hash.
func (s *Service) Create(ctx context.Context, description string, metrics map[string]float64) (*models.Checkpoint, error) {
	hash, err := s.git.CurrentCommit(s.repoPath)
	if err != nil || hash == "" {
		return nil, fmt.Errorf("%w: %v", ErrNoCommit, err)
	}

	cp := &models.Checkpoint{
		ID:          store.NewULID(),
		SessionID:   s.sessionID,
		CommitHash:  hash,
		Branch:      s.branch,
		Description: description,
		Progress:    s.tracker.Stats(),
		Metrics:     metrics,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.git.CreateAnnotatedTag(s.repoPath, cp.TagName(), description); err != nil {
		slog.Warn("checkpoint tag creation failed, restore will use commit hash",
			slog.String("checkpoint_id", cp.ID), slog.Any("error", err))
	}

	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	return cp, nil
}

// Restore checks out the checkpointed commit on a new branch and reloads
// issue state. Uncommitted changes are stashed first, never discarded.
func (s *Service) Restore(ctx context.Context, id string) *RestoreResult {
	cp, err := s.store.GetCheckpoint(ctx, id)
	if err != nil {
		return &RestoreResult{Err: err}
	}

	dirty, err := s.git.IsDirty(s.repoPath)
	if err != nil {
		return &RestoreResult{Checkpoint: cp, Err: fmt.Errorf("check working tree: %w", err)}
	}
	if dirty {
		msg := fmt.Sprintf("remedy: stash before restoring checkpoint %s", cp.ID)
		if err := s.git.StashPush(s.repoPath, msg); err != nil {
			return &RestoreResult{Checkpoint: cp, Err: fmt.Errorf("stash working tree: %w", err)}
		}
	}

	// Checkout by tag, falling back to the raw commit hash if the tag was
	// deleted out-of-band.
	ref := cp.TagName()
	if !s.git.TagExists(s.repoPath, ref) {
		ref = cp.CommitHash
	}
	if err := s.git.Checkout(s.repoPath, ref); err != nil {
		if ref != cp.CommitHash {
			err = s.git.Checkout(s.repoPath, cp.CommitHash)
		}
		if err != nil {
			return &RestoreResult{Checkpoint: cp, Err: fmt.Errorf("checkout checkpoint: %w", err)}
		}
	}

	// A fresh branch keeps the original cleaning branch history inspectable.
	restoreBranch := "remedy-restore-" + cp.ID
	if err := s.git.CreateBranch(s.repoPath, restoreBranch, ""); err != nil {
		return &RestoreResult{Checkpoint: cp, Err: fmt.Errorf("create restore branch: %w", err)}
	}

	if err := s.tracker.LoadFromStore(ctx); err != nil {
		return &RestoreResult{Checkpoint: cp, Err: fmt.Errorf("reload issue state: %w", err)}
	}

	return &RestoreResult{Success: true, Checkpoint: cp}
}

// Delete removes the checkpoint's git tag and its database record.
func (s *Service) Delete(ctx context.Context, id string) error {
	cp, err := s.store.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if s.git.TagExists(s.repoPath, cp.TagName()) {
		if err := s.git.DeleteTag(s.repoPath, cp.TagName()); err != nil {
			return fmt.Errorf("delete checkpoint tag: %w", err)
		}
	}
	return s.store.DeleteCheckpoint(ctx, id)
}

// DeleteForSession removes every checkpoint for the session. Tags go first so
// a partial failure cannot orphan them behind a bulk record delete.
func (s *Service) DeleteForSession(ctx context.Context) (int64, error) {
	cps, err := s.store.ListCheckpoints(ctx, s.sessionID)
	if err != nil {
		return 0, err
	}
	for _, cp := range cps {
		if s.git.TagExists(s.repoPath, cp.TagName()) {
			if err := s.git.DeleteTag(s.repoPath, cp.TagName()); err != nil {
				return 0, fmt.Errorf("delete tag for checkpoint %s: %w", cp.ID, err)
			}
		}
	}
	return s.store.DeleteCheckpointsForSession(ctx, s.sessionID)
}

// StartAuto begins periodic auto-checkpointing. Failures inside the tick are
// logged and must not stop the timer loop.
func (s *Service) StartAuto(ctx context.Context, interval time.Duration, metricsFn func() map[string]float64) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.autoCancel = cancel
	done := make(chan struct{})
	s.autoDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var metrics map[string]float64
				if metricsFn != nil {
					metrics = metricsFn()
				}
				if _, err := s.Create(ctx, "Auto checkpoint", metrics); err != nil {
					slog.Warn("auto checkpoint failed",
						slog.String("session_id", s.sessionID), slog.Any("error", err))
				}
			}
		}
	}()
}

// StopAuto stops the auto-checkpoint loop. Safe to call when not running.
func (s *Service) StopAuto() {
	s.mu.Lock()
	cancel := s.autoCancel
	done := s.autoDone
	s.autoCancel = nil
	s.autoDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
