package store

import (
	"context"
	"errors"

	"github.com/remedyhq/remedy/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence interface for remedy.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
	ListSessionsByStatus(ctx context.Context, statuses []models.SessionStatus) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error
	DeleteCheckpointsForSession(ctx context.Context, sessionID string) (int64, error)

	// Issues
	ReplaceIssues(ctx context.Context, sessionID string, issues []*models.Issue) error
	ListIssues(ctx context.Context, sessionID string) ([]*models.Issue, error)
	UpdateIssueStatus(ctx context.Context, id string, status models.IssueStatus) error
	IssueProgress(ctx context.Context, sessionID string) (models.IssueProgress, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
