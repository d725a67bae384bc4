package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remedyhq/remedy/internal/models"
)

// MemoryStore implements Store using in-memory maps. It exists for tests and
// throwaway runs; it is not a production path.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	checkpoints map[string]*models.Checkpoint
	issues      map[string]*models.Issue
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		checkpoints: make(map[string]*models.Checkpoint),
		issues:      make(map[string]*models.Issue),
	}
}

// --- Sessions ---

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = NewULID()
	}
	if s.Status == "" {
		s.Status = models.SessionStatusPending
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, statuses []models.SessionStatus) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[models.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.Session
	for _, s := range m.sessions {
		if want[s.Status] {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	for cid, cp := range m.checkpoints {
		if cp.SessionID == id {
			delete(m.checkpoints, cid)
		}
	}
	for iid, issue := range m.issues {
		if issue.SessionID == id {
			delete(m.issues, iid)
		}
	}
	return nil
}

// --- Checkpoints ---

func (m *MemoryStore) CreateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.ID == "" {
		cp.ID = NewULID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	c := *cp
	m.checkpoints[cp.ID] = &c
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, id string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	c := *cp
	return &c, nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, sessionID string) ([]*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.SessionID == sessionID {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteCheckpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[id]; !ok {
		return fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	delete(m.checkpoints, id)
	return nil
}

func (m *MemoryStore) DeleteCheckpointsForSession(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, cp := range m.checkpoints {
		if cp.SessionID == sessionID {
			delete(m.checkpoints, id)
			n++
		}
	}
	return n, nil
}

// --- Issues ---

func (m *MemoryStore) ReplaceIssues(_ context.Context, sessionID string, issues []*models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, issue := range m.issues {
		if issue.SessionID == sessionID {
			delete(m.issues, id)
		}
	}
	now := time.Now().UTC()
	for _, issue := range issues {
		if issue.ID == "" {
			issue.ID = NewULID()
		}
		issue.SessionID = sessionID
		if issue.Status == "" {
			issue.Status = models.IssueStatusPending
		}
		issue.CreatedAt = now
		issue.UpdatedAt = now
		c := *issue
		m.issues[issue.ID] = &c
	}
	return nil
}

func (m *MemoryStore) ListIssues(_ context.Context, sessionID string) ([]*models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Issue
	for _, issue := range m.issues {
		if issue.SessionID == sessionID {
			c := *issue
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func (m *MemoryStore) UpdateIssueStatus(_ context.Context, id string, status models.IssueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	issue.Status = status
	issue.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IssueProgress(_ context.Context, sessionID string) (models.IssueProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p models.IssueProgress
	for _, issue := range m.issues {
		if issue.SessionID != sessionID {
			continue
		}
		p.Total++
		switch issue.Status {
		case models.IssueStatusResolved:
			p.Resolved++
		case models.IssueStatusFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	return p, nil
}

// --- Lifecycle ---

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
