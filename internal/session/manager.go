// Package session owns the session lifecycle state machine, the max-time
// timer, and the link between persisted sessions and live workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/remedyhq/remedy/internal/checkpoint"
	"github.com/remedyhq/remedy/internal/git"
	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/tracker"
	"github.com/remedyhq/remedy/internal/worker"
)

// InvalidTransitionError is returned for illegal state-machine moves. Rejected
// synchronously before any side effect; never retried automatically.
type InvalidTransitionError struct {
	From   models.SessionStatus
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s session in status %q", e.Action, e.From)
}

// maxTimeDuration converts the configured budget to a timer duration. A
// package-level variable so tests can compress time.
var maxTimeDuration = func(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// Subscriber receives worker messages forwarded per session.
type Subscriber func(sessionID string, msg ipc.Message)

// Options configures the session manager.
type Options struct {
	// StopGrace bounds cooperative stop before escalating to kill.
	StopGrace time.Duration
}

// Manager is the only component that mutates persisted session state. It is
// constructed once at the composition root and passed down.
type Manager struct {
	store   store.Store
	workers *worker.Manager
	git     git.Client
	opts    Options

	mu          sync.Mutex
	timers      map[string]*time.Timer
	subscribers []Subscriber
}

// NewManager wires a session manager to its store, worker manager, and git
// client.
func NewManager(s store.Store, w *worker.Manager, g git.Client, opts Options) *Manager {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	m := &Manager{
		store:   s,
		workers: w,
		git:     g,
		opts:    opts,
		timers:  make(map[string]*time.Timer),
	}
	w.OnExit(m.handleWorkerExit)
	return m
}

// Workers exposes the worker manager for live-status reads.
func (m *Manager) Workers() *worker.Manager { return m.workers }

// Subscribe registers a subscriber for forwarded worker events.
func (m *Manager) Subscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Create persists a new pending session for the repository.
func (m *Manager) Create(ctx context.Context, repoPath, branch string, maxTimeMinutes int, cfg models.SessionConfig) (*models.Session, error) {
	if _, err := os.Stat(repoPath); err != nil {
		return nil, fmt.Errorf("repository path: %w", err)
	}
	if branch == "" {
		b, err := m.git.CurrentBranch(repoPath)
		if err != nil {
			return nil, fmt.Errorf("resolve cleaning branch: %w", err)
		}
		branch = b
	}
	session := &models.Session{
		RepoPath:       repoPath,
		CleaningBranch: branch,
		Status:         models.SessionStatusPending,
		MaxTimeMinutes: maxTimeMinutes,
		Config:         cfg,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the persisted session.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns recent sessions.
func (m *Manager) List(ctx context.Context, limit int) ([]*models.Session, error) {
	return m.store.ListSessions(ctx, limit)
}

// Start transitions pending/paused → running: sets StartedAt once, arms the
// max-time timer, and asks the worker manager to start or resume the worker.
func (m *Manager) Start(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusPending && session.Status != models.SessionStatusPaused {
		return &InvalidTransitionError{From: session.Status, Action: "start"}
	}

	resume := session.Status == models.SessionStatusPaused
	if err := m.ensureWorker(ctx, session, resume); err != nil {
		return err
	}

	session.Status = models.SessionStatusRunning
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}

	m.armTimer(session.ID, session.MaxTimeMinutes)
	return nil
}

// ensureWorker resumes a still-live paused worker or starts a fresh one.
func (m *Manager) ensureWorker(ctx context.Context, session *models.Session, resume bool) error {
	if resume && m.workers.GetWorker(session.ID) != nil {
		return m.workers.Resume(session.ID)
	}
	h, err := m.workers.StartWorker(ctx, session, session.Config.UseProcessIsolation, resume)
	if err != nil {
		return err
	}
	h.Subscribe(func(msg ipc.Message) { m.onWorkerMessage(session.ID, msg) })
	return nil
}

// onWorkerMessage reacts to a worker's terminal messages and forwards
// everything to subscribers.
func (m *Manager) onWorkerMessage(sessionID string, msg ipc.Message) {
	switch msg.Type {
	case ipc.TypeComplete:
		// A stop- or timer-driven transition may already have landed; a
		// late complete from the worker is then expected and ignored.
		if err := m.Complete(context.Background(), sessionID); err != nil {
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				slog.Error("complete session from worker message failed",
					slog.String("session_id", sessionID), slog.Any("error", err))
			}
		}
	case ipc.TypeError:
		if p, ok := msg.Payload.(ipc.ErrorPayload); ok && p.Fatal {
			if err := m.Fail(context.Background(), sessionID, p.Error); err != nil {
				var ite *InvalidTransitionError
				if !errors.As(err, &ite) {
					slog.Error("fail session from worker message failed",
						slog.String("session_id", sessionID), slog.Any("error", err))
				}
			}
		}
	}

	m.mu.Lock()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()
	for _, sub := range subs {
		sub(sessionID, msg)
	}
}

// Pause transitions running → paused, disarms the timer, and sends the
// cooperative pause message.
func (m *Manager) Pause(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusRunning {
		return &InvalidTransitionError{From: session.Status, Action: "pause"}
	}

	m.disarmTimer(id)
	if err := m.workers.Pause(id); err != nil {
		slog.Warn("pause message failed", slog.String("session_id", id), slog.Any("error", err))
	}

	session.Status = models.SessionStatusPaused
	return m.store.UpdateSession(ctx, session)
}

// Resume transitions paused → running. The timer is re-armed for the full
// configured duration: elapsed time does not carry over across a pause
// (documented simplification, not a bug fix target).
func (m *Manager) Resume(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusPaused {
		return &InvalidTransitionError{From: session.Status, Action: "resume"}
	}

	if err := m.ensureWorker(ctx, session, true); err != nil {
		return err
	}

	session.Status = models.SessionStatusRunning
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}

	m.armTimer(id, session.MaxTimeMinutes)
	return nil
}

// Stop transitions running/paused → stopped, stops the worker cooperatively,
// and kills it if the grace period expires.
func (m *Manager) Stop(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusRunning && session.Status != models.SessionStatusPaused {
		return &InvalidTransitionError{From: session.Status, Action: "stop"}
	}

	m.disarmTimer(id)
	now := time.Now().UTC()
	session.Status = models.SessionStatusStopped
	session.EndedAt = &now
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}

	return m.workers.StopWithGrace(ctx, id, m.opts.StopGrace)
}

// Complete transitions any non-terminal session to completed. Fired by the
// worker's complete message or the max-time timer.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.finish(ctx, id, models.SessionStatusCompleted, "")
}

// Fail transitions any non-terminal session to failed with a reason.
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	return m.finish(ctx, id, models.SessionStatusFailed, reason)
}

func (m *Manager) finish(ctx context.Context, id string, status models.SessionStatus, reason string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return &InvalidTransitionError{From: session.Status, Action: string(status)}
	}

	m.disarmTimer(id)
	now := time.Now().UTC()
	session.Status = status
	session.EndedAt = &now
	session.FailureReason = reason
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}

	// The worker is usually gone already (terminal message removes the
	// handle). A timer-driven completion still has a live worker to wind down.
	if m.workers.GetWorker(id) != nil {
		go func() {
			if err := m.workers.StopWithGrace(context.Background(), id, m.opts.StopGrace); err != nil {
				slog.Warn("stop worker after finish failed", slog.String("session_id", id), slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Delete removes a session and its checkpoints. Live sessions are stopped
// cooperatively first; terminal sessions delete directly.
func (m *Manager) Delete(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == models.SessionStatusRunning || session.Status == models.SessionStatusPaused {
		if err := m.Stop(ctx, id); err != nil {
			return fmt.Errorf("stop before delete: %w", err)
		}
	}

	cps := checkpoint.NewService(m.store, m.git, tracker.New(m.store, id), session.RepoPath, id, session.CleaningBranch)
	if _, err := cps.DeleteForSession(ctx); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return m.store.DeleteSession(ctx, id)
}

// Recover force-transitions sessions orphaned in running status by a previous
// crash to paused and flags them for operator resume. Never auto-resumes.
func (m *Manager) Recover(ctx context.Context) ([]*models.Session, error) {
	orphans, err := m.store.ListSessionsByStatus(ctx, []models.SessionStatus{models.SessionStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	var recovered []*models.Session
	for _, session := range orphans {
		session.Status = models.SessionStatusPaused
		if err := m.store.UpdateSession(ctx, session); err != nil {
			slog.Error("recover session failed", slog.String("session_id", session.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("session orphaned by previous crash, paused for resume",
			slog.String("session_id", session.ID), slog.String("repo", session.RepoPath))
		recovered = append(recovered, session)
	}
	return recovered, nil
}

// Shutdown disarms all timers and kills remaining workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.workers.Shutdown()
}

// armTimer schedules the one-shot max-time timer. Zero minutes means no
// budget.
func (m *Manager) armTimer(id string, minutes int) {
	if minutes <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(maxTimeDuration(minutes), func() {
		slog.Info("max session time reached", slog.String("session_id", id))
		if err := m.Complete(context.Background(), id); err != nil {
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				slog.Error("complete on max-time failed", slog.String("session_id", id), slog.Any("error", err))
			}
		}
	})
}

func (m *Manager) disarmTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// handleWorkerExit reacts to abnormal worker termination. The session keeps
// its last persisted status; deciding between failure and resume is left to
// the operator or startup recovery.
func (m *Manager) handleWorkerExit(sessionID string, err error) {
	slog.Warn("worker terminated abnormally, session left in last persisted status",
		slog.String("session_id", sessionID), slog.Any("error", err))
}
