package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
)

var (
	// ErrCapacityExceeded is returned when the worker ceiling is reached.
	// Checked before any spawn; never retried automatically.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")
	// ErrAlreadyRunning is returned when a session already has a live worker.
	ErrAlreadyRunning = errors.New("worker already running for session")
)

// Listener receives a worker's outbound messages. Listeners are scoped to the
// handle and dropped with it.
type Listener func(msg ipc.Message)

// Handle is the ownership record for one live worker. Held exclusively by the
// manager while the worker is alive; never shared between sessions.
type Handle struct {
	SessionID string

	conn Conn
	done chan struct{}

	mu        sync.Mutex
	status    ipc.StatusPayload
	listeners []Listener
	backlog   []ipc.Message
	killed    bool
}

// Status returns the worker's last reported status.
func (h *Handle) Status() ipc.StatusPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Subscribe registers a listener for this worker's messages. Messages that
// arrived before the first subscriber are replayed to it, so a worker that
// finishes immediately cannot slip its terminal message past the caller.
func (h *Handle) Subscribe(l Listener) {
	h.mu.Lock()
	backlog := h.backlog
	h.backlog = nil
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
	for _, msg := range backlog {
		l(msg)
	}
}

// Done closes when the worker's transport has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) notify(msg ipc.Message) {
	h.mu.Lock()
	if len(h.listeners) == 0 {
		h.backlog = append(h.backlog, msg)
		h.mu.Unlock()
		return
	}
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()
	for _, l := range listeners {
		l(msg)
	}
}

// ExitFunc is called when a worker's transport ends without a terminal
// complete/error message — an abnormal termination. The manager stops
// tracking the worker but makes no session-status decision; that is the
// caller's call.
type ExitFunc func(sessionID string, err error)

// Manager owns the session-to-worker map, the concurrency ceiling, and the
// translation of control calls into wire messages.
type Manager struct {
	goroutine Backend
	process   Backend
	max       int
	onExit    ExitFunc

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates a manager with the given backends and worker ceiling.
func NewManager(goroutine, process Backend, max int) *Manager {
	if max <= 0 {
		max = 4
	}
	return &Manager{
		goroutine: goroutine,
		process:   process,
		max:       max,
		handles:   make(map[string]*Handle),
	}
}

// OnExit sets the abnormal-termination callback.
func (m *Manager) OnExit(fn ExitFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// StartWorker launches a worker for the session and sends the start message.
// Start is fire-and-forget: the handle returns before the worker has
// necessarily booted; completion is observed via messages.
func (m *Manager) StartWorker(ctx context.Context, session *models.Session, isolated, resume bool) (*Handle, error) {
	m.mu.Lock()
	if len(m.handles) >= m.max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d workers active", ErrCapacityExceeded, m.max)
	}
	if _, exists := m.handles[session.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, session.ID)
	}
	// Reserve the slot before spawning so a concurrent start cannot race past
	// the ceiling.
	h := &Handle{SessionID: session.ID, done: make(chan struct{})}
	m.handles[session.ID] = h
	m.mu.Unlock()

	backend := m.goroutine
	if isolated {
		backend = m.process
	}

	conn, err := backend.Start(ctx, session)
	if err != nil {
		m.remove(session.ID)
		close(h.done)
		return nil, fmt.Errorf("start worker: %w", err)
	}
	h.conn = conn

	start := ipc.NewWithPayload(ipc.TypeStart, session.ID, ipc.StartPayload{Session: session, Resume: resume})
	if err := conn.Send(start); err != nil {
		_ = conn.Kill()
		m.remove(session.ID)
		close(h.done)
		return nil, fmt.Errorf("send start message: %w", err)
	}

	go m.readLoop(h)
	return h, nil
}

// readLoop dispatches one worker's messages until its transport ends.
func (m *Manager) readLoop(h *Handle) {
	defer close(h.done)
	terminal := false

	for msg := range h.conn.Recv() {
		switch msg.Type {
		case ipc.TypeStatus:
			if p, ok := msg.Payload.(ipc.StatusPayload); ok {
				h.mu.Lock()
				h.status = p
				h.mu.Unlock()
			}
		case ipc.TypeEvent:
			// Re-emitted verbatim to listeners.
			h.notify(msg)
		case ipc.TypeComplete:
			terminal = true
			m.remove(h.SessionID)
			h.notify(msg)
		case ipc.TypeError:
			p, _ := msg.Payload.(ipc.ErrorPayload)
			// Non-fatal errors are informational; the worker stays registered.
			if p.Fatal {
				terminal = true
				m.remove(h.SessionID)
			}
			h.notify(msg)
		}
	}

	h.mu.Lock()
	killed := h.killed
	h.mu.Unlock()

	if !terminal && !killed {
		// Transport ended without complete/error: worker crashed. Stop
		// tracking it and surface the ambiguity; the session keeps its last
		// persisted status for operator or startup recovery.
		slog.Warn("worker exited without terminal message", slog.String("session_id", h.SessionID))
		m.remove(h.SessionID)
		m.mu.Lock()
		onExit := m.onExit
		m.mu.Unlock()
		if onExit != nil {
			onExit(h.SessionID, errors.New("worker exited unexpectedly"))
		}
	}
}

// GetWorker returns the handle for a session, or nil when none exists.
func (m *Manager) GetWorker(sessionID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[sessionID]
}

// Count returns the number of live workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Pause sends a cooperative pause. No-op when no handle exists; stop-after-
// completion races are expected, so missing handles are not an error.
func (m *Manager) Pause(sessionID string) error {
	return m.sendControl(sessionID, ipc.TypePause)
}

// Resume sends a cooperative resume. No-op when no handle exists.
func (m *Manager) Resume(sessionID string) error {
	return m.sendControl(sessionID, ipc.TypeResume)
}

// Stop sends a cooperative stop, letting the worker finish its current step.
// No-op when no handle exists.
func (m *Manager) Stop(sessionID string) error {
	return m.sendControl(sessionID, ipc.TypeStop)
}

func (m *Manager) sendControl(sessionID string, t ipc.Type) error {
	h := m.GetWorker(sessionID)
	if h == nil {
		return nil
	}
	return h.conn.Send(ipc.New(t, sessionID))
}

// Kill forcibly terminates the worker and drops the handle.
func (m *Manager) Kill(sessionID string) error {
	h := m.GetWorker(sessionID)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	m.remove(sessionID)
	return h.conn.Kill()
}

// StopWithGrace sends a cooperative stop and escalates to Kill when the
// worker does not finish within the grace period.
func (m *Manager) StopWithGrace(ctx context.Context, sessionID string, grace time.Duration) error {
	h := m.GetWorker(sessionID)
	if h == nil {
		return nil
	}
	if err := h.conn.Send(ipc.New(ipc.TypeStop, sessionID)); err != nil {
		return m.Kill(sessionID)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		slog.Warn("worker did not stop within grace period, killing",
			slog.String("session_id", sessionID), slog.Duration("grace", grace))
		return m.Kill(sessionID)
	case <-ctx.Done():
		return m.Kill(sessionID)
	}
}

// Shutdown kills every live worker. Used by the composition root on exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.mu.Lock()
		h.killed = true
		h.mu.Unlock()
		m.remove(h.SessionID)
		_ = h.conn.Kill()
	}
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, sessionID)
}
