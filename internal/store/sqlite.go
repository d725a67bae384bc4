package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyhq/remedy/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from timer and worker callbacks.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewULID generates a new ULID string.
func NewULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionCols = `id, repo_path, cleaning_branch, status, max_time_minutes, failure_reason, config, started_at, ended_at, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = NewULID()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = models.SessionStatusPending
	}

	config, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RepoPath, sess.CleaningBranch, string(sess.Status), sess.MaxTimeMinutes,
		sess.FailureReason, string(config), nullTime(sess.StartedAt), sess.EndedAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, statuses []models.SessionStatus) ([]*models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE status IN (`+placeholders+`) ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()

	config, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET repo_path = ?, cleaning_branch = ?, status = ?, max_time_minutes = ?,
		failure_reason = ?, config = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		sess.RepoPath, sess.CleaningBranch, string(sess.Status), sess.MaxTimeMinutes,
		sess.FailureReason, string(config), nullTime(sess.StartedAt), sess.EndedAt, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Checkpoints ---

const checkpointCols = `id, session_id, commit_hash, branch, description, progress, metrics, created_at`

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = NewULID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	progress, err := json.Marshal(cp.Progress)
	if err != nil {
		return fmt.Errorf("marshal checkpoint progress: %w", err)
	}
	var metrics *string
	if cp.Metrics != nil {
		data, err := json.Marshal(cp.Metrics)
		if err != nil {
			return fmt.Errorf("marshal checkpoint metrics: %w", err)
		}
		str := string(data)
		metrics = &str
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.CommitHash, cp.Branch, cp.Description, string(progress), metrics, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointCols+` FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteCheckpointsForSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints for session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Issues ---

func (s *SQLiteStore) ReplaceIssues(ctx context.Context, sessionID string, issues []*models.Issue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear issues: %w", err)
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
		_, err := tx.ExecContext(ctx,
			`INSERT INTO issues (id, session_id, file, line, rule, severity, message, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			issue.ID, issue.SessionID, issue.File, issue.Line, issue.Rule,
			string(issue.Severity), issue.Message, string(issue.Status), issue.CreatedAt, issue.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit issues: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, sessionID string) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, file, line, rule, severity, message, status, created_at, updated_at
		FROM issues WHERE session_id = ? ORDER BY file, line`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		i := &models.Issue{}
		var severity, status string
		if err := rows.Scan(&i.ID, &i.SessionID, &i.File, &i.Line, &i.Rule, &severity, &i.Message, &status, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		i.Severity = models.IssueSeverity(severity)
		i.Status = models.IssueStatus(status)
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

func (s *SQLiteStore) UpdateIssueStatus(ctx context.Context, id string, status models.IssueStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update issue status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) IssueProgress(ctx context.Context, sessionID string) (models.IssueProgress, error) {
	var p models.IssueProgress
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM issues WHERE session_id = ? GROUP BY status`, sessionID)
	if err != nil {
		return p, fmt.Errorf("issue progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return p, fmt.Errorf("scan issue progress: %w", err)
		}
		switch models.IssueStatus(status) {
		case models.IssueStatusResolved:
			p.Resolved = count
		case models.IssueStatusFailed:
			p.Failed = count
		case models.IssueStatusPending:
			p.Pending = count
		}
		p.Total += count
	}
	return p, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var status, config string
	var startedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.RepoPath, &sess.CleaningBranch, &status, &sess.MaxTimeMinutes,
		&sess.FailureReason, &config, &startedAt, &sess.EndedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	if startedAt.Valid {
		sess.StartedAt = startedAt.Time
	}
	if err := json.Unmarshal([]byte(config), &sess.Config); err != nil {
		return nil, fmt.Errorf("parse session config: %w", err)
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var progress string
	var metrics sql.NullString
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.CommitHash, &cp.Branch, &cp.Description, &progress, &metrics, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(progress), &cp.Progress); err != nil {
		return nil, fmt.Errorf("parse checkpoint progress: %w", err)
	}
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &cp.Metrics); err != nil {
			return nil, fmt.Errorf("parse checkpoint metrics: %w", err)
		}
	}
	return cp, nil
}

// nullTime maps the zero time to NULL for storage.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
