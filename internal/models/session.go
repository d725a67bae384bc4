package models

import "time"

// SessionStatus represents the lifecycle state of a remediation session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status never transitions further.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusStopped || s == SessionStatusCompleted || s == SessionStatusFailed
}

// SessionConfig holds the per-session remediation settings.
// Persisted as a JSON column on the session row.
type SessionConfig struct {
	IssueTypes            []string `json:"issue_types,omitempty"`
	ExcludePatterns       []string `json:"exclude_patterns,omitempty"`
	VerifyCommand         string   `json:"verify_command,omitempty"`
	AutoCheckpointMinutes int      `json:"auto_checkpoint_minutes,omitempty"`
	UseProcessIsolation   bool     `json:"use_process_isolation,omitempty"`
	Model                 string   `json:"model,omitempty"`
}

// Session represents one bounded remediation run against a repository branch.
type Session struct {
	ID             string        `json:"id"`
	RepoPath       string        `json:"repo_path"`
	CleaningBranch string        `json:"cleaning_branch"`
	Status         SessionStatus `json:"status"`
	MaxTimeMinutes int           `json:"max_time_minutes"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	Config         SessionConfig `json:"config"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
