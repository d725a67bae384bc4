package models

import "time"

// IssueProgress is a point-in-time snapshot of issue counts for a session.
type IssueProgress struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// Checkpoint is a named, restorable snapshot of repository state plus issue
// progress. Immutable once created; restore never mutates the record.
type Checkpoint struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	CommitHash  string             `json:"commit_hash"`
	Branch      string             `json:"branch"`
	Description string             `json:"description"`
	Progress    IssueProgress      `json:"progress"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// TagName returns the deterministic git tag name for this checkpoint.
func (c *Checkpoint) TagName() string {
	return "remedy-cp-" + c.ID
}
