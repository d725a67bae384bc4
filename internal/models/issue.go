package models

import "time"

// IssueStatus represents the remediation state of a detected issue.
type IssueStatus string

const (
	IssueStatusPending  IssueStatus = "pending"
	IssueStatusResolved IssueStatus = "resolved"
	IssueStatusFailed   IssueStatus = "failed"
)

// IssueSeverity represents how serious a detected issue is.
type IssueSeverity string

const (
	IssueSeverityInfo    IssueSeverity = "info"
	IssueSeverityWarning IssueSeverity = "warning"
	IssueSeverityError   IssueSeverity = "error"
)

// Issue represents one code-quality finding within a session.
type Issue struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	File      string        `json:"file"`
	Line      int           `json:"line"`
	Rule      string        `json:"rule"`
	Severity  IssueSeverity `json:"severity"`
	Message   string        `json:"message"`
	Status    IssueStatus   `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
