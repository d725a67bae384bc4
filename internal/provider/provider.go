// Package provider routes fix-generation requests to AI backends.
package provider

import (
	"context"

	"github.com/remedyhq/remedy/internal/models"
)

// FixRequest asks a backend to produce a fix for one issue.
type FixRequest struct {
	SessionID   string
	Issue       *models.Issue
	FileContent string
}

// Fix is a backend-proposed remediation for a single file.
type Fix struct {
	FilePath       string `json:"file_path"`
	UpdatedContent string `json:"updated_content"`
	Explanation    string `json:"explanation"`
}

// AIProvider is the single capability remedy needs from an AI backend.
type AIProvider interface {
	Name() string
	GenerateFix(ctx context.Context, req FixRequest) (*Fix, error)
}
