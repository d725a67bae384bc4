// Package analyzer detects code-quality issues in a repository.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/remedyhq/remedy/internal/models"
)

// CodeAnalyzer is the single capability remedy needs from static analysis.
type CodeAnalyzer interface {
	Analyze(ctx context.Context, repoPath string, types, excludePatterns []string) ([]*models.Issue, error)
}

// Command runs a configured lint command and parses its findings. The command
// is expected to print one finding per line as "file:line: rule: message"
// (the common compiler/linter shape); unparseable lines are skipped.
type Command struct {
	Cmd string
}

// NewCommand creates a command-backed analyzer.
func NewCommand(cmd string) *Command {
	return &Command{Cmd: cmd}
}

// Analyze runs the lint command in the repo and returns the parsed issues.
// A non-zero exit is expected when findings exist and is not an error.
func (c *Command) Analyze(ctx context.Context, repoPath string, types, excludePatterns []string) ([]*models.Issue, error) {
	if c.Cmd == "" {
		return nil, fmt.Errorf("no analyze command configured")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Cmd)
	cmd.Dir = repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run analyzer: %w", err)
		}
	}

	var issues []*models.Issue
	for _, line := range strings.Split(stdout.String()+"\n"+stderr.String(), "\n") {
		issue, ok := parseFinding(line)
		if !ok {
			continue
		}
		if excluded(issue.File, excludePatterns) {
			continue
		}
		if len(types) > 0 && !contains(types, issue.Rule) {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// parseFinding parses "file:line: rule: message" into an issue.
func parseFinding(line string) (*models.Issue, bool) {
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 {
		return nil, false
	}
	lineNo, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, false
	}
	return &models.Issue{
		File:     strings.TrimSpace(parts[0]),
		Line:     lineNo,
		Rule:     strings.TrimSpace(parts[2]),
		Severity: models.IssueSeverityWarning,
		Message:  strings.TrimSpace(parts[3]),
		Status:   models.IssueStatusPending,
	}, true
}

func excluded(file string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, file); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(file)); ok {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
