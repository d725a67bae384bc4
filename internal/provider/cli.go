package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLI generates fixes by shelling out to a local agent binary (claude -p).
// It serves as a failover backend when the API provider is unavailable.
type CLI struct {
	binary string
}

// NewCLI creates a CLI provider. An empty binary defaults to "claude".
func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = "claude"
	}
	return &CLI{binary: binary}
}

func (c *CLI) Name() string { return "cli" }

// filteredEnv returns os.Environ() with the named keys removed. CLAUDECODE
// must not be inherited by child claude processes, which would refuse to
// start when remedy itself runs inside Claude Code.
func filteredEnv(remove ...string) []string {
	skip := make(map[string]bool, len(remove))
	for _, k := range remove {
		skip[k] = true
	}
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if idx := strings.IndexByte(e, '='); idx > 0 && skip[e[:idx]] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// GenerateFix runs the agent binary in print mode and parses its JSON output.
func (c *CLI) GenerateFix(ctx context.Context, req FixRequest) (*Fix, error) {
	system, user := buildFixPrompt(req)
	prompt := system + "\n\n" + user

	cmd := exec.CommandContext(ctx, c.binary,
		"-p", prompt,
		"--output-format", "json",
		"--max-turns", "1",
	)
	cmd.Env = filteredEnv("CLAUDECODE")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RetryableError{Provider: c.Name(), Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &RetryableError{Provider: c.Name(),
				Err: fmt.Errorf("%s exited: %s", c.binary, strings.TrimSpace(stderr.String()))}
		}
		// Binary missing or unrunnable: not transient, no failover benefit in
		// retrying it, but the next backend should still get a shot.
		return nil, &RetryableError{Provider: c.Name(), Err: err}
	}

	// claude --output-format json wraps the answer in a result envelope.
	var envelope struct {
		Result string `json:"result"`
	}
	text := strings.TrimSpace(stdout.String())
	if err := json.Unmarshal([]byte(text), &envelope); err == nil && envelope.Result != "" {
		text = strings.TrimSpace(envelope.Result)
	}
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}

	var fix Fix
	if err := json.Unmarshal([]byte(text), &fix); err != nil {
		return nil, fmt.Errorf("parse agent output as JSON: %w\nraw output: %s", err, text)
	}
	if fix.FilePath == "" {
		fix.FilePath = req.Issue.File
	}
	return &fix, nil
}
