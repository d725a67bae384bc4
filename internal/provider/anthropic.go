package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic generates fixes via the Anthropic Messages API.
type Anthropic struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropic creates an Anthropic-backed provider with the given API key and model.
func NewAnthropic(apiKey, model string) *Anthropic {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{
		api:   &client,
		model: anthropic.Model(model),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

// buildFixPrompt constructs the system and user prompts for fix generation.
func buildFixPrompt(req FixRequest) (system string, user string) {
	system = `You fix code-quality issues. Return ONLY a JSON object with these fields:
- "file_path": the path of the file being fixed (copy it from the input)
- "updated_content": the complete corrected content of the file
- "explanation": 1-2 sentences describing the change

Rules:
- Fix only the reported issue; keep all unrelated code byte-identical
- Preserve the file's existing formatting and style
- Return valid JSON only, no markdown fencing or explanation outside the JSON`

	var sb strings.Builder
	sb.WriteString("Issue: ")
	sb.WriteString(req.Issue.Rule)
	sb.WriteString(" at ")
	sb.WriteString(fmt.Sprintf("%s:%d", req.Issue.File, req.Issue.Line))
	sb.WriteString("\n")
	sb.WriteString(req.Issue.Message)
	sb.WriteString("\n\nFile content:\n")
	sb.WriteString(req.FileContent)
	user = sb.String()
	return
}

// GenerateFix sends the issue and file to the LLM and returns a structured fix.
// Rate limits and transient API failures are classified so the fallback router
// can fail over; everything else propagates unchanged.
func (a *Anthropic) GenerateFix(ctx context.Context, req FixRequest) (*Fix, error) {
	systemPrompt, userPrompt := buildFixPrompt(req)

	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, a.classify(err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	// Strip markdown fencing if present
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var fix Fix
	if err := json.Unmarshal([]byte(text), &fix); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if fix.FilePath == "" {
		fix.FilePath = req.Issue.File
	}

	return &fix, nil
}

// classify maps API errors onto the failover taxonomy.
func (a *Anthropic) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Provider: a.Name(), Err: err}
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return &RateLimitError{Provider: a.Name(), RetryAfter: retryAfter(apierr)}
		case apierr.StatusCode == 408, apierr.StatusCode == 529, apierr.StatusCode >= 500:
			return &RetryableError{Provider: a.Name(), Err: err}
		}
	}

	return fmt.Errorf("anthropic API call: %w", err)
}

// retryAfter reads the Retry-After header, if the response carried one.
func retryAfter(apierr *anthropic.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	v := apierr.Response.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
