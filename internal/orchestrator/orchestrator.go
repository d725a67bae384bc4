// Package orchestrator drives the fix/verify/commit/checkpoint cycle for one
// session inside its worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/remedyhq/remedy/internal/analyzer"
	"github.com/remedyhq/remedy/internal/checkpoint"
	"github.com/remedyhq/remedy/internal/git"
	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/provider"
	"github.com/remedyhq/remedy/internal/tracker"
	"github.com/remedyhq/remedy/internal/verify"
)

// Orchestrator runs the remediation loop for a single session. All working
// tree operations (fix application, verification, checkpoints) are serialized
// by the one loop goroutine.
type Orchestrator struct {
	session     *models.Session
	provider    provider.AIProvider
	analyzer    analyzer.CodeAnalyzer
	verifier    verify.Service
	tracker     *tracker.IssueTracker
	checkpoints *checkpoint.Service
	git         git.Client
}

// New wires an orchestrator from its collaborators.
func New(session *models.Session, p provider.AIProvider, a analyzer.CodeAnalyzer,
	v verify.Service, t *tracker.IssueTracker, cp *checkpoint.Service, g git.Client) *Orchestrator {
	return &Orchestrator{
		session:     session,
		provider:    p,
		analyzer:    a,
		verifier:    v,
		tracker:     t,
		checkpoints: cp,
		git:         g,
	}
}

type control int

const (
	ctrlContinue control = iota
	ctrlStop
)

// Run consumes control messages from in and emits progress on out. It returns
// after emitting a terminal complete or fatal error message.
func (o *Orchestrator) Run(ctx context.Context, in <-chan ipc.Message, out chan<- ipc.Message) {
	defer func() {
		if r := recover(); r != nil {
			out <- ipc.NewWithPayload(ipc.TypeError, o.session.ID, ipc.ErrorPayload{
				Error: fmt.Sprintf("orchestrator panic: %v", r),
				Stack: string(debug.Stack()),
				Fatal: true,
			})
		}
	}()

	start, ok := o.awaitStart(ctx, in)
	if !ok {
		return
	}

	if err := o.loadIssues(ctx, start.Resume); err != nil {
		o.fatal(out, err)
		return
	}

	if _, err := o.checkpoints.Create(ctx, "Initial checkpoint", nil); err != nil {
		o.fatal(out, fmt.Errorf("initial checkpoint: %w", err))
		return
	}
	o.event(out, "checkpoint_created", map[string]any{"description": "Initial checkpoint"})

	if mins := o.session.Config.AutoCheckpointMinutes; mins > 0 {
		o.checkpoints.StartAuto(ctx, time.Duration(mins)*time.Minute, o.metrics)
		defer o.checkpoints.StopAuto()
	}

	stopped := false
	for {
		if o.checkControl(ctx, in, out) == ctrlStop {
			stopped = true
			break
		}
		issue := o.tracker.Next()
		if issue == nil {
			break
		}
		if err := o.fixIssue(ctx, issue, out); err != nil {
			o.fatal(out, err)
			return
		}
		o.status(out, "running", "")
	}

	if _, err := o.checkpoints.Create(ctx, "Final checkpoint", o.metrics()); err != nil {
		// The work is already committed; a missing final checkpoint is not
		// worth failing the session over.
		o.event(out, "checkpoint_failed", map[string]any{"error": err.Error()})
	}

	stats := o.tracker.Stats()
	finalCommit, _ := o.git.CurrentCommit(o.session.RepoPath)
	out <- ipc.NewWithPayload(ipc.TypeComplete, o.session.ID, ipc.CompletePayload{
		Summary: ipc.Summary{
			Total:       stats.Total,
			Resolved:    stats.Resolved,
			Failed:      stats.Failed,
			FinalCommit: finalCommit,
			Stopped:     stopped,
		},
	})
}

// awaitStart blocks until the start message arrives. A stop before start, a
// closed channel, or context cancellation aborts the run silently.
func (o *Orchestrator) awaitStart(ctx context.Context, in <-chan ipc.Message) (ipc.StartPayload, bool) {
	for {
		select {
		case <-ctx.Done():
			return ipc.StartPayload{}, false
		case msg, ok := <-in:
			if !ok {
				return ipc.StartPayload{}, false
			}
			switch msg.Type {
			case ipc.TypeStart:
				if p, ok := msg.Payload.(ipc.StartPayload); ok {
					if p.Session != nil {
						o.session = p.Session
					}
					return p, true
				}
			case ipc.TypeStop:
				return ipc.StartPayload{}, false
			}
		}
	}
}

// loadIssues analyzes the repo on a fresh start or reloads persisted issue
// state on resume.
func (o *Orchestrator) loadIssues(ctx context.Context, resume bool) error {
	if resume {
		if err := o.tracker.LoadFromStore(ctx); err != nil {
			return fmt.Errorf("reload issues: %w", err)
		}
		return nil
	}
	issues, err := o.analyzer.Analyze(ctx, o.session.RepoPath, o.session.Config.IssueTypes, o.session.Config.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("analyze repository: %w", err)
	}
	if err := o.tracker.SetIssues(ctx, issues); err != nil {
		return err
	}
	return nil
}

// checkControl drains pending control messages. Pause parks the loop until
// resume or stop arrives; the current fix attempt is never interrupted
// mid-step because this only runs between steps.
func (o *Orchestrator) checkControl(ctx context.Context, in <-chan ipc.Message, out chan<- ipc.Message) control {
	for {
		select {
		case <-ctx.Done():
			return ctrlStop
		case msg, ok := <-in:
			if !ok {
				return ctrlStop
			}
			switch msg.Type {
			case ipc.TypeStop:
				return ctrlStop
			case ipc.TypePause:
				o.status(out, "paused", "")
				if o.awaitResume(ctx, in) == ctrlStop {
					return ctrlStop
				}
				o.status(out, "running", "")
			}
		default:
			return ctrlContinue
		}
	}
}

func (o *Orchestrator) awaitResume(ctx context.Context, in <-chan ipc.Message) control {
	for {
		select {
		case <-ctx.Done():
			return ctrlStop
		case msg, ok := <-in:
			if !ok {
				return ctrlStop
			}
			switch msg.Type {
			case ipc.TypeResume:
				return ctrlContinue
			case ipc.TypeStop:
				return ctrlStop
			}
		}
	}
}

// fixIssue runs one fix attempt: generate, apply, verify, then commit or roll
// the file back. Per-issue failures mark the issue failed and return nil;
// provider exhaustion is returned as an error and is fatal to the whole run.
// The issue is left pending in that case so a resume can retry it once a
// backend recovers.
func (o *Orchestrator) fixIssue(ctx context.Context, issue *models.Issue, out chan<- ipc.Message) error {
	o.status(out, "running", issue.ID)

	path := filepath.Join(o.session.RepoPath, issue.File)
	original, err := os.ReadFile(path)
	if err != nil {
		o.failIssue(ctx, issue, out, fmt.Errorf("read %s: %w", issue.File, err))
		return nil
	}

	fix, err := o.provider.GenerateFix(ctx, provider.FixRequest{
		SessionID:   o.session.ID,
		Issue:       issue,
		FileContent: string(original),
	})
	if err != nil {
		if errors.Is(err, provider.ErrAllProvidersUnavailable) {
			return fmt.Errorf("generate fix: %w", err)
		}
		o.failIssue(ctx, issue, out, fmt.Errorf("generate fix: %w", err))
		return nil
	}

	if err := os.WriteFile(path, []byte(fix.UpdatedContent), 0644); err != nil {
		o.failIssue(ctx, issue, out, fmt.Errorf("apply fix: %w", err))
		return nil
	}

	verified := true
	if cmd := o.session.Config.VerifyCommand; cmd != "" {
		res, err := o.verifier.Run(ctx, o.session.RepoPath, cmd)
		if err != nil {
			o.revert(path, original)
			o.failIssue(ctx, issue, out, fmt.Errorf("run verification: %w", err))
			return nil
		}
		verified = res.Status == verify.StatusPassed
	}

	if !verified {
		o.revert(path, original)
		o.failIssue(ctx, issue, out, fmt.Errorf("verification failed for %s", issue.File))
		return nil
	}

	msg := fmt.Sprintf("fix %s in %s:%d", issue.Rule, issue.File, issue.Line)
	if _, err := o.git.Commit(o.session.RepoPath, msg); err != nil {
		o.revert(path, original)
		o.failIssue(ctx, issue, out, fmt.Errorf("commit fix: %w", err))
		return nil
	}

	if err := o.tracker.MarkResolved(ctx, issue.ID); err != nil {
		o.event(out, "issue_state_error", map[string]any{"issue": issue.ID, "error": err.Error()})
		return nil
	}
	o.event(out, "issue_resolved", map[string]any{"issue": issue.ID, "file": issue.File, "rule": issue.Rule})
	return nil
}

// revert restores a file's original content after a failed attempt so the
// working tree stays clean for the next issue.
func (o *Orchestrator) revert(path string, original []byte) {
	_ = os.WriteFile(path, original, 0644)
}

func (o *Orchestrator) failIssue(ctx context.Context, issue *models.Issue, out chan<- ipc.Message, cause error) {
	_ = o.tracker.MarkFailed(ctx, issue.ID)
	o.event(out, "issue_failed", map[string]any{"issue": issue.ID, "file": issue.File, "error": cause.Error()})
}

func (o *Orchestrator) metrics() map[string]float64 {
	stats := o.tracker.Stats()
	return map[string]float64{
		"issues_total":    float64(stats.Total),
		"issues_resolved": float64(stats.Resolved),
		"issues_failed":   float64(stats.Failed),
	}
}

func (o *Orchestrator) status(out chan<- ipc.Message, status, currentIssue string) {
	stats := o.tracker.Stats()
	out <- ipc.NewWithPayload(ipc.TypeStatus, o.session.ID, ipc.StatusPayload{
		Status:       status,
		CurrentIssue: currentIssue,
		Progress:     ipc.Progress{Total: stats.Total, Resolved: stats.Resolved, Failed: stats.Failed},
	})
}

func (o *Orchestrator) event(out chan<- ipc.Message, name string, fields map[string]any) {
	out <- ipc.NewWithPayload(ipc.TypeEvent, o.session.ID, ipc.EventPayload{Event: name, Fields: fields})
}

func (o *Orchestrator) fatal(out chan<- ipc.Message, err error) {
	out <- ipc.NewWithPayload(ipc.TypeError, o.session.ID, ipc.ErrorPayload{Error: err.Error(), Fatal: true})
}
