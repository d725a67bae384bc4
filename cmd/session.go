package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/remedyhq/remedy/internal/ipc"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/output"
	"github.com/remedyhq/remedy/internal/session"
	"github.com/remedyhq/remedy/internal/store"
)

var (
	sessionBranch    string
	sessionMaxTime   int
	sessionTemplate  string
	sessionIsolated  bool
	sessionListLimit int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage remediation sessions",
	Long: `Manage remediation sessions.

A session is one bounded cleaning run against a repository branch. Sessions
are created pending, then driven through running/paused/stopped transitions.
Running bare 'remedy session' is the same as 'remedy session list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create [repo-path]",
	Short: "Create a new session (default repo: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath := "."
		if len(args) == 1 {
			repoPath = args[0]
		}
		return sessionCreateRun(repoPath)
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <session-id>",
	Short: "Start a pending or paused session and run it in the foreground",
	Long: `Start a pending or paused session and run it in the foreground.

The worker lives inside this process; the command blocks until the session
reaches a terminal status. Ctrl-C pauses the session so it can be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionActionRun(args[0], "start")
	},
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionActionRun(args[0], "pause")
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session and run it in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionActionRun(args[0], "resume")
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running or paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionActionRun(args[0], "stop")
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session detail with issue progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its checkpoints (stops it first if live)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDeleteRun(args[0])
	},
}

func init() {
	sessionCreateCmd.Flags().StringVarP(&sessionBranch, "branch", "b", "", "Branch to clean (default: current branch)")
	sessionCreateCmd.Flags().IntVarP(&sessionMaxTime, "max-time", "t", 60, "Maximum session runtime in minutes (0 = unbounded)")
	sessionCreateCmd.Flags().StringVar(&sessionTemplate, "from", "", "Session config template (YAML file)")
	sessionCreateCmd.Flags().BoolVar(&sessionIsolated, "isolate", false, "Run the worker in a child process")
	sessionListCmd.Flags().IntVar(&sessionListLimit, "limit", 20, "Maximum sessions to list (0 = all)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

// loadSessionTemplate reads a YAML session config template.
func loadSessionTemplate(path string) (models.SessionConfig, error) {
	var cfg models.SessionConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read template: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse template %s: %w", path, err)
	}
	return cfg, nil
}

func sessionCreateRun(repoPath string) error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}

	cfg := models.SessionConfig{}
	if sessionTemplate != "" {
		cfg, err = loadSessionTemplate(sessionTemplate)
		if err != nil {
			return err
		}
	}
	if sessionIsolated {
		cfg.UseProcessIsolation = true
	}

	if dryRun {
		ui.DryRunMsg("Would create session for %s (branch %q, max %d min)", abs, sessionBranch, sessionMaxTime)
		return nil
	}

	sess, err := sm.Create(context.Background(), abs, sessionBranch, sessionMaxTime, cfg)
	if err != nil {
		return err
	}

	ui.Success("Created session %s for %s (branch %s)", shortID(sess.ID), abs, sess.CleaningBranch)
	ui.Info("Start it with: remedy session start %s", shortID(sess.ID))
	return nil
}

func sessionActionRun(id, action string) error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := resolveSession(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would %s session %s (currently %s)", action, shortID(sess.ID), sess.Status)
		return nil
	}

	switch action {
	case "start":
		err = sm.Start(ctx, sess.ID)
	case "pause":
		err = sm.Pause(ctx, sess.ID)
	case "resume":
		err = sm.Resume(ctx, sess.ID)
	case "stop":
		err = sm.Stop(ctx, sess.ID)
	}
	if err != nil {
		return err
	}

	updated, err := sm.Get(ctx, sess.ID)
	if err != nil {
		return err
	}
	ui.Success("Session %s is now %s", shortID(sess.ID), output.StatusColor(string(updated.Status)))

	// The worker runs inside this process; exiting now would kill it with the
	// session row still saying running. Host it until a terminal status.
	if action == "start" || action == "resume" {
		return runSessionForeground(ctx, sm, sess.ID)
	}
	return nil
}

// runSessionForeground blocks until the session reaches a terminal status,
// relaying worker events to the terminal. An interrupt pauses the session so
// it can be resumed later.
func runSessionForeground(ctx context.Context, sm *session.Manager, id string) error {
	defer sm.Shutdown()

	events := make(chan ipc.Message, 64)
	sm.Subscribe(func(sid string, msg ipc.Message) {
		if sid != id {
			return
		}
		select {
		case events <- msg:
		default:
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	// The poll catches transitions with no worker message attached, such as a
	// timer-driven completion.
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		sess, err := sm.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			reportOutcome(sess)
			return nil
		}

		select {
		case <-sig:
			ui.Warning("Interrupted, pausing session %s", shortID(id))
			if err := sm.Pause(ctx, id); err != nil {
				var ite *session.InvalidTransitionError
				if !errors.As(err, &ite) {
					return err
				}
			}
			return nil
		case msg := <-events:
			reportWorkerMessage(msg)
		case <-poll.C:
		}
	}
}

func reportWorkerMessage(msg ipc.Message) {
	switch p := msg.Payload.(type) {
	case ipc.EventPayload:
		switch p.Event {
		case "issue_resolved":
			ui.Success("Resolved %v (%v)", p.Fields["file"], p.Fields["rule"])
		case "issue_failed":
			ui.Warning("Could not fix %v: %v", p.Fields["file"], p.Fields["error"])
		case "checkpoint_created":
			ui.VerboseLog("Checkpoint created")
		}
	case ipc.ErrorPayload:
		if !p.Fatal {
			ui.Warning("Worker: %s", p.Error)
		}
	}
}

func reportOutcome(sess *models.Session) {
	switch sess.Status {
	case models.SessionStatusCompleted:
		ui.Success("Session %s completed", shortID(sess.ID))
	case models.SessionStatusFailed:
		ui.Error("Session %s failed: %s", shortID(sess.ID), sess.FailureReason)
	default:
		ui.Info("Session %s is now %s", shortID(sess.ID), output.StatusColor(string(sess.Status)))
	}
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := s.ListSessions(ctx, sessionListLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions. Use 'remedy session create <repo-path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"ID", "Repo", "Branch", "Status", "Progress", "Created"})
	for _, sess := range sessions {
		progress, _ := s.IssueProgress(ctx, sess.ID)
		table.Append([]string{
			shortID(sess.ID),
			filepath.Base(sess.RepoPath),
			sess.CleaningBranch,
			output.StatusColor(string(sess.Status)),
			output.ProgressColor(progress.Resolved, progress.Total),
			sess.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return table.Render()
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := resolveSession(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(sess.ID), output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  Repo:    %s\n", sess.RepoPath)
	fmt.Fprintf(ui.Out, "  Branch:  %s\n", sess.CleaningBranch)
	fmt.Fprintf(ui.Out, "  Budget:  %d min\n", sess.MaxTimeMinutes)
	if !sess.StartedAt.IsZero() {
		fmt.Fprintf(ui.Out, "  Started: %s\n", sess.StartedAt.Local().Format(time.RFC822))
	}
	if sess.EndedAt != nil {
		fmt.Fprintf(ui.Out, "  Ended:   %s\n", sess.EndedAt.Local().Format(time.RFC822))
	}
	if sess.FailureReason != "" {
		fmt.Fprintf(ui.Out, "  Failure: %s\n", output.Red(sess.FailureReason))
	}

	progress, err := s.IssueProgress(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  Issues: %s resolved, %d failed, %d pending\n",
		output.ProgressColor(progress.Resolved, progress.Total), progress.Failed, progress.Pending)

	issues, err := s.ListIssues(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"File", "Line", "Rule", "Severity", "Status"})
	for _, issue := range issues {
		table.Append([]string{
			issue.File,
			fmt.Sprintf("%d", issue.Line),
			issue.Rule,
			output.SeverityColor(string(issue.Severity)),
			string(issue.Status),
		})
	}
	return table.Render()
}

func sessionDeleteRun(id string) error {
	sm, err := getSessionManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := resolveSession(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete session %s and its checkpoints", shortID(sess.ID))
		return nil
	}

	if err := sm.Delete(ctx, sess.ID); err != nil {
		return err
	}
	ui.Success("Deleted session %s", shortID(sess.ID))
	return nil
}

// resolveSession finds a session by full ID or unique prefix.
func resolveSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	if sess, err := s.GetSession(ctx, id); err == nil {
		return sess, nil
	} else if err != nil && !isNotFound(err) {
		return nil, err
	}

	upper := strings.ToUpper(id)
	sessions, err := s.ListSessions(ctx, 0)
	if err != nil {
		return nil, err
	}

	var matches []*models.Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %s: matches %d sessions", id, len(matches))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// shortID truncates a ULID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
