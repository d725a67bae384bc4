package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/checkpoint"
	"github.com/remedyhq/remedy/internal/git"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/output"
	"github.com/remedyhq/remedy/internal/tracker"
)

var checkpointDescription string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage session checkpoints",
	Long: `Manage session checkpoints.

Checkpoints snapshot a session's repository state as annotated git tags
(remedy-cp-<id>) together with issue progress, so a session can be rolled
back to any earlier point. Restore never discards uncommitted work; it
stashes first and checks the snapshot out on a fresh branch.`,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <session-id>",
	Short: "Manually snapshot a session's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkpointCreateRun(args[0])
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List a session's checkpoints, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkpointListRun(args[0])
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <session-id> <checkpoint-id>",
	Short: "Restore the repository to a checkpoint on a new branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkpointRestoreRun(args[0], args[1])
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <session-id> <checkpoint-id>",
	Short: "Delete a checkpoint and its git tag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkpointDeleteRun(args[0], args[1])
	},
}

func init() {
	checkpointCreateCmd.Flags().StringVarP(&checkpointDescription, "message", "m", "Manual checkpoint", "Checkpoint description")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// checkpointService builds a checkpoint service bound to the session.
func checkpointService(ctx context.Context, id string) (*checkpoint.Service, *models.Session, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	sess, err := resolveSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	tr := tracker.New(s, sess.ID)
	if err := tr.LoadFromStore(ctx); err != nil {
		return nil, nil, fmt.Errorf("load issue state: %w", err)
	}
	svc := checkpoint.NewService(s, git.NewClient(), tr, sess.RepoPath, sess.ID, sess.CleaningBranch)
	return svc, sess, nil
}

func checkpointCreateRun(sessionID string) error {
	ctx := context.Background()
	svc, sess, err := checkpointService(ctx, sessionID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would checkpoint session %s at HEAD of %s", shortID(sess.ID), sess.RepoPath)
		return nil
	}

	cp, err := svc.Create(ctx, checkpointDescription, nil)
	if err != nil {
		return err
	}
	ui.Success("Checkpoint %s at %s (tag %s)", shortID(cp.ID), shortID(cp.CommitHash), cp.TagName())
	return nil
}

func checkpointListRun(sessionID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}

	cps, err := s.ListCheckpoints(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		ui.Info("No checkpoints for session %s.", shortID(sess.ID))
		return nil
	}

	table := ui.Table([]string{"ID", "Commit", "Progress", "Description", "Created"})
	for _, cp := range cps {
		table.Append([]string{
			shortID(cp.ID),
			shortID(cp.CommitHash),
			output.ProgressColor(cp.Progress.Resolved, cp.Progress.Total),
			cp.Description,
			cp.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return table.Render()
}

func checkpointRestoreRun(sessionID, checkpointID string) error {
	ctx := context.Background()
	svc, sess, err := checkpointService(ctx, sessionID)
	if err != nil {
		return err
	}

	cp, err := resolveCheckpoint(ctx, sess.ID, checkpointID)
	if err != nil {
		return err
	}

	// Live sessions own the working tree; restoring under a running worker
	// would race its commits.
	if sess.Status == models.SessionStatusRunning {
		return fmt.Errorf("session %s is running; pause or stop it before restoring", shortID(sess.ID))
	}

	if dryRun {
		ui.DryRunMsg("Would restore %s to checkpoint %s (%s)", sess.RepoPath, shortID(cp.ID), shortID(cp.CommitHash))
		return nil
	}

	result := svc.Restore(ctx, cp.ID)
	if !result.Success {
		return fmt.Errorf("restore checkpoint %s: %w", shortID(cp.ID), result.Err)
	}
	ui.Success("Restored to checkpoint %s on branch remedy-restore-%s", shortID(cp.ID), cp.ID)
	return nil
}

func checkpointDeleteRun(sessionID, checkpointID string) error {
	ctx := context.Background()
	svc, sess, err := checkpointService(ctx, sessionID)
	if err != nil {
		return err
	}

	cp, err := resolveCheckpoint(ctx, sess.ID, checkpointID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete checkpoint %s and tag %s", shortID(cp.ID), cp.TagName())
		return nil
	}

	if err := svc.Delete(ctx, cp.ID); err != nil {
		return err
	}
	ui.Success("Deleted checkpoint %s", shortID(cp.ID))
	return nil
}

// resolveCheckpoint finds a session's checkpoint by full ID or unique prefix.
func resolveCheckpoint(ctx context.Context, sessionID, id string) (*models.Checkpoint, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	if cp, err := s.GetCheckpoint(ctx, id); err == nil && cp.SessionID == sessionID {
		return cp, nil
	}

	cps, err := s.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(id)
	var matches []*models.Checkpoint
	for _, cp := range cps {
		if strings.HasPrefix(cp.ID, upper) {
			matches = append(matches, cp)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("checkpoint not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous checkpoint ID %s: matches %d checkpoints", id, len(matches))
	}
}
