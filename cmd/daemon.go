package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/daemon"
	"github.com/remedyhq/remedy/internal/ipc"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the control plane in the foreground",
	Long: `Run the remedy control plane in the foreground.

On startup, sessions left in running status by a previous crash are moved
to paused; nothing is auto-resumed. The daemon then serves until SIGINT or
SIGTERM, stopping live workers cooperatively on the way out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonRun()
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func daemonRun() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	pf := daemon.NewPIDFile(viper.GetString("pid_path"))
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			slog.Warn("release pid file", slog.Any("error", err))
		}
	}()

	sm, err := getSessionManager()
	if err != nil {
		return err
	}
	defer sm.Shutdown()

	ctx := context.Background()
	recovered, err := sm.Recover(ctx)
	if err != nil {
		return err
	}
	for _, sess := range recovered {
		ui.Warning("Session %s was orphaned by a crash; paused. Resume with: remedy session resume %s",
			shortID(sess.ID), shortID(sess.ID))
	}

	sm.Subscribe(func(sessionID string, msg ipc.Message) {
		switch msg.Type {
		case ipc.TypeComplete:
			slog.Info("session completed", slog.String("session_id", sessionID))
		case ipc.TypeError:
			if p, ok := msg.Payload.(ipc.ErrorPayload); ok {
				slog.Error("session error", slog.String("session_id", sessionID),
					slog.String("error", p.Error), slog.Bool("fatal", p.Fatal))
			}
		case ipc.TypeEvent:
			if p, ok := msg.Payload.(ipc.EventPayload); ok {
				slog.Info("session event", slog.String("session_id", sessionID),
					slog.String("event", p.Event))
			}
		}
	})

	slog.Info("remedy daemon ready", slog.String("db", viper.GetString("db_path")),
		slog.Int("max_workers", viper.GetInt("max_workers")))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", slog.String("signal", s.String()))
	return nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
