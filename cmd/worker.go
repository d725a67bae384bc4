package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/worker"
)

// workerCmd is the hidden entry point for process-isolated workers. The parent
// re-executes this binary with the session serialized into the environment and
// speaks NDJSON over stdin/stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerRun()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func workerRun() error {
	if !worker.InWorkerMode() {
		return fmt.Errorf("not in worker mode; this command is started by the remedy daemon")
	}

	// Worker logs go to stderr; stdout is the message transport.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	sess, err := worker.SessionFromEnv()
	if err != nil {
		return err
	}

	dbPath := os.Getenv("REMEDY_DB_PATH")
	if dbPath == "" {
		dbPath = viper.GetString("db_path")
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	runner, err := newRunner(s, sess)
	if err != nil {
		return err
	}

	return worker.RunChild(context.Background(), runner, os.Stdin, os.Stdout)
}
