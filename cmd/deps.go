package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/analyzer"
	"github.com/remedyhq/remedy/internal/checkpoint"
	"github.com/remedyhq/remedy/internal/git"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/orchestrator"
	"github.com/remedyhq/remedy/internal/provider"
	"github.com/remedyhq/remedy/internal/session"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/tracker"
	"github.com/remedyhq/remedy/internal/verify"
	"github.com/remedyhq/remedy/internal/worker"
)

var sessionManager *session.Manager

// getSessionManager wires the full control plane on first use: store, worker
// manager with both backends, and the session state machine.
func getSessionManager() (*session.Manager, error) {
	if sessionManager != nil {
		return sessionManager, nil
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}

	goroutineBackend := worker.NewGoroutine(func(sess *models.Session) (worker.Runner, error) {
		return newRunner(s, sess)
	})
	processBackend := worker.NewProcess([]string{"worker"}, []string{
		"REMEDY_DB_PATH=" + viper.GetString("db_path"),
	})

	workers := worker.NewManager(goroutineBackend, processBackend, viper.GetInt("max_workers"))
	sessionManager = session.NewManager(s, workers, git.NewClient(), session.Options{
		StopGrace: stopGrace(),
	})
	return sessionManager, nil
}

// newRunner builds the per-session orchestrator from global config and the
// session's own settings. Used by the in-process backend and the worker child.
func newRunner(s store.Store, sess *models.Session) (*orchestrator.Orchestrator, error) {
	prov, err := newProvider(sess.Config.Model)
	if err != nil {
		return nil, err
	}

	gc := git.NewClient()
	tr := tracker.New(s, sess.ID)
	cps := checkpoint.NewService(s, gc, tr, sess.RepoPath, sess.ID, sess.CleaningBranch)
	an := analyzer.NewCommand(viper.GetString("analyze.command"))
	ver := verify.NewExec(time.Duration(viper.GetInt("verify.timeout_minutes")) * time.Minute)

	return orchestrator.New(sess, prov, an, ver, tr, cps, gc), nil
}

// newProvider stacks the configured AI backends behind the failover router:
// the Anthropic API first when an API key is present, then the local CLI.
func newProvider(model string) (provider.AIProvider, error) {
	if model == "" {
		model = viper.GetString("anthropic.model")
	}

	var backends []provider.AIProvider
	if key := viper.GetString("anthropic.api_key"); key != "" {
		backends = append(backends, provider.NewAnthropic(key, model))
	}
	if binary := viper.GetString("cli.binary"); binary != "" {
		backends = append(backends, provider.NewCLI(binary))
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no AI backend configured: set anthropic.api_key or cli.binary")
	}

	return provider.NewFallback(backends, provider.Options{
		FailureThreshold:       viper.GetInt("fallback.failure_threshold"),
		Cooldown:               time.Duration(viper.GetInt("fallback.cooldown_minutes")) * time.Minute,
		DefaultRateLimitWindow: time.Duration(viper.GetInt("fallback.rate_limit_seconds")) * time.Second,
	}), nil
}
