package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opeva/worker-agent/internal/agent"
	"github.com/opeva/worker-agent/internal/backend"
	"github.com/opeva/worker-agent/internal/config"
	"github.com/opeva/worker-agent/internal/journal"
	"github.com/opeva/worker-agent/internal/runner"
)

func runCmd() *cobra.Command {
	var (
		server             string
		workerID           string
		sharedDir          string
		image              string
		pollInterval       string
		heartbeatInterval  string
		statusPollInterval string
		exitAfterJob       bool
		journalPath        string
		postgresDSN        string
		logLevel           string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker agent loop",
		Long: `Run polls the backend for jobs and executes each one as a Docker
container, streaming its logs to the shared directory and reporting
lifecycle status back.

SIGINT/SIGTERM drain: the current job finishes and no new one is
accepted. A second signal aborts immediately. SIGUSR1 stops the agent
after the current job completes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			applyString(flags.Changed("server"), &cfg.ServerURL, server)
			applyString(flags.Changed("worker-id"), &cfg.WorkerID, workerID)
			applyString(flags.Changed("shared-dir"), &cfg.SharedDir, sharedDir)
			applyString(flags.Changed("image"), &cfg.Image, image)
			applyString(flags.Changed("journal"), &cfg.JournalPath, journalPath)
			applyString(flags.Changed("postgres-dsn"), &cfg.PostgresDSN, postgresDSN)
			applyString(flags.Changed("log-level"), &cfg.LogLevel, logLevel)
			if flags.Changed("exit-after-job") {
				cfg.ExitAfterJob = exitAfterJob
			}
			if err := applyInterval(flags.Changed("poll-interval"), &cfg.PollInterval, pollInterval); err != nil {
				return fmt.Errorf("--poll-interval: %w", err)
			}
			if err := applyInterval(flags.Changed("heartbeat-interval"), &cfg.HeartbeatInterval, heartbeatInterval); err != nil {
				return fmt.Errorf("--heartbeat-interval: %w", err)
			}
			if err := applyInterval(flags.Changed("status-poll-interval"), &cfg.StatusPollInterval, statusPollInterval); err != nil {
				return fmt.Errorf("--status-poll-interval: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			setupLogging(cfg.LogLevel)
			return runAgent(cfg)
		},
	}

	cmd.Flags().StringVar(&server, "server", config.DefaultServerURL, "backend base URL")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker id (default: hostname)")
	cmd.Flags().StringVar(&sharedDir, "shared-dir", config.DefaultSharedDir, "shared data directory")
	cmd.Flags().StringVar(&image, "image", config.DefaultImage, "workload container image")
	cmd.Flags().StringVar(&pollInterval, "poll-interval", "5", "seconds between job polls")
	cmd.Flags().StringVar(&heartbeatInterval, "heartbeat-interval", "30", "seconds between heartbeats (0 disables the timer)")
	cmd.Flags().StringVar(&statusPollInterval, "status-poll-interval", "10", "seconds between cancellation checks (0 disables them)")
	cmd.Flags().BoolVar(&exitAfterJob, "exit-after-job", false, "stop the worker after completing the next job")
	cmd.Flags().StringVar(&journalPath, "journal", "", "sqlite file for the local job-run journal")
	cmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres DSN for the job-run journal (overrides --journal)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runAgent(cfg *config.Config) error {
	// An unwritable shared directory means every job would lose its
	// logs; treat it as a broken environment up front.
	if err := os.MkdirAll(filepath.Join(cfg.SharedDir, "jobs"), 0o755); err != nil {
		return fmt.Errorf("shared directory unusable: %w", err)
	}

	docker, err := runner.NewDockerClient()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	jr, err := journal.Open(cfg)
	if err != nil {
		return err
	}
	defer jr.Close()

	client := backend.NewClient(cfg.ServerURL, cfg.WorkerID)
	sup := runner.New(docker, cfg)
	ag := agent.New(cfg, client, sup, jr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	go func() {
		draining := false
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				slog.Info("exit-after-job requested", "signal", sig.String())
				ag.RequestExitAfterJob()
			default:
				if !draining {
					slog.Info("shutdown requested, draining current job", "signal", sig.String())
					ag.Stop()
					draining = true
					continue
				}
				slog.Warn("second shutdown signal, aborting", "signal", sig.String())
				cancel()
			}
		}
	}()

	return ag.Run(ctx)
}

func applyString(changed bool, dst *string, v string) {
	if changed {
		*dst = v
	}
}

func applyInterval(changed bool, dst *time.Duration, v string) error {
	if !changed {
		return nil
	}
	d, err := config.ParseInterval(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
