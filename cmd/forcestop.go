package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/opeva/worker-agent/internal/backend"
	"github.com/opeva/worker-agent/internal/runner"
)

func forceStopCmd() *cobra.Command {
	var (
		server   string
		workerID string
	)

	cmd := &cobra.Command{
		Use:   "force-stop",
		Short: "Force-remove this worker's job containers and report them failed",
		Long: `force-stop is the privileged, out-of-process half of shutdown. It
removes every container labeled for this worker directly through the
Docker daemon, bypassing the agent entirely, then posts a terminal
status of failed (exit_code 137, error "force-stop") for each job id
recovered from the container labels so the backend's view stays
consistent. Run it when a drain has exceeded its deadline or the agent
is already dead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			applyString(flags.Changed("server"), &cfg.ServerURL, server)
			applyString(flags.Changed("worker-id"), &cfg.WorkerID, workerID)
			if cfg.WorkerID == "" {
				return fmt.Errorf("worker id is required")
			}
			setupLogging(cfg.LogLevel)
			return runForceStop(cmd, cfg.ServerURL, cfg.WorkerID)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "backend base URL")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker whose job containers to remove")
	return cmd
}

func runForceStop(cmd *cobra.Command, server, workerID string) error {
	ctx := context.Background()

	docker, err := runner.NewDockerClient()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	removed, err := runner.ForceRemove(ctx, docker, workerID)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No job containers found for worker %q.\n", workerID)
		return nil
	}

	client := backend.NewClient(server, workerID)
	return reportRemoved(ctx, client, removed, cmd.OutOrStdout())
}

// terminalReporter is the one backend call reportRemoved needs.
type terminalReporter interface {
	ReportTerminal(ctx context.Context, u backend.StatusUpdate) (int, error)
}

// reportRemoved posts the failed/137 terminal status for each removed
// job container. Containers without a job label were never the agent's
// and are skipped.
func reportRemoved(ctx context.Context, client terminalReporter, removed []runner.Removed, out io.Writer) error {
	exitCode := 137
	failures := 0
	for _, r := range removed {
		if r.JobID == "" {
			fmt.Fprintf(out, "Removed %s (no job label, not reported)\n", r.ContainerName)
			continue
		}
		_, err := client.ReportTerminal(ctx, backend.StatusUpdate{
			JobID:         r.JobID,
			Status:        backend.StatusFailed,
			ContainerID:   r.ContainerID,
			ContainerName: r.ContainerName,
			ExitCode:      &exitCode,
			Error:         "force-stop",
		})
		if err != nil {
			failures++
			fmt.Fprintf(out, "Removed %s (job %s): report FAILED: %v\n", r.ContainerName, r.JobID, err)
			continue
		}
		fmt.Fprintf(out, "Removed %s (job %s): reported failed/137\n", r.ContainerName, r.JobID)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d status reports undelivered", failures, len(removed))
	}
	fmt.Fprintf(out, "Removed %d job container(s).\n", len(removed))
	return nil
}
