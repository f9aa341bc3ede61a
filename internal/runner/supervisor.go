// Package runner launches, monitors, and terminates the workload
// container for one job at a time on the local Docker daemon.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/opeva/worker-agent/internal/backend"
	"github.com/opeva/worker-agent/internal/config"
)

// dataMount is where the shared directory appears inside the workload.
const dataMount = "/data"

// Handle identifies one started container.
type Handle struct {
	ID   string
	Name string
}

// Supervisor runs workload containers for one worker.
type Supervisor struct {
	docker    API
	workerID  string
	sharedDir string
	image     string
	stopGrace time.Duration
}

func New(docker API, cfg *config.Config) *Supervisor {
	return &Supervisor{
		docker:    docker,
		workerID:  cfg.WorkerID,
		sharedDir: cfg.SharedDir,
		image:     cfg.Image,
		stopGrace: cfg.StopGrace,
	}
}

// Start launches the container for job, or attaches to one that is
// already running under the derived name. A stale exited container with
// that name is replaced. GPU access is requested first; if the runtime
// refuses the device request the container is created again CPU-only,
// which is a capability negotiation rather than a failure.
func (s *Supervisor) Start(ctx context.Context, job *backend.Job) (Handle, error) {
	name := ContainerName(s.workerID, job)

	if insp, err := s.docker.ContainerInspect(ctx, name); err == nil {
		if insp.State != nil && insp.State.Running {
			slog.Info("container already running, attaching", "container", name, "job_id", job.ID)
			return Handle{ID: insp.ID, Name: name}, nil
		}
		if err := s.docker.ContainerRemove(ctx, insp.ID, container.RemoveOptions{Force: true}); err != nil {
			return Handle{}, fmt.Errorf("remove stale container %s: %w", name, err)
		}
	} else if !errdefs.IsNotFound(err) {
		return Handle{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	cfg := &container.Config{
		Image: s.image,
		Cmd: strslice.StrSlice{
			"--config", path.Join(dataMount, job.ConfigPath),
			"--job_id", job.ID,
		},
		Labels: map[string]string{
			LabelWorkerID: s.workerID,
			LabelJobID:    job.ID,
		},
	}
	host := &container.HostConfig{
		Binds: []string{s.sharedDir + ":" + dataMount + ":rw"},
	}
	host.Resources.DeviceRequests = []container.DeviceRequest{{
		Count:        -1,
		Capabilities: [][]string{{"gpu"}},
	}}

	created, err := s.docker.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		slog.Info("gpu request refused, retrying cpu-only", "container", name, "error", err)
		host.Resources.DeviceRequests = nil
		created, err = s.docker.ContainerCreate(ctx, cfg, host, nil, nil, name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create container %s: %w", name, err)
	}

	if err := s.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("start container %s: %w", name, err)
	}
	slog.Info("container started", "container", name, "container_id", created.ID, "job_id", job.ID)
	return Handle{ID: created.ID, Name: name}, nil
}

// StreamLogs follows the container's combined stdout/stderr and appends
// it to w until the container exits or ctx is cancelled.
func (s *Supervisor) StreamLogs(ctx context.Context, h Handle, w io.Writer) error {
	rc, err := s.docker.ContainerLogs(ctx, h.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("attach logs for %s: %w", h.Name, err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream logs for %s: %w", h.Name, err)
	}
	return nil
}

// Wait blocks until the container exits and returns its exit code.
func (s *Supervisor) Wait(ctx context.Context, h Handle) (int, error) {
	waitCh, errCh := s.docker.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("wait for %s: %w", h.Name, err)
	case res := <-waitCh:
		if res.Error != nil {
			return int(res.StatusCode), fmt.Errorf("wait for %s: %s", h.Name, res.Error.Message)
		}
		return int(res.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop sends the container its termination signal and escalates to a
// kill after the configured grace period.
func (s *Supervisor) Stop(ctx context.Context, h Handle) error {
	secs := int(s.stopGrace.Seconds())
	if err := s.docker.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", h.Name, err)
	}
	return nil
}

// Remove force-removes the container. Used for cleanup after the exit
// outcome has been recorded.
func (s *Supervisor) Remove(ctx context.Context, h Handle) error {
	if err := s.docker.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", h.Name, err)
	}
	return nil
}

// LogPath is where a job's container output lands on the shared
// directory: <shared_dir>/jobs/<job_id>/logs/<job_id>.log.
func (s *Supervisor) LogPath(jobID string) string {
	return filepath.Join(s.sharedDir, "jobs", jobID, "logs", jobID+".log")
}

// OpenLogFile creates the job's log directory tree and opens the log
// file for appending.
func (s *Supervisor) OpenLogFile(jobID string) (io.WriteCloser, error) {
	p := s.LogPath(jobID)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %s: %w", jobID, err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file for %s: %w", jobID, err)
	}
	return f, nil
}
