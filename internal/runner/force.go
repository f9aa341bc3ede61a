package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Removed describes one force-removed job container.
type Removed struct {
	JobID         string
	ContainerID   string
	ContainerName string
}

// ForceRemove removes every container labeled for workerID, running or
// not, and returns the job identity recovered from each container's
// labels. This is the out-of-process half of shutdown: it coordinates
// with the agent only through the naming/labeling contract, never
// through live state, so it works even after the agent itself has been
// killed.
func ForceRemove(ctx context.Context, docker API, workerID string) ([]Removed, error) {
	f := filters.NewArgs(filters.Arg("label", LabelWorkerID+"="+workerID))
	list, err := docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list job containers for %s: %w", workerID, err)
	}

	var removed []Removed
	for _, c := range list {
		if err := docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("force-remove failed", "container_id", c.ID, "error", err)
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		removed = append(removed, Removed{
			JobID:         c.Labels[LabelJobID],
			ContainerID:   c.ID,
			ContainerName: name,
		})
		slog.Info("force-removed job container", "container", name, "job_id", c.Labels[LabelJobID])
	}
	return removed, nil
}
