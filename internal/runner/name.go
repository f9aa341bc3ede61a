package runner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opeva/worker-agent/internal/backend"
)

// Labels stamped on every job container. Operator tooling relies on
// them to correlate containers back to jobs without asking the agent.
const (
	LabelWorkerID = "opeva.worker_id"
	LabelJobID    = "opeva.job_id"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// ContainerName derives the deterministic name for a job's container:
// job_<worker>_<job name in snake_case>_<first 8 chars of job id>.
// The derivation partitions the daemon's namespace between workers and
// jobs, so no cross-agent coordination is needed.
func ContainerName(workerID string, job *backend.Job) string {
	id := job.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("job_%s_%s_%s", workerID, snakeCase(job.DisplayName()), id)
}

// snakeCase lowercases s and collapses every run of non-alphanumerics
// into a single underscore, trimming the ends.
func snakeCase(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "_"), "_")
}
