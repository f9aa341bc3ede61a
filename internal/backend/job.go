package backend

import (
	"encoding/json"
	"fmt"
)

// Job is a unit of work handed out by the backend. Fields beyond the
// three known ones are kept verbatim in Extra and echoed back in status
// reports; the agent never interprets them.
type Job struct {
	ID         string
	ConfigPath string
	Name       string
	Extra      map[string]json.RawMessage
}

// UnmarshalJSON splits the descriptor into the known fields and the
// open remainder.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("job field %s: %w", key, err)
		}
		delete(raw, key)
		return nil
	}
	if err := take("job_id", &j.ID); err != nil {
		return err
	}
	if err := take("config_path", &j.ConfigPath); err != nil {
		return err
	}
	if err := take("job_name", &j.Name); err != nil {
		return err
	}
	if len(raw) > 0 {
		j.Extra = raw
	}
	return nil
}

// Validate rejects descriptors that cannot be run. Called before any
// container is launched.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job descriptor is missing job_id")
	}
	if j.ConfigPath == "" {
		return fmt.Errorf("job %s is missing config_path", j.ID)
	}
	return nil
}

// DisplayName is the job name, falling back to the id.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Status is a backend-visible job lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s ends a job run.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusStopped, StatusCanceled:
		return true
	}
	return false
}

// Cancels reports whether s is an externally recorded stop request.
func (s Status) Cancels() bool {
	return s == StatusStopped || s == StatusCanceled
}

// StatusUpdate is one lifecycle report for a job. Extra carries the
// job's unknown descriptor fields back to the backend unchanged.
type StatusUpdate struct {
	JobID         string
	Status        Status
	ContainerID   string
	ContainerName string
	ExitCode      *int
	Error         string
	Extra         map[string]json.RawMessage
}
