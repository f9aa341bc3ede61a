// Package agent is the worker control loop: it polls the backend for
// work, hands each job to the container supervisor, and arbitrates
// between container exit, cooperative cancellation, and shutdown while
// the heartbeat keeps ticking independently. At most one job is active
// per agent; parallelism is more agents, never more jobs per agent.
package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opeva/worker-agent/internal/backend"
	"github.com/opeva/worker-agent/internal/config"
	"github.com/opeva/worker-agent/internal/journal"
	"github.com/opeva/worker-agent/internal/runner"
)

// backendAPI is what the loop needs from the backend client.
type backendAPI interface {
	Heartbeat(ctx context.Context) error
	NextJob(ctx context.Context) (*backend.Job, error)
	ReportStatus(ctx context.Context, u backend.StatusUpdate) error
	ReportTerminal(ctx context.Context, u backend.StatusUpdate) (int, error)
	JobStatus(ctx context.Context, jobID string) (backend.Status, error)
}

// containerRunner is what the loop needs from the supervisor.
type containerRunner interface {
	Start(ctx context.Context, job *backend.Job) (runner.Handle, error)
	StreamLogs(ctx context.Context, h runner.Handle, w io.Writer) error
	Wait(ctx context.Context, h runner.Handle) (int, error)
	Stop(ctx context.Context, h runner.Handle) error
	Remove(ctx context.Context, h runner.Handle) error
	OpenLogFile(jobID string) (io.WriteCloser, error)
}

// Agent runs the control loop for one worker.
type Agent struct {
	cfg       *config.Config
	backend   backendAPI
	runner    containerRunner
	journal   *journal.Journal
	heartbeat *Emitter

	stopOnce     sync.Once
	stopCh       chan struct{}
	exitAfterJob atomic.Bool
	jobActive    atomic.Bool
}

func New(cfg *config.Config, b backendAPI, r containerRunner, j *journal.Journal) *Agent {
	return &Agent{
		cfg:       cfg,
		backend:   b,
		runner:    r,
		journal:   j,
		heartbeat: NewEmitter(b, cfg.HeartbeatInterval),
		stopCh:    make(chan struct{}),
	}
}

// Stop requests a graceful shutdown: the current job, if any, finishes
// naturally, its status is reported, and no new job is accepted. There
// is no deadline here; escalation is the operator's job.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// RequestExitAfterJob makes the agent stop once the current job
// completes. Requested while idle it stops immediately.
func (a *Agent) RequestExitAfterJob() {
	a.exitAfterJob.Store(true)
	if !a.jobActive.Load() {
		a.Stop()
	}
}

// Run polls for work until a shutdown request or ctx cancellation.
// Cancelling ctx abandons the current job's wait; prefer Stop, which
// drains.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("worker started", "worker_id", a.cfg.WorkerID, "server", a.cfg.ServerURL)
	if a.cfg.ExitAfterJob {
		a.exitAfterJob.Store(true)
	}
	a.heartbeat.Start()
	defer a.heartbeat.Stop()

	for {
		if a.stopRequested(ctx) {
			slog.Info("worker stopped")
			return nil
		}
		job, err := a.backend.NextJob(ctx)
		if err != nil {
			slog.Warn("next-job poll failed", "error", err)
			if !a.idleSleep(ctx) {
				slog.Info("worker stopped")
				return nil
			}
			continue
		}
		if job == nil {
			if !a.idleSleep(ctx) {
				slog.Info("worker stopped")
				return nil
			}
			continue
		}

		slog.Info("job accepted", "job_id", job.ID, "job_name", job.DisplayName())
		a.runJob(ctx, job)

		if a.exitAfterJob.Load() {
			slog.Info("exit-after-job set, stopping")
			return nil
		}
	}
}

func (a *Agent) stopRequested(ctx context.Context) bool {
	select {
	case <-a.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// idleSleep waits out one poll interval. It returns false when a
// shutdown request interrupted the wait.
func (a *Agent) idleSleep(ctx context.Context) bool {
	timer := time.NewTimer(a.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-a.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

type waitResult struct {
	code int
	err  error
}

// runJob owns one JobRun from acceptance to terminal report. Every
// error in here stays inside this job's lifecycle.
func (a *Agent) runJob(ctx context.Context, job *backend.Job) {
	a.jobActive.Store(true)
	defer a.jobActive.Store(false)

	if err := job.Validate(); err != nil {
		slog.Error("rejecting job", "job_id", job.ID, "error", err)
		runID := a.recordStart(ctx, job.ID, runner.Handle{})
		a.finishJob(ctx, backend.StatusUpdate{
			JobID:  job.ID,
			Status: backend.StatusFailed,
			Error:  err.Error(),
			Extra:  job.Extra,
		}, runID)
		return
	}

	h, err := a.runner.Start(ctx, job)
	if err != nil {
		slog.Error("job launch failed", "job_id", job.ID, "error", err)
		runID := a.recordStart(ctx, job.ID, runner.Handle{})
		a.finishJob(ctx, backend.StatusUpdate{
			JobID:  job.ID,
			Status: backend.StatusFailed,
			Error:  err.Error(),
			Extra:  job.Extra,
		}, runID)
		return
	}
	defer func() {
		if err := a.runner.Remove(context.WithoutCancel(ctx), h); err != nil {
			slog.Warn("container cleanup failed", "container", h.Name, "error", err)
		}
	}()

	runID := a.recordStart(ctx, job.ID, h)

	if err := a.backend.ReportStatus(ctx, backend.StatusUpdate{
		JobID:         job.ID,
		Status:        backend.StatusRunning,
		ContainerID:   h.ID,
		ContainerName: h.Name,
		Extra:         job.Extra,
	}); err != nil {
		slog.Warn("running report failed", "job_id", job.ID, "error", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var g errgroup.Group
	defer g.Wait()
	if logw, err := a.runner.OpenLogFile(job.ID); err != nil {
		// log completeness degrades, the job keeps running
		slog.Error("cannot open job log", "job_id", job.ID, "error", err)
	} else {
		g.Go(func() error {
			defer logw.Close()
			if err := a.runner.StreamLogs(watchCtx, h, logw); err != nil {
				slog.Warn("log streaming degraded", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}

	var cancelCh <-chan backend.Status
	if a.cfg.StatusPollInterval > 0 {
		cancelCh = a.watchCancellation(watchCtx, job.ID)
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := a.runner.Wait(ctx, h)
		waitCh <- waitResult{code: code, err: err}
	}()

	var (
		res    waitResult
		remote backend.Status
	)
	select {
	case res = <-waitCh:
	case remote = <-cancelCh:
		// The container may have exited in the same instant; its own
		// outcome wins over the stop request.
		select {
		case res = <-waitCh:
			remote = ""
		default:
			slog.Info("remote stop requested", "job_id", job.ID, "status", remote)
			if err := a.runner.Stop(ctx, h); err != nil {
				slog.Warn("container stop failed", "job_id", job.ID, "error", err)
			}
			res = <-waitCh
		}
	}
	stopWatch()

	update := backend.StatusUpdate{
		JobID:         job.ID,
		ContainerID:   h.ID,
		ContainerName: h.Name,
		Extra:         job.Extra,
	}
	switch {
	case res.err != nil:
		update.Status = backend.StatusFailed
		update.Error = res.err.Error()
	case remote.Cancels():
		update.Status = remote
		update.ExitCode = &res.code
	case res.code == 0:
		update.Status = backend.StatusFinished
		update.ExitCode = &res.code
	default:
		update.Status = backend.StatusFailed
		update.ExitCode = &res.code
	}
	a.finishJob(ctx, update, runID)
}

// finishJob delivers the one terminal report for this run, records the
// outcome, and fires the out-of-band heartbeat.
func (a *Agent) finishJob(ctx context.Context, update backend.StatusUpdate, runID uuid.UUID) {
	attempts, err := a.backend.ReportTerminal(ctx, update)
	reported := err == nil
	if err != nil {
		// The job completed locally; the backend record now lags until
		// someone reconciles it from the journal.
		slog.Error("terminal status undelivered",
			"job_id", update.JobID, "status", update.Status, "attempts", attempts, "error", err)
	} else {
		slog.Info("job completed",
			"job_id", update.JobID, "status", update.Status, "exit_code", update.ExitCode)
	}

	if err := a.journal.RecordEnd(ctx, runID, string(update.Status), update.ExitCode, update.Error, reported); err != nil {
		slog.Warn("journal write failed", "job_id", update.JobID, "error", err)
	}

	a.heartbeat.BeatNow(ctx)
}

func (a *Agent) recordStart(ctx context.Context, jobID string, h runner.Handle) uuid.UUID {
	runID, err := a.journal.RecordStart(ctx, jobID, h.Name, h.ID)
	if err != nil {
		slog.Warn("journal write failed", "job_id", jobID, "error", err)
	}
	return runID
}

// watchCancellation polls the backend's recorded status for the job and
// delivers at most one stop signal on the returned channel. An unknown
// job (404) is no signal, and transient errors only degrade checking;
// neither destabilizes the running job.
func (a *Agent) watchCancellation(ctx context.Context, jobID string) <-chan backend.Status {
	ch := make(chan backend.Status, 1)
	go func() {
		ticker := time.NewTicker(a.cfg.StatusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := a.backend.JobStatus(ctx, jobID)
				if err != nil {
					slog.Warn("cancellation check failed", "job_id", jobID, "error", err)
					continue
				}
				if st.Cancels() {
					ch <- st
					return
				}
			}
		}
	}()
	return ch
}
