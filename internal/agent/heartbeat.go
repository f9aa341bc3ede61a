package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// heartbeatPoster is the one backend call the emitter needs.
type heartbeatPoster interface {
	Heartbeat(ctx context.Context) error
}

// Emitter announces worker liveness on a fixed period. Heartbeat loss
// is logged and swallowed; it must never abort the agent or a running
// job. An interval of 0 disables the timer, not the out-of-band beats.
type Emitter struct {
	poster   heartbeatPoster
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewEmitter(poster heartbeatPoster, interval time.Duration) *Emitter {
	return &Emitter{poster: poster, interval: interval}
}

// Start begins the periodic loop in a background goroutine. One beat is
// sent immediately so the backend sees the worker as soon as it is up.
func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running || e.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	go e.loop(ctx)
	slog.Info("heartbeat started", "interval", e.interval)
}

// Stop halts the periodic loop.
func (e *Emitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.cancel()
	e.running = false
}

// BeatNow sends a single out-of-band heartbeat, independent of the
// timer and of whether the timer is enabled at all.
func (e *Emitter) BeatNow(ctx context.Context) {
	if err := e.poster.Heartbeat(ctx); err != nil {
		slog.Warn("heartbeat failed", "error", err)
	}
}

func (e *Emitter) loop(ctx context.Context) {
	e.BeatNow(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.BeatNow(ctx)
		}
	}
}
