package syncutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Periodic runs a task on a fixed interval until its context ends or Stop
// is called. A panicking or failing run is logged and the loop continues.
type Periodic struct {
	name     string
	interval time.Duration
	task     func(context.Context) error
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool
	runs    atomic.Int64
}

// NewPeriodic builds a loop named name for logs.
func NewPeriodic(name string, interval time.Duration, logger *slog.Logger, task func(context.Context) error) *Periodic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("task", name),
		stop:     make(chan struct{}, 1),
	}
}

// Interval returns the tick interval.
func (p *Periodic) Interval() time.Duration { return p.interval }

// Running reports whether the loop is active.
func (p *Periodic) Running() bool { return p.running.Load() }

// Runs counts completed task invocations, panics included.
func (p *Periodic) Runs() int64 { return p.runs.Load() }

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (p *Periodic) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	tick := time.NewTicker(p.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-tick.C:
			p.runOnce(ctx)
		}
	}
}

// Stop asks a running loop to exit. It does not wait.
func (p *Periodic) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	defer p.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("periodic task panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := p.task(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("periodic task failed", "error", err)
	}
}
