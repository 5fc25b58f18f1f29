// Package scheduler drives the deferred emission machinery: it fires
// auto-issuance timers that have elapsed and drains the emission queue.
// One tick is a single RunOnce; both paths funnel through the engine's
// guard claims, so the scheduler racing a manual request is safe.
package scheduler

import (
	"context"
	"log"
	"time"

	"batchseal/internal/engine"
)

const DefaultInterval = 15 * time.Second

type Scheduler struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   *log.Logger
}

func New(e engine.Engine) *Scheduler {
	return &Scheduler{Engine: e, Interval: DefaultInterval}
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Run ticks until ctx is canceled. Errors are logged, never fatal: a
// failed tick leaves the queue state untouched and the next tick
// retries.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	fired, err := s.Engine.FireDueAutoEmissions(ctx)
	if err != nil {
		s.logger().Printf("scheduler: auto emission pass failed: %v", err)
	} else if fired > 0 {
		s.logger().Printf("scheduler: auto-enqueued %d batch(es) for emission", fired)
	}

	processed, failed, err := s.Engine.ProcessEmissionQueue(ctx)
	if err != nil {
		s.logger().Printf("scheduler: queue pass failed: %v", err)
		return
	}
	if processed > 0 || failed > 0 {
		s.logger().Printf("scheduler: issued %d report(s), %d attempt(s) failed", processed, failed)
	}
}
