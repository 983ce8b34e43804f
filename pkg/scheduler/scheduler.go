// Package scheduler runs the periodic Dispatch → Allocate → Shuffle
// action pipeline over a read-only snapshot of the cluster, driven by a
// pluggable fair-share plugin (spec §4.4).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/fairshare"
	"github.com/flame-sh/flame/pkg/metrics"
	"github.com/flame-sh/flame/pkg/snapshot"
)

// Controller is the minimal surface the scheduler drives; pkg/controller
// satisfies it. Kept narrow so action code can be tested against a fake.
type Controller interface {
	Snapshot() *snapshot.Snapshot
	CreateExecutor(ctx context.Context, node, intendedSession string, slots int32, resource apis.ResourceRequirement) (*apis.Executor, error)
	BindSession(ctx context.Context, execID, sessionID string) (*apis.Executor, error)
	UnbindExecutor(ctx context.Context, execID string) (*apis.Executor, error)
	ReleaseExecutor(ctx context.Context, execID string) (*apis.Executor, error)
}

// Scheduler runs one cooperative loop at a configurable interval.
type Scheduler struct {
	controller Controller
	slotUnit   apis.ResourceRequirement
	interval   time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Scheduler. interval defaults to 500ms (spec §4.4) if zero.
func New(controller Controller, slotUnit apis.ResourceRequirement, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Scheduler{
		controller: controller,
		slotUnit:   slotUnit,
		interval:   interval,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the tick loop in its own goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the tick loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Tick(context.Background()); err != nil {
				metrics.SchedulerTickErrors.Inc()
				s.logger.Error().Err(err).Msg("scheduler tick aborted")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs one Dispatch → Allocate → Shuffle pass. Scheduler errors are
// logged and the tick is aborted; the loop always continues (spec §7).
func (s *Scheduler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickLatency)

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.controller.Snapshot()
	plugin := fairshare.New(snap, s.slotUnit)

	if err := dispatch(ctx, s.controller, snap, plugin); err != nil {
		return err
	}
	if err := allocate(ctx, s.controller, snap, plugin); err != nil {
		return err
	}
	if err := shuffle(ctx, s.controller, snap, plugin); err != nil {
		return err
	}
	return nil
}
