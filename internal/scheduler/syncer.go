package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
)

const DefaultSyncSchedule = "@every 1m"

type Fetcher interface {
	FetchMonitors(ctx context.Context) ([]domain.CheckDefinition, error)
}

type Resyncer interface {
	Resync(defs []domain.CheckDefinition)
}

// Syncer runs the fetch-monitors cycle on a cron schedule. A failed fetch
// leaves the current timers running.
type Syncer struct {
	Fetcher  Fetcher
	Target   Resyncer
	Logger   *zap.Logger
	Schedule string

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSyncer(f Fetcher, target Resyncer, schedule string, logger *zap.Logger) *Syncer {
	if schedule == "" {
		schedule = DefaultSyncSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{Fetcher: f, Target: target, Logger: logger, Schedule: schedule}
}

// SyncOnce fetches the assigned definitions and resyncs on success.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	defs, err := s.Fetcher.FetchMonitors(ctx)
	if err != nil {
		s.Logger.Warn("fetch_monitors_failed", zap.Error(err))
		return err
	}
	s.Target.Resync(defs)
	return nil
}

// Start syncs immediately, then on every tick of the schedule until ctx is
// done or Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.Schedule, func() { _ = s.SyncOnce(ctx) }); err != nil {
		return err
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	_ = s.SyncOnce(ctx)
	c.Start()
	s.Logger.Info("syncer_started", zap.String("schedule", s.Schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for a running sync to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Logger.Info("syncer_stopped")
}
