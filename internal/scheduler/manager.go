package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/metrics"
)

type Executor interface {
	Execute(ctx context.Context, kind string, args map[string]any) domain.CheckOutcome
}

// Reporter hands an outcome to the master.
type Reporter interface {
	Report(ctx context.Context, monitorID, versionID string, out domain.CheckOutcome) error
}

type timer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager keeps one recurring timer per assigned check. Resync replaces the
// whole set; a cancelled timer has fully exited before Resync returns.
type Manager struct {
	Runner   Executor
	Reporter Reporter
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	interval func(domain.CheckDefinition) time.Duration

	mu     sync.Mutex
	timers map[string]*timer
}

func NewManager(runner Executor, reporter Reporter, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Runner:   runner,
		Reporter: reporter,
		Logger:   logger,
		Metrics:  m,
		interval: domain.CheckDefinition.Interval,
		timers:   map[string]*timer{},
	}
}

func (m *Manager) Resync(defs []domain.CheckDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.timers
	cancelAll(old)

	next := make(map[string]*timer, len(defs))
	for _, def := range defs {
		if def.IntervalSeconds <= 0 {
			m.Logger.Warn("schedule_skip",
				zap.String("monitor_id", def.MonitorID),
				zap.Error(fmt.Errorf("%w: frequency %d must be positive", domain.ErrConfiguration, def.IntervalSeconds)),
			)
			continue
		}
		if _, dup := next[def.MonitorID]; dup {
			m.Logger.Warn("schedule_duplicate", zap.String("monitor_id", def.MonitorID))
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t := &timer{cancel: cancel, done: make(chan struct{})}
		next[def.MonitorID] = t
		go m.run(ctx, def, t.done)
	}
	m.timers = next

	m.Logger.Info("schedule_resync", zap.Int("cancelled", len(old)), zap.Int("active", len(next)))
	m.Metrics.Resync(len(next))
}

// Stop cancels every timer and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelAll(m.timers)
	m.timers = map[string]*timer{}
	m.Metrics.Resync(0)
}

// Active lists the monitor IDs that currently have a timer, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cancelAll(timers map[string]*timer) {
	for _, t := range timers {
		t.cancel()
	}
	for _, t := range timers {
		<-t.done
	}
}

func (m *Manager) run(ctx context.Context, def domain.CheckDefinition, done chan<- struct{}) {
	defer close(done)

	tk := time.NewTicker(m.interval(def))
	defer tk.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		m.fire(ctx, def)

		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
	}
}

func (m *Manager) fire(ctx context.Context, def domain.CheckDefinition) {
	log := m.Logger.With(zap.String("monitor_id", def.MonitorID), zap.String("kind", def.ProbeKind))
	defer func() {
		if r := recover(); r != nil {
			log.Error("schedule_fire_panic", zap.Any("panic", r))
		}
	}()

	out := m.Runner.Execute(ctx, def.ProbeKind, def.ProbeArgs)
	if ctx.Err() != nil {
		// cancelled mid-probe; the outcome belongs to a schedule that no longer exists
		return
	}

	err := m.Reporter.Report(ctx, def.MonitorID, def.VersionID, out)
	m.Metrics.Report(err == nil)
	if err != nil {
		log.Warn("report_failed", zap.Error(err))
		return
	}
	log.Debug("report_sent",
		zap.Bool("available", out.Available),
		zap.Float64("runtime_s", out.RuntimeSeconds),
		zap.String("message", out.Message),
	)
}
