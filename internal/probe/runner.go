package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/metrics"
)

const (
	DefaultAttempts  = 3
	DefaultMinJitter = 3000 * time.Millisecond
	DefaultMaxJitter = 6000 * time.Millisecond
)

// Runner executes a check with bounded retry. An attempt counts as a success
// only when the probe returns no error and reports the resource available.
// The outcome of the last attempt made is authoritative.
type Runner struct {
	Probes    *Registry
	Attempts  int
	MinJitter time.Duration
	MaxJitter time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewRunner(probes *Registry, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Probes:    probes,
		Attempts:  DefaultAttempts,
		MinJitter: DefaultMinJitter,
		MaxJitter: DefaultMaxJitter,
		Logger:    logger,
		Metrics:   m,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Execute never fails: unknown kinds, bad arguments and exhausted retries all
// come back as an outcome with Available=false.
func (r *Runner) Execute(ctx context.Context, kind string, args map[string]any) domain.CheckOutcome {
	p, err := r.Probes.Lookup(kind)
	if err != nil {
		r.Logger.Warn("probe_unknown_kind", zap.String("kind", kind), zap.Error(err))
		return domain.CheckOutcome{Available: false, Message: err.Error(), ObservedAt: r.now().Unix()}
	}

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last domain.CheckOutcome
	for i := 1; i <= attempts; i++ {
		var cfgErr bool
		last, cfgErr = r.attempt(ctx, p, Args(args))
		r.Metrics.ProbeAttempt(kind, last.Available)
		if last.Available || cfgErr || i == attempts {
			break
		}

		wait := r.jitter()
		r.Logger.Debug("probe_retry",
			zap.String("kind", kind),
			zap.Int("attempt", i),
			zap.Duration("wait", wait),
			zap.String("message", last.Message),
		)
		if err := r.sleep(ctx, wait); err != nil {
			break
		}
	}
	return last
}

// attempt runs the probe once. The bool reports a configuration error, which
// retrying cannot fix.
func (r *Runner) attempt(ctx context.Context, p Probe, args Args) (out domain.CheckOutcome, cfgErr bool) {
	start := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			out = r.finish(start, false, fmt.Sprintf("probe panic: %v", rec))
			cfgErr = false
		}
	}()

	res, err := p.Check(ctx, args)
	if err != nil {
		return r.finish(start, false, err.Error()), errors.Is(err, domain.ErrConfiguration)
	}
	return r.finish(start, res.Available, res.Message), false
}

func (r *Runner) finish(start time.Time, available bool, msg string) domain.CheckOutcome {
	end := r.now()
	runtime := end.Sub(start).Seconds()
	if runtime < 0 {
		runtime = 0
	}
	if available {
		msg = ""
	}
	return domain.CheckOutcome{
		Available:      available,
		RuntimeSeconds: runtime,
		Message:        msg,
		ObservedAt:     end.Unix(),
	}
}

// jitter picks a wait uniformly in [MinJitter, MaxJitter].
func (r *Runner) jitter() time.Duration {
	lo, hi := r.MinJitter, r.MaxJitter
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
