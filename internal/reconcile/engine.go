package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/metrics"
	"github.com/hamed0406/gefion/internal/notify"
	"github.com/hamed0406/gefion/internal/repo"
)

// DefaultDispatchTimeout bounds the delivery of one transition to all of a
// monitor's contacts.
const DefaultDispatchTimeout = 2 * time.Minute

const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
	VerdictError    = "error"
)

type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification, contacts []domain.ContactRef) error
}

// Engine merges reported outcomes into monitor state and notifies contacts
// when availability flips. Reconciliation of one monitor is serialized, and
// its notifications are delivered in commit order by a per-monitor queue that
// outlives the reporting request.
type Engine struct {
	Store           repo.MonitorStore
	Notifier        Notifier
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	DispatchTimeout time.Duration

	locks *KeyedMutex
	queue *dispatchQueue
}

func NewEngine(store repo.MonitorStore, n Notifier, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:           store,
		Notifier:        n,
		Logger:          logger,
		Metrics:         m,
		DispatchTimeout: DefaultDispatchTimeout,
		locks:           NewKeyedMutex(),
		queue:           newDispatchQueue(),
	}
}

// Wait blocks until every queued notification has been delivered or ctx is
// done. The master calls it on shutdown.
func (e *Engine) Wait(ctx context.Context) error {
	return e.queue.wait(ctx)
}

// Reconcile returns nil when the outcome was accepted and an error wrapping
// domain.ErrUnknownMonitor when no monitor matches either id. Notification
// failures are logged and never change the result.
func (e *Engine) Reconcile(ctx context.Context, monitorID, versionID string, out domain.CheckOutcome) error {
	log := e.Logger.With(zap.String("monitor_id", monitorID), zap.String("unique_id", versionID))

	mon, err := e.Store.Find(ctx, monitorID, versionID)
	if err != nil {
		e.Metrics.Reconciled(VerdictError)
		return fmt.Errorf("find monitor: %w", err)
	}
	if mon == nil {
		log.Warn("reconcile_unknown_monitor")
		e.Metrics.Reconciled(VerdictRejected)
		return fmt.Errorf("%w: id=%q unique_id=%q", domain.ErrUnknownMonitor, monitorID, versionID)
	}

	id := mon.Definition.MonitorID
	transitioned, err := e.commit(ctx, id, out, log)
	if errors.Is(err, domain.ErrUnknownMonitor) {
		log.Warn("reconcile_monitor_vanished", zap.String("canonical_id", id))
		e.Metrics.Reconciled(VerdictRejected)
		return err
	}
	if err != nil {
		e.Metrics.Reconciled(VerdictError)
		return fmt.Errorf("update state of %s: %w", id, err)
	}
	e.Metrics.Reconciled(VerdictAccepted)
	if !transitioned {
		log.Debug("reconcile_accepted", zap.Bool("available", out.Available))
	}
	return nil
}

// commit decides and records the transition inside the monitor's critical
// section and, when the state flipped, queues the notification before the
// lock is released so delivery order matches commit order. Delivery itself
// runs on the queue, detached from ctx's cancellation.
func (e *Engine) commit(ctx context.Context, id string, out domain.CheckOutcome, log *zap.Logger) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	var (
		transitioned bool
		snapshot     domain.MonitorState
	)
	err := e.Store.UpdateState(ctx, id, func(st *domain.MonitorState) error {
		transitioned = st.Transitioned(out)
		st.Apply(out)
		snapshot = *st
		return nil
	})
	if err != nil || !transitioned {
		return false, err
	}

	n := notify.NewNotification(snapshot.Name, out)
	log.Info("reconcile_transition",
		zap.String("host", n.Host),
		zap.String("state", n.State()),
		zap.Int("contacts", len(snapshot.Contacts)),
	)
	detached := context.WithoutCancel(ctx)
	e.queue.push(id, func() { e.dispatch(detached, n, snapshot.Contacts, log) })
	return true, nil
}

func (e *Engine) dispatch(ctx context.Context, n notify.Notification, contacts []domain.ContactRef, log *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("notify_panic", zap.Any("panic", rec))
		}
	}()

	timeout := e.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.Notifier.Dispatch(ctx, n, contacts)
	if err == nil {
		return
	}
	failures := multierr.Errors(err)
	fields := make([]zap.Field, 0, len(failures)+2)
	fields = append(fields, zap.String("state", n.State()), zap.Int("failed", len(failures)))
	for i, f := range failures {
		fields = append(fields, zap.NamedError(fmt.Sprintf("failure_%d", i), f))
	}
	log.Warn("notify_failed", fields...)
}
