package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/metrics"
)

// DefaultContactTimeout bounds one delivery so a hanging channel cannot use
// up the time left for the contacts after it.
const DefaultContactTimeout = 30 * time.Second

// Dispatcher fans a notification out to every contact of a monitor. One
// contact failing never stops delivery to the rest.
type Dispatcher struct {
	Channels       *Registry
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	ContactTimeout time.Duration
}

func NewDispatcher(channels *Registry, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Channels: channels, Logger: logger, Metrics: m, ContactTimeout: DefaultContactTimeout}
}

// Dispatch returns every per-contact failure combined with multierr, or nil.
// Unknown channel kinds wrap domain.ErrConfiguration, failed sends wrap
// domain.ErrChannelDelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification, contacts []domain.ContactRef) error {
	var errs error
	for _, c := range contacts {
		ch, err := d.Channels.Lookup(c.ChannelKind)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("contact %s: %w", c.Destination, err))
			continue
		}
		if err := d.deliver(ctx, ch, n, c.Destination); err != nil {
			d.Metrics.Notification(c.ChannelKind, false)
			errs = multierr.Append(errs, fmt.Errorf("%w: %s to %s: %v", domain.ErrChannelDelivery, c.ChannelKind, c.Destination, err))
			continue
		}
		d.Metrics.Notification(c.ChannelKind, true)
		d.Logger.Info("notify_sent",
			zap.String("channel", c.ChannelKind),
			zap.String("destination", c.Destination),
			zap.String("host", n.Host),
			zap.String("state", n.State()),
		)
	}
	return errs
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, n Notification, dest string) (err error) {
	if d.ContactTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ContactTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channel panic: %v", rec)
		}
	}()
	return ch.Send(ctx, n, dest)
}
