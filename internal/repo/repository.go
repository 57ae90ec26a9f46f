package repo

import (
	"context"

	"github.com/hamed0406/gefion/internal/domain"
)

// MonitorStore is the master's persistence port. Adapters: memory, postgres, mongo.
type MonitorStore interface {
	// Put inserts or replaces a monitor's definition, name and contacts.
	// Observed state of an existing monitor is kept.
	Put(ctx context.Context, m domain.Monitor) error
	// Find looks a monitor up by id, falling back to version id.
	// Returns nil, nil if neither matches.
	Find(ctx context.Context, monitorID, versionID string) (*domain.Monitor, error)
	List(ctx context.Context) ([]domain.Monitor, error)
	// ListByWorker returns the monitors assigned to worker, ordered by id.
	ListByWorker(ctx context.Context, worker string) ([]domain.Monitor, error)
	Delete(ctx context.Context, id string) error
	// UpdateState runs fn on the latest committed state of monitor id and
	// commits the result atomically. Missing monitors yield
	// domain.ErrUnknownMonitor; an error from fn aborts without writing.
	UpdateState(ctx context.Context, id string, fn func(*domain.MonitorState) error) error
}
