package repo

import (
	"context"
	"fmt"

	"github.com/hamed0406/gefion/internal/domain"
)

// Seed makes the store hold exactly monitors: each is put, and stored
// monitors missing from the list are deleted.
func Seed(ctx context.Context, s MonitorStore, monitors []domain.Monitor) error {
	keep := make(map[string]bool, len(monitors))
	for _, m := range monitors {
		if err := s.Put(ctx, m); err != nil {
			return fmt.Errorf("seed monitor %s: %w", m.Definition.MonitorID, err)
		}
		keep[m.Definition.MonitorID] = true
	}

	existing, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("seed list: %w", err)
	}
	for _, m := range existing {
		if keep[m.Definition.MonitorID] {
			continue
		}
		if err := s.Delete(ctx, m.Definition.MonitorID); err != nil {
			return fmt.Errorf("seed delete %s: %w", m.Definition.MonitorID, err)
		}
	}
	return nil
}
