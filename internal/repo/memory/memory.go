package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/repo"
)

var _ repo.MonitorStore = (*Store)(nil)

// Store keeps monitors in process memory. Reads return copies.
type Store struct {
	mu       sync.RWMutex
	monitors map[string]*domain.Monitor
}

func New() *Store {
	return &Store{monitors: make(map[string]*domain.Monitor)}
}

func (m *Store) Put(ctx context.Context, mon domain.Monitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := clone(mon)
	next.State.ID = next.Definition.MonitorID
	next.State.VersionID = next.Definition.VersionID
	if cur := m.monitors[next.Definition.MonitorID]; cur != nil {
		next.State.LastAvailable = cur.State.LastAvailable
		next.State.LastMessage = cur.State.LastMessage
		next.State.LastUpdatedAt = cur.State.LastUpdatedAt
	}
	m.monitors[next.Definition.MonitorID] = &next
	return nil
}

func (m *Store) Find(ctx context.Context, monitorID, versionID string) (*domain.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cur, ok := m.monitors[monitorID]; ok && monitorID != "" {
		out := clone(*cur)
		return &out, nil
	}
	if versionID == "" {
		return nil, nil
	}
	for _, cur := range m.monitors {
		if cur.Definition.VersionID == versionID {
			out := clone(*cur)
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Store) List(ctx context.Context) ([]domain.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Monitor, 0, len(m.monitors))
	for _, cur := range m.monitors {
		out = append(out, clone(*cur))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.MonitorID < out[j].Definition.MonitorID })
	return out, nil
}

func (m *Store) ListByWorker(ctx context.Context, worker string) ([]domain.Monitor, error) {
	all, _ := m.List(ctx)
	out := make([]domain.Monitor, 0, len(all))
	for _, mon := range all {
		if mon.Definition.Worker == worker {
			out = append(out, mon)
		}
	}
	return out, nil
}

func (m *Store) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.monitors, id)
	return nil
}

// UpdateState holds the write lock while fn runs, so fn must not block.
func (m *Store) UpdateState(ctx context.Context, id string, fn func(*domain.MonitorState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.monitors[id]
	if !ok {
		return domain.ErrUnknownMonitor
	}
	st := clone(*cur).State
	if err := fn(&st); err != nil {
		return err
	}
	cur.State.LastAvailable = st.LastAvailable
	cur.State.LastMessage = st.LastMessage
	cur.State.LastUpdatedAt = st.LastUpdatedAt
	return nil
}

func clone(m domain.Monitor) domain.Monitor {
	m.Definition.ProbeArgs = maps.Clone(m.Definition.ProbeArgs)
	m.State.Contacts = slices.Clone(m.State.Contacts)
	if m.State.LastAvailable != nil {
		v := *m.State.LastAvailable
		m.State.LastAvailable = &v
	}
	return m
}
