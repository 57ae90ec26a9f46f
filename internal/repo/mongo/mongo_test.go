package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
)

func TestMonitorDoc_ToMonitor(t *testing.T) {
	up := true
	at := time.Unix(1700000000, 0)
	doc := monitorDoc{
		ID:               "1",
		UniqueID:         "v1",
		Name:             "db",
		Check:            "port",
		Arguments:        `{"host":"db.internal","port":5432}`,
		Worker:           "w1",
		Frequency:        60,
		Contacts:         []contactDoc{{Notifier: "telegram", Destination: "123"}},
		LastAvailability: &up,
		LastUpdated:      &at,
	}
	m, err := doc.toMonitor()
	if err != nil {
		t.Fatalf("toMonitor: %v", err)
	}
	if m.Definition.ProbeArgs["port"] != float64(5432) || m.State.Contacts[0].Destination != "123" {
		t.Fatalf("unexpected monitor %+v", m)
	}
	if m.State.LastAvailable == nil || !*m.State.LastAvailable || !m.State.LastUpdatedAt.Equal(at) {
		t.Fatalf("unexpected state %+v", m.State)
	}

	doc.Arguments = "{broken"
	if _, err := doc.toMonitor(); err == nil {
		t.Fatalf("want decode error for broken arguments")
	}
}

func TestMongoStore_Live(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set; skipping Mongo integration test")
	}
	ctx := context.Background()
	store, err := New(ctx, uri, "gefion_test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close(ctx)

	id := fmt.Sprintf("m-%d", time.Now().UnixNano())
	mon := domain.Monitor{
		Definition: domain.CheckDefinition{MonitorID: id, VersionID: id + "-v1", ProbeKind: "port",
			ProbeArgs: map[string]any{"host": "localhost", "port": 22}, IntervalSeconds: 30, Worker: "w-" + id},
		State: domain.MonitorState{Name: "ssh", Contacts: []domain.ContactRef{{ChannelKind: "telegram", Destination: "1"}}},
	}
	if err := store.Put(ctx, mon); err != nil {
		t.Fatalf("Put: %v", err)
	}
	defer store.Delete(ctx, id)

	got, err := store.Find(ctx, "stale", id+"-v1")
	if err != nil || got == nil || got.State.LastAvailable != nil {
		t.Fatalf("Find by version: %+v %v", got, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.UpdateState(ctx, id, func(st *domain.MonitorState) error {
				st.LastMessage += "x"
				return nil
			}); err != nil {
				t.Errorf("UpdateState: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ = store.Find(ctx, id, "")
	if got.State.LastMessage != "xxxxx" {
		t.Fatalf("lost updates: %q", got.State.LastMessage)
	}

	// redefinition keeps observed state
	mon.Definition.VersionID = id + "-v2"
	_ = store.Put(ctx, mon)
	got, _ = store.Find(ctx, id, "")
	if got.State.LastMessage != "xxxxx" || got.Definition.VersionID != id+"-v2" {
		t.Fatalf("Put clobbered state: %+v", got)
	}

	if err := store.UpdateState(ctx, "missing-"+id, func(*domain.MonitorState) error { return nil }); !errors.Is(err, domain.ErrUnknownMonitor) {
		t.Fatalf("want ErrUnknownMonitor, got %v", err)
	}
}
