package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/notify"
	"github.com/hamed0406/gefion/internal/repo/memory"
)

type sentMsg struct {
	dest   string
	text   string
	state  string
	ctxErr error
}

type recChannel struct {
	mu    sync.Mutex
	sent  []sentMsg
	err   error
	delay func(notify.Notification) time.Duration
}

func (r *recChannel) Send(ctx context.Context, n notify.Notification, destination string) error {
	if r.delay != nil {
		time.Sleep(r.delay(n))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMsg{dest: destination, text: n.Text(), state: n.State(), ctxErr: ctx.Err()})
	return r.err
}

func (r *recChannel) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.state)
	}
	return out
}

func (r *recChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	store  *memory.Store
	chat   *recChannel
	email  *recChannel
	engine *Engine
}

func newFixture(t *testing.T, last *bool) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), chat: &recChannel{}, email: &recChannel{}}

	reg := notify.NewRegistry()
	reg.Register("chat", f.chat)
	reg.Register("email", f.email)
	f.engine = NewEngine(f.store, notify.NewDispatcher(reg, zap.NewNop(), nil), zap.NewNop(), nil)

	ctx := context.Background()
	err := f.store.Put(ctx, domain.Monitor{
		Definition: domain.CheckDefinition{MonitorID: "M", VersionID: "M-v1", ProbeKind: "port", IntervalSeconds: 60, Worker: "w1"},
		State: domain.MonitorState{
			Name: "db.example.test",
			Contacts: []domain.ContactRef{
				{ChannelKind: "chat", Destination: "123"},
				{ChannelKind: "email", Destination: "a@b.test"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if last != nil {
		v := *last
		if err := f.store.UpdateState(ctx, "M", func(st *domain.MonitorState) error {
			st.LastAvailable = &v
			return nil
		}); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
	return f
}

// settle waits for queued notifications to be delivered.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.engine.Wait(ctx); err != nil {
		t.Fatalf("notifications still pending: %v", err)
	}
}

func (f *fixture) state(t *testing.T) domain.MonitorState {
	t.Helper()
	m, err := f.store.Find(context.Background(), "M", "")
	if err != nil || m == nil {
		t.Fatalf("Find: %v %v", m, err)
	}
	return m.State
}

func ptr(b bool) *bool { return &b }

func TestReconcile_Transitions(t *testing.T) {
	cases := []struct {
		name      string
		last      *bool
		available bool
		wantSent  int
	}{
		{"unset then up", nil, true, 0},
		{"unset then down", nil, false, 0},
		{"up then down", ptr(true), false, 1},
		{"down then up", ptr(false), true, 1},
		{"down then down", ptr(false), false, 0},
		{"up then up", ptr(true), true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.last)
			out := domain.CheckOutcome{Available: tc.available, ObservedAt: 1700000000}
			if !tc.available {
				out.Message = "refused"
			}
			if err := f.engine.Reconcile(context.Background(), "M", "M-v1", out); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			f.settle(t)
			if f.chat.count() != tc.wantSent || f.email.count() != tc.wantSent {
				t.Fatalf("sent chat=%d email=%d, want %d each", f.chat.count(), f.email.count(), tc.wantSent)
			}
			st := f.state(t)
			if st.LastAvailable == nil || *st.LastAvailable != tc.available {
				t.Fatalf("LastAvailable = %v, want %v", st.LastAvailable, tc.available)
			}
			if st.LastUpdatedAt.Unix() != 1700000000 {
				t.Fatalf("LastUpdatedAt = %v", st.LastUpdatedAt)
			}
		})
	}
}

func TestReconcile_DownScenario(t *testing.T) {
	f := newFixture(t, ptr(true))
	out := domain.CheckOutcome{Available: false, Message: "refused", ObservedAt: 1700000000}

	if err := f.engine.Reconcile(context.Background(), "M", "M-v1", out); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	f.settle(t)

	for name, ch := range map[string]*recChannel{"chat": f.chat, "email": f.email} {
		if len(ch.sent) != 1 {
			t.Fatalf("%s: want 1 message, got %d", name, len(ch.sent))
		}
		msg := ch.sent[0].text
		if !strings.Contains(msg, "DOWN") || !strings.Contains(msg, "refused") {
			t.Fatalf("%s: message %q lacks DOWN/refused", name, msg)
		}
	}
	if f.chat.sent[0].dest != "123" || f.email.sent[0].dest != "a@b.test" {
		t.Fatalf("wrong destinations: %q %q", f.chat.sent[0].dest, f.email.sent[0].dest)
	}

	st := f.state(t)
	if st.LastAvailable == nil || *st.LastAvailable || st.LastMessage != "refused" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestReconcile_VersionFallback(t *testing.T) {
	f := newFixture(t, ptr(true))
	out := domain.CheckOutcome{Available: false, Message: "timeout", ObservedAt: 1700000000}

	if err := f.engine.Reconcile(context.Background(), "old-id", "M-v1", out); err != nil {
		t.Fatalf("Reconcile via unique_id: %v", err)
	}
	if st := f.state(t); st.LastMessage != "timeout" {
		t.Fatalf("state not updated via fallback: %+v", st)
	}
}

func TestReconcile_UnknownMonitor(t *testing.T) {
	f := newFixture(t, ptr(true))
	before := f.state(t)

	err := f.engine.Reconcile(context.Background(), "nope", "nope-v1", domain.CheckOutcome{Available: false, Message: "x"})
	if !errors.Is(err, domain.ErrUnknownMonitor) {
		t.Fatalf("want ErrUnknownMonitor, got %v", err)
	}
	f.settle(t)
	if f.chat.count()+f.email.count() != 0 {
		t.Fatalf("notifications sent for unknown monitor")
	}
	after := f.state(t)
	if *after.LastAvailable != *before.LastAvailable || after.LastMessage != before.LastMessage {
		t.Fatalf("state mutated: %+v -> %+v", before, after)
	}
	if mons, _ := f.store.List(context.Background()); len(mons) != 1 {
		t.Fatalf("store has %d monitors, want 1", len(mons))
	}
}

func TestReconcile_ChannelFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, ptr(true))
	f.chat.err = errors.New("bot api down")

	out := domain.CheckOutcome{Available: false, Message: "refused", ObservedAt: 1700000000}
	if err := f.engine.Reconcile(context.Background(), "M", "", out); err != nil {
		t.Fatalf("delivery failure must not reject: %v", err)
	}
	f.settle(t)
	if f.email.count() != 1 {
		t.Fatalf("email not delivered after chat failure")
	}
	if st := f.state(t); st.LastAvailable == nil || *st.LastAvailable {
		t.Fatalf("state not committed: %+v", st)
	}
}

func TestReconcile_ConcurrentOppositeReports(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, nil)

		var wg sync.WaitGroup
		for _, avail := range []bool{true, false} {
			wg.Add(1)
			go func(avail bool) {
				defer wg.Done()
				out := domain.CheckOutcome{Available: avail, ObservedAt: 1700000000}
				if err := f.engine.Reconcile(context.Background(), "M", "M-v1", out); err != nil {
					t.Errorf("Reconcile: %v", err)
				}
			}(avail)
		}
		wg.Wait()
		f.settle(t)

		if f.chat.count() != 1 || f.email.count() != 1 {
			t.Fatalf("run %d: want exactly one transition, chat=%d email=%d", i, f.chat.count(), f.email.count())
		}
		// the notified state is the one the second report committed
		st := f.state(t)
		wantDown := !*st.LastAvailable
		if got := strings.Contains(f.chat.sent[0].text, "DOWN"); got != wantDown {
			t.Fatalf("run %d: notified %q but final state available=%v", i, f.chat.sent[0].text, *st.LastAvailable)
		}
	}
}

func TestReconcile_ConcurrentDownReportsNotifyOnce(t *testing.T) {
	f := newFixture(t, ptr(true))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.engine.Reconcile(context.Background(), "M", "M-v1", domain.CheckOutcome{Available: false, Message: "refused"})
		}()
	}
	wg.Wait()
	f.settle(t)

	if f.chat.count() != 1 || f.email.count() != 1 {
		t.Fatalf("sustained down re-alerted: chat=%d email=%d", f.chat.count(), f.email.count())
	}
}

func TestReconcile_DeliveryOutlivesReportContext(t *testing.T) {
	f := newFixture(t, ptr(true))
	f.chat.delay = func(notify.Notification) time.Duration { return 100 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	out := domain.CheckOutcome{Available: false, Message: "refused", ObservedAt: 1700000000}
	if err := f.engine.Reconcile(ctx, "M", "M-v1", out); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// the reporting request goes away before the slow channel finishes
	cancel()
	f.settle(t)

	if f.chat.count() != 1 || f.email.count() != 1 {
		t.Fatalf("transition lost after report cancelled: chat=%d email=%d", f.chat.count(), f.email.count())
	}
	for name, ch := range map[string]*recChannel{"chat": f.chat, "email": f.email} {
		if err := ch.sent[0].ctxErr; err != nil {
			t.Fatalf("%s delivered on a dead context: %v", name, err)
		}
	}
}

func TestReconcile_DeliveryOrderMatchesCommitOrder(t *testing.T) {
	f := newFixture(t, ptr(true))
	f.chat.delay = func(n notify.Notification) time.Duration {
		if !n.Available {
			return 200 * time.Millisecond
		}
		return 0
	}

	ctx := context.Background()
	if err := f.engine.Reconcile(ctx, "M", "M-v1", domain.CheckOutcome{Available: false, Message: "refused", ObservedAt: 1700000000}); err != nil {
		t.Fatalf("Reconcile down: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := f.engine.Reconcile(ctx, "M", "M-v1", domain.CheckOutcome{Available: true, ObservedAt: 1700000060}); err != nil {
		t.Fatalf("Reconcile up: %v", err)
	}
	f.settle(t)

	if got := f.chat.states(); len(got) != 2 || got[0] != "DOWN" || got[1] != "UP" {
		t.Fatalf("delivery order = %v, want [DOWN UP]", got)
	}
	if got := f.email.states(); len(got) != 2 || got[0] != "DOWN" || got[1] != "UP" {
		t.Fatalf("email delivery order = %v, want [DOWN UP]", got)
	}
	if st := f.state(t); st.LastAvailable == nil || !*st.LastAvailable {
		t.Fatalf("final state %+v, want available", st)
	}
	if n := f.engine.queue.size(); n != 0 {
		t.Fatalf("%d idle queues left behind", n)
	}
}

func TestDispatchQueue_FIFOPerKey(t *testing.T) {
	q := newDispatchQueue()
	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	for i := 0; i < 20; i++ {
		for _, key := range []string{"a", "b"} {
			i, key := i, key
			q.push(key, func() {
				if i%5 == 0 {
					time.Sleep(time.Millisecond)
				}
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		if len(got[key]) != 20 {
			t.Fatalf("%s ran %d jobs, want 20", key, len(got[key]))
		}
		for i, v := range got[key] {
			if v != i {
				t.Fatalf("%s ran out of order: %v", key, got[key])
			}
		}
	}
	if q.size() != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := NewKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
	if n := k.size(); n != 0 {
		t.Fatalf("%d lock entries left behind", n)
	}
}
