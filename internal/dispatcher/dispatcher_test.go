package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/hestia/internal/clock"
	"github.com/friendsincode/hestia/internal/events"
	"github.com/friendsincode/hestia/internal/executor"
	"github.com/friendsincode/hestia/internal/models"
	"github.com/friendsincode/hestia/internal/platform"
	"github.com/friendsincode/hestia/internal/queue"
	"github.com/friendsincode/hestia/internal/store"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	mu      sync.Mutex
	calls   []platform.CreateEventRequest
	respond func(ctx context.Context, attempt int, req platform.CreateEventRequest) (platform.CreateEventResult, error)
}

func (f *fakeAdapter) CreateEvent(ctx context.Context, req platform.CreateEventRequest) (platform.CreateEventResult, error) {
	f.mu.Lock()
	attempt := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, attempt, req)
	}
	return platform.CreateEventResult{ExternalID: "evt-1"}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) call(i int) platform.CreateEventRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type harness struct {
	d       *Dispatcher
	db      *gorm.DB
	st      *store.Store
	clk     *clock.Virtual
	adapter *fakeAdapter
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, cfg Config, adapter *fakeAdapter) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection only: each pool connection of an in-memory sqlite
	// database is a separate empty database, so the Run goroutine's
	// rebuild would otherwise see none of the seeded rows.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.EventDefinition{}, &models.Occurrence{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	st := store.New(db, zerolog.Nop())
	clk := clock.NewVirtual(base)
	bus := events.NewBus()
	exec := executor.New(st, adapter, clk, bus, executor.Config{
		MaxAttempts: 2,
		BackoffBase: 0,
		CallTimeout: 5 * time.Second,
	}, zerolog.Nop())
	d := New(st, queue.New(), exec, clk, bus, cfg, zerolog.Nop())

	return &harness{d: d, db: db, st: st, clk: clk, adapter: adapter}
}

// start runs the dispatch loop in the background; stopped via t.Cleanup.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.d.Run(ctx) }()
	// Wait for the startup rebuild to populate the queue before returning
	// so tests can advance the virtual clock without racing it. Bounded:
	// a test that starts with an unreachable store never enqueues.
	deadline := time.Now().Add(time.Second)
	for h.d.queue.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("dispatcher exited with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func (h *harness) seedOneShot(t *testing.T, id string, at time.Time, lead time.Duration) *models.EventDefinition {
	t.Helper()
	def := &models.EventDefinition{
		ID:       id,
		GuildID:  "guild-1",
		Title:    "event " + id,
		RuleType: models.RuleOneShot,
		At:       &at,
		LeadTime: lead,
		Active:   true,
	}
	if err := h.st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	return def
}

func (h *harness) seedDaily(t *testing.T, id string, dtstart time.Time) *models.EventDefinition {
	t.Helper()
	def := &models.EventDefinition{
		ID:       id,
		GuildID:  "guild-1",
		Title:    "event " + id,
		RuleType: models.RuleRecurring,
		RRule:    "FREQ=DAILY",
		DTStart:  dtstart,
		Timezone: "UTC",
		Active:   true,
	}
	if err := h.st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	return def
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func (h *harness) occurrenceState(t *testing.T, defID string, slot time.Time) models.OccurrenceState {
	t.Helper()
	occ, err := h.st.GetOccurrence(context.Background(), defID, slot)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	if err != nil {
		t.Fatalf("get occurrence: %v", err)
	}
	return occ.State
}

func TestDispatchesInScheduledOrder(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, adapter)

	h.seedOneShot(t, "def-c", base.Add(3*time.Minute), 0)
	h.seedOneShot(t, "def-a", base.Add(1*time.Minute), 0)
	h.seedOneShot(t, "def-b", base.Add(2*time.Minute), 0)

	h.start(t)
	h.clk.Advance(4 * time.Minute)

	waitFor(t, func() bool { return adapter.callCount() == 3 }, "three dispatches")

	for i := 1; i < 3; i++ {
		if !h.adapter.call(i - 1).StartsAt.Before(h.adapter.call(i).StartsAt) {
			t.Fatalf("dispatch order violated: %v then %v",
				h.adapter.call(i-1).StartsAt, h.adapter.call(i).StartsAt)
		}
	}
}

func TestLeadTimeOffsetsDispatch(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, DefaultConfig(), adapter)

	slot := base.Add(time.Hour)
	h.seedOneShot(t, "def-1", slot, 10*time.Minute)
	h.start(t)

	h.clk.Advance(49 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if n := adapter.callCount(); n != 0 {
		t.Fatalf("dispatched %d times before the lead window", n)
	}

	h.clk.Advance(time.Minute)
	waitFor(t, func() bool { return adapter.callCount() == 1 }, "lead-time dispatch")

	// The platform event still starts at the scheduled slot.
	if got := adapter.call(0).StartsAt; !got.Equal(slot) {
		t.Fatalf("event starts at %v, want %v", got, slot)
	}
}

func TestOneShotCompletesAndDeactivates(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, DefaultConfig(), adapter)

	slot := base.Add(time.Minute)
	h.seedOneShot(t, "def-1", slot, 0)
	h.start(t)
	h.clk.Advance(2 * time.Minute)

	waitFor(t, func() bool {
		return h.occurrenceState(t, "def-1", slot) == models.OccurrenceCreated
	}, "occurrence created")

	waitFor(t, func() bool {
		def, err := h.st.GetDefinition(context.Background(), "def-1")
		return err == nil && !def.Active
	}, "one-shot deactivated")
}

func TestRecoveryRedispatchesOpenRows(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, DefaultConfig(), adapter)

	// A previous run crashed mid-call: the slot is in the past and the row
	// is still in_flight.
	slot := base.Add(-time.Hour)
	h.seedOneShot(t, "def-1", slot, 0)
	occ, err := h.st.EnsureOccurrence(context.Background(), "def-1", slot)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := h.st.MarkInFlight(context.Background(), occ, slot); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	h.start(t)

	waitFor(t, func() bool {
		return h.occurrenceState(t, "def-1", slot) == models.OccurrenceCreated
	}, "recovered occurrence created")
	if adapter.callCount() != 1 {
		t.Fatalf("got %d calls, want 1", adapter.callCount())
	}
	if key := adapter.call(0).IdempotencyKey; key != models.IdempotencyKey("def-1", slot) {
		t.Fatalf("recovery changed the idempotency key: %q", key)
	}
}

func TestCatchUpNextSkipsMissedSlots(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, DefaultConfig(), adapter)

	// Daily at 18:00 UTC, started well before base; the May 31 slot was
	// missed while the service was down.
	h.seedDaily(t, "def-1", time.Date(2026, 5, 20, 18, 0, 0, 0, time.UTC))
	h.start(t)

	time.Sleep(50 * time.Millisecond)
	if n := adapter.callCount(); n != 0 {
		t.Fatalf("dispatched %d missed slots under the next policy", n)
	}

	// The next future slot still fires.
	h.clk.Advance(7 * time.Hour)
	waitFor(t, func() bool { return adapter.callCount() == 1 }, "next slot dispatch")

	want := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	if got := adapter.call(0).StartsAt; !got.Equal(want) {
		t.Fatalf("dispatched slot %v, want %v", got, want)
	}
}

func TestCatchUpImmediateDispatchesMostRecentMissed(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := DefaultConfig()
	cfg.CatchUp = CatchUpImmediate
	h := newHarness(t, cfg, adapter)

	h.seedDaily(t, "def-1", time.Date(2026, 5, 20, 18, 0, 0, 0, time.UTC))
	h.start(t)

	waitFor(t, func() bool { return adapter.callCount() == 1 }, "catch-up dispatch")

	want := time.Date(2026, 5, 31, 18, 0, 0, 0, time.UTC)
	if got := adapter.call(0).StartsAt; !got.Equal(want) {
		t.Fatalf("caught-up slot %v, want the most recent missed %v", got, want)
	}

	// Exactly one catch-up: older missed slots stay skipped.
	time.Sleep(50 * time.Millisecond)
	if n := adapter.callCount(); n != 1 {
		t.Fatalf("got %d dispatches, want 1", n)
	}
}

func TestFailedSlotNeedsManualRetrigger(t *testing.T) {
	adapter := &fakeAdapter{
		respond: func(ctx context.Context, attempt int, req platform.CreateEventRequest) (platform.CreateEventResult, error) {
			if attempt == 0 {
				return platform.CreateEventResult{}, platform.Permanent(errors.New("gateway status 422"))
			}
			return platform.CreateEventResult{ExternalID: "evt-2"}, nil
		},
	}
	h := newHarness(t, DefaultConfig(), adapter)

	slot := base.Add(time.Minute)
	h.seedOneShot(t, "def-1", slot, 0)
	h.start(t)
	h.clk.Advance(2 * time.Minute)

	waitFor(t, func() bool {
		return h.occurrenceState(t, "def-1", slot) == models.OccurrenceFailed
	}, "occurrence failed")

	// No automatic retry of a failed slot.
	time.Sleep(50 * time.Millisecond)
	if n := adapter.callCount(); n != 1 {
		t.Fatalf("failed slot was retried automatically (%d calls)", n)
	}

	// Operator re-trigger puts the slot back through the loop.
	if _, err := h.st.ResetFailed(context.Background(), "def-1", slot); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	h.d.NotifyDefinitionChanged(context.Background(), "def-1")

	waitFor(t, func() bool {
		return h.occurrenceState(t, "def-1", slot) == models.OccurrenceCreated
	}, "re-triggered occurrence created")
	if key := adapter.call(1).IdempotencyKey; key != models.IdempotencyKey("def-1", slot) {
		t.Fatalf("re-trigger changed the idempotency key: %q", key)
	}
}

func TestDisableRemovesFromQueue(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, DefaultConfig(), adapter)

	slot := base.Add(time.Hour)
	h.seedOneShot(t, "def-1", slot, 0)
	h.start(t)

	if err := h.st.SetDefinitionActive(context.Background(), "def-1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	h.d.NotifyDefinitionChanged(context.Background(), "def-1")

	h.clk.Advance(2 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	if n := adapter.callCount(); n != 0 {
		t.Fatalf("disabled definition dispatched %d times", n)
	}
}

func TestStartupStoreOutageKeepsLoopAlive(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := DefaultConfig()
	cfg.StoreRetryBackoff = 0
	h := newHarness(t, cfg, adapter)

	sqlDB, err := h.db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	h.start(t)

	// The rebuild cannot reach the store. The loop must keep retrying
	// rather than exit; only cancellation (via Cleanup) stops it.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-h.done:
		t.Fatalf("dispatcher exited during store outage: %v", err)
	default:
	}
}

func TestShutdownLetsInFlightCallFinish(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{
		respond: func(ctx context.Context, attempt int, req platform.CreateEventRequest) (platform.CreateEventResult, error) {
			select {
			case <-release:
				return platform.CreateEventResult{ExternalID: "evt-1"}, nil
			case <-ctx.Done():
				return platform.CreateEventResult{}, ctx.Err()
			}
		},
	}
	h := newHarness(t, DefaultConfig(), adapter)

	slot := base.Add(time.Minute)
	h.seedOneShot(t, "def-1", slot, 0)
	h.start(t)
	h.clk.Advance(2 * time.Minute)

	waitFor(t, func() bool { return h.adapter.callCount() == 1 }, "platform call started")

	// Cancel the run loop while the call is blocked, then let it land.
	// The drain must wait for the call and record its outcome.
	h.cancel()
	close(release)

	waitFor(t, func() bool {
		return h.occurrenceState(t, "def-1", slot) == models.OccurrenceCreated
	}, "in-flight occurrence completed during drain")
}
