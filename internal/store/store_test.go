package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/hestia/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.EventDefinition{}, &models.Occurrence{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(db, zerolog.Nop())
}

func seedDefinition(t *testing.T, st *Store, id string) *models.EventDefinition {
	t.Helper()
	at := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	def := &models.EventDefinition{
		ID:       id,
		GuildID:  "guild-1",
		Title:    "community call",
		RuleType: models.RuleOneShot,
		At:       &at,
		Active:   true,
	}
	if err := st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	return def
}

func TestCreateDefinitionAssignsID(t *testing.T) {
	st := newTestStore(t)
	at := time.Now().UTC()
	def := &models.EventDefinition{
		GuildID:  "guild-1",
		Title:    "untitled",
		RuleType: models.RuleOneShot,
		At:       &at,
	}
	if err := st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if def.ID == "" {
		t.Fatal("expected a generated ID")
	}
}

func TestGetDefinitionNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetDefinition(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateDefinition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, st, "def-1")

	def.Title = "renamed"
	def.Active = false
	if err := st.UpdateDefinition(ctx, def); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := st.GetDefinition(ctx, "def-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Title != "renamed" || loaded.Active {
		t.Fatalf("update not persisted: %+v", loaded)
	}

	ghost := &models.EventDefinition{ID: "missing", Title: "x"}
	if err := st.UpdateDefinition(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListDefinitionsActiveOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")
	seedDefinition(t, st, "def-2")
	if err := st.SetDefinitionActive(ctx, "def-2", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	all, err := st.ListDefinitions(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d definitions, want 2", len(all))
	}

	active, err := st.ListDefinitions(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "def-1" {
		t.Fatalf("got %+v, want only def-1", active)
	}
}

func TestEnsureOccurrenceIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")
	slot := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	first, err := st.EnsureOccurrence(ctx, "def-1", slot)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.State != models.OccurrencePending {
		t.Fatalf("new occurrence state %s, want pending", first.State)
	}

	second, err := st.EnsureOccurrence(ctx, "def-1", slot)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ensure created a duplicate row: %s vs %s", second.ID, first.ID)
	}

	history, err := st.History(ctx, "def-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d rows, want 1", len(history))
	}
}

func TestOccurrenceLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")
	slot := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	now := time.Date(2026, 5, 1, 17, 50, 0, 0, time.UTC)

	occ, err := st.EnsureOccurrence(ctx, "def-1", slot)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := st.MarkInFlight(ctx, occ, now); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if occ.State != models.OccurrenceInFlight || occ.DispatchedAt == nil {
		t.Fatalf("bad in-flight state: %+v", occ)
	}

	// Re-marking an in-flight row (crash recovery) is a no-op.
	if err := st.MarkInFlight(ctx, occ, now); err != nil {
		t.Fatalf("repeat mark in-flight: %v", err)
	}

	if err := st.MarkCreated(ctx, occ, "evt-42", 1); err != nil {
		t.Fatalf("mark created: %v", err)
	}

	loaded, err := st.GetOccurrence(ctx, "def-1", slot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.State != models.OccurrenceCreated || loaded.ExternalID != "evt-42" || loaded.RetryCount != 1 {
		t.Fatalf("bad terminal row: %+v", loaded)
	}
}

func TestTransitionConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")
	slot := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	occ, err := st.EnsureOccurrence(ctx, "def-1", slot)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// created requires in_flight; the row is still pending.
	if err := st.MarkCreated(ctx, occ, "evt-1", 0); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("got %v, want ErrStateConflict", err)
	}

	// A stale pending copy cannot steal a slot that already moved on.
	stale := *occ
	if err := st.MarkInFlight(ctx, occ, time.Now().UTC()); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := st.MarkFailed(ctx, occ, models.ErrorPermanent, "boom", 0); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := st.MarkInFlight(ctx, &stale, time.Now().UTC()); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("got %v, want ErrStateConflict", err)
	}
}

func TestResetFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")
	slot := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	occ, _ := st.EnsureOccurrence(ctx, "def-1", slot)
	if err := st.MarkInFlight(ctx, occ, time.Now().UTC()); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := st.MarkFailed(ctx, occ, models.ErrorTransient, "retries exhausted", 4); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	reset, err := st.ResetFailed(ctx, "def-1", slot)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.State != models.OccurrencePending || reset.RetryCount != 0 || reset.LastError != "" {
		t.Fatalf("bad reset row: %+v", reset)
	}

	// Only failed slots are resettable.
	if err := st.MarkInFlight(ctx, reset, time.Now().UTC()); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := st.MarkCreated(ctx, reset, "evt-1", 0); err != nil {
		t.Fatalf("mark created: %v", err)
	}
	if _, err := st.ResetFailed(ctx, "def-1", slot); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("got %v, want ErrStateConflict", err)
	}
}

func TestSlotTimesAndOpenOccurrences(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")

	slotA := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	slotB := slotA.Add(24 * time.Hour)
	slotC := slotA.Add(48 * time.Hour)

	occA, _ := st.EnsureOccurrence(ctx, "def-1", slotA)
	_ = st.MarkInFlight(ctx, occA, slotA)
	_ = st.MarkCreated(ctx, occA, "evt-a", 0)

	occB, _ := st.EnsureOccurrence(ctx, "def-1", slotB)
	_ = st.MarkInFlight(ctx, occB, slotB)
	_ = st.MarkFailed(ctx, occB, models.ErrorPermanent, "rejected", 0)

	if _, err := st.EnsureOccurrence(ctx, "def-1", slotC); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	settled, err := st.SlotTimes(ctx, "def-1", models.OccurrenceCreated, models.OccurrenceFailed)
	if err != nil {
		t.Fatalf("slot times: %v", err)
	}
	if len(settled) != 2 {
		t.Fatalf("got %d settled slots, want 2", len(settled))
	}

	open, err := st.OpenOccurrences(ctx, "def-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(open) != 1 || !open[0].ScheduledFor.Equal(slotC) {
		t.Fatalf("got %+v, want only the pending slot", open)
	}
}

func TestHasInFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefinition(t, st, "def-1")

	slotA := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	slotB := slotA.Add(24 * time.Hour)

	occ, _ := st.EnsureOccurrence(ctx, "def-1", slotA)
	if err := st.MarkInFlight(ctx, occ, slotA); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	busy, err := st.HasInFlight(ctx, "def-1", slotB)
	if err != nil {
		t.Fatalf("has in-flight: %v", err)
	}
	if !busy {
		t.Fatal("expected busy: another slot is in flight")
	}

	// The in-flight slot itself is exempt, so recovery can re-dispatch it.
	busy, err = st.HasInFlight(ctx, "def-1", slotA)
	if err != nil {
		t.Fatalf("has in-flight: %v", err)
	}
	if busy {
		t.Fatal("own slot must not count as busy")
	}
}
