package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/hestia/internal/models"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func oneShotDef(at time.Time) *models.EventDefinition {
	return &models.EventDefinition{
		ID:       "def-1",
		RuleType: models.RuleOneShot,
		At:       &at,
	}
}

func dailyDef() *models.EventDefinition {
	return &models.EventDefinition{
		ID:       "def-2",
		RuleType: models.RuleRecurring,
		RRule:    "FREQ=DAILY",
		DTStart:  ts("2026-01-01T18:00:00Z"),
		Timezone: "UTC",
	}
}

func TestValidate(t *testing.T) {
	at := ts("2026-03-01T20:00:00Z")

	tests := []struct {
		name    string
		def     *models.EventDefinition
		wantErr bool
	}{
		{
			name: "valid one-shot",
			def:  oneShotDef(at),
		},
		{
			name: "one-shot without timestamp",
			def: &models.EventDefinition{
				RuleType: models.RuleOneShot,
			},
			wantErr: true,
		},
		{
			name: "valid recurring",
			def:  dailyDef(),
		},
		{
			name: "recurring without rrule",
			def: &models.EventDefinition{
				RuleType: models.RuleRecurring,
				DTStart:  ts("2026-01-01T18:00:00Z"),
			},
			wantErr: true,
		},
		{
			name: "recurring without dtstart",
			def: &models.EventDefinition{
				RuleType: models.RuleRecurring,
				RRule:    "FREQ=DAILY",
			},
			wantErr: true,
		},
		{
			name: "malformed rrule",
			def: &models.EventDefinition{
				RuleType: models.RuleRecurring,
				RRule:    "FREQ=SOMETIMES",
				DTStart:  ts("2026-01-01T18:00:00Z"),
			},
			wantErr: true,
		},
		{
			name: "unknown timezone",
			def: &models.EventDefinition{
				RuleType: models.RuleRecurring,
				RRule:    "FREQ=DAILY",
				DTStart:  ts("2026-01-01T18:00:00Z"),
				Timezone: "Mars/Olympus_Mons",
			},
			wantErr: true,
		},
		{
			name: "negative lead time",
			def: &models.EventDefinition{
				RuleType: models.RuleOneShot,
				At:       &at,
				LeadTime: -time.Minute,
			},
			wantErr: true,
		},
		{
			name: "unknown rule type",
			def: &models.EventDefinition{
				RuleType: "weekly_maybe",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if !errors.Is(err, ErrInvalidDefinition) {
					t.Fatalf("error %v is not ErrInvalidDefinition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestNextOneShot(t *testing.T) {
	at := ts("2026-03-01T20:00:00Z")
	def := oneShotDef(at)

	next, ok, err := Next(def, ts("2026-02-01T00:00:00Z"), nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok || !next.Equal(at) {
		t.Fatalf("got %v ok=%v, want %v", next, ok, at)
	}

	// Past timestamps are never planned.
	if _, ok, _ := Next(def, ts("2026-03-02T00:00:00Z"), nil); ok {
		t.Fatal("past one-shot should be exhausted")
	}

	// Reference exactly at the timestamp is not strictly before it.
	if _, ok, _ := Next(def, at, nil); ok {
		t.Fatal("one-shot at the reference instant should be exhausted")
	}

	// A settled slot is excluded.
	if _, ok, _ := Next(def, ts("2026-02-01T00:00:00Z"), []time.Time{at}); ok {
		t.Fatal("excluded one-shot slot should be exhausted")
	}
}

func TestNextRecurring(t *testing.T) {
	def := dailyDef()

	next, ok, err := Next(def, ts("2026-01-05T00:00:00Z"), nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := ts("2026-01-05T18:00:00Z")
	if !ok || !next.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", next, ok, want)
	}
}

func TestNextSkipsExcludedSlots(t *testing.T) {
	def := dailyDef()
	exclude := []time.Time{
		ts("2026-01-05T18:00:00Z"),
		ts("2026-01-06T18:00:00Z"),
	}

	next, ok, err := Next(def, ts("2026-01-05T00:00:00Z"), exclude)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := ts("2026-01-07T18:00:00Z")
	if !ok || !next.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", next, ok, want)
	}
}

func TestNextRespectsDTEnd(t *testing.T) {
	def := dailyDef()
	end := ts("2026-01-03T00:00:00Z")
	def.DTEnd = &end

	if _, ok, _ := Next(def, ts("2026-01-03T00:00:00Z"), nil); ok {
		t.Fatal("definition past dtend should be exhausted")
	}

	// Still generates before the end.
	next, ok, _ := Next(def, ts("2026-01-01T00:00:00Z"), nil)
	want := ts("2026-01-01T18:00:00Z")
	if !ok || !next.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", next, ok, want)
	}
}

func TestNextAdvancesPastOutage(t *testing.T) {
	// A long outage leaves many generated-but-missed slots behind; Next
	// plans the first strictly-future one and nothing in between.
	def := dailyDef()

	next, ok, err := Next(def, ts("2026-06-15T03:00:00Z"), nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := ts("2026-06-15T18:00:00Z")
	if !ok || !next.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", next, ok, want)
	}
}

func TestPrevious(t *testing.T) {
	def := dailyDef()

	prev, ok, err := Previous(def, ts("2026-01-05T12:00:00Z"))
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	want := ts("2026-01-04T18:00:00Z")
	if !ok || !prev.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", prev, ok, want)
	}

	// Inclusive at the slot instant.
	prev, ok, _ = Previous(def, ts("2026-01-04T18:00:00Z"))
	if !ok || !prev.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", prev, ok, want)
	}

	// Nothing before dtstart.
	if _, ok, _ := Previous(def, ts("2025-12-01T00:00:00Z")); ok {
		t.Fatal("expected no slot before dtstart")
	}

	at := ts("2026-03-01T20:00:00Z")
	oneShot := oneShotDef(at)
	prev, ok, _ = Previous(oneShot, ts("2026-04-01T00:00:00Z"))
	if !ok || !prev.Equal(at) {
		t.Fatalf("got %v ok=%v, want %v", prev, ok, at)
	}
	if _, ok, _ := Previous(oneShot, ts("2026-02-01T00:00:00Z")); ok {
		t.Fatal("future one-shot has no previous slot")
	}
}

func TestNextInLocalTimezone(t *testing.T) {
	// Weekly Friday 19:00 New York time; the returned slot is UTC.
	def := &models.EventDefinition{
		ID:       "def-3",
		RuleType: models.RuleRecurring,
		RRule:    "FREQ=WEEKLY;BYDAY=FR",
		DTStart:  ts("2026-01-02T19:00:00-05:00"),
		Timezone: "America/New_York",
	}

	next, ok, err := Next(def, ts("2026-01-03T00:00:00Z"), nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := ts("2026-01-09T19:00:00-05:00")
	if !ok || !next.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", next, ok, want)
	}
	if next.Location() != time.UTC {
		t.Fatalf("slot not normalized to UTC: %v", next.Location())
	}
}
