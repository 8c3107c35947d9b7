/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the durable record of event definitions and their
// materialization state. It is the single source of truth; everything the
// dispatcher keeps in memory is rebuilt from here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hestia/internal/models"
)

var (
	// ErrNotFound indicates the definition or occurrence does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict indicates a compare-and-set transition found the
	// occurrence in an unexpected state. Callers must re-read and decide.
	ErrStateConflict = errors.New("occurrence state conflict")
)

// Store wraps the gorm handle for all schedule persistence.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates a schedule store.
func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Ping verifies store connectivity. The dispatcher halts dispatch while
// this fails: it must not hand work to the executor when the in-flight
// transition cannot be durably recorded.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateDefinition persists a new definition.
func (s *Store) CreateDefinition(ctx context.Context, def *models.EventDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(def).Error
}

// UpdateDefinition persists changes to an existing definition.
func (s *Store) UpdateDefinition(ctx context.Context, def *models.EventDefinition) error {
	result := s.db.WithContext(ctx).
		Model(&models.EventDefinition{}).
		Where("id = ?", def.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(def)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("definition %s: %w", def.ID, ErrNotFound)
	}
	return nil
}

// GetDefinition loads one definition by ID.
func (s *Store) GetDefinition(ctx context.Context, id string) (*models.EventDefinition, error) {
	var def models.EventDefinition
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// ListDefinitions returns definitions ordered by creation time. When
// activeOnly is set, disabled definitions are filtered out.
func (s *Store) ListDefinitions(ctx context.Context, activeOnly bool) ([]models.EventDefinition, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var defs []models.EventDefinition
	if err := query.Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

// SetDefinitionActive enables or disables a definition.
func (s *Store) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.EventDefinition{}).
		Where("id = ?", id).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}

// EnsureOccurrence returns the occurrence row for (definitionID,
// scheduledFor), creating a pending one when the slot has never been
// materialized. The unique slot index makes concurrent ensures collapse
// to a single row.
func (s *Store) EnsureOccurrence(ctx context.Context, definitionID string, scheduledFor time.Time) (*models.Occurrence, error) {
	scheduledFor = scheduledFor.UTC()

	var occ models.Occurrence
	err := s.db.WithContext(ctx).
		Where("definition_id = ? AND scheduled_for = ?", definitionID, scheduledFor).
		First(&occ).Error
	if err == nil {
		return &occ, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	occ = models.Occurrence{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		ScheduledFor: scheduledFor,
		State:        models.OccurrencePending,
	}
	if createErr := s.db.WithContext(ctx).Create(&occ).Error; createErr != nil {
		// Lost a race with another ensure; re-read the winner.
		var existing models.Occurrence
		if readErr := s.db.WithContext(ctx).
			Where("definition_id = ? AND scheduled_for = ?", definitionID, scheduledFor).
			First(&existing).Error; readErr == nil {
			return &existing, nil
		}
		return nil, createErr
	}
	return &occ, nil
}

// GetOccurrence loads one occurrence by its slot identity.
func (s *Store) GetOccurrence(ctx context.Context, definitionID string, scheduledFor time.Time) (*models.Occurrence, error) {
	var occ models.Occurrence
	err := s.db.WithContext(ctx).
		Where("definition_id = ? AND scheduled_for = ?", definitionID, scheduledFor.UTC()).
		First(&occ).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("occurrence %s: %w", models.IdempotencyKey(definitionID, scheduledFor), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &occ, nil
}

// History returns all occurrences of a definition in slot order.
func (s *Store) History(ctx context.Context, definitionID string) ([]models.Occurrence, error) {
	var occs []models.Occurrence
	err := s.db.WithContext(ctx).
		Where("definition_id = ?", definitionID).
		Order("scheduled_for ASC").
		Find(&occs).Error
	if err != nil {
		return nil, err
	}
	return occs, nil
}

// SlotTimes returns the ScheduledFor timestamps of a definition's
// occurrences in the given states, for planner exclusion.
func (s *Store) SlotTimes(ctx context.Context, definitionID string, states ...models.OccurrenceState) ([]time.Time, error) {
	var occs []models.Occurrence
	err := s.db.WithContext(ctx).
		Select("scheduled_for").
		Where("definition_id = ? AND state IN ?", definitionID, states).
		Find(&occs).Error
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(occs))
	for i, o := range occs {
		times[i] = o.ScheduledFor
	}
	return times, nil
}

// OpenOccurrences returns every pending or in-flight occurrence across
// active definitions. Used by startup recovery: an in-flight row is
// evidence of a crash mid-call and must be re-attempted through the
// idempotency key, never skipped or duplicated.
func (s *Store) OpenOccurrences(ctx context.Context, definitionID string) ([]models.Occurrence, error) {
	var occs []models.Occurrence
	err := s.db.WithContext(ctx).
		Where("definition_id = ? AND state IN ?", definitionID,
			[]models.OccurrenceState{models.OccurrencePending, models.OccurrenceInFlight}).
		Order("scheduled_for ASC").
		Find(&occs).Error
	if err != nil {
		return nil, err
	}
	return occs, nil
}

// HasInFlight reports whether the definition has an in-flight occurrence
// for a slot other than exceptSlot. Enforces the one-in-flight-per-
// definition invariant before dispatch.
func (s *Store) HasInFlight(ctx context.Context, definitionID string, exceptSlot time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Occurrence{}).
		Where("definition_id = ? AND state = ? AND scheduled_for <> ?",
			definitionID, models.OccurrenceInFlight, exceptSlot.UTC()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkInFlight transitions pending -> in_flight with a compare-and-set.
// An occurrence already in_flight (crash recovery re-attempt) passes
// through unchanged.
func (s *Store) MarkInFlight(ctx context.Context, occ *models.Occurrence, now time.Time) error {
	if occ.State == models.OccurrenceInFlight {
		return nil
	}
	err := s.transition(ctx, occ.ID, models.OccurrencePending, map[string]any{
		"state":         models.OccurrenceInFlight,
		"dispatched_at": now.UTC(),
	})
	if err != nil {
		return err
	}
	occ.State = models.OccurrenceInFlight
	dispatched := now.UTC()
	occ.DispatchedAt = &dispatched
	return nil
}

// MarkCreated records a successful materialization.
func (s *Store) MarkCreated(ctx context.Context, occ *models.Occurrence, externalID string, retries int) error {
	err := s.transition(ctx, occ.ID, models.OccurrenceInFlight, map[string]any{
		"state":       models.OccurrenceCreated,
		"external_id": externalID,
		"retry_count": retries,
		"error_class": "",
		"last_error":  "",
	})
	if err != nil {
		return err
	}
	occ.State = models.OccurrenceCreated
	occ.ExternalID = externalID
	occ.RetryCount = retries
	return nil
}

// MarkFailed records a terminal failure with its classification.
func (s *Store) MarkFailed(ctx context.Context, occ *models.Occurrence, class models.ErrorClass, reason string, retries int) error {
	err := s.transition(ctx, occ.ID, models.OccurrenceInFlight, map[string]any{
		"state":       models.OccurrenceFailed,
		"retry_count": retries,
		"error_class": class,
		"last_error":  reason,
	})
	if err != nil {
		return err
	}
	occ.State = models.OccurrenceFailed
	occ.ErrorClass = class
	occ.LastError = reason
	occ.RetryCount = retries
	return nil
}

// ResetFailed returns a failed slot to pending for a manual re-trigger.
func (s *Store) ResetFailed(ctx context.Context, definitionID string, scheduledFor time.Time) (*models.Occurrence, error) {
	occ, err := s.GetOccurrence(ctx, definitionID, scheduledFor)
	if err != nil {
		return nil, err
	}
	err = s.transition(ctx, occ.ID, models.OccurrenceFailed, map[string]any{
		"state":       models.OccurrencePending,
		"retry_count": 0,
		"error_class": "",
		"last_error":  "",
	})
	if err != nil {
		return nil, err
	}
	occ.State = models.OccurrencePending
	occ.RetryCount = 0
	occ.ErrorClass = ""
	occ.LastError = ""
	return occ, nil
}

// transition applies updates only when the occurrence is still in the
// expected state. Zero rows affected means something else transitioned it
// first; that is surfaced, not overwritten, so recovery and the live
// dispatcher can never trample each other's writes.
func (s *Store) transition(ctx context.Context, occurrenceID string, expected models.OccurrenceState, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.Occurrence{}).
		Where("id = ? AND state = ?", occurrenceID, expected).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("occurrence %s expected %s: %w", occurrenceID, expected, ErrStateConflict)
	}
	return nil
}
