/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler is the command surface over event definitions. All
// writes flow through here so the dispatcher hears about every change.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/hestia/internal/events"
	"github.com/friendsincode/hestia/internal/models"
	"github.com/friendsincode/hestia/internal/planner"
	"github.com/friendsincode/hestia/internal/store"
)

// Notifier is the dispatcher's change-notification surface.
type Notifier interface {
	NotifyDefinitionChanged(ctx context.Context, definitionID string)
	Wake()
}

// Service orchestrates definition commands.
type Service struct {
	store    *store.Store
	notifier Notifier
	bus      *events.Bus
	logger   zerolog.Logger
}

// New constructs the scheduler service.
func New(st *store.Store, notifier Notifier, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// DefineEvent validates and persists a new definition, then wakes the
// dispatcher so the first occurrence gets planned immediately.
func (s *Service) DefineEvent(ctx context.Context, def *models.EventDefinition) (*models.EventDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Active = true
	if def.Timezone == "" {
		def.Timezone = "UTC"
	}

	if err := planner.Validate(def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}

	s.logger.Info().
		Str("definition_id", def.ID).
		Str("rule_type", string(def.RuleType)).
		Str("title", def.Title).
		Msg("definition created")
	s.bus.Publish(events.EventDefinitionCreated, events.Payload{"definition_id": def.ID})
	s.bus.Publish(events.EventAuditDefinitionCreate, events.Payload{
		"definition_id": def.ID,
		"created_by":    def.CreatedBy,
	})
	s.notifier.NotifyDefinitionChanged(ctx, def.ID)
	return def, nil
}

// UpdateDefinition validates and saves changes to a definition.
func (s *Service) UpdateDefinition(ctx context.Context, def *models.EventDefinition) error {
	if err := planner.Validate(def); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}
	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return err
	}
	s.logger.Info().Str("definition_id", def.ID).Msg("definition updated")
	s.bus.Publish(events.EventDefinitionUpdated, events.Payload{"definition_id": def.ID})
	s.notifier.NotifyDefinitionChanged(ctx, def.ID)
	return nil
}

// SetActive enables or disables a definition. Disabling removes it from
// the dispatch queue; occurrences already in flight finish normally.
func (s *Service) SetActive(ctx context.Context, definitionID string, active bool) error {
	if err := s.store.SetDefinitionActive(ctx, definitionID, active); err != nil {
		return err
	}
	s.logger.Info().Str("definition_id", definitionID).Bool("active", active).Msg("definition active flag changed")
	if active {
		s.bus.Publish(events.EventDefinitionUpdated, events.Payload{"definition_id": definitionID})
	} else {
		s.bus.Publish(events.EventDefinitionDisabled, events.Payload{
			"definition_id": definitionID,
			"reason":        "operator",
		})
		s.bus.Publish(events.EventAuditDefinitionDisable, events.Payload{"definition_id": definitionID})
	}
	s.notifier.NotifyDefinitionChanged(ctx, definitionID)
	return nil
}

// GetDefinition loads one definition.
func (s *Service) GetDefinition(ctx context.Context, definitionID string) (*models.EventDefinition, error) {
	return s.store.GetDefinition(ctx, definitionID)
}

// ListDefinitions lists definitions.
func (s *Service) ListDefinitions(ctx context.Context, activeOnly bool) ([]models.EventDefinition, error) {
	return s.store.ListDefinitions(ctx, activeOnly)
}

// OccurrenceHistory returns a definition's occurrences in slot order.
func (s *Service) OccurrenceHistory(ctx context.Context, definitionID string) ([]models.Occurrence, error) {
	if _, err := s.store.GetDefinition(ctx, definitionID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, definitionID)
}

// RetriggerOccurrence puts a failed slot back to pending and wakes the
// dispatcher so it is re-attempted under the original idempotency key.
func (s *Service) RetriggerOccurrence(ctx context.Context, definitionID string, scheduledFor time.Time) (*models.Occurrence, error) {
	occ, err := s.store.ResetFailed(ctx, definitionID, scheduledFor)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("definition_id", definitionID).
		Time("scheduled_for", scheduledFor).
		Msg("occurrence re-triggered")
	s.bus.Publish(events.EventAuditRetrigger, events.Payload{
		"definition_id": definitionID,
		"scheduled_for": scheduledFor,
	})
	s.notifier.NotifyDefinitionChanged(ctx, definitionID)
	return occ, nil
}
