/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package executor carries a single occurrence through its platform call.
// The contract: the occurrence is marked in-flight in the store BEFORE the
// first network attempt, so a crash between persist and response leaves a
// row that recovery will re-attempt under the same idempotency key.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/hestia/internal/clock"
	"github.com/friendsincode/hestia/internal/events"
	"github.com/friendsincode/hestia/internal/models"
	"github.com/friendsincode/hestia/internal/platform"
	"github.com/friendsincode/hestia/internal/store"
	"github.com/friendsincode/hestia/internal/telemetry"
)

// Config tunes retry behavior and call timeouts.
type Config struct {
	MaxAttempts int           // total attempts, including the first
	BackoffBase time.Duration // first retry delay before jitter
	BackoffCap  time.Duration // upper bound on any single delay
	CallTimeout time.Duration // per-attempt deadline on the platform call
}

// DefaultConfig returns production retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Executor executes occurrences against the platform adapter.
type Executor struct {
	store   *store.Store
	adapter platform.Adapter
	clk     clock.Clock
	bus     *events.Bus
	cfg     Config
	logger  zerolog.Logger
}

// New creates an executor.
func New(st *store.Store, adapter platform.Adapter, clk clock.Clock, bus *events.Bus, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		store:   st,
		adapter: adapter,
		clk:     clk,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// Execute drives one occurrence to a terminal state. It returns the
// occurrence's final state, or an error when the store itself failed and
// no terminal state could be recorded.
func (e *Executor) Execute(ctx context.Context, def *models.EventDefinition, occ *models.Occurrence) (models.OccurrenceState, error) {
	logger := e.logger.With().
		Str("definition_id", def.ID).
		Time("scheduled_for", occ.ScheduledFor).
		Logger()

	if occ.Terminal() {
		return occ.State, nil
	}

	if err := e.store.MarkInFlight(ctx, occ, e.clk.Now()); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Another path already owns this slot; re-read rather than guess.
			fresh, readErr := e.store.GetOccurrence(ctx, occ.DefinitionID, occ.ScheduledFor)
			if readErr != nil {
				return occ.State, readErr
			}
			return fresh.State, nil
		}
		return occ.State, fmt.Errorf("mark in-flight: %w", err)
	}

	e.bus.Publish(events.EventOccurrenceDispatched, events.Payload{
		"definition_id": def.ID,
		"scheduled_for": occ.ScheduledFor,
	})

	req := buildRequest(def, occ)

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			telemetry.ExecutorRetriesTotal.Inc()
			e.bus.Publish(events.EventOccurrenceRetried, events.Payload{
				"definition_id": def.ID,
				"scheduled_for": occ.ScheduledFor,
				"attempt":       attempt,
			})
			if err := e.sleep(ctx, backoffDelay(e.cfg, attempt)); err != nil {
				return e.fail(ctx, logger, occ, models.ErrorTransient,
					fmt.Sprintf("aborted during backoff: %v", lastErr), attempt)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		// Wall clock here: the metric must reflect real latency even
		// when an injected clock drives scheduling.
		start := time.Now()
		result, err := e.adapter.CreateEvent(callCtx, req)
		cancel()
		telemetry.ExecutorCallDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			return e.succeed(ctx, logger, occ, result.ExternalID, attempt, "created")
		}

		switch platform.Classify(err) {
		case platform.ClassAlreadyExists:
			// A previous attempt landed. Idempotent success.
			return e.succeed(ctx, logger, occ, platform.ExistingID(err), attempt, "already_exists")
		case platform.ClassPermanent:
			logger.Error().Err(err).Int("attempt", attempt+1).Msg("permanent platform failure")
			return e.fail(ctx, logger, occ, models.ErrorPermanent, err.Error(), attempt)
		default:
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transient platform failure")
		}
	}

	return e.fail(ctx, logger, occ, models.ErrorTransient,
		fmt.Sprintf("retries exhausted: %v", lastErr), e.cfg.MaxAttempts-1)
}

func (e *Executor) succeed(ctx context.Context, logger zerolog.Logger, occ *models.Occurrence, externalID string, retries int, outcome string) (models.OccurrenceState, error) {
	if err := e.store.MarkCreated(ctx, occ, externalID, retries); err != nil {
		return occ.State, fmt.Errorf("mark created: %w", err)
	}
	telemetry.OccurrencesTotal.WithLabelValues(outcome).Inc()
	logger.Info().Str("external_id", externalID).Int("retries", retries).Msg("occurrence created")
	e.bus.Publish(events.EventOccurrenceCreated, events.Payload{
		"definition_id": occ.DefinitionID,
		"scheduled_for": occ.ScheduledFor,
		"external_id":   externalID,
	})
	return models.OccurrenceCreated, nil
}

func (e *Executor) fail(ctx context.Context, logger zerolog.Logger, occ *models.Occurrence, class models.ErrorClass, reason string, retries int) (models.OccurrenceState, error) {
	if err := e.store.MarkFailed(ctx, occ, class, reason, retries); err != nil {
		return occ.State, fmt.Errorf("mark failed: %w", err)
	}
	telemetry.OccurrencesTotal.WithLabelValues("failed").Inc()
	logger.Error().Str("class", string(class)).Str("reason", reason).Msg("occurrence failed")
	e.bus.Publish(events.EventOccurrenceFailed, events.Payload{
		"definition_id": occ.DefinitionID,
		"scheduled_for": occ.ScheduledFor,
		"class":         string(class),
		"reason":        reason,
	})
	return models.OccurrenceFailed, nil
}

// sleep waits for the delay on the injected clock, honoring cancellation.
func (e *Executor) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := e.clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay computes a full-jitter exponential delay for the given
// retry attempt (attempt >= 1).
func backoffDelay(cfg Config, attempt int) time.Duration {
	ceiling := cfg.BackoffBase
	for i := 1; i < attempt && ceiling < cfg.BackoffCap; i++ {
		ceiling *= 2
	}
	if ceiling > cfg.BackoffCap {
		ceiling = cfg.BackoffCap
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

func buildRequest(def *models.EventDefinition, occ *models.Occurrence) platform.CreateEventRequest {
	start := occ.ScheduledFor
	return platform.CreateEventRequest{
		GuildID:        def.GuildID,
		ChannelID:      def.ChannelID,
		Title:          def.Title,
		Description:    def.Description,
		Location:       def.Location,
		StartsAt:       start,
		EndsAt:         start.Add(def.EventDuration()),
		Metadata:       def.Metadata,
		IdempotencyKey: models.IdempotencyKey(def.ID, occ.ScheduledFor),
	}
}
