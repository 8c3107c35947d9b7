/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dispatcher owns the time-ordered dispatch loop. It keeps one
// upcoming slot per definition in an in-memory queue, sleeps until the
// earliest dispatch time, and hands due occurrences to the executor under
// bounded concurrency. Everything here is rebuildable from the store.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/hestia/internal/clock"
	"github.com/friendsincode/hestia/internal/events"
	"github.com/friendsincode/hestia/internal/executor"
	"github.com/friendsincode/hestia/internal/models"
	"github.com/friendsincode/hestia/internal/planner"
	"github.com/friendsincode/hestia/internal/queue"
	"github.com/friendsincode/hestia/internal/store"
	"github.com/friendsincode/hestia/internal/telemetry"
)

// CatchUpPolicy controls what happens to slots whose dispatch time passed
// while the service was down.
type CatchUpPolicy string

const (
	// CatchUpNext skips missed slots and plans from the next future one.
	CatchUpNext CatchUpPolicy = "next"
	// CatchUpImmediate additionally dispatches the most recently missed
	// slot right away.
	CatchUpImmediate CatchUpPolicy = "immediate"
)

// Config tunes the dispatch loop.
type Config struct {
	MaxConcurrent     int           // simultaneous executor calls
	StoreRetryBackoff time.Duration // pause when the store is unreachable
	CatchUp           CatchUpPolicy
}

// DefaultConfig returns production dispatch settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		StoreRetryBackoff: 5 * time.Second,
		CatchUp:           CatchUpNext,
	}
}

// Dispatcher runs the dispatch loop.
type Dispatcher struct {
	store  *store.Store
	queue  *queue.Queue
	exec   *executor.Executor
	clk    clock.Clock
	bus    *events.Bus
	cfg    Config
	logger zerolog.Logger

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher.
func New(st *store.Store, q *queue.Queue, exec *executor.Executor, clk clock.Clock, bus *events.Bus, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CatchUp == "" {
		cfg.CatchUp = CatchUpNext
	}
	return &Dispatcher{
		store:  st,
		queue:  q,
		exec:   exec,
		clk:    clk,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		wake:   make(chan struct{}, 1),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Wake nudges the loop to re-evaluate the queue. Safe from any goroutine
// and never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// NotifyDefinitionChanged replans one definition and wakes the loop. The
// command surface calls this after create, update, disable or re-trigger.
func (d *Dispatcher) NotifyDefinitionChanged(ctx context.Context, definitionID string) {
	if err := d.replan(ctx, definitionID); err != nil {
		d.logger.Error().Err(err).Str("definition_id", definitionID).Msg("replan after change failed")
	}
	d.Wake()
}

// Run executes the dispatch loop until ctx is canceled, then drains
// in-flight executions before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	// An unreachable store at startup pauses the loop, same as a
	// mid-loop outage. The loop must outlive the outage; the API keeps
	// serving from whatever the store comes back with.
	for {
		err := d.rebuild(ctx)
		if err == nil {
			break
		}
		telemetry.StoreUnavailableTotal.Inc()
		d.logger.Error().Err(err).
			Dur("backoff", d.cfg.StoreRetryBackoff).
			Msg("store unavailable during rebuild, retrying")
		d.pause(ctx, d.cfg.StoreRetryBackoff)
		if ctx.Err() != nil {
			return nil
		}
	}

	d.logger.Info().
		Int("queued", d.queue.Len()).
		Int("max_concurrent", d.cfg.MaxConcurrent).
		Str("catch_up", string(d.cfg.CatchUp)).
		Msg("dispatcher started")

	for {
		entry, ok := d.queue.Peek()
		telemetry.DispatchQueueDepth.Set(float64(d.queue.Len()))

		var timerC <-chan time.Time
		var timer clock.Timer
		if ok {
			timer = d.clk.NewTimer(entry.DispatchAt.Sub(d.clk.Now()))
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			d.logger.Info().Msg("dispatcher draining")
			d.wg.Wait()
			d.logger.Info().Msg("dispatcher stopped")
			return nil
		case <-timerC:
			telemetry.DispatcherWakesTotal.WithLabelValues("timer").Inc()
		case <-d.wake:
			if timer != nil {
				timer.Stop()
			}
			telemetry.DispatcherWakesTotal.WithLabelValues("signal").Inc()
		}

		d.dispatchDue(ctx)
	}
}

// dispatchDue pops everything whose dispatch time has arrived and hands it
// to the executor. Due entries are handed off in ScheduledFor order.
func (d *Dispatcher) dispatchDue(ctx context.Context) {
	for _, entry := range d.queue.PopDue(d.clk.Now()) {
		if err := d.dispatchOne(ctx, entry); err != nil {
			// Store trouble: put the slot back, pause, and let the next
			// wake retry. Nothing is lost; the queue is rebuilt from
			// durable rows anyway.
			telemetry.StoreUnavailableTotal.Inc()
			d.logger.Error().Err(err).
				Str("definition_id", entry.DefinitionID).
				Dur("backoff", d.cfg.StoreRetryBackoff).
				Msg("store unavailable, pausing dispatch")
			d.queue.Upsert(entry)
			d.pause(ctx, d.cfg.StoreRetryBackoff)
			return
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, entry queue.Entry) error {
	def, err := d.store.GetDefinition(ctx, entry.DefinitionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !def.Active {
		return nil
	}

	// One in-flight occurrence per definition. A busy definition keeps its
	// slot out of the queue; the post-execution replan picks it back up.
	busy, err := d.store.HasInFlight(ctx, def.ID, entry.ScheduledFor)
	if err != nil {
		return err
	}
	if busy {
		d.logger.Debug().Str("definition_id", def.ID).Msg("definition busy, deferring slot")
		return nil
	}

	occ, err := d.store.EnsureOccurrence(ctx, def.ID, entry.ScheduledFor)
	if err != nil {
		return err
	}
	if occ.Terminal() {
		return d.replan(ctx, def.ID)
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil
	}

	d.wg.Add(1)
	telemetry.DispatchInFlight.Inc()
	// Shutdown cancels the run context but in-flight executions are
	// allowed to finish; the per-call timeout bounds the detached
	// context. Only new dispatch stops on cancel.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			<-d.sem
			telemetry.DispatchInFlight.Dec()
			d.wg.Done()
		}()
		d.execute(execCtx, def, occ)
	}()
	return nil
}

// execute runs one occurrence to completion and replans the definition.
func (d *Dispatcher) execute(ctx context.Context, def *models.EventDefinition, occ *models.Occurrence) {
	state, err := d.exec.Execute(ctx, def, occ)
	if err != nil {
		telemetry.DispatcherErrorsTotal.WithLabelValues("execute").Inc()
		d.logger.Error().Err(err).Str("definition_id", def.ID).Msg("execution error")
	}

	if state == models.OccurrenceCreated && def.IsOneShot() {
		if err := d.store.SetDefinitionActive(ctx, def.ID, false); err != nil {
			d.logger.Error().Err(err).Str("definition_id", def.ID).Msg("deactivate one-shot failed")
		} else {
			d.bus.Publish(events.EventDefinitionDisabled, events.Payload{
				"definition_id": def.ID,
				"reason":        "one_shot_completed",
			})
		}
	}

	if err := d.replan(ctx, def.ID); err != nil {
		telemetry.DispatcherErrorsTotal.WithLabelValues("replan").Inc()
		d.logger.Error().Err(err).Str("definition_id", def.ID).Msg("replan failed")
	}
	d.Wake()
}

// rebuild reconstructs the queue from the store at startup. Open
// occurrences (pending or in-flight rows from a previous run) are queued
// at their original slots; missed planning is handled per catch-up policy.
func (d *Dispatcher) rebuild(ctx context.Context) error {
	defs, err := d.store.ListDefinitions(ctx, true)
	if err != nil {
		return err
	}
	for i := range defs {
		if err := d.replan(ctx, defs[i].ID); err != nil {
			d.logger.Error().Err(err).Str("definition_id", defs[i].ID).Msg("rebuild replan failed")
		}
	}
	return nil
}

// replan computes the definition's next queue entry from durable state.
func (d *Dispatcher) replan(ctx context.Context, definitionID string) error {
	def, err := d.store.GetDefinition(ctx, definitionID)
	if errors.Is(err, store.ErrNotFound) {
		d.queue.Remove(definitionID)
		return nil
	}
	if err != nil {
		return err
	}
	if !def.Active {
		d.queue.Remove(def.ID)
		return nil
	}

	// Open rows first: a pending or in-flight occurrence is unfinished
	// work and jumps ahead of fresh planning.
	open, err := d.store.OpenOccurrences(ctx, def.ID)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		d.enqueue(def, open[0].ScheduledFor)
		return nil
	}

	// Slots that already have a row are settled. Failed slots stay failed
	// until an operator re-triggers them.
	exclude, err := d.store.SlotTimes(ctx, def.ID,
		models.OccurrenceCreated, models.OccurrenceFailed)
	if err != nil {
		return err
	}

	now := d.clk.Now()

	if d.cfg.CatchUp == CatchUpImmediate {
		if missed, ok := d.missedSlot(def, now, exclude); ok {
			d.enqueue(def, missed)
			return nil
		}
	}

	next, ok, err := planner.Next(def, now, exclude)
	if err != nil {
		telemetry.PlannerErrorsTotal.WithLabelValues(def.ID).Inc()
		d.queue.Remove(def.ID)
		return err
	}
	if !ok {
		d.queue.Remove(def.ID)
		return nil
	}
	d.enqueue(def, next)
	return nil
}

// missedSlot finds the most recent slot before now that never got a row.
func (d *Dispatcher) missedSlot(def *models.EventDefinition, now time.Time, exclude []time.Time) (time.Time, bool) {
	prev, ok, err := planner.Previous(def, now)
	if err != nil || !ok {
		return time.Time{}, false
	}
	for _, t := range exclude {
		if t.Equal(prev) {
			return time.Time{}, false
		}
	}
	return prev, true
}

func (d *Dispatcher) enqueue(def *models.EventDefinition, slot time.Time) {
	d.queue.Upsert(queue.Entry{
		DefinitionID: def.ID,
		ScheduledFor: slot,
		DispatchAt:   slot.Add(-def.LeadTime),
	})
}

func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := d.clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
	case <-ctx.Done():
	}
}
