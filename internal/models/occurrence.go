/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// OccurrenceState tracks the lifecycle of a single materialization attempt.
type OccurrenceState string

const (
	OccurrencePending  OccurrenceState = "pending"
	OccurrenceInFlight OccurrenceState = "in_flight"
	OccurrenceCreated  OccurrenceState = "created"
	OccurrenceFailed   OccurrenceState = "failed"
)

// ErrorClass records why a failed occurrence failed.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorPermanent ErrorClass = "permanent"
)

// Occurrence is one concrete, time-bound materialization attempt of a
// definition. (DefinitionID, ScheduledFor) is the composite identity and
// doubles as the idempotency key handed to the platform adapter.
type Occurrence struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	DefinitionID string    `gorm:"type:uuid;uniqueIndex:idx_occurrences_slot;index:idx_occurrences_definition;not null"`
	ScheduledFor time.Time `gorm:"uniqueIndex:idx_occurrences_slot;not null"`

	State      OccurrenceState `gorm:"type:varchar(16);not null;default:'pending';index:idx_occurrences_state"`
	ExternalID string          `gorm:"type:varchar(64)"`
	RetryCount int             `gorm:"not null;default:0"`
	ErrorClass ErrorClass      `gorm:"type:varchar(16)"`
	LastError  string          `gorm:"type:text"`

	DispatchedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (Occurrence) TableName() string {
	return "occurrences"
}

// Terminal reports whether the occurrence reached a final state.
func (o *Occurrence) Terminal() bool {
	return o.State == OccurrenceCreated || o.State == OccurrenceFailed
}

// IdempotencyKey returns the stable key for this slot.
func (o *Occurrence) IdempotencyKey() string {
	return IdempotencyKey(o.DefinitionID, o.ScheduledFor)
}

// IdempotencyKey builds the slot key passed to the platform adapter so
// retried or duplicate dispatch collapses to one platform-side event.
func IdempotencyKey(definitionID string, scheduledFor time.Time) string {
	return definitionID + ":" + scheduledFor.UTC().Format(time.RFC3339)
}
