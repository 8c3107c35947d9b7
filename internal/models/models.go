/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// RuleType selects how a definition generates occurrences.
type RuleType string

const (
	RuleOneShot   RuleType = "one_shot"
	RuleRecurring RuleType = "recurring"
)

// EventDefinition is an organizer's intent to create one or more
// platform events, either once or on a recurring rule.
type EventDefinition struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	GuildID   string `gorm:"type:varchar(64);index:idx_event_definitions_guild;not null"`
	ChannelID string `gorm:"type:varchar(64)"`

	// Template fields, passed through to the platform adapter unmodified.
	Title           string         `gorm:"type:varchar(255);not null"`
	Description     string         `gorm:"type:text"`
	Location        string         `gorm:"type:varchar(255)"`
	DurationMinutes int            `gorm:"not null;default:60"`
	Metadata        map[string]any `gorm:"type:jsonb;serializer:json"`

	// Recurrence as data. One-shot definitions carry At; recurring
	// definitions carry an RFC 5545 RRULE anchored at DTStart.
	RuleType RuleType   `gorm:"type:varchar(16);not null"`
	At       *time.Time `gorm:"index:idx_event_definitions_at"`
	RRule    string     `gorm:"type:text"`
	DTStart  time.Time
	DTEnd    *time.Time
	Timezone string `gorm:"type:varchar(64);not null;default:'UTC'"`

	// LeadTime is how long before an occurrence's start the platform
	// event should be created.
	LeadTime time.Duration `gorm:"not null;default:0"`

	Active    bool   `gorm:"not null;default:true"`
	CreatedBy string `gorm:"type:varchar(64)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (EventDefinition) TableName() string {
	return "event_definitions"
}

// IsOneShot reports whether the definition fires exactly once.
func (d *EventDefinition) IsOneShot() bool {
	return d.RuleType == RuleOneShot
}

// EventDuration returns the template duration, defaulting to one hour.
func (d *EventDefinition) EventDuration() time.Duration {
	if d.DurationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(d.DurationMinutes) * time.Minute
}

// LocationOrUTC returns the definition timezone, falling back to UTC when
// the stored name is empty or invalid.
func (d *EventDefinition) LocationOrUTC() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
