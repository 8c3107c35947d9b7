/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// APIKey is a long-lived credential for the command surface. Only the
// SHA-256 hash of the key is stored.
type APIKey struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	Name       string `gorm:"type:varchar(255);not null"`
	KeyHash    string `gorm:"type:varchar(64);uniqueIndex;not null"`
	KeyPrefix  string `gorm:"type:varchar(16);not null"` // first chars, for display
	Roles      string `gorm:"type:varchar(255)"`         // comma separated
	CreatedBy  string `gorm:"type:varchar(64)"`
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName returns the table name for GORM.
func (APIKey) TableName() string {
	return "api_keys"
}

// Valid reports whether the key is usable at the given instant.
func (k *APIKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}
