/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package platform defines the boundary to the chat platform that hosts
// the community events. The adapter owns authentication, rate-limit
// back-pressure and payload shaping; the core only sees the narrow
// create-event contract and an error classification.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Classification buckets adapter errors for the retry policy.
type Classification string

const (
	// ClassTransient covers network errors, rate limits, timeouts and
	// 5xx-class responses; the executor retries these with backoff.
	ClassTransient Classification = "transient"
	// ClassPermanent covers validation and permission failures; recorded
	// immediately, never retried.
	ClassPermanent Classification = "permanent"
	// ClassAlreadyExists means the idempotency key was seen before; the
	// existing event ID is returned and the call is treated as success.
	ClassAlreadyExists Classification = "already_exists"
)

// CreateEventRequest is the template payload handed to the adapter.
type CreateEventRequest struct {
	GuildID        string
	ChannelID      string
	Title          string
	Description    string
	Location       string
	StartsAt       time.Time
	EndsAt         time.Time
	Metadata       map[string]any
	IdempotencyKey string
}

// CreateEventResult reports the platform-side event ID.
type CreateEventResult struct {
	ExternalID string
}

// Adapter creates events on the host platform.
type Adapter interface {
	CreateEvent(ctx context.Context, req CreateEventRequest) (CreateEventResult, error)
}

// Error is a classified adapter failure.
type Error struct {
	Class Classification
	// ExistingID carries the platform event ID when Class is
	// ClassAlreadyExists.
	ExistingID string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("platform: %s", e.Class)
	}
	return fmt.Sprintf("platform: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Error {
	return &Error{Class: ClassPermanent, Err: err}
}

// AlreadyExists reports that the idempotency key already materialized.
func AlreadyExists(existingID string) *Error {
	return &Error{Class: ClassAlreadyExists, ExistingID: existingID}
}

// Classify extracts the classification from an adapter error. Unknown
// errors (including context deadline expiry) default to transient so the
// retry policy gets a chance; only an explicit permanent classification
// short-circuits it.
func Classify(err error) Classification {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// ExistingID returns the platform event ID carried by an already-exists
// error, if any.
func ExistingID(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Class == ClassAlreadyExists {
		return pe.ExistingID
	}
	return ""
}
