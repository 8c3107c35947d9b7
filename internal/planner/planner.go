/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package planner computes occurrence timestamps for event definitions.
// Everything here is pure: same inputs, same outputs, no I/O, which is
// what keeps recovery replans safe to run any number of times.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/friendsincode/hestia/internal/models"
)

// ErrInvalidDefinition marks define-time validation failures. A bad
// definition is rejected before it can reach the dispatch queue.
var ErrInvalidDefinition = errors.New("invalid event definition")

// maxRuleIterations bounds the scan over rule-generated timestamps when
// skipping already-materialized slots.
const maxRuleIterations = 512

// Validate checks that a definition can generate occurrences. Malformed
// recurrence rules are surfaced here, at define time, never at dispatch.
func Validate(def *models.EventDefinition) error {
	if def.LeadTime < 0 {
		return fmt.Errorf("%w: lead time must not be negative", ErrInvalidDefinition)
	}

	switch def.RuleType {
	case models.RuleOneShot:
		if def.At == nil || def.At.IsZero() {
			return fmt.Errorf("%w: one-shot definition requires a timestamp", ErrInvalidDefinition)
		}
	case models.RuleRecurring:
		if def.RRule == "" {
			return fmt.Errorf("%w: recurring definition requires an rrule", ErrInvalidDefinition)
		}
		if def.DTStart.IsZero() {
			return fmt.Errorf("%w: recurring definition requires dtstart", ErrInvalidDefinition)
		}
		if def.Timezone != "" {
			if _, err := time.LoadLocation(def.Timezone); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidDefinition, def.Timezone)
			}
		}
		if _, err := compileRule(def); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidDefinition, def.RuleType)
	}
	return nil
}

// Next returns the earliest occurrence timestamp strictly after the
// reference time, skipping any timestamp in exclude (slots that already
// reached a terminal or in-flight state). The second return is false when
// the definition is exhausted.
//
// A rule that generated many past-due timestamps (long outage) advances
// directly to the next future slot; missed slots are never backfilled
// here.
func Next(def *models.EventDefinition, after time.Time, exclude []time.Time) (time.Time, bool, error) {
	switch def.RuleType {
	case models.RuleOneShot:
		at := def.At.UTC()
		if !at.After(after) || excluded(exclude, at) {
			return time.Time{}, false, nil
		}
		return at, true, nil

	case models.RuleRecurring:
		rule, err := compileRule(def)
		if err != nil {
			return time.Time{}, false, err
		}
		cur := after
		for i := 0; i < maxRuleIterations; i++ {
			next := rule.After(cur, false)
			if next.IsZero() {
				return time.Time{}, false, nil
			}
			if def.DTEnd != nil && next.After(*def.DTEnd) {
				return time.Time{}, false, nil
			}
			if !excluded(exclude, next) {
				return next.UTC(), true, nil
			}
			cur = next
		}
		return time.Time{}, false, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown rule type %q", def.RuleType)
	}
}

// Previous returns the latest rule-generated timestamp at or before the
// reference time. Used by the immediate catch-up policy to identify the
// most recently missed slot.
func Previous(def *models.EventDefinition, before time.Time) (time.Time, bool, error) {
	switch def.RuleType {
	case models.RuleOneShot:
		at := def.At.UTC()
		if at.After(before) {
			return time.Time{}, false, nil
		}
		return at, true, nil

	case models.RuleRecurring:
		rule, err := compileRule(def)
		if err != nil {
			return time.Time{}, false, err
		}
		prev := rule.Before(before, true)
		if prev.IsZero() {
			return time.Time{}, false, nil
		}
		if def.DTEnd != nil && prev.After(*def.DTEnd) {
			return time.Time{}, false, nil
		}
		return prev.UTC(), true, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown rule type %q", def.RuleType)
	}
}

func compileRule(def *models.EventDefinition) (*rrule.RRule, error) {
	loc := def.LocationOrUTC()
	opt, err := rrule.StrToROptionInLocation(def.RRule, loc)
	if err != nil {
		return nil, fmt.Errorf("parse rrule: %w", err)
	}
	opt.Dtstart = def.DTStart.In(loc)
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("compile rrule: %w", err)
	}
	return rule, nil
}

func excluded(exclude []time.Time, t time.Time) bool {
	for _, e := range exclude {
		if e.UTC().Equal(t.UTC()) {
			return true
		}
	}
	return false
}
