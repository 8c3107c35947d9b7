/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue holds the in-memory, time-ordered set of pending
// occurrences. It is a cache over the schedule store, rebuilt at startup;
// it never holds authoritative state.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// Entry is one pending occurrence awaiting dispatch. DispatchAt is the
// wake deadline (ScheduledFor minus the definition's lead time).
type Entry struct {
	DefinitionID string
	ScheduledFor time.Time
	DispatchAt   time.Time
}

// Queue is a mutex-guarded min-heap keyed on DispatchAt. At most one
// entry per definition is held at a time.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
}

// New creates an empty dispatch queue.
func New() *Queue {
	return &Queue{}
}

// Upsert inserts the entry, replacing any existing entry for the same
// definition.
func (q *Queue) Upsert(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(e.DefinitionID)
	heap.Push(&q.entries, e)
}

// Remove drops the queued entry for a definition, if any. Returns true
// when an entry was removed.
func (q *Queue) Remove(definitionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(definitionID)
}

func (q *Queue) removeLocked(definitionID string) bool {
	for i, e := range q.entries {
		if e.DefinitionID == definitionID {
			heap.Remove(&q.entries, i)
			return true
		}
	}
	return false
}

// Peek returns the entry with the earliest DispatchAt without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// PopDue removes and returns every entry whose DispatchAt is at or before
// now, in ascending ScheduledFor order. Several occurrences can mature
// during one sleep (process suspension, long drain), so this drains them
// all at once.
func (q *Queue) PopDue(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Entry
	for len(q.entries) > 0 && !q.entries[0].DispatchAt.After(now) {
		due = append(due, heap.Pop(&q.entries).(Entry))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	return due
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].DispatchAt.Before(h[j].DispatchAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
