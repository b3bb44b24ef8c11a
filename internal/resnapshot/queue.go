// Package resnapshot implements the resnapshot queue of SPEC_FULL.md §C.2:
// markRecordUnavailable enqueues (source_table, key) pairs for rows the
// replication batch writer could not complete from an incomplete
// TOAST-trimmed UPDATE (spec §4.1). Exposed operationally via the admin
// API and `powersyncctl resnapshot`, which drain the queue; no code in
// this repository re-reads the queued rows from the source.
package resnapshot

import (
	"sync"

	"github.com/powersync/sync-service/powersync"
)

// Item is one queued re-snapshot request.
type Item struct {
	Table      powersync.SourceTableRef
	ReplicaKey string
}

// Queue is a process-local, deduplicated set of pending resnapshot
// requests. The admin API drains it with Drain; this in-memory
// implementation does not survive a process restart, the same limitation
// the teacher's in-memory rate-limit/heartbeat maps carry for comparable
// best-effort bookkeeping.
type Queue struct {
	mu    sync.Mutex
	items map[string]Item
}

// New constructs an empty queue.
func New() *Queue {
	return &Queue{items: make(map[string]Item)}
}

// Enqueue adds (table, replicaKey), replacing any existing entry for the
// same key (spec §4.1 "idempotent: re-enqueuing the same key is a no-op
// beyond refreshing it").
func (q *Queue) Enqueue(table powersync.SourceTableRef, replicaKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[table.QualifiedName()+"\x00"+replicaKey] = Item{Table: table, ReplicaKey: replicaKey}
}

// Drain removes and returns every currently-queued item.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it)
	}
	q.items = make(map[string]Item)
	return out
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
