package resnapshot

import (
	"testing"

	"github.com/powersync/sync-service/powersync"
)

func TestQueueDedup(t *testing.T) {
	q := New()
	table := powersync.SourceTableRef{Schema: "public", Name: "todos"}

	q.Enqueue(table, "1")
	q.Enqueue(table, "1")
	q.Enqueue(table, "2")

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestQueueDrainClears(t *testing.T) {
	q := New()
	table := powersync.SourceTableRef{Schema: "public", Name: "todos"}
	q.Enqueue(table, "1")

	items := q.Drain()
	if len(items) != 1 {
		t.Fatalf("Drain() returned %d items, want 1", len(items))
	}
	if items[0].ReplicaKey != "1" {
		t.Errorf("ReplicaKey = %q, want %q", items[0].ReplicaKey, "1")
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
}
