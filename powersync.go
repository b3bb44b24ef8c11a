// Package powersync defines the shared vocabulary of the sync pipeline: the
// operation and priority enums, opaque identifiers, and small interfaces
// that let the replication, storage, and streaming layers depend on each
// other without depending on concrete implementations.
package powersync

import "context"

// Op is the kind of a bucket operation (spec §3 BucketOp).
type Op string

const (
	OpPut    Op = "PUT"
	OpRemove Op = "REMOVE"
	OpMove   Op = "MOVE"
	OpClear  Op = "CLEAR"
)

// SourceOp is the kind of change event a replication adapter emits.
type SourceOp string

const (
	SourceInsert   SourceOp = "INSERT"
	SourceUpdate   SourceOp = "UPDATE"
	SourceDelete   SourceOp = "DELETE"
	SourceTruncate SourceOp = "TRUNCATE"
)

// OpID is the server-assigned, strictly-monotonic, opaque 64-bit identifier
// of a bucket operation (spec §3, §9: wire-encoded as a decimal string in
// JSON frames to preserve precision past float64/JSON-number boundaries;
// BSON frames carry it as an integer).
type OpID uint64

// LSN is an opaque, monotonically-orderable source replication position.
type LSN string

// Priority is the bucket delivery priority, 0 (highest) .. 3 (lowest).
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityLowest  Priority = 3
)

// Valid reports whether p is one of the four defined priority classes.
func (p Priority) Valid() bool { return p >= PriorityHighest && p <= PriorityLowest }

// SyncRulesState is the lifecycle state of a SyncRules deployment (spec §3).
type SyncRulesState string

const (
	SyncRulesProcessing SyncRulesState = "PROCESSING"
	SyncRulesActive     SyncRulesState = "ACTIVE"
	SyncRulesStop       SyncRulesState = "STOP"
	SyncRulesTerminated SyncRulesState = "TERMINATED"
)

// Logger is the structured logging interface used throughout the service.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ReplicationEvent is the boundary object a source adapter emits into the
// replication batch writer (spec §4.1). Source-database specifics (LSN
// encoding, TOAST markers, relation metadata) live behind it.
type ReplicationEvent interface {
	Tag() SourceOp
	SourceTable() SourceTableRef
	// Before/After are the serialized row images; After is nil for DELETE,
	// Before is nil for INSERT. Either may be nil-but-incomplete for an
	// UPDATE that omitted unchanged TOAST-like columns.
	Before() []byte
	After() []byte
	// Complete reports whether After (for INSERT/UPDATE) carries every
	// column, or whether unchanged columns must be merged from CurrentData.
	Complete() bool
	ReplicaKey() string
	OldReplicaKey() string
	LSN() LSN
}

// SourceTableRef identifies a replicated table (spec §3 SourceTable).
type SourceTableRef struct {
	GroupID          string
	ConnectionID     string
	RelationID       uint32
	Schema           string
	Name             string
	ReplicaIDColumns []string
}

// QualifiedName returns "schema.name" for use as a map/lookup key.
func (t SourceTableRef) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ReplicationSource is the interface the batch writer consumes; it is
// implemented by the Postgres/MySQL/MongoDB adapters under
// internal/replication/source. Detailed replication-protocol behavior is
// the adapter's concern, not the core pipeline's (spec §1 non-goals).
type ReplicationSource interface {
	Read(ctx context.Context) (ReplicationEvent, error)
	Ack(ctx context.Context, lsn LSN) error
	Ping(ctx context.Context) error
	Close() error
}

// Handler processes one replication event; used by sources that push
// rather than pull.
type Handler func(ctx context.Context, ev ReplicationEvent) error
