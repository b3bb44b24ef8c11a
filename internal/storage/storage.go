// Package storage defines the durable state contract the sync pipeline
// consumes (spec §4.2, §6). The concrete layout is storage-engine
// agnostic; internal/storage/sql implements it over database/sql for
// sqlite, Postgres, and MySQL.
package storage

import (
	"context"
	"errors"

	"github.com/powersync/sync-service/powersync"
)

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = errors.New("storage: not found")

// BucketOpRow is one persisted operation-log row (spec §3 BucketOp).
type BucketOpRow struct {
	GroupID  string
	Bucket   string
	OpID     powersync.OpID
	Op       powersync.Op
	RowID    string
	Checksum int32
	Data     []byte
	TargetOp powersync.OpID // MOVE target; 0 if not a MOVE
}

// CurrentDataRow is the latest serialized image of a replicated row plus
// the buckets it currently belongs to (spec §3 CurrentData).
type CurrentDataRow struct {
	GroupID      string
	SourceTable  string
	SourceKey    string
	Data         []byte
	Buckets      []BucketMembership
	LookupKeys   [][]byte
}

type BucketMembership struct {
	Bucket string
	Table  string
	RowID  string
}

// ParameterRow drives dynamic bucket parameter queries (spec §3 ParameterRow).
type ParameterRow struct {
	GroupID          string
	Lookup           string
	SourceTable      string
	SourceKey        string
	ID               string
	BucketParameters []byte // serialized parameter set
}

// SyncRulesRow is the lifecycle record for one sync-rules deployment (spec §3, §6).
type SyncRulesRow struct {
	ID                int64
	State             powersync.SyncRulesState
	LastCheckpoint    powersync.OpID
	LastCheckpointLSN powersync.LSN
	NoCheckpointBefore powersync.LSN
	KeepaliveOp       powersync.OpID
	SnapshotLSN       powersync.LSN
	SnapshotDone      bool
	LastFatalError    string
}

// SourceTableRow tracks replica-identity state for a replicated table (spec §3 SourceTable).
type SourceTableRow struct {
	ID               int64
	GroupID          string
	RelationID       uint32
	Schema           string
	Table            string
	ReplicaIDColumns []string
	SnapshotStatus   string
}

// WriteCheckpointRow records a client-initiated write's target checkpoint (spec §6).
type WriteCheckpointRow struct {
	UserID         string
	ClientID       string
	LSNs           [2]powersync.LSN
	ProcessedAtLSN powersync.LSN
	Checkpoint     powersync.OpID
}

// ChecksumSum is the result of summing ops in a range (spec §4.2 sumChecksum).
type ChecksumSum struct {
	Count    int64
	Checksum int32
	HasClear bool
}

// OpLog is the Operation Log & Id Sequence contract (Component A, spec §4.2).
type OpLog interface {
	NextOpID(ctx context.Context) (powersync.OpID, error)
	Append(ctx context.Context, rows []BucketOpRow) error
	Scan(ctx context.Context, groupID, bucket string, after, upTo powersync.OpID, limit int) ([]BucketOpRow, error)
	SumChecksum(ctx context.Context, groupID, bucket string, after, upTo powersync.OpID) (ChecksumSum, error)
}

// BatchWriterStore is the transactional surface the Replication Batch
// Writer (Component B) uses to commit one flush.
type BatchWriterStore interface {
	OpLog

	GetCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) (*CurrentDataRow, error)
	PutCurrentData(ctx context.Context, row CurrentDataRow) error
	DeleteCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) error
	ScanCurrentDataByTable(ctx context.Context, groupID, sourceTable string, after string, limit int) ([]CurrentDataRow, error)

	UpsertParameterRow(ctx context.Context, row ParameterRow) error
	DeleteParameterRow(ctx context.Context, groupID, lookup, sourceTable, sourceKey, id string) error

	GetSyncRules(ctx context.Context, id int64) (*SyncRulesRow, error)
	GetActiveSyncRules(ctx context.Context, groupID string) (*SyncRulesRow, error)
	PutSyncRules(ctx context.Context, row SyncRulesRow) error
	TransitionSyncRules(ctx context.Context, activateID int64, groupID string) error

	UpsertSourceTable(ctx context.Context, row SourceTableRow) error
	DropSourceTable(ctx context.Context, id int64) error

	// RunInTransaction executes fn inside one storage transaction; fn's
	// writes commit atomically (spec §4.1 "writes are buffered in a
	// batch... commits transactionally").
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx BatchWriterStore) error) error
}

// CheckpointNotifier is implemented by storage to push checkpoint-change
// notifications to the single upstream subscription the demultiplexer
// (Component D) maintains.
type CheckpointNotifier interface {
	WatchCheckpoints(ctx context.Context, groupID string) (<-chan CheckpointUpdate, error)
}

// CheckpointUpdate is one notification of an advanced checkpoint.
//
// TouchedBuckets and InvalidateParameterBuckets carry the Replication
// Batch Writer's fine-grained change signal (spec §4.5) through to every
// per-connection Bucket Parameter Resolver subscribed to this group, so
// static-bucket diffing and dynamic-bucket re-evaluation both know
// exactly what changed since the previous checkpoint rather than
// guessing from a function hook built once at connection time.
type CheckpointUpdate struct {
	GroupID                    string
	Checkpoint                 powersync.OpID
	LSN                        powersync.LSN
	TouchedBuckets             []string
	InvalidateParameterBuckets bool
}

// BucketDataChunk is one page of bucket ops returned by getBucketDataBatch
// (spec §4.7 bucketData inner loop).
type BucketDataChunk struct {
	Bucket    string
	Data      []BucketOpRow
	NextAfter powersync.OpID
	HasMore   bool
	TargetOp  powersync.OpID // non-zero if a CLEAR/MOVE points past the checkpoint
}

// BucketPosition is a client's current read position in one bucket.
type BucketPosition struct {
	Bucket string
	After  powersync.OpID
}

// SyncDataStore is the read surface the Sync Stream Orchestrator
// (Component G) and the Checksum Cache (Component C) consume.
type SyncDataStore interface {
	GetBucketDataBatch(ctx context.Context, groupID string, checkpoint powersync.OpID, positions []BucketPosition, limit int) ([]BucketDataChunk, error)
	GetChecksums(ctx context.Context, groupID string, checkpoint powersync.OpID, buckets []string) (map[string]ChecksumSum, error)
	ListParameterRows(ctx context.Context, groupID, lookup string, limit int) ([]ParameterRow, error)
	GetWriteCheckpoint(ctx context.Context, groupID, userID, clientID string) (*WriteCheckpointRow, error)
	PutWriteCheckpoint(ctx context.Context, row WriteCheckpointRow) error
}

// Storage is the full durable-state contract combining writer, reader,
// and notification surfaces. A concrete adapter (internal/storage/sql)
// implements all three over one physical database.
type Storage interface {
	BatchWriterStore
	SyncDataStore
	CheckpointNotifier

	RestartReplication(ctx context.Context, groupID string) error
	Close() error
}
