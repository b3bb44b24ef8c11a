package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/powersync/sync-service/internal/checksum"
	"github.com/powersync/sync-service/internal/oplog"
	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/internal/syncrules"
	"github.com/powersync/sync-service/powersync"
)

// RowSizeCapDefault is the 15 MiB row serialization ceiling spec §4.1
// enforces ("a single row serialization ≥ 15 MiB is rejected with
// ROW_TOO_LARGE").
const RowSizeCapDefault = 15 * 1024 * 1024

// TruncateBatchSize is the fixed batch size TRUNCATE scans current_data in
// (spec §4.1 "in fixed-size batches (e.g. 2000)").
const TruncateBatchSize = 2000

// ErrRowTooLarge is returned (and swallowed into a placeholder, never
// propagated to the client) when a row's serialized image exceeds the
// configured size cap.
var ErrRowTooLarge = errors.New("replication: ROW_TOO_LARGE")

var (
	rowsTooLarge = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powersync_replication_rows_too_large_total",
		Help: "Rows replaced with an empty-column placeholder for exceeding the row size cap.",
	}, []string{"group_id", "source_table"})

	recordsUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powersync_replication_records_unavailable_total",
		Help: "Incomplete UPDATE records that had no prior CurrentData to merge against.",
	}, []string{"group_id", "source_table"})

	flushCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powersync_replication_commits_total",
		Help: "commit(lsn) calls, by outcome.",
	}, []string{"group_id", "outcome"})
)

// RulesSource supplies the currently-active sync rules for a group. The
// batch writer never authors or parses sync rules (spec §1 non-goals); it
// only evaluates whatever Rules() currently returns.
type RulesSource interface {
	Rules(groupID string) *syncrules.Rules
}

// Unavailable is invoked by the writer when an incomplete UPDATE has no
// prior CurrentData to merge against (spec §4.1 "invoke
// markRecordUnavailable(record), causing a resnapshot").
// cmd/powersync-service wires it to internal/resnapshot.Queue.Enqueue.
type Unavailable func(ctx context.Context, table powersync.SourceTableRef, replicaKey string)

// Writer is the Replication Batch Writer (spec §4.1, Component B): it
// consumes ReplicationEvents, evaluates sync rules, and commits bucket ops
// plus CurrentData/ParameterRow mutations transactionally under the
// storage adapter's process-wide flush lock.
type Writer struct {
	store       storage.BatchWriterStore
	oplog       *oplog.Log
	checksums   *checksum.Cache
	rules       RulesSource
	unavailable Unavailable
	logger      powersync.Logger
	rowSizeCap  int

	groupID string

	// batch accumulates pending ops/current-data writes for the open
	// source transaction until commit/keepalive flushes them (spec §4.1
	// "writes are buffered in a batch... commits transactionally").
	batch pendingBatch

	// lastTouchedBuckets, lastTouchedLookups, and lastCheckpoint snapshot
	// the most recently flushed batch's change signal, taken right before
	// resetBatch clears it. TouchedBuckets/TouchedLookups read these
	// rather than the live (possibly already-reset) batch, so a caller
	// inspecting them after Commit/Keepalive returns sees what that flush
	// actually touched (spec §4.5).
	lastTouchedBuckets map[string]struct{}
	lastTouchedLookups map[string]struct{}
	lastCheckpoint     powersync.OpID
}

type pendingBatch struct {
	ops             []oplog.PendingOp
	currentUpserts  []storage.CurrentDataRow
	currentDeletes  []currentDataKey
	paramUpserts    []storage.ParameterRow
	paramDeletes    []paramDeleteKey
	lastOp          powersync.OpID
	touchedBuckets  map[string]struct{}
	touchedLookups  map[string]struct{}
}

type currentDataKey struct{ sourceTable, sourceKey string }
type paramDeleteKey struct{ lookup, sourceTable, sourceKey, id string }

// New constructs a Writer for one replication group.
func New(groupID string, store storage.BatchWriterStore, log *oplog.Log, cache *checksum.Cache, rules RulesSource, unavailable Unavailable, logger powersync.Logger, rowSizeCap int) *Writer {
	if rowSizeCap <= 0 {
		rowSizeCap = RowSizeCapDefault
	}
	return &Writer{
		store:       store,
		oplog:       log,
		checksums:   cache,
		rules:       rules,
		unavailable: unavailable,
		logger:      logger,
		rowSizeCap:  rowSizeCap,
		groupID:     groupID,
		batch:       newPendingBatch(),
	}
}

func newPendingBatch() pendingBatch {
	return pendingBatch{
		touchedBuckets: make(map[string]struct{}),
		touchedLookups: make(map[string]struct{}),
	}
}

// HandleEvent applies one replication event to the pending in-memory
// batch (spec §4.1 "Algorithm per record"). It does not itself touch
// storage; Commit/Keepalive flush the accumulated batch transactionally.
func (w *Writer) HandleEvent(ctx context.Context, ev powersync.ReplicationEvent) error {
	table := ev.SourceTable()
	rules := w.rules.Rules(w.groupID)
	if rules == nil {
		return nil
	}

	switch ev.Tag() {
	case powersync.SourceDelete:
		return w.handleDelete(ctx, table, ev.ReplicaKey())
	case powersync.SourceTruncate:
		return w.handleTruncate(ctx, table)
	case powersync.SourceInsert, powersync.SourceUpdate:
		return w.handleUpsert(ctx, rules, ev)
	default:
		return fmt.Errorf("replication: unknown event tag %q", ev.Tag())
	}
}

func (w *Writer) handleDelete(ctx context.Context, table powersync.SourceTableRef, replicaKey string) error {
	prior, err := w.store.GetCurrentData(ctx, w.groupID, table.QualifiedName(), replicaKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if prior == nil {
		return nil
	}
	for _, m := range prior.Buckets {
		w.emitRemove(m.Bucket, m.RowID)
	}
	w.batch.currentDeletes = append(w.batch.currentDeletes, currentDataKey{table.QualifiedName(), replicaKey})
	return nil
}

// handleTruncate scans CurrentData for table in TruncateBatchSize pages,
// emitting REMOVE for every row found (spec §4.1 TRUNCATE, invariant 5
// "TRUNCATE ⇒ empty").
func (w *Writer) handleTruncate(ctx context.Context, table powersync.SourceTableRef) error {
	after := ""
	for {
		rows, err := w.store.ScanCurrentDataByTable(ctx, w.groupID, table.QualifiedName(), after, TruncateBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			for _, m := range row.Buckets {
				w.emitRemove(m.Bucket, m.RowID)
			}
			w.batch.currentDeletes = append(w.batch.currentDeletes, currentDataKey{table.QualifiedName(), row.SourceKey})
			after = row.SourceKey
		}
		if len(rows) < TruncateBatchSize {
			return nil
		}
	}
}

func (w *Writer) handleUpsert(ctx context.Context, rules *syncrules.Rules, ev powersync.ReplicationEvent) error {
	table := ev.SourceTable()
	prior, err := w.store.GetCurrentData(ctx, w.groupID, table.QualifiedName(), ev.ReplicaKey())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	after := ev.After()
	complete := ev.Complete()
	if ev.Tag() == powersync.SourceUpdate && !complete {
		merged, ok := mergeToastPlaceholders(prior, after)
		if !ok {
			if prior == nil {
				if w.unavailable != nil {
					w.unavailable(ctx, table, ev.ReplicaKey())
				}
				recordsUnavailable.WithLabelValues(w.groupID, table.QualifiedName()).Inc()
				return nil
			}
			w.logger.Warn("skipping incomplete update with unmergeable TOAST placeholders", "table", table.QualifiedName(), "replica_key", ev.ReplicaKey())
			return nil
		}
		after = merged
	}

	after, capped := w.capRowSize(table, after)
	if capped {
		rowsTooLarge.WithLabelValues(w.groupID, table.QualifiedName()).Inc()
	}

	var row map[string]any
	if err := json.Unmarshal(after, &row); err != nil {
		return fmt.Errorf("replication: decode row: %w", err)
	}

	oldReplicaKey := ev.ReplicaKey()
	if ev.OldReplicaKey() != "" {
		oldReplicaKey = ev.OldReplicaKey()
	}

	outputs, err := rules.EvaluateDataQueries(nil, table, row, ev.ReplicaKey())
	if err != nil {
		return err
	}
	lookups, err := rules.EvaluateParameterQueries(table, row)
	if err != nil {
		return err
	}

	newBuckets := make(map[string]storage.BucketMembership, len(outputs))
	for _, o := range outputs {
		newBuckets[o.Bucket] = storage.BucketMembership{Bucket: o.Bucket, Table: table.QualifiedName(), RowID: o.RowID}
	}

	oldBuckets := map[string]storage.BucketMembership{}
	if prior != nil {
		for _, m := range prior.Buckets {
			oldBuckets[m.Bucket] = m
		}
	}

	// Invariant 6: every update is a (REMOVE from old, PUT to new) pair;
	// a replica-identity change removes under the old row_id.
	for bucket, m := range oldBuckets {
		if _, still := newBuckets[bucket]; !still {
			w.emitRemove(bucket, m.RowID)
		}
	}
	for _, o := range outputs {
		changed := true
		if old, ok := oldBuckets[o.Bucket]; ok && old.RowID == o.RowID && oldReplicaKey == ev.ReplicaKey() {
			changed = false
		}
		if changed {
			w.emitPut(o.Bucket, o.RowID, o.Payload)
		}
	}

	membership := make([]storage.BucketMembership, 0, len(newBuckets))
	for _, m := range newBuckets {
		membership = append(membership, m)
	}
	lookupKeys := make([][]byte, 0, len(lookups))
	oldLookups := map[string]storage.ParameterRow{}
	if prior != nil {
		for _, k := range prior.LookupKeys {
			oldLookups[string(k)] = storage.ParameterRow{}
		}
	}
	for _, l := range lookups {
		key := l.Lookup + "/" + l.ID
		lookupKeys = append(lookupKeys, []byte(key))
		delete(oldLookups, key)
		w.batch.paramUpserts = append(w.batch.paramUpserts, storage.ParameterRow{
			GroupID: w.groupID, Lookup: l.Lookup, SourceTable: table.QualifiedName(),
			SourceKey: ev.ReplicaKey(), ID: l.ID, BucketParameters: l.BucketParameters,
		})
		w.batch.touchedLookups[l.Lookup] = struct{}{}
	}
	for removed := range oldLookups {
		lookup, id, ok := splitLookupKey(removed)
		if ok {
			w.batch.paramDeletes = append(w.batch.paramDeletes, paramDeleteKey{lookup, table.QualifiedName(), ev.ReplicaKey(), id})
			w.batch.touchedLookups[lookup] = struct{}{}
		}
	}

	if len(membership) == 0 {
		w.batch.currentDeletes = append(w.batch.currentDeletes, currentDataKey{table.QualifiedName(), ev.ReplicaKey()})
	} else {
		w.batch.currentUpserts = append(w.batch.currentUpserts, storage.CurrentDataRow{
			GroupID: w.groupID, SourceTable: table.QualifiedName(), SourceKey: ev.ReplicaKey(),
			Data: after, Buckets: membership, LookupKeys: lookupKeys,
		})
	}
	return nil
}

// mergeToastPlaceholders fills columns placeholders.jsonNull marks as
// unchanged with prior's values (spec §4.1 TOAST merge). Returns ok=false
// when no prior row exists to merge against.
func mergeToastPlaceholders(prior *storage.CurrentDataRow, after []byte) ([]byte, bool) {
	var partial map[string]any
	if err := json.Unmarshal(after, &partial); err != nil {
		return nil, false
	}
	if prior == nil {
		return nil, false
	}
	var base map[string]any
	if err := json.Unmarshal(prior.Data, &base); err != nil {
		return nil, false
	}
	for k, v := range partial {
		if v == toastPlaceholder {
			continue
		}
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, false
	}
	return merged, true
}

// toastPlaceholder is the sentinel a source adapter substitutes for an
// unchanged TOAST-like column it did not receive in the wire record.
const toastPlaceholder = "\x00__powersync_toast_unchanged__"

func splitLookupKey(key string) (lookup, id string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// capRowSize replaces data with an empty-column placeholder if it meets
// or exceeds the configured size cap (spec §4.1 "rejected with
// ROW_TOO_LARGE... replaced with an empty-column placeholder so streaming
// does not wedge"). ROW_TOO_LARGE is reported via metrics, never to the
// client mid-stream (spec S6).
func (w *Writer) capRowSize(table powersync.SourceTableRef, data []byte) ([]byte, bool) {
	if len(data) < w.rowSizeCap {
		return data, false
	}
	return []byte("{}"), true
}

func (w *Writer) emitPut(bucket, rowID string, payload []byte) {
	w.batch.ops = append(w.batch.ops, oplog.PendingOp{GroupID: w.groupID, Bucket: bucket, Op: powersync.OpPut, RowID: rowID, Data: payload})
	w.batch.touchedBuckets[bucket] = struct{}{}
}

func (w *Writer) emitRemove(bucket, rowID string) {
	w.batch.ops = append(w.batch.ops, oplog.PendingOp{GroupID: w.groupID, Bucket: bucket, Op: powersync.OpRemove, RowID: rowID})
	w.batch.touchedBuckets[bucket] = struct{}{}
}

// Commit implements commit(lsn) exactly per spec §4.1: gates on
// no_checkpoint_before_lsn, skips idempotently on a stale lsn, else
// flushes the pending batch, advances last_checkpoint_lsn, transitions
// sync rules PROCESSING→ACTIVE, and notifies checkpoint watchers.
func (w *Writer) Commit(ctx context.Context, lsn powersync.LSN) error {
	rulesRow, err := w.store.GetActiveSyncRules(ctx, w.groupID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	activeID := int64(0)
	if rulesRow != nil {
		activeID = rulesRow.ID
		if rulesRow.NoCheckpointBefore != "" && lsn < rulesRow.NoCheckpointBefore {
			return w.flushKeepalive(ctx, activeID, lsn, false)
		}
		if rulesRow.LastCheckpointLSN != "" && lsn <= rulesRow.LastCheckpointLSN {
			flushCommits.WithLabelValues(w.groupID, "idempotent_skip").Inc()
			w.resetBatch()
			return nil
		}
	}
	return w.flushCommit(ctx, activeID, lsn)
}

// Keepalive implements keepalive(lsn): behaves as Commit when a pending op
// exists, else only advances last_checkpoint_lsn to record liveness.
func (w *Writer) Keepalive(ctx context.Context, lsn powersync.LSN) error {
	if len(w.batch.ops) > 0 || len(w.batch.currentUpserts) > 0 || len(w.batch.currentDeletes) > 0 {
		return w.Commit(ctx, lsn)
	}
	rulesRow, err := w.store.GetActiveSyncRules(ctx, w.groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	rulesRow.LastCheckpointLSN = lsn
	flushCommits.WithLabelValues(w.groupID, "keepalive").Inc()
	return w.store.PutSyncRules(ctx, *rulesRow)
}

func (w *Writer) flushKeepalive(ctx context.Context, rulesID int64, lsn powersync.LSN, notify bool) error {
	return w.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.BatchWriterStore) error {
		lastOp, err := w.flushOps(ctx, tx)
		if err != nil {
			return err
		}
		row, err := tx.GetSyncRules(ctx, rulesID)
		if err != nil {
			return err
		}
		row.KeepaliveOp = lastOp
		flushCommits.WithLabelValues(w.groupID, "not_yet").Inc()
		return tx.PutSyncRules(ctx, *row)
	})
}

// flushCommit performs the atomic write-then-advance-checkpoint for a
// committed source transaction (spec §4.1 commit(lsn) "Else" branch).
func (w *Writer) flushCommit(ctx context.Context, rulesID int64, lsn powersync.LSN) error {
	var lastOp powersync.OpID
	err := w.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.BatchWriterStore) error {
		var err error
		lastOp, err = w.flushOps(ctx, tx)
		if err != nil {
			return err
		}
		if rulesID != 0 {
			row, err := tx.GetSyncRules(ctx, rulesID)
			if err != nil {
				return err
			}
			row.LastCheckpointLSN = lsn
			if lastOp != 0 {
				row.LastCheckpoint = lastOp
			}
			row.SnapshotDone = true
			if err := tx.PutSyncRules(ctx, *row); err != nil {
				return err
			}
			if row.State == powersync.SyncRulesProcessing {
				if err := tx.TransitionSyncRules(ctx, rulesID, w.groupID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for bucket := range w.batch.touchedBuckets {
		w.checksums.Invalidate(w.groupID, bucket)
	}
	w.snapshotTouched(lastOp)
	flushCommits.WithLabelValues(w.groupID, "committed").Inc()
	w.resetBatch()
	return nil
}

// snapshotTouched preserves this flush's touched-buckets/touched-lookups
// set and checkpoint before resetBatch clears the live batch, so
// TouchedBuckets/TouchedLookups/LastCheckpoint report what the flush that
// just completed actually did (spec §4.5).
func (w *Writer) snapshotTouched(checkpoint powersync.OpID) {
	w.lastTouchedBuckets = w.batch.touchedBuckets
	w.lastTouchedLookups = w.batch.touchedLookups
	if checkpoint != 0 {
		w.lastCheckpoint = checkpoint
	}
}

// flushOps writes the accumulated batch inside tx, assigning each op a
// fresh op_id from the shared sequence (spec §4.1 "Each emitted op gets a
// fresh op_id from A").
func (w *Writer) flushOps(ctx context.Context, tx storage.BatchWriterStore) (powersync.OpID, error) {
	var lastOp powersync.OpID
	for i := range w.batch.ops {
		id, err := tx.NextOpID(ctx)
		if err != nil {
			return 0, err
		}
		w.batch.ops[i].OpID = id
		lastOp = id
	}
	if len(w.batch.ops) > 0 {
		wrapped := oplog.New(tx)
		if err := wrapped.Append(ctx, w.batch.ops); err != nil {
			return 0, err
		}
	}
	for _, row := range w.batch.currentUpserts {
		if err := tx.PutCurrentData(ctx, row); err != nil {
			return 0, err
		}
	}
	for _, k := range w.batch.currentDeletes {
		if err := tx.DeleteCurrentData(ctx, w.groupID, k.sourceTable, k.sourceKey); err != nil {
			return 0, err
		}
	}
	for _, row := range w.batch.paramUpserts {
		if err := tx.UpsertParameterRow(ctx, row); err != nil {
			return 0, err
		}
	}
	for _, k := range w.batch.paramDeletes {
		if err := tx.DeleteParameterRow(ctx, w.groupID, k.lookup, k.sourceTable, k.sourceKey, k.id); err != nil {
			return 0, err
		}
	}
	return lastOp, nil
}

func (w *Writer) resetBatch() {
	w.batch = newPendingBatch()
}

// TouchedLookups returns the parameter-query lookup names touched by the
// batch flushed in the most recent Commit, for the resolver's dynamic
// bucket invalidation signal (spec §4.5 "intersects the replication
// batch's updated parameter lookups").
func (w *Writer) TouchedLookups() []string {
	out := make([]string, 0, len(w.lastTouchedLookups))
	for l := range w.lastTouchedLookups {
		out = append(out, l)
	}
	return out
}

// TouchedBuckets returns the bucket names touched by the batch flushed in
// the most recent Commit, for the checkpoint notification's per-bucket
// change signal (spec §4.5).
func (w *Writer) TouchedBuckets() []string {
	out := make([]string, 0, len(w.lastTouchedBuckets))
	for b := range w.lastTouchedBuckets {
		out = append(out, b)
	}
	return out
}

// LastCheckpoint returns the op_id the most recent Commit advanced the
// checkpoint to (0 if no commit has flushed any ops yet).
func (w *Writer) LastCheckpoint() powersync.OpID {
	return w.lastCheckpoint
}
