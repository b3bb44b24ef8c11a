// Package sql implements internal/storage.Storage over database/sql,
// driver-selected among modernc.org/sqlite (default/embedded),
// jackc/pgx/v5/stdlib (postgres), and go-sql-driver/mysql, following the
// teacher's placeholder-rewriting single-adapter approach rather than a
// distinct implementation per driver.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/powersync"
)

// Storage is the database/sql-backed durable state adapter.
type Storage struct {
	db      *sql.DB
	driver  string
	queries *queryRegistry

	// flushMu is the process-wide exclusive lock spec §4.1/§9 calls for:
	// op_id assignment and the transactional write it backs never
	// interleave, even with multiple replication sources.
	flushMu sync.Mutex

	watchMu sync.Mutex
	watches map[string][]chan storage.CheckpointUpdate
}

// Open connects to driver/dsn and ensures the schema exists.
// driver is one of "sqlite", "postgres", "mysql".
func Open(driver, dsn string) (*Storage, error) {
	sqlDriver := driver
	switch driver {
	case "postgres", "pgx":
		sqlDriver = "pgx"
		driver = "postgres"
	case "mysql", "mariadb":
		sqlDriver = "mysql"
		driver = "mysql"
	default:
		sqlDriver = "sqlite"
		driver = "sqlite"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	s := &Storage{
		db:      db,
		driver:  driver,
		queries: newQueryRegistry(driver),
		watches: make(map[string][]chan storage.CheckpointUpdate),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) init() error {
	ctx := context.Background()
	if s.driver == "sqlite" {
		_, _ = s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
		_, _ = s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL")
		_, _ = s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	}
	initQueries := []string{
		QueryInitOpSequence,
		QueryInitBucketData,
		QueryInitCurrentData,
		QueryInitParameters,
		QueryInitSyncRules,
		QueryInitSourceTables,
		QueryInitWriteCkpt,
	}
	for _, key := range initQueries {
		if _, err := s.db.ExecContext(ctx, s.prepare(s.queries.get(key))); err != nil {
			return fmt.Errorf("init storage schema (%s): %w", key, err)
		}
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_bucket_data_group_bucket ON bucket_data(group_id, bucket, op_id)",
		"CREATE INDEX IF NOT EXISTS idx_current_data_table ON current_data(group_id, source_table)",
		"CREATE INDEX IF NOT EXISTS idx_parameters_lookup ON bucket_parameters(group_id, lookup)",
		"CREATE INDEX IF NOT EXISTS idx_sync_rules_group_state ON sync_rules(group_id, state)",
	}
	for _, q := range indexes {
		_, _ = s.db.ExecContext(ctx, s.prepare(q))
	}
	return nil
}

// prepare rewrites '?' placeholders to the driver's native form.
func (s *Storage) prepare(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	idx := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			idx++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Storage) exec(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, query string, args ...any) (sql.Result, error) {
	return execer.ExecContext(ctx, s.prepare(query), args...)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "try restarting transaction")
}

// execWithRetry retries transient lock/deadlock errors with bounded
// exponential backoff (spec §4.1: "transient conflicts retry with bounded
// backoff, ≤ 20 tries or 90s").
func execWithRetry(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	deadline := time.Now().Add(90 * time.Second)
	var lastErr error
	for attempt := 0; attempt < 20 && time.Now().Before(deadline); attempt++ {
		if err := fn(); err == nil {
			return nil
		} else if !isRetryable(err) {
			return err
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return lastErr
}

// NextOpID assigns the next strictly-monotonic op id (spec §4.2).
func (s *Storage) NextOpID(ctx context.Context) (powersync.OpID, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.nextOpIDLocked(ctx, s.db)
}

func (s *Storage) nextOpIDLocked(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (powersync.OpID, error) {
	if _, err := s.exec(ctx, execer, s.queries.get(QueryNextOpID)); err != nil {
		return 0, fmt.Errorf("advance op sequence: %w", err)
	}
	var last int64
	row := execer.QueryRowContext(ctx, s.prepare("SELECT last_op_id FROM op_sequence WHERE id = 1"))
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("read op sequence: %w", err)
	}
	return powersync.OpID(last), nil
}

// Append persists bucket operations (spec §4.2 append).
func (s *Storage) Append(ctx context.Context, rows []storage.BucketOpRow) error {
	return execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, r := range rows {
			if _, err := s.exec(ctx, tx, s.queries.get(QueryInsertBucketOp),
				r.GroupID, r.Bucket, int64(r.OpID), string(r.Op), r.RowID, r.Checksum, r.Data, int64(r.TargetOp)); err != nil {
				return fmt.Errorf("append bucket op: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Scan returns ops in (after, upTo] ascending op_id (spec §4.2 scan).
func (s *Storage) Scan(ctx context.Context, groupID, bucket string, after, upTo powersync.OpID, limit int) ([]storage.BucketOpRow, error) {
	rows, err := s.db.QueryContext(ctx, s.prepare(s.queries.get(QueryScanBucket)), groupID, bucket, int64(after), int64(upTo), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.BucketOpRow
	for rows.Next() {
		var r storage.BucketOpRow
		var opID, targetOp int64
		var op string
		var rowID, data sql.NullString
		var dataBytes []byte
		if err := rows.Scan(&r.GroupID, &r.Bucket, &opID, &op, &rowID, &r.Checksum, &dataBytes, &targetOp); err != nil {
			return nil, err
		}
		_ = data
		r.OpID = powersync.OpID(opID)
		r.Op = powersync.Op(op)
		r.RowID = rowID.String
		r.Data = dataBytes
		r.TargetOp = powersync.OpID(targetOp)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumChecksum computes Σ checksum mod 2³² over matching ops plus the
// hasClear flag (spec §4.2, §4.3).
func (s *Storage) SumChecksum(ctx context.Context, groupID, bucket string, after, upTo powersync.OpID) (storage.ChecksumSum, error) {
	row := s.db.QueryRowContext(ctx, s.prepare(s.queries.get(QuerySumChecksum)), groupID, bucket, int64(after), int64(upTo))
	var count int64
	var sum int64
	var hasClear int
	if err := row.Scan(&count, &sum, &hasClear); err != nil {
		return storage.ChecksumSum{}, err
	}
	return storage.ChecksumSum{
		Count:    count,
		Checksum: int32(uint32(sum)),
		HasClear: hasClear == 1,
	}, nil
}

type serializedCurrentData struct {
	Buckets []storage.BucketMembership `json:"buckets"`
	Lookups []string                   `json:"lookups"`
}

func (s *Storage) GetCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) (*storage.CurrentDataRow, error) {
	row := s.db.QueryRowContext(ctx, s.prepare(s.queries.get(QueryGetCurrentData)), groupID, sourceTable, sourceKey)
	var data []byte
	var bucketsJSON, lookupsJSON sql.NullString
	if err := row.Scan(&data, &bucketsJSON, &lookupsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	out := &storage.CurrentDataRow{GroupID: groupID, SourceTable: sourceTable, SourceKey: sourceKey, Data: data}
	var sc serializedCurrentData
	if bucketsJSON.Valid && bucketsJSON.String != "" {
		if err := json.Unmarshal([]byte(bucketsJSON.String), &sc.Buckets); err == nil {
			out.Buckets = sc.Buckets
		}
	}
	if lookupsJSON.Valid && lookupsJSON.String != "" {
		var keys []string
		if err := json.Unmarshal([]byte(lookupsJSON.String), &keys); err == nil {
			for _, k := range keys {
				out.LookupKeys = append(out.LookupKeys, []byte(k))
			}
		}
	}
	return out, nil
}

func (s *Storage) PutCurrentData(ctx context.Context, row storage.CurrentDataRow) error {
	bucketsJSON, _ := json.Marshal(row.Buckets)
	keys := make([]string, len(row.LookupKeys))
	for i, k := range row.LookupKeys {
		keys[i] = string(k)
	}
	lookupsJSON, _ := json.Marshal(keys)
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryPutCurrentData), row.GroupID, row.SourceTable, row.SourceKey, row.Data, string(bucketsJSON), string(lookupsJSON))
		return err
	})
}

func (s *Storage) DeleteCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) error {
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryDeleteCurrentData), groupID, sourceTable, sourceKey)
		return err
	})
}

// ScanCurrentDataByTable pages through CurrentData for TRUNCATE handling
// (spec §4.1 "scan CurrentData keyed by t in fixed-size batches").
func (s *Storage) ScanCurrentDataByTable(ctx context.Context, groupID, sourceTable string, after string, limit int) ([]storage.CurrentDataRow, error) {
	rows, err := s.db.QueryContext(ctx, s.prepare(s.queries.get(QueryScanCurrentData)), groupID, sourceTable, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.CurrentDataRow
	for rows.Next() {
		var r storage.CurrentDataRow
		var bucketsJSON, lookupsJSON sql.NullString
		r.GroupID = groupID
		r.SourceTable = sourceTable
		if err := rows.Scan(&r.SourceKey, &r.Data, &bucketsJSON, &lookupsJSON); err != nil {
			return nil, err
		}
		if bucketsJSON.Valid && bucketsJSON.String != "" {
			json.Unmarshal([]byte(bucketsJSON.String), &r.Buckets)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Storage) UpsertParameterRow(ctx context.Context, row storage.ParameterRow) error {
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryUpsertParameterRow),
			row.GroupID, row.Lookup, row.SourceTable, row.SourceKey, row.ID, row.BucketParameters)
		return err
	})
}

func (s *Storage) DeleteParameterRow(ctx context.Context, groupID, lookup, sourceTable, sourceKey, id string) error {
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryDeleteParameterRow), groupID, lookup, sourceTable, sourceKey, id)
		return err
	})
}

func (s *Storage) ListParameterRows(ctx context.Context, groupID, lookup string, limit int) ([]storage.ParameterRow, error) {
	rows, err := s.db.QueryContext(ctx, s.prepare(s.queries.get(QueryListParameterRows)), groupID, lookup, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.ParameterRow
	for rows.Next() {
		var r storage.ParameterRow
		if err := rows.Scan(&r.GroupID, &r.Lookup, &r.SourceTable, &r.SourceKey, &r.ID, &r.BucketParameters); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSyncRules(row *sql.Row) (*storage.SyncRulesRow, error) {
	var r storage.SyncRulesRow
	var state, lastLSN, noCkptBefore, snapshotLSN, fatalErr sql.NullString
	var snapshotDone int
	if err := row.Scan(&r.ID, new(string), &state, &r.LastCheckpoint, &lastLSN, &noCkptBefore, &r.KeepaliveOp, &snapshotLSN, &snapshotDone, &fatalErr); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	r.State = powersync.SyncRulesState(state.String)
	r.LastCheckpointLSN = powersync.LSN(lastLSN.String)
	r.NoCheckpointBefore = powersync.LSN(noCkptBefore.String)
	r.SnapshotLSN = powersync.LSN(snapshotLSN.String)
	r.SnapshotDone = snapshotDone == 1
	r.LastFatalError = fatalErr.String
	return &r, nil
}

func (s *Storage) GetSyncRules(ctx context.Context, id int64) (*storage.SyncRulesRow, error) {
	row := s.db.QueryRowContext(ctx, s.prepare(s.queries.get(QueryGetSyncRules)), id)
	return scanSyncRules(row)
}

func (s *Storage) GetActiveSyncRules(ctx context.Context, groupID string) (*storage.SyncRulesRow, error) {
	row := s.db.QueryRowContext(ctx, s.prepare(s.queries.get(QueryGetActiveSyncRules)), groupID)
	return scanSyncRules(row)
}

func (s *Storage) PutSyncRules(ctx context.Context, row storage.SyncRulesRow) error {
	return execWithRetry(ctx, func() error {
		if row.ID == 0 {
			res, err := s.exec(ctx, s.db, s.queries.get(QueryInsertSyncRules),
				"", string(row.State), int64(row.LastCheckpoint), string(row.LastCheckpointLSN), string(row.NoCheckpointBefore), int64(row.KeepaliveOp), string(row.SnapshotLSN), row.SnapshotDone, row.LastFatalError)
			if err != nil {
				return err
			}
			id, _ := res.LastInsertId()
			row.ID = id
			return nil
		}
		_, err := s.exec(ctx, s.db, s.queries.get(QueryUpdateSyncRules),
			string(row.State), int64(row.LastCheckpoint), string(row.LastCheckpointLSN), string(row.NoCheckpointBefore), int64(row.KeepaliveOp), string(row.SnapshotLSN), row.SnapshotDone, row.LastFatalError, row.ID)
		return err
	})
}

// TransitionSyncRules activates activateID and demotes any other
// ACTIVE/ERRORED deployment for groupID to STOP (spec §4.1 commit policy,
// spec §3 SyncRules lifecycle).
func (s *Storage) TransitionSyncRules(ctx context.Context, activateID int64, groupID string) error {
	return execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := s.exec(ctx, tx, s.queries.get(QueryDemoteSyncRules), groupID, activateID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.queries.get(QueryActivateSyncRules), activateID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Storage) UpsertSourceTable(ctx context.Context, row storage.SourceTableRow) error {
	colsJSON, _ := json.Marshal(row.ReplicaIDColumns)
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryUpsertSourceTable),
			row.ID, row.GroupID, int64(row.RelationID), row.Schema, row.Table, string(colsJSON), row.SnapshotStatus)
		return err
	})
}

func (s *Storage) DropSourceTable(ctx context.Context, id int64) error {
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryDropSourceTable), id)
		return err
	})
}

func (s *Storage) GetWriteCheckpoint(ctx context.Context, groupID, userID, clientID string) (*storage.WriteCheckpointRow, error) {
	row := s.db.QueryRowContext(ctx, s.prepare(s.queries.get(QueryGetWriteCheckpoint)), userID, clientID)
	var r storage.WriteCheckpointRow
	var lsn1, lsn2, processed sql.NullString
	if err := row.Scan(&r.UserID, &r.ClientID, &lsn1, &lsn2, &processed, &r.Checkpoint); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	r.LSNs = [2]powersync.LSN{powersync.LSN(lsn1.String), powersync.LSN(lsn2.String)}
	r.ProcessedAtLSN = powersync.LSN(processed.String)
	return &r, nil
}

func (s *Storage) PutWriteCheckpoint(ctx context.Context, row storage.WriteCheckpointRow) error {
	return execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.db, s.queries.get(QueryPutWriteCheckpoint),
			row.UserID, row.ClientID, string(row.LSNs[0]), string(row.LSNs[1]), string(row.ProcessedAtLSN), int64(row.Checkpoint))
		return err
	})
}

// RunInTransaction executes fn with a transaction-scoped view that still
// goes through the Storage methods; sqlite/single-writer semantics make a
// real nested-tx wrapper unnecessary here since flushMu already
// serializes writers (spec §4.1 concurrency: "a single in-process
// exclusive lock serializes flushes").
func (s *Storage) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.BatchWriterStore) error) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return fn(ctx, s)
}

// WatchCheckpoints returns a channel of checkpoint notifications for
// groupID (Component D's single upstream subscription source).
func (s *Storage) WatchCheckpoints(ctx context.Context, groupID string) (<-chan storage.CheckpointUpdate, error) {
	ch := make(chan storage.CheckpointUpdate, 1)
	s.watchMu.Lock()
	s.watches[groupID] = append(s.watches[groupID], ch)
	s.watchMu.Unlock()
	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		subs := s.watches[groupID]
		for i, c := range subs {
			if c == ch {
				s.watches[groupID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// NotifyCheckpoint publishes a checkpoint update to all watchers of
// groupID; called by the replication loop in cmd/powersync-service after
// each batch writer commit (spec §4.1 "notify checkpoint watchers").
func (s *Storage) NotifyCheckpoint(groupID string, update storage.CheckpointUpdate) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watches[groupID] {
		select {
		case ch <- update:
		default:
			// last-value-wins: drain stale value then push fresh one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// RestartReplication discards in-memory replication state for groupID
// without a process exit (spec §7: the one error that doesn't abort).
func (s *Storage) RestartReplication(ctx context.Context, groupID string) error {
	active, err := s.GetActiveSyncRules(ctx, groupID)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if active == nil {
		return nil
	}
	active.SnapshotDone = false
	active.LastFatalError = "REPLICATION_SLOT_MISSING: restarting replication"
	return s.PutSyncRules(ctx, *active)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) GetBucketDataBatch(ctx context.Context, groupID string, checkpoint powersync.OpID, positions []storage.BucketPosition, limit int) ([]storage.BucketDataChunk, error) {
	if limit <= 0 {
		limit = 1000
	}
	out := make([]storage.BucketDataChunk, 0, len(positions))
	for _, pos := range positions {
		rows, err := s.Scan(ctx, groupID, pos.Bucket, pos.After, checkpoint, limit+1)
		if err != nil {
			return nil, err
		}
		hasMore := false
		if len(rows) > limit {
			rows = rows[:limit]
			hasMore = true
		}
		nextAfter := pos.After
		var targetOp powersync.OpID
		if len(rows) > 0 {
			nextAfter = rows[len(rows)-1].OpID
			for _, r := range rows {
				if (r.Op == powersync.OpMove || r.Op == powersync.OpClear) && r.TargetOp > checkpoint {
					targetOp = r.TargetOp
				}
			}
		}
		out = append(out, storage.BucketDataChunk{
			Bucket:    pos.Bucket,
			Data:      rows,
			NextAfter: nextAfter,
			HasMore:   hasMore,
			TargetOp:  targetOp,
		})
	}
	return out, nil
}

func (s *Storage) GetChecksums(ctx context.Context, groupID string, checkpoint powersync.OpID, buckets []string) (map[string]storage.ChecksumSum, error) {
	out := make(map[string]storage.ChecksumSum, len(buckets))
	for _, b := range buckets {
		sum, err := s.SumChecksum(ctx, groupID, b, 0, checkpoint)
		if err != nil {
			return nil, err
		}
		out[b] = sum
	}
	return out, nil
}
