package sql

type queryRegistry struct {
	driver string
}

func newQueryRegistry(driver string) *queryRegistry {
	return &queryRegistry{driver: driver}
}

func (r *queryRegistry) get(key string) string {
	if driverQueries, ok := driverOverrides[r.driver]; ok {
		if q, ok := driverQueries[key]; ok {
			return q
		}
	}
	return commonQueries[key]
}

const (
	QueryInitOpSequence    = "InitOpSequence"
	QueryInitBucketData    = "InitBucketData"
	QueryInitCurrentData   = "InitCurrentData"
	QueryInitParameters    = "InitParameters"
	QueryInitSyncRules     = "InitSyncRules"
	QueryInitSourceTables  = "InitSourceTables"
	QueryInitWriteCkpt     = "InitWriteCheckpoints"

	QueryNextOpID      = "NextOpID"
	QueryInsertBucketOp = "InsertBucketOp"
	QueryScanBucket     = "ScanBucket"
	QuerySumChecksum    = "SumChecksum"

	QueryGetCurrentData    = "GetCurrentData"
	QueryPutCurrentData    = "PutCurrentData"
	QueryDeleteCurrentData = "DeleteCurrentData"
	QueryScanCurrentData   = "ScanCurrentData"

	QueryUpsertParameterRow = "UpsertParameterRow"
	QueryDeleteParameterRow = "DeleteParameterRow"
	QueryListParameterRows  = "ListParameterRows"

	QueryGetSyncRules         = "GetSyncRules"
	QueryGetActiveSyncRules   = "GetActiveSyncRules"
	QueryInsertSyncRules      = "InsertSyncRules"
	QueryUpdateSyncRules      = "UpdateSyncRules"
	QueryDemoteSyncRules      = "DemoteSyncRules"
	QueryActivateSyncRules    = "ActivateSyncRules"

	QueryUpsertSourceTable = "UpsertSourceTable"
	QueryDropSourceTable   = "DropSourceTable"

	QueryGetWriteCheckpoint = "GetWriteCheckpoint"
	QueryPutWriteCheckpoint = "PutWriteCheckpoint"
)

var commonQueries = map[string]string{
	QueryInitOpSequence: `
		CREATE TABLE IF NOT EXISTS op_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_op_id INTEGER NOT NULL DEFAULT 0
		)`,
	QueryInitBucketData: `
		CREATE TABLE IF NOT EXISTS bucket_data (
			group_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			op_id INTEGER NOT NULL,
			op TEXT NOT NULL,
			row_id TEXT,
			checksum INTEGER NOT NULL,
			data BLOB,
			target_op INTEGER,
			PRIMARY KEY (group_id, bucket, op_id)
		)`,
	QueryInitCurrentData: `
		CREATE TABLE IF NOT EXISTS current_data (
			group_id TEXT NOT NULL,
			source_table TEXT NOT NULL,
			source_key TEXT NOT NULL,
			data BLOB,
			buckets TEXT,
			lookups TEXT,
			PRIMARY KEY (group_id, source_table, source_key)
		)`,
	QueryInitParameters: `
		CREATE TABLE IF NOT EXISTS bucket_parameters (
			group_id TEXT NOT NULL,
			lookup TEXT NOT NULL,
			source_table TEXT NOT NULL,
			source_key TEXT NOT NULL,
			id TEXT NOT NULL,
			bucket_parameters BLOB,
			PRIMARY KEY (group_id, lookup, source_table, source_key, id)
		)`,
	QueryInitSyncRules: `
		CREATE TABLE IF NOT EXISTS sync_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			state TEXT NOT NULL,
			last_checkpoint INTEGER NOT NULL DEFAULT 0,
			last_checkpoint_lsn TEXT,
			no_checkpoint_before TEXT,
			keepalive_op INTEGER NOT NULL DEFAULT 0,
			snapshot_lsn TEXT,
			snapshot_done INTEGER NOT NULL DEFAULT 0,
			last_fatal_error TEXT
		)`,
	QueryInitSourceTables: `
		CREATE TABLE IF NOT EXISTS source_tables (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			relation_id INTEGER NOT NULL,
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			replica_id_columns TEXT,
			snapshot_status TEXT
		)`,
	QueryInitWriteCkpt: `
		CREATE TABLE IF NOT EXISTS write_checkpoints (
			user_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			lsn1 TEXT,
			lsn2 TEXT,
			processed_at_lsn TEXT,
			checkpoint INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, client_id)
		)`,

	QueryNextOpID: `
		INSERT INTO op_sequence (id, last_op_id) VALUES (1, 1)
		ON CONFLICT(id) DO UPDATE SET last_op_id = last_op_id + 1`,

	QueryInsertBucketOp: `INSERT INTO bucket_data (group_id, bucket, op_id, op, row_id, checksum, data, target_op) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,

	QueryScanBucket: `SELECT group_id, bucket, op_id, op, row_id, checksum, data, target_op FROM bucket_data
		WHERE group_id = ? AND bucket = ? AND op_id > ? AND op_id <= ? ORDER BY op_id ASC LIMIT ?`,

	QuerySumChecksum: `SELECT COUNT(*), COALESCE(SUM(checksum), 0), MAX(CASE WHEN op = 'CLEAR' THEN 1 ELSE 0 END) FROM bucket_data
		WHERE group_id = ? AND bucket = ? AND op_id > ? AND op_id <= ?`,

	QueryGetCurrentData: `SELECT data, buckets, lookups FROM current_data WHERE group_id = ? AND source_table = ? AND source_key = ?`,

	QueryPutCurrentData: `INSERT INTO current_data (group_id, source_table, source_key, data, buckets, lookups) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, source_table, source_key) DO UPDATE SET data = excluded.data, buckets = excluded.buckets, lookups = excluded.lookups`,

	QueryDeleteCurrentData: `DELETE FROM current_data WHERE group_id = ? AND source_table = ? AND source_key = ?`,

	QueryScanCurrentData: `SELECT source_key, data, buckets, lookups FROM current_data
		WHERE group_id = ? AND source_table = ? AND source_key > ? ORDER BY source_key ASC LIMIT ?`,

	QueryUpsertParameterRow: `INSERT INTO bucket_parameters (group_id, lookup, source_table, source_key, id, bucket_parameters) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, lookup, source_table, source_key, id) DO UPDATE SET bucket_parameters = excluded.bucket_parameters`,

	QueryDeleteParameterRow: `DELETE FROM bucket_parameters WHERE group_id = ? AND lookup = ? AND source_table = ? AND source_key = ? AND id = ?`,

	QueryListParameterRows: `SELECT group_id, lookup, source_table, source_key, id, bucket_parameters FROM bucket_parameters
		WHERE group_id = ? AND lookup = ? LIMIT ?`,

	QueryGetSyncRules: `SELECT id, group_id, state, last_checkpoint, last_checkpoint_lsn, no_checkpoint_before, keepalive_op, snapshot_lsn, snapshot_done, last_fatal_error FROM sync_rules WHERE id = ?`,

	QueryGetActiveSyncRules: `SELECT id, group_id, state, last_checkpoint, last_checkpoint_lsn, no_checkpoint_before, keepalive_op, snapshot_lsn, snapshot_done, last_fatal_error FROM sync_rules WHERE group_id = ? AND state = 'ACTIVE' ORDER BY id DESC LIMIT 1`,

	QueryInsertSyncRules: `INSERT INTO sync_rules (group_id, state, last_checkpoint, last_checkpoint_lsn, no_checkpoint_before, keepalive_op, snapshot_lsn, snapshot_done, last_fatal_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,

	QueryUpdateSyncRules: `UPDATE sync_rules SET state = ?, last_checkpoint = ?, last_checkpoint_lsn = ?, no_checkpoint_before = ?, keepalive_op = ?, snapshot_lsn = ?, snapshot_done = ?, last_fatal_error = ? WHERE id = ?`,

	QueryDemoteSyncRules: `UPDATE sync_rules SET state = 'STOP' WHERE group_id = ? AND id != ? AND state IN ('ACTIVE', 'ERRORED')`,

	QueryActivateSyncRules: `UPDATE sync_rules SET state = 'ACTIVE' WHERE id = ?`,

	QueryUpsertSourceTable: `INSERT INTO source_tables (id, group_id, relation_id, schema_name, table_name, replica_id_columns, snapshot_status) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET relation_id = excluded.relation_id, schema_name = excluded.schema_name, table_name = excluded.table_name, replica_id_columns = excluded.replica_id_columns, snapshot_status = excluded.snapshot_status`,

	QueryDropSourceTable: `DELETE FROM source_tables WHERE id = ?`,

	QueryGetWriteCheckpoint: `SELECT user_id, client_id, lsn1, lsn2, processed_at_lsn, checkpoint FROM write_checkpoints WHERE user_id = ? AND client_id = ?`,

	QueryPutWriteCheckpoint: `INSERT INTO write_checkpoints (user_id, client_id, lsn1, lsn2, processed_at_lsn, checkpoint) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, client_id) DO UPDATE SET lsn1 = excluded.lsn1, lsn2 = excluded.lsn2, processed_at_lsn = excluded.processed_at_lsn, checkpoint = excluded.checkpoint`,
}

var driverOverrides = map[string]map[string]string{
	"postgres": {
		QueryInitSyncRules: `
			CREATE TABLE IF NOT EXISTS sync_rules (
				id SERIAL PRIMARY KEY,
				group_id TEXT NOT NULL,
				state TEXT NOT NULL,
				last_checkpoint BIGINT NOT NULL DEFAULT 0,
				last_checkpoint_lsn TEXT,
				no_checkpoint_before TEXT,
				keepalive_op BIGINT NOT NULL DEFAULT 0,
				snapshot_lsn TEXT,
				snapshot_done BOOLEAN NOT NULL DEFAULT FALSE,
				last_fatal_error TEXT
			)`,
		QueryInitSourceTables: `
			CREATE TABLE IF NOT EXISTS source_tables (
				id SERIAL PRIMARY KEY,
				group_id TEXT NOT NULL,
				relation_id BIGINT NOT NULL,
				schema_name TEXT NOT NULL,
				table_name TEXT NOT NULL,
				replica_id_columns TEXT,
				snapshot_status TEXT
			)`,
		QueryNextOpID: `
			INSERT INTO op_sequence (id, last_op_id) VALUES (1, 1)
			ON CONFLICT(id) DO UPDATE SET last_op_id = op_sequence.last_op_id + 1`,
	},
}
