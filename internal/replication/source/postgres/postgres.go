// Package postgres implements powersync.ReplicationSource over PostgreSQL
// logical replication (pgoutput), bootstrapping the publication and
// replication slot the way a CDC-grade replicator must (spec §4.1, §C).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/powersync/sync-service/internal/perr"
	"github.com/powersync/sync-service/internal/replication"
	"github.com/powersync/sync-service/pkg/sqlutil"
	"github.com/powersync/sync-service/powersync"
)

// Source implements powersync.ReplicationSource for one PostgreSQL
// connection group (spec §3 SourceTable belongs to exactly one group).
type Source struct {
	groupID         string
	connString      string
	slotName        string
	publicationName string
	tables          []string
	persistentSlot  bool

	conn     *pgx.Conn
	replConn *pgx.Conn
	typeMap  *pgtype.Map

	relations   map[uint32]*pglogrepl.RelationMessage
	replicaCols map[uint32][]string

	mu              sync.Mutex
	initialized     bool
	lastReceivedLSN pglogrepl.LSN
	lastAckedLSN    pglogrepl.LSN

	evChan  chan powersync.ReplicationEvent
	errChan chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger powersync.Logger
}

// New constructs a Postgres replication source for groupID, bound to a
// logical replication slot/publication pair.
func New(groupID, connString, slotName, publicationName string, tables []string) *Source {
	return &Source{
		groupID:         groupID,
		connString:      connString,
		slotName:        slotName,
		publicationName: publicationName,
		tables:          tables,
		persistentSlot:  true,
		relations:       make(map[uint32]*pglogrepl.RelationMessage),
		replicaCols:     make(map[uint32][]string),
		evChan:          make(chan powersync.ReplicationEvent, 1000),
		errChan:         make(chan error, 10),
	}
}

func (p *Source) SetPersistentSlot(persistent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistentSlot = persistent
}

func (p *Source) SetLogger(logger powersync.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

func (p *Source) log(level, msg string, kv ...interface{}) {
	p.mu.Lock()
	logger := p.logger
	p.mu.Unlock()
	if logger == nil {
		return
	}
	switch level {
	case "DEBUG":
		logger.Debug(msg, kv...)
	case "WARN":
		logger.Warn(msg, kv...)
	case "ERROR":
		logger.Error(msg, kv...)
	default:
		logger.Info(msg, kv...)
	}
}

// ensurePublication bootstraps (or reconciles) the logical replication
// publication so it covers exactly the configured table set.
func (p *Source) ensurePublication(ctx context.Context) error {
	quotedPub, err := sqlutil.QuoteIdent("postgres", p.publicationName)
	if err != nil {
		return perr.Wrap(perr.CodeInvalidConfig, "parse connection string", err)
	}

	var exists bool
	if err := p.conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", p.publicationName).Scan(&exists); err != nil {
		return fmt.Errorf("check publication exists: %w", err)
	}

	if !exists {
		tablesClause := "ALL TABLES"
		if len(p.tables) > 0 {
			quoted, err := p.quoteTables(p.tables)
			if err != nil {
				return err
			}
			tablesClause = "TABLE " + strings.Join(quoted, ", ")
		}
		_, err = p.conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR %s", quotedPub, tablesClause))
		if err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
		p.log("INFO", "created publication", "publication", p.publicationName)
		return nil
	}

	rows, err := p.conn.Query(ctx, "SELECT tablename FROM pg_publication_tables WHERE pubname = $1", p.publicationName)
	if err != nil {
		return fmt.Errorf("list publication tables: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return err
		}
		existing[t] = true
	}
	rows.Close()

	var missing []string
	for _, t := range p.tables {
		if !existing[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		quoted, err := p.quoteTables(p.tables)
		if err != nil {
			return err
		}
		_, err = p.conn.Exec(ctx, fmt.Sprintf("ALTER PUBLICATION %s SET TABLE %s", quotedPub, strings.Join(quoted, ", ")))
		if err != nil {
			return fmt.Errorf("update publication tables: %w", err)
		}
	}
	return nil
}

func (p *Source) quoteTables(tables []string) ([]string, error) {
	out := make([]string, len(tables))
	for i, t := range tables {
		q, err := sqlutil.QuoteIdent("postgres", t)
		if err != nil {
			return nil, fmt.Errorf("invalid table name %q: %w", t, err)
		}
		out[i] = q
	}
	return out, nil
}

func (p *Source) ensureReplicationSlot(ctx context.Context) error {
	var exists bool
	if err := p.conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", p.slotName).Scan(&exists); err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := p.conn.Exec(ctx, "SELECT pg_create_logical_replication_slot($1, 'pgoutput')", p.slotName); err != nil {
		if strings.Contains(err.Error(), "wal_level") {
			return perr.New(perr.CodeInvalidConfig, "wal_level must be 'logical' for CDC").WithHint(err.Error())
		}
		return fmt.Errorf("create replication slot: %w", err)
	}
	p.log("INFO", "created replication slot", "slot", p.slotName)
	return nil
}

// Read blocks until a replication event is available, initializing the
// slot/publication/stream on first use.
func (p *Source) Read(ctx context.Context) (powersync.ReplicationEvent, error) {
	if err := p.init(ctx); err != nil {
		return nil, err
	}

	for {
		select {
		case ev := <-p.evChan:
			return ev, nil
		case err := <-p.errChan:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			p.mu.Lock()
			init := p.initialized
			p.mu.Unlock()
			if !init {
				if err := p.init(ctx); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (p *Source) streamLoop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.initialized = false
		if p.replConn != nil {
			p.replConn.Close(context.Background())
			p.replConn = nil
		}
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		conn := p.replConn
		p.mu.Unlock()
		if conn == nil || conn.IsClosed() {
			return
		}

		msg, err := conn.PgConn().ReceiveMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.sendErr(ctx, err)
			}
			return
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			p.sendErr(ctx, fmt.Errorf("postgres error: %s", m.Message))
			return
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case 'k':
				if err := p.handleKeepalive(ctx, conn, m.Data[1:]); err != nil {
					p.sendErr(ctx, err)
					return
				}
			case 'w':
				if err := p.handleXLogData(ctx, m.Data[1:]); err != nil {
					return
				}
			}
		}
	}
}

func (p *Source) sendErr(ctx context.Context, err error) {
	select {
	case p.errChan <- err:
	case <-ctx.Done():
	}
}

func (p *Source) handleKeepalive(ctx context.Context, conn *pgx.Conn, data []byte) error {
	pka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	p.lastReceivedLSN = pka.ServerWALEnd
	needReply := pka.ReplyRequested
	write, flush := p.lastReceivedLSN, p.lastAckedLSN
	p.mu.Unlock()
	if !needReply {
		return nil
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn.PgConn(), pglogrepl.StandbyStatusUpdate{
		WALWritePosition: write, WALFlushPosition: flush, WALApplyPosition: flush,
	})
}

func (p *Source) handleXLogData(ctx context.Context, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	p.lastReceivedLSN = xld.WALStart
	p.mu.Unlock()

	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return nil
	}

	var ev *replication.Event
	switch lm := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		p.mu.Lock()
		p.relations[lm.RelationID] = lm
		p.mu.Unlock()
		return nil
	case *pglogrepl.InsertMessage:
		ev = p.toEvent(xld.WALStart, lm.RelationID, powersync.SourceInsert, nil, lm.Tuple)
	case *pglogrepl.UpdateMessage:
		ev = p.toEvent(xld.WALStart, lm.RelationID, powersync.SourceUpdate, lm.OldTuple, lm.NewTuple)
	case *pglogrepl.DeleteMessage:
		ev = p.toEvent(xld.WALStart, lm.RelationID, powersync.SourceDelete, lm.OldTuple, nil)
	default:
		return nil
	}
	if ev == nil {
		return nil
	}
	select {
	case p.evChan <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Source) toEvent(lsn pglogrepl.LSN, relID uint32, tag powersync.SourceOp, before, after *pglogrepl.TupleData) *replication.Event {
	p.mu.Lock()
	rel, ok := p.relations[relID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	ev := replication.AcquireEvent()
	ev.SetTag(tag)
	ev.SetSourceTable(powersync.SourceTableRef{
		GroupID:    p.groupID,
		RelationID: relID,
		Schema:     rel.Namespace,
		Name:       rel.RelationName,
	})
	ev.SetLSN(powersync.LSN(lsn.String()))
	ev.SetComplete(true)

	if before != nil {
		row := decodeTuple(rel, before)
		ev.SetBeforeRow(row)
		ev.SetOldReplicaKey(replicaKeyOf(row))
	}
	if after != nil {
		row := decodeTuple(rel, after)
		ev.SetAfterRow(row)
		ev.SetReplicaKey(replicaKeyOf(row))
		for _, col := range after.Columns {
			if col.DataType == 'u' {
				ev.SetComplete(false)
			}
		}
	} else if before != nil {
		ev.SetReplicaKey(ev.OldReplicaKey())
	}
	return ev
}

func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	row := make(map[string]interface{}, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			continue
		}
		switch col.DataType {
		case 'n':
			row[rel.Columns[i].Name] = nil
		case 'u':
			// TOAST value not included in this tuple; omit so the current-data
			// merge step fills it in from the last full row image.
		default:
			row[rel.Columns[i].Name] = string(col.Data)
		}
	}
	return row
}

// replicaKeyOf builds the per-row identity from the row's "id" column if
// present, else the JSON encoding of the whole row (keys in sorted
// order). The table's ReplicaIDColumns (spec §3
// SourceTable.replica_id_columns) are not consulted.
func replicaKeyOf(row map[string]interface{}) string {
	if id, ok := row["id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	b, _ := json.Marshal(row)
	return string(b)
}

func (p *Source) ensureConnNoLock(ctx context.Context) error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	config, err := pgx.ParseConfig(p.connString)
	if err != nil {
		return perr.Wrap(perr.CodeInvalidConfig, "parse connection string", err)
	}
	if config.RuntimeParams == nil {
		config.RuntimeParams = make(map[string]string)
	}
	delete(config.RuntimeParams, "replication")
	p.conn, err = pgx.ConnectConfig(ctx, config)
	return err
}

func (p *Source) ensureReplConnNoLock(ctx context.Context) error {
	if p.replConn != nil && !p.replConn.IsClosed() {
		return nil
	}
	cfg, err := pgx.ParseConfig(p.connString)
	if err != nil {
		return perr.Wrap(perr.CodeInvalidConfig, "parse connection string", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = make(map[string]string)
	}
	cfg.RuntimeParams["replication"] = "database"
	p.replConn, err = pgx.ConnectConfig(ctx, cfg)
	return err
}

func (p *Source) init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := p.ensureConnNoLock(ctx); err != nil {
		return err
	}
	if err := p.ensureReplConnNoLock(ctx); err != nil {
		return err
	}

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = p.ensurePublication(ctx); err == nil {
			if err = p.ensureReplicationSlot(ctx); err == nil {
				break
			}
		}
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return err
	}

	p.typeMap = pgtype.NewMap()
	err = pglogrepl.StartReplication(ctx, p.replConn.PgConn(), p.slotName, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{"proto_version '1'", "publication_names '" + p.publicationName + "'"},
	})
	if err != nil {
		return perr.Wrap(perr.CodeReplicationFailed, "start replication", err)
	}

	p.initialized = true
	streamCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.streamLoop(streamCtx)
	return nil
}

// Ack advances the confirmed-flush LSN and sends a standby status update.
func (p *Source) Ack(ctx context.Context, lsn powersync.LSN) error {
	if lsn == "" {
		return nil
	}
	parsed, err := pglogrepl.ParseLSN(string(lsn))
	if err != nil {
		return fmt.Errorf("parse LSN: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if parsed <= p.lastAckedLSN {
		return nil
	}
	p.lastAckedLSN = parsed
	if p.replConn == nil {
		return nil
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, p.replConn.PgConn(), pglogrepl.StandbyStatusUpdate{
		WALWritePosition: p.lastReceivedLSN, WALFlushPosition: p.lastAckedLSN, WALApplyPosition: p.lastAckedLSN,
	})
}

func (p *Source) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnNoLock(ctx); err != nil {
		return err
	}
	return p.conn.Ping(ctx)
}

// IsReady validates wal_level and replication privileges ahead of
// allocating a slot (spec §C bootstrap preflight).
func (p *Source) IsReady(ctx context.Context) error {
	if err := p.Ping(ctx); err != nil {
		return perr.Wrap(perr.CodeConnectionFailed, "connect to postgres", err)
	}

	normalCfg, err := pgx.ParseConfig(p.connString)
	if err != nil {
		return err
	}
	if normalCfg.RuntimeParams != nil {
		delete(normalCfg.RuntimeParams, "replication")
	}
	normalConn, err := pgx.ConnectConfig(ctx, normalCfg)
	if err != nil {
		return perr.Wrap(perr.CodeConnectionFailed, "connect to postgres", err)
	}
	defer normalConn.Close(ctx)

	var walLevel string
	if err := normalConn.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("check wal_level: %w", err)
	}
	if walLevel != "logical" {
		return perr.New(perr.CodeInvalidConfig, "wal_level must be 'logical' for CDC").WithHint("currently: " + walLevel)
	}

	replCfg, err := pgx.ParseConfig(p.connString)
	if err != nil {
		return err
	}
	if replCfg.RuntimeParams == nil {
		replCfg.RuntimeParams = make(map[string]string)
	}
	replCfg.RuntimeParams["replication"] = "database"
	replConn, err := pgx.ConnectConfig(ctx, replCfg)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "28000" {
			return perr.New(perr.CodeInvalidConfig, "connection user lacks REPLICATION privilege").WithHint(fmt.Sprintf("run: ALTER USER %s REPLICATION", replCfg.User))
		}
		return perr.Wrap(perr.CodeConnectionFailed, "connect to postgres", err)
	}
	return replConn.Close(ctx)
}

func (p *Source) Close() error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = false
	if p.cancel != nil {
		p.cancel()
	}
	persistent := p.persistentSlot
	slotName := p.slotName
	if p.replConn != nil {
		p.replConn.Close(context.Background())
	}
	if p.conn != nil {
		p.conn.Close(context.Background())
	}
	p.mu.Unlock()

	p.wg.Wait()

	if !persistent {
		if conn, err := pgx.Connect(context.Background(), p.connString); err == nil {
			defer conn.Close(context.Background())
			_, _ = conn.Exec(context.Background(), "SELECT pg_drop_replication_slot($1)", slotName)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReceivedLSN, p.lastAckedLSN = 0, 0
	p.relations = make(map[uint32]*pglogrepl.RelationMessage)
	p.replConn, p.conn = nil, nil
	return nil
}

// DiscoverTables lists user tables outside pg_catalog and
// information_schema. No caller in this repository invokes it.
func (p *Source) DiscoverTables(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnNoLock(ctx); err != nil {
		return nil, err
	}
	rows, err := p.conn.Query(ctx, "SELECT schemaname || '.' || tablename FROM pg_catalog.pg_tables WHERE schemaname NOT IN ('pg_catalog', 'information_schema')")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, nil
}

// Snapshot performs a full-table read, emitting each row as a
// SourceInsert event. No caller in this repository invokes it; the
// resnapshot queue does not drive it.
func (p *Source) Snapshot(ctx context.Context, tables ...string) error {
	p.mu.Lock()
	if err := p.ensureConnNoLock(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	targetTables := tables
	if len(targetTables) == 0 {
		targetTables = p.tables
	}
	for _, table := range targetTables {
		if err := p.snapshotTable(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

func (p *Source) snapshotTable(ctx context.Context, table string) error {
	quoted, err := sqlutil.QuoteIdent("postgres", table)
	if err != nil {
		return err
	}

	p.mu.Lock()
	rows, err := p.conn.Query(ctx, fmt.Sprintf("SELECT * FROM %s", quoted))
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("query table %q: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	schema, name := splitQualified(table)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			if b, ok := values[i].([]byte); ok {
				row[f.Name] = string(b)
			} else {
				row[f.Name] = values[i]
			}
		}

		ev := replication.AcquireEvent()
		ev.SetTag(powersync.SourceInsert)
		ev.SetSourceTable(powersync.SourceTableRef{GroupID: p.groupID, Schema: schema, Name: name})
		ev.SetComplete(true)
		ev.SetAfterRow(row)
		ev.SetReplicaKey(replicaKeyOf(row))

		select {
		case p.evChan <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

func splitQualified(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "public", table
}
