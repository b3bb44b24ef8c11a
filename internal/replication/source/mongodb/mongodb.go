// Package mongodb implements powersync.ReplicationSource over MongoDB
// change streams (spec §4.1, §C); requires a replica set or sharded
// cluster deployment, which is checked in IsReady.
package mongodb

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/powersync/sync-service/internal/perr"
	"github.com/powersync/sync-service/internal/replication"
	"github.com/powersync/sync-service/powersync"
)

// Source implements powersync.ReplicationSource for one MongoDB
// connection group, consuming a cluster-wide or database-scoped change
// stream.
type Source struct {
	groupID    string
	uri        string
	database   string
	collection string

	client *mongo.Client
	stream *mongo.ChangeStream

	mu              sync.Mutex
	lastResumeToken bson.Raw
	evChan          chan powersync.ReplicationEvent
}

func New(groupID, uri, database, collection string) *Source {
	return &Source{
		groupID:    groupID,
		uri:        uri,
		database:   database,
		collection: collection,
		evChan:     make(chan powersync.ReplicationEvent, 1000),
	}
}

func (m *Source) connect(ctx context.Context) (*mongo.Client, error) {
	m.mu.Lock()
	if m.client != nil {
		client := m.client
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	client, err := mongo.Connect(options.Client().ApplyURI(m.uri))
	if err != nil {
		return nil, perr.Wrap(perr.CodeConnectionFailed, "connect to mongodb", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, perr.Wrap(perr.CodeConnectionFailed, "ping mongodb", err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return client, nil
}

func (m *Source) init(ctx context.Context) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil && m.stream.ID() != 0 {
		return nil
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(m.lastResumeToken) > 0 {
		opts.SetResumeAfter(m.lastResumeToken)
	}

	var stream *mongo.ChangeStream
	switch {
	case m.collection != "":
		stream, err = client.Database(m.database).Collection(m.collection).Watch(ctx, mongo.Pipeline{}, opts)
	case m.database != "":
		stream, err = client.Database(m.database).Watch(ctx, mongo.Pipeline{}, opts)
	default:
		stream, err = client.Watch(ctx, mongo.Pipeline{}, opts)
	}
	if err != nil {
		return perr.Wrap(perr.CodeReplicationFailed, "start change stream", err)
	}

	if m.stream != nil {
		m.stream.Close(ctx)
	}
	m.stream = stream
	return nil
}

func (m *Source) Read(ctx context.Context) (powersync.ReplicationEvent, error) {
	for {
		select {
		case ev := <-m.evChan:
			return ev, nil
		default:
		}

		m.mu.Lock()
		stream := m.stream
		m.mu.Unlock()
		if stream == nil {
			if err := m.init(ctx); err != nil {
				return nil, err
			}
			m.mu.Lock()
			stream = m.stream
			m.mu.Unlock()
		}

		if stream.Next(ctx) {
			ev, skip, err := m.decodeChange(stream)
			if err != nil {
				return nil, err
			}
			if skip {
				continue
			}
			return ev, nil
		}

		if err := stream.Err(); err != nil {
			m.mu.Lock()
			m.stream = nil
			m.mu.Unlock()
			return nil, fmt.Errorf("change stream error: %w", err)
		}

		m.mu.Lock()
		m.stream = nil
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

func (m *Source) decodeChange(stream *mongo.ChangeStream) (powersync.ReplicationEvent, bool, error) {
	var event bson.M
	if err := stream.Decode(&event); err != nil {
		return nil, false, fmt.Errorf("decode change stream event: %w", err)
	}

	token := stream.ResumeToken()
	m.mu.Lock()
	m.lastResumeToken = token
	m.mu.Unlock()

	opType, _ := event["operationType"].(string)
	var tag powersync.SourceOp
	switch opType {
	case "insert":
		tag = powersync.SourceInsert
	case "update", "replace":
		tag = powersync.SourceUpdate
	case "delete":
		tag = powersync.SourceDelete
	case "invalidate":
		m.mu.Lock()
		m.stream = nil
		m.mu.Unlock()
		return nil, true, nil
	default:
		return nil, true, nil
	}

	ev := replication.AcquireEvent()
	ev.SetTag(tag)
	ev.SetSourceTable(powersync.SourceTableRef{GroupID: m.groupID, Schema: m.database, Name: collectionOf(event, m.collection)})
	ev.SetLSN(powersync.LSN(hex.EncodeToString(token)))

	replicaKey := ""
	if documentKey, ok := event["documentKey"].(bson.M); ok {
		if id, ok := documentKey["_id"]; ok {
			replicaKey = fmt.Sprintf("%v", id)
		}
	}

	if fullDocument, ok := event["fullDocument"]; ok && fullDocument != nil {
		b, _ := bson.MarshalExtJSON(fullDocument, true, true)
		ev.SetAfterBytes(b)
		ev.SetComplete(true)
	} else {
		// update without post-image resolution configured: mark incomplete
		// so the batch writer merges unchanged fields from CurrentData.
		ev.SetComplete(tag != powersync.SourceUpdate)
	}
	if fullDocumentBefore, ok := event["fullDocumentBeforeChange"]; ok && fullDocumentBefore != nil {
		b, _ := bson.MarshalExtJSON(fullDocumentBefore, true, true)
		ev.SetBeforeBytes(b)
	}

	ev.SetReplicaKey(replicaKey)
	if tag == powersync.SourceDelete || tag == powersync.SourceUpdate {
		ev.SetOldReplicaKey(replicaKey)
	}

	return ev, false, nil
}

func collectionOf(event bson.M, fallback string) string {
	if ns, ok := event["ns"].(bson.M); ok {
		if coll, ok := ns["coll"].(string); ok {
			return coll
		}
	}
	return fallback
}

// Ack records the resume token so a reconnect after Close resumes the
// change stream from the same point rather than re-delivering events.
func (m *Source) Ack(ctx context.Context, lsn powersync.LSN) error {
	if lsn == "" {
		return nil
	}
	token, err := hex.DecodeString(string(lsn))
	if err != nil {
		return nil
	}
	m.mu.Lock()
	m.lastResumeToken = bson.Raw(token)
	m.mu.Unlock()
	return nil
}

func (m *Source) Ping(ctx context.Context) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx, nil)
}

// IsReady requires a replica set or sharded cluster, since standalone
// MongoDB deployments cannot open change streams.
func (m *Source) IsReady(ctx context.Context) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}

	var isMaster bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&isMaster); err != nil {
		return fmt.Errorf("run isMaster: %w", err)
	}

	_, hasSetName := isMaster["setName"]
	msg, hasMsg := isMaster["msg"]
	isSharded := hasMsg && msg == "isdbgrid"
	if !hasSetName && !isSharded {
		return perr.New(perr.CodeInvalidConfig, "mongodb change streams require a replica set or sharded cluster")
	}
	return nil
}

func (m *Source) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		m.stream.Close(context.Background())
		m.stream = nil
	}
	m.client = nil
	return nil
}

// Snapshot performs a full-collection read, emitting each document as a
// SourceInsert event. No caller in this repository invokes it; an
// invalidate event only drops the change stream so the next Read reopens it.
func (m *Source) Snapshot(ctx context.Context, collections ...string) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	for _, coll := range collections {
		if err := m.snapshotCollection(ctx, client, coll); err != nil {
			return err
		}
	}
	return nil
}

func (m *Source) snapshotCollection(ctx context.Context, client *mongo.Client, collection string) error {
	cursor, err := client.Database(m.database).Collection(collection).Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("find documents in %q: %w", collection, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}

		ev := replication.AcquireEvent()
		ev.SetTag(powersync.SourceInsert)
		ev.SetSourceTable(powersync.SourceTableRef{GroupID: m.groupID, Schema: m.database, Name: collection})
		ev.SetComplete(true)

		replicaKey := ""
		if id, ok := doc["_id"]; ok {
			replicaKey = fmt.Sprintf("%v", id)
		} else {
			replicaKey = fmt.Sprintf("snapshot-%s-%d", collection, time.Now().UnixNano())
		}
		ev.SetReplicaKey(replicaKey)

		afterBytes, _ := bson.MarshalExtJSON(doc, true, true)
		ev.SetAfterBytes(afterBytes)

		select {
		case m.evChan <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return cursor.Err()
}
