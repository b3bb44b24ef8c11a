// Package replication turns source-database change streams into
// powersync.ReplicationEvent values for the batch writer (spec §4.1).
// Adapters for each source database live under internal/replication/source.
package replication

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/powersync/sync-service/powersync"
)

// sanitizeValue converts special types (UUIDs, byte-array UUIDs) to
// JSON-friendly values before a row is serialized into an event's
// before/after image.
func sanitizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string, int, int32, int64, float32, float64, bool, uint32, uint64:
		return v
	case uuid.UUID:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
		v = rv.Interface()
		switch val := v.(type) {
		case string, int, int32, int64, float32, float64, bool, uint32, uint64:
			return v
		case uuid.UUID:
			return val.String()
		}
	}

	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == 16 && rv.Type().Elem().Kind() == reflect.Uint8 {
		var b [16]byte
		if rv.Kind() == reflect.Slice {
			copy(b[:], rv.Bytes())
		} else {
			for i := 0; i < 16; i++ {
				b[i] = uint8(rv.Index(i).Uint())
			}
		}
		if u, err := uuid.FromBytes(b[:]); err == nil {
			return u.String()
		}
	}

	return v
}

// SanitizeRow applies sanitizeValue to every value in a decoded row.
func SanitizeRow(row map[string]interface{}) map[string]interface{} {
	for k, v := range row {
		row[k] = sanitizeValue(v)
	}
	return row
}

// Event is the pooled, mutable implementation of powersync.ReplicationEvent
// that source adapters fill in and push onto the batch writer's channel.
// Pooling keeps logical-decoding hot paths allocation-free the way the
// upstream message pool does for its row pipeline.
type Event struct {
	mu            sync.Mutex
	tag           powersync.SourceOp
	table         powersync.SourceTableRef
	before        []byte
	after         []byte
	complete      bool
	replicaKey    string
	oldReplicaKey string
	lsn           powersync.LSN
}

func (e *Event) Tag() powersync.SourceOp              { return e.tag }
func (e *Event) SourceTable() powersync.SourceTableRef { return e.table }
func (e *Event) Before() []byte                        { return e.before }
func (e *Event) After() []byte                         { return e.after }
func (e *Event) Complete() bool                        { return e.complete }
func (e *Event) ReplicaKey() string                    { return e.replicaKey }
func (e *Event) OldReplicaKey() string                 { return e.oldReplicaKey }
func (e *Event) LSN() powersync.LSN                    { return e.lsn }

func (e *Event) SetTag(tag powersync.SourceOp)              { e.tag = tag }
func (e *Event) SetSourceTable(t powersync.SourceTableRef)   { e.table = t }
func (e *Event) SetComplete(c bool)                          { e.complete = c }
func (e *Event) SetReplicaKey(k string)                      { e.replicaKey = k }
func (e *Event) SetOldReplicaKey(k string)                   { e.oldReplicaKey = k }
func (e *Event) SetLSN(lsn powersync.LSN)                    { e.lsn = lsn }

func (e *Event) SetBeforeRow(row map[string]interface{}) {
	b, _ := json.Marshal(SanitizeRow(row))
	e.before = b
}

func (e *Event) SetAfterRow(row map[string]interface{}) {
	b, _ := json.Marshal(SanitizeRow(row))
	e.after = b
}

func (e *Event) SetBeforeBytes(b []byte) { e.before = append(e.before[:0:0], b...) }
func (e *Event) SetAfterBytes(b []byte)  { e.after = append(e.after[:0:0], b...) }

// Reset clears an event so it can be returned to the pool.
func (e *Event) Reset() {
	e.tag = ""
	e.table = powersync.SourceTableRef{}
	e.before = e.before[:0]
	e.after = e.after[:0]
	e.complete = false
	e.replicaKey = ""
	e.oldReplicaKey = ""
	e.lsn = ""
}

var eventPool = sync.Pool{
	New: func() interface{} { return &Event{} },
}

// AcquireEvent gets a zeroed Event from the pool.
func AcquireEvent() *Event {
	return eventPool.Get().(*Event)
}

// ReleaseEvent returns e to the pool after the batch writer has consumed it.
func ReleaseEvent(e *Event) {
	e.Reset()
	eventPool.Put(e)
}
