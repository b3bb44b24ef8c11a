// Package wire implements the three outer-facing sync stream encodings
// (spec §6): the default big-int-preserving JSON encoding, the
// raw_data=true standard-JSON encoding, and the binary_data=true BSON
// encoding. op_id is always treated as an opaque 64-bit integer; the JSON
// encodings carry it as a decimal string (spec §9), while the BSON
// encoding keeps it numeric.
package wire

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/powersync"
)

// Flavor selects the payload encoding a client requested (spec §6
// "Three wire payload encodings, selected per request").
type Flavor int

const (
	// FlavorDefault stringifies op_id/checksum as big-int-preserving JSON
	// and keeps each op's data field as embedded JSON literally.
	FlavorDefault Flavor = iota
	// FlavorRaw stringifies with standard JSON; data is an
	// already-quoted JSON string.
	FlavorRaw
	// FlavorBinary emits BSON; checksum and op_id stay numeric.
	FlavorBinary
)

// FlavorFromRequest maps the client's raw_data/binary_data request flags
// to a Flavor (spec §6 client request fields).
func FlavorFromRequest(rawData, binaryData bool) Flavor {
	switch {
	case binaryData:
		return FlavorBinary
	case rawData:
		return FlavorRaw
	default:
		return FlavorDefault
	}
}

// BucketChecksumWire is one bucket entry of a checkpoint frame.
type BucketChecksumWire struct {
	Bucket   string `json:"bucket" bson:"bucket"`
	Checksum int32  `json:"checksum" bson:"checksum"`
	Count    int64  `json:"count" bson:"count"`
	Priority int    `json:"priority" bson:"priority"`
}

// CheckpointFrame encodes a full checkpoint line (spec §6 `checkpoint`).
func CheckpointFrame(lastOpID powersync.OpID, writeCheckpoint *powersync.OpID, buckets []BucketChecksumWire) ([]byte, error) {
	return encodeFrame(flavorEnvelope{
		Type:            "checkpoint",
		LastOpID:        opIDString(lastOpID),
		WriteCheckpoint: opIDPtrString(writeCheckpoint),
		Buckets:         buckets,
	}, FlavorDefault)
}

// CheckpointDiffFrame encodes a checkpoint_diff line (spec §6 `checkpoint_diff`).
func CheckpointDiffFrame(lastOpID powersync.OpID, writeCheckpoint *powersync.OpID, updated []BucketChecksumWire, removed []string) ([]byte, error) {
	return encodeFrame(flavorEnvelope{
		Type:            "checkpoint_diff",
		LastOpID:        opIDString(lastOpID),
		WriteCheckpoint: opIDPtrString(writeCheckpoint),
		UpdatedBuckets:  updated,
		RemovedBuckets:  removed,
	}, FlavorDefault)
}

// CheckpointCompleteFrame encodes a checkpoint_complete line.
func CheckpointCompleteFrame(lastOpID powersync.OpID) ([]byte, error) {
	return encodeFrame(flavorEnvelope{Type: "checkpoint_complete", LastOpID: opIDString(lastOpID)}, FlavorDefault)
}

// PartialCheckpointCompleteFrame encodes a partial_checkpoint_complete line.
func PartialCheckpointCompleteFrame(lastOpID powersync.OpID, priority powersync.Priority) ([]byte, error) {
	p := int(priority)
	return encodeFrame(flavorEnvelope{Type: "partial_checkpoint_complete", LastOpID: opIDString(lastOpID), Priority: &p}, FlavorDefault)
}

type flavorEnvelope struct {
	Type            string               `json:"type"`
	LastOpID        string               `json:"last_op_id"`
	WriteCheckpoint *string              `json:"write_checkpoint,omitempty"`
	Buckets         []BucketChecksumWire `json:"buckets,omitempty"`
	UpdatedBuckets  []BucketChecksumWire `json:"updated_buckets,omitempty"`
	RemovedBuckets  []string             `json:"removed_buckets,omitempty"`
	Priority        *int                 `json:"priority,omitempty"`
}

func encodeFrame(v flavorEnvelope, _ Flavor) ([]byte, error) {
	return jsonMarshal(v)
}

// DataOp is one bucket_data entry (spec §6 StreamingSyncData `data[]`).
type DataOp struct {
	OpID       powersync.OpID
	Op         powersync.Op
	ObjectType string
	ObjectID   string
	Checksum   int32
	Subkey     string
	Data       []byte // nil for REMOVE/CLEAR/MOVE
}

// DataFrame encodes one StreamingSyncData frame for flavor (spec §6 Data
// frame). For FlavorDefault, each op's Data is embedded as literal JSON
// (not re-escaped into a string) via sjson's raw-value set, preserving
// big integers the client's JSON parser would otherwise round through
// float64.
func DataFrame(flavor Flavor, bucket string, after, nextAfter powersync.OpID, hasMore bool, ops []DataOp) ([]byte, error) {
	switch flavor {
	case FlavorBinary:
		return bsonDataFrame(bucket, after, nextAfter, hasMore, ops)
	case FlavorRaw:
		return rawDataFrame(bucket, after, nextAfter, hasMore, ops)
	default:
		return defaultDataFrame(bucket, after, nextAfter, hasMore, ops)
	}
}

func defaultDataFrame(bucket string, after, nextAfter powersync.OpID, hasMore bool, ops []DataOp) ([]byte, error) {
	doc := `{"data":{}}`
	var err error
	doc, err = sjson.Set(doc, "data.bucket", bucket)
	if err != nil {
		return nil, err
	}
	doc, _ = sjson.SetRaw(doc, "data.after", quoteDecimal(opIDString(after)))
	doc, _ = sjson.SetRaw(doc, "data.next_after", quoteDecimal(opIDString(nextAfter)))
	doc, _ = sjson.Set(doc, "data.has_more", hasMore)
	doc, err = sjson.SetRaw(doc, "data.data", "[]")
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		path := entryPath(i)
		doc, _ = sjson.SetRaw(doc, path+".op_id", quoteDecimal(opIDString(op.OpID)))
		doc, _ = sjson.Set(doc, path+".op", string(op.Op))
		doc, _ = sjson.Set(doc, path+".checksum", op.Checksum)
		if op.ObjectType != "" {
			doc, _ = sjson.Set(doc, path+".object_type", op.ObjectType)
		}
		if op.ObjectID != "" {
			doc, _ = sjson.Set(doc, path+".object_id", op.ObjectID)
		}
		if op.Subkey != "" {
			doc, _ = sjson.Set(doc, path+".subkey", op.Subkey)
		}
		if len(op.Data) > 0 && gjson.ValidBytes(op.Data) {
			doc, err = sjson.SetRaw(doc, path+".data", string(op.Data))
		} else {
			doc, err = sjson.Set(doc, path+".data", nil)
		}
		if err != nil {
			return nil, err
		}
	}
	return []byte(doc), nil
}

func entryPath(i int) string {
	return "data.data." + itoa(i)
}

func rawDataFrame(bucket string, after, nextAfter powersync.OpID, hasMore bool, ops []DataOp) ([]byte, error) {
	type rawEntry struct {
		OpID       string  `json:"op_id"`
		Op         string  `json:"op"`
		ObjectType string  `json:"object_type,omitempty"`
		ObjectID   string  `json:"object_id,omitempty"`
		Checksum   int32   `json:"checksum"`
		Subkey     string  `json:"subkey,omitempty"`
		Data       *string `json:"data"`
	}
	entries := make([]rawEntry, len(ops))
	for i, op := range ops {
		var dataStr *string
		if len(op.Data) > 0 {
			s := string(op.Data)
			dataStr = &s
		}
		entries[i] = rawEntry{
			OpID: opIDString(op.OpID), Op: string(op.Op), ObjectType: op.ObjectType,
			ObjectID: op.ObjectID, Checksum: op.Checksum, Subkey: op.Subkey, Data: dataStr,
		}
	}
	return jsonMarshal(struct {
		Data struct {
			Bucket    string     `json:"bucket"`
			After     string     `json:"after"`
			NextAfter string     `json:"next_after"`
			HasMore   bool       `json:"has_more"`
			Data      []rawEntry `json:"data"`
		} `json:"data"`
	}{Data: struct {
		Bucket    string     `json:"bucket"`
		After     string     `json:"after"`
		NextAfter string     `json:"next_after"`
		HasMore   bool       `json:"has_more"`
		Data      []rawEntry `json:"data"`
	}{bucket, opIDString(after), opIDString(nextAfter), hasMore, entries}})
}

func bsonDataFrame(bucket string, after, nextAfter powersync.OpID, hasMore bool, ops []DataOp) ([]byte, error) {
	type bsonEntry struct {
		OpID       int64  `bson:"op_id"`
		Op         string `bson:"op"`
		ObjectType string `bson:"object_type,omitempty"`
		ObjectID   string `bson:"object_id,omitempty"`
		Checksum   int32  `bson:"checksum"`
		Subkey     string `bson:"subkey,omitempty"`
		Data       []byte `bson:"data,omitempty"`
	}
	entries := make([]bsonEntry, len(ops))
	for i, op := range ops {
		entries[i] = bsonEntry{
			OpID: int64(op.OpID), Op: string(op.Op), ObjectType: op.ObjectType,
			ObjectID: op.ObjectID, Checksum: op.Checksum, Subkey: op.Subkey, Data: op.Data,
		}
	}
	return bson.Marshal(struct {
		Data struct {
			Bucket    string      `bson:"bucket"`
			After     int64       `bson:"after"`
			NextAfter int64       `bson:"next_after"`
			HasMore   bool        `bson:"has_more"`
			Data      []bsonEntry `bson:"data"`
		} `bson:"data"`
	}{Data: struct {
		Bucket    string      `bson:"bucket"`
		After     int64       `bson:"after"`
		NextAfter int64       `bson:"next_after"`
		HasMore   bool        `bson:"has_more"`
		Data      []bsonEntry `bson:"data"`
	}{bucket, int64(after), int64(nextAfter), hasMore, entries}})
}

// FlushHint is the explicit "release buffers" sentinel emitted after a
// frame ≥ LargeFrameBytes (spec §4.7, §9: "never conflate with
// termination"). It is its own frame type, distinct from any data frame
// or the end of the stream.
type FlushHint struct{}

// FlushHintFrame encodes the null sentinel frame.
func FlushHintFrame() []byte { return []byte("null") }

// ToBucketChecksumWire adapts a storage checksum sum into wire form.
func ToBucketChecksumWire(bucket string, sum storage.ChecksumSum, priority powersync.Priority) BucketChecksumWire {
	return BucketChecksumWire{Bucket: bucket, Checksum: sum.Checksum, Count: sum.Count, Priority: int(priority)}
}

func opIDString(id powersync.OpID) string { return itoaU(uint64(id)) }

func opIDPtrString(id *powersync.OpID) *string {
	if id == nil {
		return nil
	}
	s := opIDString(*id)
	return &s
}

func quoteDecimal(s string) string { return `"` + s + `"` }

func itoa(i int) string { return itoaU(uint64(i)) }

func itoaU(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}
