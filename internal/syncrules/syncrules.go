// Package syncrules specifies the evaluator contract the replication
// batch writer and bucket parameter resolver depend on (spec §1: "the
// sync-rules DSL parser itself is out of scope; we specify only the
// evaluator contract"). Callers construct a Rules value from Go struct
// literals — BucketDefinitions and ParameterQueries — the same way a
// parsed DSL document would be compiled down to this shape; no parser
// lives in this repo.
package syncrules

import (
	"github.com/powersync/sync-service/internal/parameters"
	"github.com/powersync/sync-service/powersync"
)

// BucketOutput is one (bucket, row_id, payload) pair a data query
// produces for a replicated row (spec §3 SyncRules "data queries").
type BucketOutput struct {
	Bucket  string
	RowID   string
	Payload []byte
}

// ParameterLookup is one (lookup, source_table, source_key,
// bucket_parameters) tuple a parameter query produces for a row (spec §3
// ParameterRow).
type ParameterLookup struct {
	Lookup           string
	ID               string
	BucketParameters []byte
}

// DataQuery maps a source row to the buckets it belongs to.
type DataQuery struct {
	Bucket      string // bucket name, or a template resolved per-row (e.g. "by_user/{{ row.user_id }}")
	Priority    powersync.Priority
	Table       powersync.SourceTableRef
	// RowIDOf extracts the client-visible row id (object_id) from the
	// row, defaulting to the replica key if nil.
	RowIDOf func(row map[string]any) string
	// PayloadOf renders the client-visible payload. Required.
	PayloadOf func(row map[string]any) ([]byte, error)
	// Filter decides whether this row is included in Bucket at all.
	Filter func(ctx parameters.Context, row map[string]any) bool
}

// ParameterQuery maps a source row to parameter-lookup rows driving
// dynamic bucket membership (spec §3 ParameterRow, §4.5).
type ParameterQuery struct {
	Lookup string
	Table  powersync.SourceTableRef
	KeyOf  func(row map[string]any) string
	ValOf  func(row map[string]any) ([]byte, error)
}

// BucketDescriptor is a static or dynamic bucket this deployment defines.
type BucketDescriptor struct {
	Name     string
	Priority powersync.Priority
	Static   bool
}

// DynamicBucketQuery resolves the buckets a client with the given
// parameter context sees, beyond its static set (spec §4.5
// queryDynamicBucketDescriptions).
type DynamicBucketQuery struct {
	Lookup       string
	BucketOf     func(lookupRow parameters.Context) string
	Priority     powersync.Priority
}

// Rules is one immutable, versioned sync-rules deployment (spec §3
// SyncRules). ID and State are the lifecycle fields storage tracks;
// the query slices are the compiled evaluator contract.
type Rules struct {
	ID                   int64
	GroupID              string
	State                powersync.SyncRulesState
	StaticBuckets        []BucketDescriptor
	DataQueries          []DataQuery
	ParameterQueries     []ParameterQuery
	DynamicBucketQueries []DynamicBucketQuery
}

// EvaluateDataQueries runs every applicable data query against one row,
// returning the bucket outputs (spec §4.1: "evaluate data queries →
// {bucket, row_id, payload} set").
func (r *Rules) EvaluateDataQueries(claims map[string]any, table powersync.SourceTableRef, row map[string]any, defaultRowID string) ([]BucketOutput, error) {
	ctx := parameters.Context{Claims: claims, Row: row}
	var out []BucketOutput
	for _, q := range r.DataQueries {
		if q.Table.QualifiedName() != table.QualifiedName() {
			continue
		}
		if q.Filter != nil && !q.Filter(ctx, row) {
			continue
		}
		bucket := parameters.ResolveTemplate(q.Bucket, ctx)
		rowID := defaultRowID
		if q.RowIDOf != nil {
			rowID = q.RowIDOf(row)
		}
		payload, err := q.PayloadOf(row)
		if err != nil {
			return nil, err
		}
		out = append(out, BucketOutput{Bucket: bucket, RowID: rowID, Payload: payload})
	}
	return out, nil
}

// EvaluateParameterQueries runs every applicable parameter query against
// one row (spec §4.1: "parameter queries evaluate on the row").
func (r *Rules) EvaluateParameterQueries(table powersync.SourceTableRef, row map[string]any) ([]ParameterLookup, error) {
	var out []ParameterLookup
	for _, q := range r.ParameterQueries {
		if q.Table.QualifiedName() != table.QualifiedName() {
			continue
		}
		val, err := q.ValOf(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ParameterLookup{Lookup: q.Lookup, ID: q.KeyOf(row), BucketParameters: val})
	}
	return out, nil
}

// BucketPriority returns the configured priority for bucket, or the
// lowest priority if unknown.
func (r *Rules) BucketPriority(bucket string) powersync.Priority {
	for _, b := range r.StaticBuckets {
		if b.Name == bucket {
			return b.Priority
		}
	}
	for _, q := range r.DataQueries {
		if q.Bucket == bucket {
			return q.Priority
		}
	}
	return powersync.PriorityLowest
}
