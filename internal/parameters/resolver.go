package parameters

import (
	"context"
	"encoding/json"

	"github.com/powersync/sync-service/internal/connstate"
	"github.com/powersync/sync-service/internal/perr"
	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/internal/syncrules"
)

// BucketRef is an alias of connstate.BucketRef: the resolver builds the
// bucket list connstate.Resolver hands back to Per-Connection Checkpoint
// State.
type BucketRef = connstate.BucketRef

// Resolver implements the Bucket Parameter Resolver (spec §4.5,
// Component E): turns a JWT-derived parameter context into the client's
// current bucket list, split into an exact static diff and a
// coarse-grained dynamic re-evaluation.
type Resolver struct {
	rules      *syncrules.Rules
	claims     map[string]any
	store      storage.SyncDataStore
	maxResults int

	lastDynamic map[string]BucketRef // last-resolved dynamic bucket set
	resolved    bool                 // whether lastDynamic has been populated at least once
	lookups     map[string]struct{}  // parameter-query lookup names this client's dynamic queries depend on
}

// New constructs a Resolver for one connection's verified claims. The
// touched-buckets/invalidate signal that used to be pulled from
// connection-scoped function hooks now arrives per call, on the
// storage.CheckpointUpdate Buckets is given (spec §4.5).
func New(rules *syncrules.Rules, claims map[string]any, store storage.SyncDataStore, maxResults int) *Resolver {
	lookups := make(map[string]struct{}, len(rules.DynamicBucketQueries))
	for _, q := range rules.DynamicBucketQueries {
		lookups[q.Lookup] = struct{}{}
	}
	return &Resolver{
		rules: rules, claims: claims, store: store, maxResults: maxResults,
		lookups: lookups,
	}
}

// staticBuckets returns every statically-defined bucket, resolving any
// claims-only templates against this connection's JWT claims.
func (r *Resolver) staticBuckets() []BucketRef {
	out := make([]BucketRef, 0, len(r.rules.StaticBuckets))
	ctx := Context{Claims: r.claims}
	for _, b := range r.rules.StaticBuckets {
		out = append(out, BucketRef{Name: ResolveTemplate(b.Name, ctx), Priority: b.Priority})
	}
	return out
}

// resolveDynamic re-runs queryDynamicBucketDescriptions against the
// client's parameter-table rows (spec §4.5). Each dynamic bucket query
// reads ParameterRows for its Lookup and derives a bucket name per
// matching row.
func (r *Resolver) resolveDynamic(ctx context.Context) (map[string]BucketRef, error) {
	out := make(map[string]BucketRef)
	total := 0
	for _, q := range r.rules.DynamicBucketQueries {
		rows, err := r.store.ListParameterRows(ctx, r.rules.GroupID, q.Lookup, r.maxResults+1)
		if err != nil {
			return nil, err
		}
		total += len(rows)
		if total > r.maxResults {
			return nil, perr.New(perr.CodeTooManyParamResults, "dynamic bucket query exceeded max_parameter_query_results")
		}
		for _, row := range rows {
			pctx := Context{Claims: r.claims, Row: decodeBucketParameters(row.BucketParameters)}
			name := q.BucketOf(pctx)
			out[name] = BucketRef{Name: name, Priority: q.Priority}
		}
	}
	return out, nil
}

func decodeBucketParameters(raw []byte) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal(raw, &m)
	return m
}

// Buckets implements internal/connstate.Resolver (spec §4.5): the
// client's current bucket list, plus which buckets changed since the
// last call or an invalidateAll signal when the dynamic set itself may
// have changed. update carries the replication batch writer's
// touched-buckets/invalidateParameterBuckets signal for this checkpoint.
func (r *Resolver) Buckets(ctx context.Context, update storage.CheckpointUpdate) (buckets []BucketRef, updated []string, invalidateAll bool, err error) {
	static := r.staticBuckets()

	needsDynamicRefresh := update.InvalidateParameterBuckets
	if !needsDynamicRefresh {
		for _, b := range update.TouchedBuckets {
			if _, isDynamicLookup := r.dynamicTouchedBy(b); isDynamicLookup {
				needsDynamicRefresh = true
				break
			}
		}
	}

	dynamic := r.lastDynamic
	if needsDynamicRefresh || !r.resolved {
		dynamic, err = r.resolveDynamic(ctx)
		if err != nil {
			return nil, nil, false, err
		}
		invalidateAll = true
		r.lastDynamic = dynamic
		r.resolved = true
	}

	buckets = make([]BucketRef, 0, len(static)+len(dynamic))
	buckets = append(buckets, static...)
	for _, b := range dynamic {
		buckets = append(buckets, b)
	}

	if !invalidateAll && len(update.TouchedBuckets) > 0 {
		staticNames := make(map[string]struct{}, len(static))
		for _, b := range static {
			staticNames[b.Name] = struct{}{}
		}
		for _, b := range update.TouchedBuckets {
			if _, isStatic := staticNames[b]; isStatic {
				updated = append(updated, b)
			}
		}
	}
	return buckets, updated, invalidateAll, nil
}

// dynamicTouchedBy reports whether bucket name corresponds to one of
// this resolver's dynamic lookups (a coarse name-prefix match is
// sufficient: the resolver only needs to know whether a full
// re-evaluation is warranted, not which specific bucket changed).
func (r *Resolver) dynamicTouchedBy(bucket string) (string, bool) {
	for lookup := range r.lookups {
		if len(bucket) >= len(lookup) && bucket[:len(lookup)] == lookup {
			return lookup, true
		}
	}
	return "", false
}
