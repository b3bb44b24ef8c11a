// Package connstate implements Per-Connection Checkpoint State (spec
// §4.6, Component F): the per-client bookkeeping that turns a raw storage
// checkpoint update into the checkpoint/checkpoint_diff line and the set
// of buckets to fetch next.
package connstate

import (
	"context"
	"sort"

	"github.com/powersync/sync-service/internal/checksum"
	"github.com/powersync/sync-service/internal/perr"
	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/powersync"
)

// Resolver is the surface Component E (bucket parameter resolver)
// exposes to connection state: the current bucket list for this
// connection's parameters, plus which of them changed since the last
// call (spec §4.5).
type Resolver interface {
	// Buckets returns every bucket this connection currently sees, and
	// either the subset updated since the last call or invalidateAll=true
	// if the dynamic set itself may have changed. update carries the
	// checkpoint this call is resolving against, plus the replication
	// batch writer's touched-buckets/invalidate signal for that
	// checkpoint (spec §4.5).
	Buckets(ctx context.Context, update storage.CheckpointUpdate) (buckets []BucketRef, updated []string, invalidateAll bool, err error)
}

// BucketRef names one bucket and its configured priority.
type BucketRef struct {
	Name     string
	Priority powersync.Priority
}

// BucketChecksumEntry is one line of a checkpoint/checkpoint_diff frame.
type BucketChecksumEntry struct {
	Bucket   string
	Checksum int32
	Count    int64
	Priority powersync.Priority
}

// Line is the checkpoint line buildNextCheckpointLine produces: either a
// full checkpoint or a checkpoint_diff (spec §6 checkpoint frames).
type Line struct {
	LastOpID        powersync.OpID
	WriteCheckpoint *powersync.OpID
	IsFull          bool
	Buckets         []BucketChecksumEntry // full line
	UpdatedBuckets  []BucketChecksumEntry // diff line
	RemovedBuckets  []string              // diff line
}

// State holds one connection's checkpoint bookkeeping (spec §4.6:
// lastChecksums, previous write checkpoint, bucketDataPositions,
// pendingBucketDownloads).
type State struct {
	resolver  Resolver
	checksums *checksum.Cache
	groupID   string

	maxBuckets int

	lastChecksums       map[string]BucketChecksumEntry
	lastWriteCheckpoint *powersync.OpID
	positions           map[string]powersync.OpID // bucketDataPositions
	pending             map[string]struct{}       // pendingBucketDownloads
	haveSentFirst       bool
}

// New constructs connection state seeded from the client's reported
// initial bucket positions.
func New(groupID string, resolver Resolver, cache *checksum.Cache, maxBuckets int, initial []BucketRef, initialPositions map[string]powersync.OpID) *State {
	positions := make(map[string]powersync.OpID, len(initial))
	for _, b := range initial {
		if p, ok := initialPositions[b.Name]; ok {
			positions[b.Name] = p
		}
	}
	return &State{
		resolver:      resolver,
		checksums:     cache,
		groupID:       groupID,
		maxBuckets:    maxBuckets,
		lastChecksums: make(map[string]BucketChecksumEntry),
		positions:     positions,
		pending:       make(map[string]struct{}),
	}
}

// BuildNextCheckpointLine implements spec §4.6's five-step algorithm. A
// nil Line with no error means "no line": nothing changed since the last
// call.
func (s *State) BuildNextCheckpointLine(ctx context.Context, update storage.CheckpointUpdate, writeCheckpoint *powersync.OpID) (*Line, []string, error) {
	// Step 1: ask the resolver for the current bucket set.
	buckets, updated, invalidateAll, err := s.resolver.Buckets(ctx, update)
	if err != nil {
		return nil, nil, err
	}

	// Step 2: nothing changed since the last line.
	if !invalidateAll && len(updated) == 0 && s.haveSentFirst && sameWriteCheckpoint(s.lastWriteCheckpoint, writeCheckpoint) {
		return nil, nil, nil
	}

	changedSet := make(map[string]struct{}, len(updated))
	if invalidateAll {
		for _, b := range buckets {
			changedSet[b.Name] = struct{}{}
		}
	} else {
		for _, b := range updated {
			changedSet[b] = struct{}{}
		}
	}

	// Step 3: compute the checksum map, reusing cached entries for
	// unchanged buckets and fetching only changed ones via C.
	bucketNames := make([]string, 0, len(buckets))
	priorities := make(map[string]powersync.Priority, len(buckets))
	for _, b := range buckets {
		bucketNames = append(bucketNames, b.Name)
		priorities[b.Name] = b.Priority
	}
	if len(bucketNames) > s.maxBuckets {
		return nil, nil, perr.New(perr.CodeTooManyBuckets, "connection bucket set exceeds max_buckets_per_connection")
	}

	toFetch := make([]string, 0, len(changedSet))
	for name := range changedSet {
		toFetch = append(toFetch, name)
	}
	fetched, err := s.checksums.GetChecksums(ctx, s.groupID, update.Checkpoint, toFetch)
	if err != nil {
		return nil, nil, err
	}

	current := make(map[string]BucketChecksumEntry, len(buckets))
	for _, name := range bucketNames {
		if entry, ok := fetched[name]; ok {
			current[name] = BucketChecksumEntry{Bucket: name, Checksum: entry.Checksum, Count: entry.Count, Priority: priorities[name]}
			continue
		}
		if prev, ok := s.lastChecksums[name]; ok {
			current[name] = prev
		}
	}

	// Step 4: compare with lastChecksums, emit full or diff.
	line := &Line{LastOpID: update.Checkpoint, WriteCheckpoint: writeCheckpoint}
	if !s.haveSentFirst {
		line.IsFull = true
		for _, name := range bucketNames {
			line.Buckets = append(line.Buckets, current[name])
		}
		sort.Slice(line.Buckets, func(i, j int) bool { return line.Buckets[i].Bucket < line.Buckets[j].Bucket })
	} else {
		for _, name := range bucketNames {
			prev, existed := s.lastChecksums[name]
			if !existed || prev != current[name] {
				line.UpdatedBuckets = append(line.UpdatedBuckets, current[name])
			}
		}
		for name := range s.lastChecksums {
			if _, still := current[name]; !still {
				line.RemovedBuckets = append(line.RemovedBuckets, name)
			}
		}
		sort.Slice(line.UpdatedBuckets, func(i, j int) bool { return line.UpdatedBuckets[i].Bucket < line.UpdatedBuckets[j].Bucket })
		sort.Strings(line.RemovedBuckets)
	}

	s.lastChecksums = current
	s.lastWriteCheckpoint = writeCheckpoint
	s.haveSentFirst = true

	// Step 5: bucketsToFetch = union(updated, previously-pending buckets
	// that still exist).
	resultSet := make(map[string]struct{}, len(changedSet)+len(s.pending))
	for name := range changedSet {
		resultSet[name] = struct{}{}
	}
	for name := range s.pending {
		if _, stillExists := priorities[name]; stillExists {
			resultSet[name] = struct{}{}
		}
	}
	result := make([]string, 0, len(resultSet))
	for name := range resultSet {
		result = append(result, name)
	}
	sort.Strings(result)
	return line, result, nil
}

func sameWriteCheckpoint(a, b *powersync.OpID) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// UpdateBucketPosition records a bucket's new read position after a
// getBucketDataBatch chunk was delivered (spec §4.7
// "F.updateBucketPosition(bucket, nextAfter, hasMore)").
func (s *State) UpdateBucketPosition(bucket string, nextAfter powersync.OpID, hasMore bool) {
	s.positions[bucket] = nextAfter
	if hasMore {
		s.pending[bucket] = struct{}{}
	} else {
		delete(s.pending, bucket)
	}
}

// Position returns a bucket's current read position (0 if never synced).
func (s *State) Position(bucket string) powersync.OpID {
	return s.positions[bucket]
}

// PendingBuckets returns the buckets still awaiting full delivery.
func (s *State) PendingBuckets() []string {
	out := make([]string, 0, len(s.pending))
	for b := range s.pending {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
