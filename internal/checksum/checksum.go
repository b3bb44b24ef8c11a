// Package checksum implements the Checksum Cache (spec §4.3, Component
// C): memoizes partial bucket checksums over (start, end] ranges and
// composes them to answer getChecksums(checkpoint, buckets[]), with
// singleflight-deduplicated concurrent fetches and an LRU eviction
// policy keyed by (bucket, op_id).
package checksum

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/powersync"
)

// Entry is one cached (bucket, op_id) checksum result.
type Entry struct {
	Count    int64
	Checksum int32
	IsFull   bool // true if this entry already represents (0, op_id]
}

type cacheKey struct {
	groupID string
	bucket  string
	opID    powersync.OpID
}

// Cache answers getChecksums by composing cached and freshly-fetched
// partial sums. Entries are immutable once inserted (spec §4.3: "entries
// are never mutated after insertion").
type Cache struct {
	store storage.OpLog
	cache *lru.Cache[cacheKey, Entry]
	group singleflight.Group

	// lastFetchMu guards lastFetch, the most recent *serially completed*
	// (end, Entry) per (groupID,bucket) a caller can extend with a
	// partial lookup. Populated only after a fetch fully returns, so a
	// second concurrent caller racing the first never observes it and
	// is forced to take the full-fetch path (spec §4.3: "concurrent
	// callers cannot know A is done, so they each issue a full fetch").
	lastFetchMu sync.Mutex
	lastFetch   map[bucketKey]fetchMark
}

type bucketKey struct {
	groupID string
	bucket  string
}

type fetchMark struct {
	opID  powersync.OpID
	entry Entry
}

// New constructs a Cache of the given LRU capacity (entries, not bytes).
func New(store storage.OpLog, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[cacheKey, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create checksum cache: %w", err)
	}
	return &Cache{
		store:     store,
		cache:     c,
		lastFetch: make(map[bucketKey]fetchMark),
	}, nil
}

// GetChecksums resolves checksums for buckets at checkpoint. Each bucket
// is resolved independently: a singleflight key of
// (groupID,bucket,checkpoint) ensures concurrent callers share one fetch
// (spec §4.3 "at most one in-flight fetch... concurrent callers share the
// same future").
func (c *Cache) GetChecksums(ctx context.Context, groupID string, checkpoint powersync.OpID, buckets []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(buckets))
	for _, bucket := range buckets {
		entry, err := c.getOne(ctx, groupID, bucket, checkpoint)
		if err != nil {
			return nil, err
		}
		out[bucket] = entry
	}
	return out, nil
}

func (c *Cache) getOne(ctx context.Context, groupID, bucket string, checkpoint powersync.OpID) (Entry, error) {
	key := cacheKey{groupID, bucket, checkpoint}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	bk := bucketKey{groupID, bucket}
	sfKey := fmt.Sprintf("%s/%s/%d", groupID, bucket, checkpoint)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}

		c.lastFetchMu.Lock()
		mark, hasMark := c.lastFetch[bk]
		c.lastFetchMu.Unlock()

		var entry Entry
		if hasMark && mark.opID < checkpoint {
			sum, err := c.store.SumChecksum(ctx, groupID, bucket, mark.opID, checkpoint)
			if err != nil {
				return Entry{}, err
			}
			entry = composePartial(mark.entry, sum)
		} else {
			sum, err := c.store.SumChecksum(ctx, groupID, bucket, 0, checkpoint)
			if err != nil {
				return Entry{}, err
			}
			entry = Entry{Count: sum.Count, Checksum: sum.Checksum, IsFull: true}
		}

		c.cache.Add(key, entry)
		c.lastFetchMu.Lock()
		c.lastFetch[bk] = fetchMark{opID: checkpoint, entry: entry}
		c.lastFetchMu.Unlock()
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// composePartial adds a freshly-fetched partial sum onto a full base
// entry (spec §3 invariant 2: checksum(a,c) = checksum(a,b) ⊞
// checksum(b,c), 32-bit wraparound addition; count is additive likewise).
// A hasClear partial invalidates the base per spec §4.3 ("a CLEAR
// invalidates any earlier state").
func composePartial(base Entry, partial storage.ChecksumSum) Entry {
	if partial.HasClear {
		return Entry{Count: partial.Count, Checksum: partial.Checksum, IsFull: true}
	}
	return Entry{
		Count:    base.Count + partial.Count,
		Checksum: int32(uint32(base.Checksum) + uint32(partial.Checksum)),
		IsFull:   base.IsFull,
	}
}

// Invalidate drops every cached entry and serial-reuse mark for bucket in
// groupID, used when a CLEAR/MOVE or a resolver signal (spec §4.5
// invalidateParameterBuckets) means prior partials are no longer
// composable.
func (c *Cache) Invalidate(groupID, bucket string) {
	for _, k := range c.cache.Keys() {
		if k.groupID == groupID && k.bucket == bucket {
			c.cache.Remove(k)
		}
	}
	c.lastFetchMu.Lock()
	delete(c.lastFetch, bucketKey{groupID, bucket})
	c.lastFetchMu.Unlock()
}
