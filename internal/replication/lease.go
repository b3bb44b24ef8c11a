package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/powersync/sync-service/internal/statestore"
)

// Lease is a best-effort liveness token for one replication group, backed
// by the distributed state store (SPEC_FULL.md "persist the replication
// flush lock's liveness token across restarts in multi-instance
// deployments"). It is not a linearizable mutual-exclusion lock: two
// instances racing to acquire the same key within one TTL window can both
// see it as free, since statestore.Store exposes no compare-and-swap.
// Operators running more than one instance against the same group are
// expected to pin each group to one instance; the lease exists so a
// restarted instance can tell whether its own prior liveness token is
// still fresh, not to arbitrate between strangers.
type Lease struct {
	store   statestore.Store
	key     string
	ownerID string
	ttl     time.Duration
}

type leaseValue struct {
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewLease constructs a lease for groupID using key
// "replication/lease/<group_id>".
func NewLease(store statestore.Store, groupID, ownerID string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{store: store, key: "replication/lease/" + groupID, ownerID: ownerID, ttl: ttl}
}

// Acquire reports whether the caller holds (or can now take over) the
// lease: true if the stored token is absent, expired, or already owned by
// ownerID, in which case it is refreshed with a new expiry.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	if l.store == nil {
		return true, nil
	}
	raw, err := l.store.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	if raw != nil {
		var cur leaseValue
		if err := json.Unmarshal(raw, &cur); err == nil {
			if cur.OwnerID != l.ownerID && time.Now().Before(cur.ExpiresAt) {
				return false, nil
			}
		}
	}
	return true, l.renew(ctx)
}

// Renew extends the lease's expiry; callers hold it on the same ticker
// cadence as Commit/Keepalive so a crashed instance's lease goes stale
// within one TTL window.
func (l *Lease) Renew(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	return l.renew(ctx)
}

func (l *Lease) renew(ctx context.Context) error {
	val := leaseValue{OwnerID: l.ownerID, ExpiresAt: time.Now().Add(l.ttl)}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, l.key, raw)
}

// Release clears the lease so another instance can take over immediately
// instead of waiting out the TTL.
func (l *Lease) Release(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	return l.store.Delete(ctx, l.key)
}
