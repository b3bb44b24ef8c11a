// Package statestore provides a small distributed key-value abstraction
// used for cross-instance state that must survive a restart: each
// replication group's liveness lease (internal/replication.Lease). A
// single-instance deployment uses the sqlite backend; multi-instance
// deployments point all instances at the same redis or etcd cluster.
package statestore

import "context"

// Store is a flat namespace of byte-slice values keyed by string. Get
// returns (nil, nil) for a missing key, matching the teacher's state-store
// contract so callers can distinguish "absent" from a transport error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Well-known key names; no package in this repository reads or writes them.
const (
	KeyActiveSyncRulesID = "sync_rules/active_id"
	KeyJWKSCachePrefix    = "auth/jwks/"
)
