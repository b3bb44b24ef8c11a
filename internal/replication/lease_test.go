package replication

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestLeaseAcquireSameOwnerAlwaysSucceeds(t *testing.T) {
	store := newMemStore()
	lease := NewLease(store, "g1", "instance-a", time.Minute)

	ok, err := lease.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want true, nil", ok, err)
	}
	ok, err = lease.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("second Acquire() = %v, %v; want true, nil", ok, err)
	}
}

func TestLeaseBlocksOtherOwnerUntilExpiry(t *testing.T) {
	store := newMemStore()
	a := NewLease(store, "g1", "instance-a", 10*time.Millisecond)
	b := NewLease(store, "g1", "instance-b", time.Minute)

	if ok, err := a.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("a.Acquire() = %v, %v", ok, err)
	}

	if ok, err := b.Acquire(context.Background()); err != nil || ok {
		t.Fatalf("b.Acquire() while a holds an unexpired lease = %v, %v; want false, nil", ok, err)
	}

	time.Sleep(20 * time.Millisecond)

	if ok, err := b.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("b.Acquire() after a's lease expired = %v, %v; want true, nil", ok, err)
	}
}

func TestLeaseNilStoreIsPassthrough(t *testing.T) {
	lease := NewLease(nil, "g1", "instance-a", time.Minute)
	ok, err := lease.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("Acquire() with nil store = %v, %v; want true, nil", ok, err)
	}
	if err := lease.Renew(context.Background()); err != nil {
		t.Errorf("Renew() with nil store = %v, want nil", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Errorf("Release() with nil store = %v, want nil", err)
	}
}
