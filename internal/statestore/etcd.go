package statestore

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdStore backs the state store with etcd, suitable when the deployment
// already runs etcd for leader election among replicator instances.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

func NewEtcdStore(endpoints []string, prefix string, timeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: cli, prefix: prefix, timeout: timeout}, nil
}

func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.Put(ctx, s.prefix+key, string(value))
	return err
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.Delete(ctx, s.prefix+key)
	return err
}

func (s *EtcdStore) Close() error { return s.client.Close() }

// NewLeaderElection campaigns for, and blocks until holding, the named
// election; resign releases leadership. Used to ensure exactly one
// replicator instance runs per sync-rules deployment group in a
// multi-instance deployment (spec §4.1 Non-goals: multi-instance HA
// coordination is out of scope for the core pipeline, but the primitive
// is provided for operators who need it).
func NewLeaderElection(ctx context.Context, cli *clientv3.Client, name string) (resign func(context.Context) error, err error) {
	session, err := concurrency.NewSession(cli)
	if err != nil {
		return nil, err
	}
	election := concurrency.NewElection(session, name)
	if err := election.Campaign(ctx, name); err != nil {
		session.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		defer session.Close()
		return election.Resign(ctx)
	}, nil
}
