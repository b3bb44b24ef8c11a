package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/powersync/sync-service/internal/auth"
	"github.com/powersync/sync-service/internal/checkpoint"
	"github.com/powersync/sync-service/internal/checksum"
	"github.com/powersync/sync-service/internal/config"
	"github.com/powersync/sync-service/internal/logging"
	"github.com/powersync/sync-service/internal/observability"
	"github.com/powersync/sync-service/internal/oplog"
	"github.com/powersync/sync-service/internal/replication"
	"github.com/powersync/sync-service/internal/replication/source/mongodb"
	"github.com/powersync/sync-service/internal/replication/source/mysql"
	"github.com/powersync/sync-service/internal/replication/source/postgres"
	"github.com/powersync/sync-service/internal/resnapshot"
	"github.com/powersync/sync-service/internal/statestore"
	storagesql "github.com/powersync/sync-service/internal/storage/sql"
	"github.com/powersync/sync-service/internal/syncrules"
	"github.com/powersync/sync-service/internal/syncstream"
	"github.com/powersync/sync-service/powersync"

	"github.com/powersync/sync-service/internal/api"
	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/pkg/crypto"
	"github.com/powersync/sync-service/pkg/secrets"

	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Observability.OTLP.Endpoint != "" {
		shutdown, err := observability.InitOTLP(ctx, cfg.Observability.OTLP)
		if err != nil {
			logger.Warn("failed to initialize otlp", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	crypto.SetMasterKey(cfg.Secrets.MasterKey)
	secretsMgr, err := secrets.NewManager(ctx, secrets.Config{
		Type:    cfg.Secrets.Type,
		Vault:   secrets.VaultConfig(cfg.Secrets.Vault),
		OpenBao: secrets.VaultConfig(cfg.Secrets.Vault),
		Env:     secrets.EnvConfig(cfg.Secrets.Env),
	})
	if err != nil {
		log.Fatalf("failed to construct secrets manager: %v", err)
	}

	cfg.Storage.DSN = resolveSecretValue(ctx, secretsMgr, cfg.Storage.DSN)
	for i := range cfg.Replication {
		cfg.Replication[i].ConnString = resolveSecretValue(ctx, secretsMgr, cfg.Replication[i].ConnString)
	}
	for i := range cfg.Auth.StaticKeys {
		cfg.Auth.StaticKeys[i].Key = resolveSecretValue(ctx, secretsMgr, cfg.Auth.StaticKeys[i].Key)
	}
	cfg.Auth.SupabaseShared = resolveSecretValue(ctx, secretsMgr, cfg.Auth.SupabaseShared)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	rules := syncrules.NewRegistry()
	checksums, err := checksum.New(store, 10_000)
	if err != nil {
		log.Fatalf("failed to construct checksum cache: %v", err)
	}
	checkpoints := checkpoint.New(
		func(ctx context.Context, groupID string) (<-chan storage.CheckpointUpdate, error) {
			return store.WatchCheckpoints(ctx, groupID)
		},
		func(ctx context.Context, groupID string) (storage.CheckpointUpdate, error) {
			row, err := store.GetActiveSyncRules(ctx, groupID)
			if err != nil {
				return storage.CheckpointUpdate{}, err
			}
			return storage.CheckpointUpdate{GroupID: groupID, Checkpoint: row.LastCheckpoint, LSN: row.LastCheckpointLSN}, nil
		},
	)
	authStore, err := buildAuthStore(ctx, cfg.Auth)
	if err != nil {
		log.Fatalf("failed to build auth key store: %v", err)
	}
	sem := syncstream.NewSemaphore(cfg.Sync.MaxActiveConnections)
	queue := resnapshot.New()

	stateStore, err := statestore.New(cfg.StateStore)
	if err != nil {
		log.Fatalf("failed to construct state store: %v", err)
	}
	defer stateStore.Close()

	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = fmt.Sprintf("powersync-service-%d", os.Getpid())
	}

	for _, rc := range cfg.Replication {
		rc := rc
		go runReplication(ctx, rc, store, rules, checksums, queue, stateStore, instanceID, logger)
	}

	server := api.NewServer(store, authStore, checkpoints, checksums, sem, *cfg, logger, func(groupID string) (*syncrules.Rules, error) {
		r := rules.Rules(groupID)
		if r == nil {
			return nil, fmt.Errorf("no active sync rules for group %q", groupID)
		}
		return r, nil
	})
	server.Resnapshot = queue

	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{Addr: addr, Handler: server.Routes()}

	go func() {
		logger.Info("starting sync stream server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// resolveSecretValue resolves a config value that may reference an
// external secret ("secret:<key>", via mgr) or carry an AES-GCM-encrypted
// literal ("enc:<base64>", via pkg/crypto and the configured master key),
// so connection strings never need to sit in plaintext in config or the
// sync-rules document store (SPEC_FULL.md "Secrets & crypto").
func resolveSecretValue(ctx context.Context, mgr secrets.Manager, value string) string {
	if strings.HasPrefix(value, "enc:") {
		plain, err := crypto.Decrypt(strings.TrimPrefix(value, "enc:"))
		if err != nil {
			return value
		}
		return plain
	}
	return secrets.ResolveSecret(ctx, mgr, value)
}

// openStorage opens the durable storage adapter named by cfg.Driver
// (sqlite, postgres, mysql), following the same driver-string dispatch
// the teacher's initStorage helper uses.
func openStorage(cfg config.StorageConfig) (*storagesql.Storage, error) {
	driver := cfg.Driver
	dsn := cfg.DSN
	if driver == "" {
		driver = "sqlite"
	}
	if dsn == "" {
		dsn = "powersync.db"
	}
	st, err := storagesql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	return st, nil
}

// buildAuthStore assembles the Auth Key Store's collectors from config
// (spec §4.8): static keys, JWKS endpoints, and the Supabase shared-secret
// shim.
func buildAuthStore(ctx context.Context, cfg config.AuthConfig) (*auth.Store, error) {
	var collectors []auth.KeyCollector

	if len(cfg.StaticKeys) > 0 {
		keys := make([]auth.Key, 0, len(cfg.StaticKeys))
		for _, k := range cfg.StaticKeys {
			keys = append(keys, auth.Key{Kid: k.Kid, Algorithm: k.Algorithm, Public: []byte(k.Key)})
		}
		collectors = append(collectors, auth.NewStaticCollector(keys))
	}

	for _, j := range cfg.JWKS {
		c, err := auth.NewJWKSCollector(ctx, j.URL, j.IssuerDiscovery, j.RefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("jwks collector %s: %w", j.URL, err)
		}
		collectors = append(collectors, c)
	}

	if cfg.SupabaseShared != "" {
		collectors = append(collectors, auth.NewSupabaseCollector(cfg.SupabaseShared))
	}

	return auth.New(collectors, cfg.Audience, cfg.MaxTokenLife), nil
}

// runReplication keeps a replication source connected for the lifetime of
// the process. A read failure (dropped connection, source restart) ends one
// attempt; reconnects are paced by a token-bucket limiter rather than a
// hand-rolled sleep loop, so a source that is down for a while doesn't get
// hammered with reconnect attempts once it recovers (spec §4.1/§5, "Retries
// use jittered exponential backoff... built on golang.org/x/time/rate for
// pacing").
func runReplication(ctx context.Context, rc config.ReplicationConfig, store *storagesql.Storage, rules *syncrules.Registry, checksums *checksum.Cache, queue *resnapshot.Queue, stateStore statestore.Store, instanceID string, logger powersync.Logger) {
	limiter := rate.NewLimiter(rate.Every(2*time.Second), 3)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		runReplicationOnce(ctx, rc, store, rules, checksums, queue, stateStore, instanceID, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runReplicationOnce drives one replication source end-to-end for a single
// connection attempt: read events, hand them to the batch writer, and flush
// on a fixed interval (spec §4.1 commit/keepalive policy; SPEC_FULL.md §C.3
// "replication source adapters emit periodic keepalive LSNs even with no
// data changes"). It returns when the source connection fails or the
// process is shutting down; runReplication decides whether to reconnect.
func runReplicationOnce(ctx context.Context, rc config.ReplicationConfig, store *storagesql.Storage, rules *syncrules.Registry, checksums *checksum.Cache, queue *resnapshot.Queue, stateStore statestore.Store, instanceID string, logger powersync.Logger) {
	lease := replication.NewLease(stateStore, rc.GroupID, instanceID, 30*time.Second)
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		logger.Warn("failed to acquire replication lease, proceeding without one", "group_id", rc.GroupID, "error", err)
	} else if !acquired {
		logger.Info("replication group already owned by another instance, skipping", "group_id", rc.GroupID)
		return
	}
	defer func() { _ = lease.Release(context.Background()) }()

	source, err := newSource(rc)
	if err != nil {
		logger.Error("failed to construct replication source", "group_id", rc.GroupID, "error", err)
		return
	}
	defer source.Close()

	log := oplog.New(store)

	unavailable := func(ctx context.Context, table powersync.SourceTableRef, replicaKey string) {
		queue.Enqueue(table, replicaKey)
	}
	writer := replication.New(rc.GroupID, store, log, checksums, rules, unavailable, logger, 0)

	flush := time.NewTicker(1 * time.Second)
	defer flush.Stop()

	var lastLSN powersync.LSN
	var lastFlushedLSN powersync.LSN

	events := make(chan powersync.ReplicationEvent, 1000)
	errs := make(chan error, 1)
	go func() {
		for {
			ev, err := source.Read(ctx)
			if err != nil {
				select {
				case errs <- err:
				case <-ctx.Done():
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			logger.Error("replication source read failed", "group_id", rc.GroupID, "error", err)
			return
		case ev := <-events:
			if err := writer.HandleEvent(ctx, ev); err != nil {
				logger.Error("failed to handle replication event", "group_id", rc.GroupID, "error", err)
				return
			}
			lastLSN = ev.LSN()
		case <-flush.C:
			if err := lease.Renew(ctx); err != nil {
				logger.Warn("failed to renew replication lease", "group_id", rc.GroupID, "error", err)
			}
			if lastLSN == "" {
				continue
			}
			if lastLSN != lastFlushedLSN {
				if err := writer.Commit(ctx, lastLSN); err != nil {
					logger.Error("commit failed", "group_id", rc.GroupID, "error", err)
					continue
				}
				lastFlushedLSN = lastLSN
				store.NotifyCheckpoint(rc.GroupID, storage.CheckpointUpdate{
					GroupID:                    rc.GroupID,
					Checkpoint:                 writer.LastCheckpoint(),
					LSN:                        lastLSN,
					TouchedBuckets:             writer.TouchedBuckets(),
					InvalidateParameterBuckets: len(writer.TouchedLookups()) > 0,
				})
			} else {
				if err := writer.Keepalive(ctx, lastLSN); err != nil {
					logger.Error("keepalive failed", "group_id", rc.GroupID, "error", err)
				}
			}
			if err := source.Ack(ctx, lastLSN); err != nil {
				logger.Warn("source ack failed", "group_id", rc.GroupID, "error", err)
			}
		}
	}
}

func newSource(rc config.ReplicationConfig) (powersync.ReplicationSource, error) {
	switch rc.Type {
	case "postgres":
		return postgres.New(rc.GroupID, rc.ConnString, rc.SlotName, rc.PublicationName, rc.Tables), nil
	case "mysql", "mariadb":
		return mysql.New(rc.GroupID, rc.ConnString), nil
	case "mongodb":
		return mongodb.New(rc.GroupID, rc.ConnString, rc.Database, rc.Collection), nil
	default:
		return nil, fmt.Errorf("unsupported replication source type: %q", rc.Type)
	}
}
