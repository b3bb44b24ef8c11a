// Package api implements the HTTP/WebSocket surface of the sync service:
// the long-lived sync stream endpoint (spec §4.7, §6), the sync rules
// lifecycle admin API (SPEC_FULL.md §C.4), and health/metrics probes.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powersync/sync-service/internal/auth"
	"github.com/powersync/sync-service/internal/checkpoint"
	"github.com/powersync/sync-service/internal/checksum"
	"github.com/powersync/sync-service/internal/config"
	"github.com/powersync/sync-service/internal/resnapshot"
	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/internal/syncrules"
	"github.com/powersync/sync-service/internal/syncstream"
	"github.com/powersync/sync-service/powersync"
)

// Server wires the storage layer, the checkpoint demultiplexer, the
// checksum cache, the auth key store, and the global data-fetch
// semaphore into one HTTP surface. One process holds a single Server for
// all its replication groups; each sync request picks its group from the
// group_id query parameter, defaulting to the first configured group.
type Server struct {
	Store       storage.Storage
	Auth        *auth.Store
	Checkpoints *checkpoint.Demultiplexer
	Checksums   *checksum.Cache
	Sem         *syncstream.Semaphore
	Cfg         config.Config
	Logger      powersync.Logger

	// RulesFor resolves the active sync rules for a group_id; swapped out
	// whole on every deploy rather than mutated in place (spec §4.5).
	RulesFor func(groupID string) (*syncrules.Rules, error)

	// Resnapshot is the resnapshot queue (SPEC_FULL.md §C.2); nil disables
	// the /api/resnapshot endpoint.
	Resnapshot *resnapshot.Queue
}

// NewServer constructs a Server from its already-initialized
// dependencies; callers (cmd/powersync-service) own the wiring of
// storage, replication, and the checksum/checkpoint components.
func NewServer(store storage.Storage, authStore *auth.Store, checkpoints *checkpoint.Demultiplexer, checksums *checksum.Cache, sem *syncstream.Semaphore, cfg config.Config, logger powersync.Logger, rulesFor func(string) (*syncrules.Rules, error)) *Server {
	return &Server{
		Store:       store,
		Auth:        authStore,
		Checkpoints: checkpoints,
		Checksums:   checksums,
		Sem:         sem,
		Cfg:         cfg,
		Logger:      logger,
		RulesFor:    rulesFor,
	}
}

// Routes assembles the full request-routing tree and middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /sync/stream", s.handleSyncStreamHTTP)
	mux.HandleFunc("GET /sync/stream/ws", s.handleSyncStreamWS)
	mux.HandleFunc("POST /sync/stream", s.handleSyncStreamHTTP)

	mux.HandleFunc("POST /api/sync-rules", s.handleDeploySyncRules)
	mux.HandleFunc("GET /api/sync-rules/status", s.handleSyncRulesStatus)
	mux.HandleFunc("GET /api/sync-rules/last-error", s.handleLastFatalError)
	mux.HandleFunc("POST /api/resnapshot", s.handleResnapshot)

	return s.recoverMiddleware(s.requestLogMiddleware(mux))
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.Logger != nil {
			s.Logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		}
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.Logger != nil {
					s.Logger.Error("panic recovered", "path", r.URL.Path, "recover", rec)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
