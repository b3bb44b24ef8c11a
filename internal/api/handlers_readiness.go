package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/powersync/sync-service/internal/storage"
)

// handleReadiness probes storage reachability; used by load balancers and
// Kubernetes readiness probes, distinct from the liveness-only /healthz.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ok := true
	checks := make(map[string]any)

	if _, err := s.Store.GetActiveSyncRules(ctx, r.URL.Query().Get("group_id")); err != nil && err != storage.ErrNotFound {
		ok = false
		checks["storage"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		checks["storage"] = map[string]any{"ok": true}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": statusFromBool(ok),
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
		"checks": checks,
	})
}

func statusFromBool(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
