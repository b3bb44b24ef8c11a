package api

import (
	"encoding/json"
	"net/http"

	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/powersync"
)

// deploySyncRulesRequest is the body of POST /api/sync-rules (SPEC_FULL.md
// §C.4 "deploy a new sync rules document").
type deploySyncRulesRequest struct {
	GroupID string `json:"group_id"`
}

// handleDeploySyncRules inserts a new sync rules row in PROCESSING state
// (spec §3 SyncRules state machine); the replication side transitions it
// to ACTIVE once its initial snapshot completes (spec §4.1).
func (s *Server) handleDeploySyncRules(w http.ResponseWriter, r *http.Request) {
	var req deploySyncRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	row := storage.SyncRulesRow{State: powersync.SyncRulesProcessing}
	if err := s.Store.PutSyncRules(r.Context(), row); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"state": row.State})
}

// handleSyncRulesStatus reports the active sync rules' lifecycle state
// (SPEC_FULL.md §C.4 "inspect the state machine").
func (s *Server) handleSyncRulesStatus(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	row, err := s.Store.GetActiveSyncRules(r.Context(), groupID)
	if err != nil {
		if err == storage.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":               row.ID,
		"state":            row.State,
		"last_checkpoint":  row.LastCheckpoint,
		"snapshot_done":    row.SnapshotDone,
	})
}

// handleLastFatalError reports the last fatal replication error recorded
// against the active sync rules deployment (SPEC_FULL.md §C.4 "fetch the
// last fatal error").
func (s *Server) handleLastFatalError(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	row, err := s.Store.GetActiveSyncRules(r.Context(), groupID)
	if err != nil {
		if err == storage.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"last_fatal_error": row.LastFatalError})
}

// handleResnapshot drains the resnapshot queue and reports how many items
// it held (SPEC_FULL.md §C.2). The drained items are discarded: nothing
// re-reads those rows from the source.
func (s *Server) handleResnapshot(w http.ResponseWriter, r *http.Request) {
	if s.Resnapshot == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	items := s.Resnapshot.Drain()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requeued": len(items)})
}
