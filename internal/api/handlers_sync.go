package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/powersync/sync-service/internal/auth"
	"github.com/powersync/sync-service/internal/connstate"
	"github.com/powersync/sync-service/internal/parameters"
	"github.com/powersync/sync-service/internal/perr"
	"github.com/powersync/sync-service/internal/syncstream"
	"github.com/powersync/sync-service/internal/wire"
	"github.com/powersync/sync-service/internal/wire/compress"
)

// serverCompressionSupport is the set of frame compression algorithms
// this server can negotiate (SPEC_FULL.md "optional frame compression").
var serverCompressionSupport = map[compress.Algorithm]bool{
	compress.Gzip:   true,
	compress.Zstd:   true,
	compress.Snappy: true,
	compress.LZ4:    true,
}

// negotiateCompression reads the client's comma-separated preference list
// from the compression query parameter and picks the first one this
// server also supports.
func negotiateCompression(r *http.Request) compress.Algorithm {
	raw := r.URL.Query().Get("compression")
	if raw == "" {
		return compress.None
	}
	var prefs []compress.Algorithm
	for _, p := range strings.Split(raw, ",") {
		prefs = append(prefs, compress.Algorithm(strings.TrimSpace(p)))
	}
	return compress.Negotiate(prefs, serverCompressionSupport)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return os.Getenv("POWERSYNC_ENV") != "production" || r.Header.Get("Origin") == ""
	},
}

// handleSyncStreamHTTP serves the sync stream as HTTP chunked JSON (spec
// §6).
func (s *Server) handleSyncStreamHTTP(w http.ResponseWriter, r *http.Request) {
	claims, req, groupID, authErr := s.authenticateAndParse(r)
	if authErr != nil {
		writeErr(w, authErr)
		return
	}

	algo := negotiateCompression(r)
	w.Header().Set("Content-Type", "application/x-ndjson")
	if algo != compress.None {
		w.Header().Set("X-Powersync-Compression", string(algo))
	}
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sender := newCompressingSender(newHTTPChunkedSender(w), algo)
	session, sessErr := s.buildSession(r, claims, req, groupID, wire.FlavorFromRequest(req.RawData, req.BinaryData), sender)
	if sessErr != nil {
		writeErr(w, sessErr)
		return
	}
	_ = session.Run(r.Context())
}

// handleSyncStreamWS serves the sync stream over a length-prefixed
// WebSocket connection (spec §6).
func (s *Server) handleSyncStreamWS(w http.ResponseWriter, r *http.Request) {
	claims, req, groupID, authErr := s.authenticateAndParseWS(r)
	if authErr != nil {
		writeErr(w, authErr)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	algo := negotiateCompression(r)
	if algo != compress.None {
		frame, _ := json.Marshal(map[string]any{"compression": string(algo)})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}

	sender := newCompressingSender(newWSSender(conn), algo)
	session, sessErr := s.buildSession(r, claims, req, groupID, wire.FlavorFromRequest(req.RawData, req.BinaryData), sender)
	if sessErr != nil {
		frame, _ := json.Marshal(map[string]any{"error_code": sessErr.Code, "message": sessErr.Message})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		return
	}
	_ = session.Run(r.Context())
}

func (s *Server) authenticateAndParse(r *http.Request) (auth.Claims, ClientRequest, string, *perr.Error) {
	claims, verifyErr := s.verify(r)
	if verifyErr != nil {
		return nil, ClientRequest{}, "", verifyErr
	}
	var req ClientRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return claims, req, s.groupID(r), nil
}

func (s *Server) authenticateAndParseWS(r *http.Request) (auth.Claims, ClientRequest, string, *perr.Error) {
	claims, verifyErr := s.verify(r)
	if verifyErr != nil {
		return nil, ClientRequest{}, "", verifyErr
	}
	var req ClientRequest
	q := r.URL.Query()
	req.RawData = q.Get("raw_data") == "true"
	req.BinaryData = q.Get("binary_data") == "true"
	req.ClientID = q.Get("client_id")
	return claims, req, s.groupID(r), nil
}

func (s *Server) verify(r *http.Request) (auth.Claims, *perr.Error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := s.Auth.Verify(r.Context(), token)
	if err != nil {
		if pe, ok := err.(*perr.Error); ok {
			return nil, pe
		}
		return nil, perr.Wrap(perr.CodeKeyNotFound, "token verification failed", err)
	}
	return claims, nil
}

func (s *Server) groupID(r *http.Request) string {
	if g := r.URL.Query().Get("group_id"); g != "" {
		return g
	}
	if len(s.Cfg.Replication) > 0 {
		return s.Cfg.Replication[0].GroupID
	}
	return ""
}

func (s *Server) buildSession(r *http.Request, claims auth.Claims, req ClientRequest, groupID string, flavor wire.Flavor, sender syncstream.Sender) (*syncstream.Session, *perr.Error) {
	rules, err := s.RulesFor(groupID)
	if err != nil || rules == nil {
		return nil, perr.New(perr.CodeNoActiveSyncRules, "no active sync rules for this connection's group")
	}

	resolver := parameters.New(rules, map[string]any(claims), s.Store, s.Cfg.Sync.MaxParameterQueryResults)
	state := connstate.New(groupID, resolver, s.Checksums, s.Cfg.Sync.MaxBucketsPerConnection, req.initialBuckets(), req.initialPositions())

	sub, err := s.Checkpoints.Subscribe(r.Context(), groupID)
	if err != nil {
		return nil, perr.Wrap(perr.CodeFatalStorage, "failed to subscribe to checkpoint updates", err)
	}

	var expiry time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiry = time.Unix(int64(exp), 0)
	}

	return &syncstream.Session{
		GroupID:     groupID,
		Store:       s.Store,
		Checkpoints: sub,
		State:       state,
		Sem:         s.Sem,
		Cfg:         s.Cfg.Sync,
		Flavor:      flavor,
		Send:        sender,
		TokenExpiry: expiry,
		Logger:      s.Logger,
	}, nil
}

func writeErr(w http.ResponseWriter, e *perr.Error) {
	status := http.StatusBadRequest
	switch e.Code {
	case perr.CodeTokenExpired, perr.CodeAudMismatch, perr.CodeAlgMismatch, perr.CodeKeyNotFound, perr.CodeMaxLifetime, perr.CodeMissingClaim:
		status = http.StatusUnauthorized
	case perr.CodeNoActiveSyncRules:
		status = http.StatusServiceUnavailable
	case perr.CodeTooManyBuckets, perr.CodeTooManyParamResults:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error_code": e.Code, "message": e.Message, "hint": e.Hint})
}
