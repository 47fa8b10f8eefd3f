// Copyright 2024-2026 Aiku AI

package coursesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// maxSyncBodySize is the maximum allowed request body for a sync (1 MB).
const maxSyncBodySize = 1 << 20

// syncRunner is implemented by *Syncer.
type syncRunner interface {
	Sync(ctx context.Context, req SyncRequest) (*SyncResult, error)
}

// API serves the sync trigger endpoint.
type API struct {
	syncer syncRunner
	log    zerolog.Logger
}

// NewAPI creates the HTTP API around a Syncer.
func NewAPI(syncer *Syncer, log zerolog.Logger) *API {
	return &API{syncer: syncer, log: log.With().Str("component", "api").Logger()}
}

// syncResponse is the JSON body of every /api/sync reply.
type syncResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	Rooms   []RoomResult `json:"rooms,omitempty"`
}

// Handler returns the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", a.HandleSync)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// NewServer wraps the API in an http.Server listening on addr. The write
// timeout allows for invite backoff within a single request.
func (a *API) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// HandleSync is an HTTP handler for POST /api/sync. The body carries the
// acting user's credentials and the course rosters; the reply lists the rooms
// and their members.
func (a *API) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSyncBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		a.writeJSON(w, http.StatusBadRequest, syncResponse{Status: "error", Detail: "failed to read request body"})
		return
	}
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, syncResponse{Status: "error", Detail: "invalid JSON"})
		return
	}
	if req.UserID == "" {
		a.writeJSON(w, http.StatusBadRequest, syncResponse{Status: "error", Detail: "userId is required"})
		return
	}

	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("user_id", req.UserID).
		Int("courses", len(req.Courses)).
		Msg("Sync requested")

	result, err := a.syncer.Sync(r.Context(), req)
	var rooms []RoomResult
	if result != nil {
		rooms = result.Rooms
	}
	switch {
	case errors.Is(err, ErrAuthentication):
		a.writeJSON(w, http.StatusUnauthorized, syncResponse{Status: "error", Detail: "Login to Matrix failed."})
	case err != nil:
		a.writeJSON(w, http.StatusInternalServerError, syncResponse{
			Status: "error",
			Detail: "An error occurred during synchronization: " + err.Error(),
			Rooms:  rooms,
		})
	default:
		a.writeJSON(w, http.StatusOK, syncResponse{
			Status:  "success",
			Message: "Rooms created and users invited successfully.",
			Rooms:   rooms,
		})
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, resp syncResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write sync response")
	}
}
