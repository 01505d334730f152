// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// maxAdminBodySize is the maximum allowed admin request body (1 MB).
const maxAdminBodySize = 1 << 20

// AdminAPI is the local management HTTP surface: account login/logout,
// forced resync and backfill kicks. It binds to a trusted address and does
// not authenticate; keep it off public interfaces.
type AdminAPI struct {
	bridge *Bridge
	log    zerolog.Logger
	server *http.Server
}

func newAdminAPI(br *Bridge) *AdminAPI {
	return &AdminAPI{
		bridge: br,
		log:    br.Log.With().Str("component", "admin_api").Logger(),
	}
}

// Start begins serving on addr in the background.
func (api *AdminAPI) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", api.HandleLogin)
	mux.HandleFunc("/api/relogin", api.HandleRelogin)
	mux.HandleFunc("/api/logout", api.HandleLogout)
	mux.HandleFunc("/api/resync", api.HandleResync)
	mux.HandleFunc("/api/backfill", api.HandleBackfill)
	mux.HandleFunc("/api/status", api.HandleStatus)
	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		api.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (api *AdminAPI) Stop() {
	if api.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.server.Shutdown(ctx); err != nil {
		api.log.Warn().Err(err).Msg("Admin API shutdown error")
	}
}

type adminUserRequest struct {
	MXID     id.UserID `json:"mxid"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
}

func (api *AdminAPI) readRequest(w http.ResponseWriter, r *http.Request) (*adminUserRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	var req adminUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return nil, false
	}
	if req.MXID == "" {
		http.Error(w, "missing mxid", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (api *AdminAPI) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

// HandleLogin is POST /api/login: fresh credential login for a Matrix user.
func (api *AdminAPI) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := api.readRequest(w, r)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "missing credentials", http.StatusBadRequest)
		return
	}
	user, err := api.bridge.GetUserByMXID(r.Context(), req.MXID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = user.Login(r.Context(), threadline.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		api.log.Warn().Err(err).Str("user_mxid", req.MXID.String()).Msg("Admin login failed")
		status := http.StatusBadGateway
		if errors.Is(err, threadline.ErrAuthInvalid) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	api.writeJSON(w, map[string]any{"user_pk": user.UserPK})
}

// HandleRelogin is POST /api/relogin: restore the stored session after the
// remote side invalidated the connection.
func (api *AdminAPI) HandleRelogin(w http.ResponseWriter, r *http.Request) {
	req, ok := api.readRequest(w, r)
	if !ok {
		return
	}
	user := api.bridge.GetCachedUserByMXID(req.MXID)
	if user == nil {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if err := user.Relogin(r.Context()); err != nil {
		api.log.Warn().Err(err).Str("user_mxid", req.MXID.String()).Msg("Admin relogin failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	api.writeJSON(w, map[string]any{"status": string(user.Status)})
}

// HandleLogout is POST /api/logout.
func (api *AdminAPI) HandleLogout(w http.ResponseWriter, r *http.Request) {
	req, ok := api.readRequest(w, r)
	if !ok {
		return
	}
	user := api.bridge.GetCachedUserByMXID(req.MXID)
	if user == nil {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if err := user.Logout(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.writeJSON(w, map[string]any{"status": "logged_out"})
}

// HandleResync is POST /api/resync: re-run thread reconciliation for an
// account.
func (api *AdminAPI) HandleResync(w http.ResponseWriter, r *http.Request) {
	req, ok := api.readRequest(w, r)
	if !ok {
		return
	}
	user := api.bridge.GetCachedUserByMXID(req.MXID)
	if user == nil || !user.IsLoggedIn() {
		http.Error(w, "user not logged in", http.StatusNotFound)
		return
	}
	go user.reconcile(api.bridge.bgCtx)
	api.writeJSON(w, map[string]any{"status": "resync_started"})
}

// HandleBackfill is POST /api/backfill: kick history import for one thread.
func (api *AdminAPI) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	req, ok := api.readRequest(w, r)
	if !ok {
		return
	}
	if req.ThreadID == "" {
		http.Error(w, "missing thread_id", http.StatusBadRequest)
		return
	}
	user := api.bridge.GetCachedUserByMXID(req.MXID)
	if user == nil || !user.IsLoggedIn() {
		http.Error(w, "user not logged in", http.StatusNotFound)
		return
	}
	portal, err := api.bridge.GetPortalByThread(r.Context(), user, req.ThreadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.bridge.Backfill.Schedule(portal, user)
	api.writeJSON(w, map[string]any{"status": "backfill_scheduled"})
}

// HandleStatus is GET /api/status: connection state of every account.
func (api *AdminAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type accountStatus struct {
		MXID      id.UserID                 `json:"mxid"`
		UserPK    int64                     `json:"user_pk,omitempty"`
		Status    database.ConnectionStatus `json:"status"`
		Connected bool                      `json:"connected"`
		Portals   int                       `json:"portals"`
	}
	var out []accountStatus
	for _, user := range api.bridge.CachedUsers() {
		status := accountStatus{
			MXID:      user.MXID,
			UserPK:    user.UserPK,
			Status:    user.Status,
			Connected: user.IsConnected(),
		}
		if user.UserPK != 0 {
			portals, err := api.bridge.DB.Portal.GetAllForReceiver(r.Context(), user.UserPK)
			if err != nil {
				api.log.Error().Err(err).Msg("Failed to count portals for status")
			}
			status.Portals = len(portals)
		}
		out = append(out, status)
	}
	api.writeJSON(w, out)
}
