// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"rtspgate/pkg/auth"
	"rtspgate/pkg/gateway"
	"rtspgate/pkg/log"
	"rtspgate/pkg/system"
)

type handler struct {
	gate       *auth.Gate
	accounting *gateway.ConnectionAccounting
	registry   *gateway.MountRegistry
	logDB      *log.DB
	sys        *system.System
	logger     *log.Logger
}

// adminOnly rejects requests without valid admin credentials.
func (h *handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := h.gate.ValidateHeader(r.Header.Get("Authorization"))
		if !res.IsValid {
			w.Header().Set("WWW-Authenticate", `Basic realm="rtspgate"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !res.User.IsAdmin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type streamsResponse struct {
	Mounts []string                  `json:"mounts"`
	Users  map[string]map[string]int `json:"users"` // Path -> user -> sessions.
}

// streams returns, per mounted path, the active connection counts.
func (h *handler) streams(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, streamsResponse{
		Mounts: h.registry.Paths(),
		Users:  h.accounting.Snapshot(),
	})
}

type statusResponse struct {
	System system.Status `json:"system"`
	Mounts int           `json:"mounts"`
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, statusResponse{
		System: h.sys.Status(),
		Mounts: h.registry.Count(),
	})
}

// logQuery queries the log store.
//
// Query parameters: levels, sources, paths (comma separated),
// time (unix milliseconds), limit.
func (h *handler) logQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := log.Query{
		Sources: splitParam(query.Get("sources")),
		Paths:   splitParam(query.Get("paths")),
		Limit:   100,
	}

	for _, raw := range splitParam(query.Get("levels")) {
		level, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid level: "+raw, http.StatusBadRequest)
			return
		}
		q.Levels = append(q.Levels, log.Level(level))
	}

	if raw := query.Get("time"); raw != "" {
		t, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid time", http.StatusBadRequest)
			return
		}
		q.Time = log.UnixMillisecond(t)
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = limit
	}

	logs, err := h.logDB.Query(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, logs)
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (h *handler) usersList(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, h.gate.UsersList())
}

func (h *handler) userSet(w http.ResponseWriter, r *http.Request) {
	var req auth.SetUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.gate.UserSet(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) userDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.UserDelete(chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
