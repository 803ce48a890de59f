// Package api implements the kernel's control-operation HTTP server:
// list/inspect proxies, select a group's active member, list/close live
// connections, list rules, read stats, and trigger rule-provider/geo
// reloads. Built the way the teacher builds its rate-limiter API server
// (a thin Server wrapping collaborators, RegisterRoutes on a plain
// http.ServeMux, ListenAndServe with the same timeout discipline).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxykernel/internal/outbound"
	"proxykernel/internal/persistence"
	"proxykernel/internal/router"
	"proxykernel/internal/tracker"
)

// selectable is implemented by group handlers that support manual member
// selection (selector, url-test); other handlers simply don't satisfy it.
type selectable interface {
	CurrentTag() string
	Select(name string) bool
}

// Deps carries every collaborator the control operations need.
type Deps struct {
	Manager      *outbound.Manager
	Tracker      *tracker.Tracker
	Rules        []router.Rule
	Providers    map[string]ProviderReloader
	Stats        func() persistence.TrafficStats
	ReloadGeoDBs func() error
}

// ProviderReloader is the subset of ruleprovider.Provider the API needs.
type ProviderReloader interface {
	Refresh(ctx context.Context) error
}

// Server serves the control operations over HTTP.
type Server struct {
	deps Deps
}

// NewServer builds a Server over deps.
func NewServer(deps Deps) *Server { return &Server{deps: deps} }

// RegisterRoutes wires every control operation onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/proxies", s.handleListProxies)
	mux.HandleFunc("/proxies/", s.handleProxyOrSelect)
	mux.HandleFunc("/connections", s.handleConnections)
	mux.HandleFunc("/connections/", s.handleCloseConnection)
	mux.HandleFunc("/rules", s.handleListRules)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/providers/", s.handleReloadProvider)
	mux.HandleFunc("/geo/reload", s.handleReloadGeo)
}

// ListenAndServe starts the control server on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}

type proxyInfo struct {
	Tag     string `json:"tag"`
	Current string `json:"current,omitempty"`
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	tags := s.deps.Manager.Tags()
	out := make([]proxyInfo, 0, len(tags))
	for _, tag := range tags {
		out = append(out, s.describeProxy(tag))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) describeProxy(tag string) proxyInfo {
	info := proxyInfo{Tag: tag}
	if h, ok := s.deps.Manager.Get(tag); ok {
		if sel, ok := h.(selectable); ok {
			info.Current = sel.CurrentTag()
		}
	}
	return info
}

// handleProxyOrSelect dispatches GET /proxies/{tag} and POST
// /proxies/{group}/select?name=... under the same prefix.
func (s *Server) handleProxyOrSelect(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/proxies/")
	parts := strings.SplitN(rest, "/", 2)
	tag := parts[0]
	if tag == "" {
		writeError(w, http.StatusBadRequest, "missing proxy tag")
		return
	}
	h, ok := s.deps.Manager.Get(tag)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown proxy tag")
		return
	}
	if len(parts) == 2 && parts[1] == "select" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusBadRequest, "method not allowed")
			return
		}
		sel, ok := h.(selectable)
		if !ok {
			writeError(w, http.StatusBadRequest, "proxy does not support selection")
			return
		}
		name := r.URL.Query().Get("name")
		ok2 := sel.Select(name)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": ok2})
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.describeProxy(tag))
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Tracker.Snapshot())
	case http.MethodDelete:
		for _, c := range s.deps.Tracker.Snapshot() {
			s.deps.Tracker.Remove(c.ID)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusBadRequest, "method not allowed")
	}
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/connections/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	if _, ok := s.deps.Tracker.Get(id); !ok {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.deps.Tracker.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Rules)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusOK, persistence.TrafficStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats())
}

func (s *Server) handleReloadProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/providers/"), "/reload")
	p, ok := s.deps.Providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown rule provider")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := p.Refresh(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadGeo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	if s.deps.ReloadGeoDBs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.deps.ReloadGeoDBs(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
