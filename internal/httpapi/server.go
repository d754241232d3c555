package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"cc-supervisor/internal/core"
	"cc-supervisor/internal/security"
)

const maxBodyBytes = 65536

// Server is the request/response control surface. It translates JSON
// requests into supervisor operations and maps the failure taxonomy onto
// status codes.
type Server struct {
	Sup   *core.Supervisor
	WS    http.Handler
	Token string
	Audit *core.AuditLogger

	// SpawnLimiter throttles spawns per source address.
	SpawnLimiter *core.RateLimiter

	BrowseEnabled bool
	BrowseRoot    string
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	if s.WS != nil {
		mux.Handle("/ws", s.WS)
	}
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/sessions", s.guard(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.guard(s.handleSessionSubroutes))
	mux.HandleFunc("/api/groups", s.guard(s.handleGroups))
	mux.HandleFunc("/api/audit", s.guard(s.handleAudit))
	mux.HandleFunc("/api/browse", s.guard(s.handleBrowse))
	return mux
}

// StartSweeper prunes emptied rate-limit windows until stop is closed.
func (s *Server) StartSweeper(stop <-chan struct{}) {
	if s.SpawnLimiter == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.SpawnLimiter.Sweep()
			}
		}
	}()
}

// guard applies CORS, token auth, content-type enforcement, and the body
// size cap before the handler runs.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !security.LocalhostOrigin(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !security.TokenEqual(extractToken(r), s.Token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if !strings.HasPrefix(strings.TrimSpace(strings.ToLower(ct)), "application/json") {
				http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	}
}

type spawnRequest struct {
	Name            string   `json:"name"`
	Group           string   `json:"group"`
	Cwd             string   `json:"cwd"`
	Args            []string `json:"args"`
	Cols            *float64 `json:"cols"`
	Rows            *float64 `json:"rows"`
	Task            string   `json:"task"`
	SkipPermissions *bool    `json:"skip_permissions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Sup.List()})
	case http.MethodPost:
		ip := remoteIP(r)
		if s.SpawnLimiter != nil && !s.SpawnLimiter.Allow(ip) {
			http.Error(w, "spawn rate exceeded", http.StatusTooManyRequests)
			return
		}
		var req spawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		opts := core.SpawnOptions{
			Name:            req.Name,
			Group:           req.Group,
			Cwd:             req.Cwd,
			Args:            req.Args,
			Task:            req.Task,
			SkipPermissions: req.SkipPermissions,
		}
		if req.Cols != nil {
			opts.Cols = core.ClampDimension(*req.Cols, 80)
		}
		if req.Rows != nil {
			opts.Rows = core.ClampDimension(*req.Rows, 24)
		}
		sess, err := s.Sup.Spawn(opts)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(ip, sess.ID, "spawn", map[string]any{"cwd": sess.Cwd, "name": sess.Name})
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	ip := remoteIP(r)

	switch {
	case r.Method == http.MethodGet && action == "":
		sess, ok := s.Sup.GetInfo(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case r.Method == http.MethodDelete && action == "":
		if !s.Sup.Kill(id) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.audit(ip, id, "kill", nil)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && action == "input":
		var req struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.Sup.Write(id, []byte(req.Data)); err != nil {
			writeError(w, err)
			return
		}
		s.audit(ip, id, "input", map[string]any{"size": len(req.Data)})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && action == "resize":
		var req struct {
			Cols *float64 `json:"cols"`
			Rows *float64 `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sess, ok := s.Sup.GetInfo(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		cols, rows := sess.Cols, sess.Rows
		if req.Cols != nil {
			cols = core.ClampDimension(*req.Cols, sess.Cols)
		}
		if req.Rows != nil {
			rows = core.ClampDimension(*req.Rows, sess.Rows)
		}
		if err := s.Sup.Resize(id, cols, rows); err != nil {
			writeError(w, err)
			return
		}
		s.audit(ip, id, "resize", map[string]any{"cols": cols, "rows": rows})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodGet && action == "scrollback":
		data, ok := s.Sup.GetScrollback(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scrollback": string(data)})
	case r.Method == http.MethodGet && action == "transcript":
		entries, ok := s.Sup.GetTranscript(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transcript": entries})
	case r.Method == http.MethodPost && action == "task":
		var req struct {
			Task string `json:"task"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.Sup.SetTask(id, req.Task); err != nil {
			writeError(w, err)
			return
		}
		s.audit(ip, id, "set_task", nil)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": s.Sup.Groups()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.Audit.Recent()})
}

type browseEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
}

// handleBrowse lists a directory, restricted to the configured root (the
// caller's home) via realpath containment.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	if !s.BrowseEnabled {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = s.BrowseRoot
	}
	real, err := security.WithinRoot(path, s.BrowseRoot)
	if err != nil {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}
	items, err := os.ReadDir(real)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	entries := make([]browseEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, browseEntry{Name: it.Name(), Dir: it.IsDir()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"path": real, "entries": entries})
}

func (s *Server) audit(actor, sessionID, kind string, meta map[string]any) {
	if s.Audit == nil {
		return
	}
	s.Audit.Log(core.AuditEvent{
		Actor:     actor,
		SessionID: sessionID,
		Kind:      kind,
		Meta:      meta,
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidCwd), errors.Is(err, core.ErrDisallowedArg):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrAtCapacity):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
