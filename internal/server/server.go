// Package server is the Momon web front end: landing, creation, waiting and
// result pages rendered on the server, talking to the monster backend through
// monsterclient.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"momon/internal/creation"
	"momon/internal/jobs"
	"momon/internal/ratelimit"
	"momon/internal/result"
	"momon/internal/util"
)

const defaultJobTTL = 10 * time.Minute

// Config wires required dependencies for the HTTP server.
type Config struct {
	Creator                  creation.Creator
	Getter                   result.Getter
	Jobs                     jobs.Store
	JobTTL                   time.Duration
	SlowNoticeAfter          time.Duration
	RedisAddr                string
	RedisPassword            string
	CreateRateLimitPerMinute int
	CookieSecure             bool
	TrustedProxies           *util.TrustedProxies
}

// Server exposes the web pages.
type Server struct {
	creator        creation.Creator
	fetcher        *result.Fetcher
	jobs           jobs.Store
	slowAfter      time.Duration
	createLimiter  *ratelimit.FixedWindowLimiter
	cookieSecure   bool
	trustedProxies *util.TrustedProxies
	pages          *renderer
	mux            *http.ServeMux
}

// New constructs the server with routes configured. Rate limiting is enabled
// only when RedisAddr is set.
func New(cfg Config) (*Server, error) {
	if cfg.Creator == nil || cfg.Getter == nil {
		return nil, errors.New("creator and getter are required")
	}
	pages, err := newRenderer()
	if err != nil {
		return nil, err
	}
	store := cfg.Jobs
	if store == nil {
		ttl := cfg.JobTTL
		if ttl <= 0 {
			ttl = defaultJobTTL
		}
		store = jobs.NewMemoryStore(ttl)
	}
	s := &Server{
		creator:        cfg.Creator,
		fetcher:        result.NewFetcher(cfg.Getter),
		jobs:           store,
		slowAfter:      cfg.SlowNoticeAfter,
		cookieSecure:   cfg.CookieSecure,
		trustedProxies: cfg.TrustedProxies,
		pages:          pages,
		mux:            http.NewServeMux(),
	}
	if cfg.RedisAddr != "" {
		limit := cfg.CreateRateLimitPerMinute
		if limit <= 0 {
			limit = 5
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "momon:web:ratelimit:create", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init create limiter: %w", err)
		}
		s.createLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("web", util.WithSecurityHeaders(s.mux)))
}

// Close releases the rate limiter connection.
func (s *Server) Close() error {
	if s.createLimiter == nil {
		return nil
	}
	return s.createLimiter.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(mustSub(staticFS, "static"))))

	s.mux.Handle("GET /{$}", s.withDevice(s.handleLanding))
	s.mux.Handle("GET /create", s.withDevice(s.handleCreateForm))
	s.mux.Handle("POST /create", s.withDevice(s.handleCreateSubmit))
	s.mux.Handle("GET /create/wait", s.withDevice(s.handleWait))
	s.mux.Handle("GET /create/status", s.withDevice(s.handleStatus))
	s.mux.Handle("GET /result", s.withDevice(s.handleResult))
	s.mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderError(w, r, http.StatusNotFound, "페이지를 찾을 수 없습니다", "요청하신 페이지가 없어요.")
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("web_event", logAttrs...)
		return
	}
	logger.Warn("web_event", logAttrs...)
}

// allowCreate applies the per-client creation budget. A nil limiter allows
// everything.
func (s *Server) allowCreate(r *http.Request) (bool, time.Duration) {
	if s.createLimiter == nil {
		return true, 0
	}
	return s.createLimiter.Allow(r.Context(), "create|"+util.ClientIP(r, s.trustedProxies))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		slog.Error("embedded assets missing", "dir", dir, "err", err)
		panic(err)
	}
	return sub
}
