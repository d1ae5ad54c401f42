// Package httpserver exposes the ops REST surface: health, metrics,
// migration status, usage summaries, and read-only account listings.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/antihub/antihub-ops/internal/accountstore"
	"github.com/antihub/antihub-ops/internal/auth"
	"github.com/antihub/antihub-ops/internal/health"
	"github.com/antihub/antihub-ops/internal/ledger"
	"github.com/antihub/antihub-ops/internal/metrics"
	"github.com/antihub/antihub-ops/internal/migration"
	"github.com/antihub/antihub-ops/internal/userstore"
	"github.com/antihub/antihub-ops/internal/version"
)

// SessionCookie carries the signed session token.
const SessionCookie = "antihub_session"

// Server exposes REST endpoints for the AntiHub ops daemon.
type Server struct {
	identity     userstore.Store
	accounts     accountstore.Store
	ledger       ledger.Store
	migState     migration.StateStore
	migName      string
	auth         *auth.Manager
	authDisabled bool
	rootAdmin    *userstore.User
	collector    *metrics.Collector
	checker      *health.Checker
	logger       *log.Logger
}

// Config wires the server's dependencies.
type Config struct {
	Identity      userstore.Store
	Accounts      accountstore.Store
	Ledger        ledger.Store
	MigrationName string
	MigState      migration.StateStore
	Auth          *auth.Manager
	AuthDisabled  bool
	RootAdmin     *userstore.User
	Collector     *metrics.Collector
	Health        *health.Checker
	Logger        *log.Logger
}

// New constructs a Server.
func New(cfg Config) *Server {
	name := cfg.MigrationName
	if name == "" {
		name = migration.DefaultName
	}
	return &Server{
		identity:     cfg.Identity,
		accounts:     cfg.Accounts,
		ledger:       cfg.Ledger,
		migState:     cfg.MigState,
		migName:      name,
		auth:         cfg.Auth,
		authDisabled: cfg.AuthDisabled,
		rootAdmin:    cfg.RootAdmin,
		collector:    cfg.Collector,
		checker:      cfg.Health,
		logger:       cfg.Logger,
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.collector != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/login", s.handleAuthLogin)
		api.Post("/auth/verify", s.handleAuthVerify)

		api.Group(func(private chi.Router) {
			if s.auth != nil && !s.authDisabled {
				private.Use(s.sessionMiddleware)
			}
			private.Get("/profile", s.handleProfile)
			private.Post("/usage", s.handleUsageIngest)
			private.Get("/usage/summary", s.handleUsageSummary)
			private.Get("/usage/logs", s.handleUsageLogs)
			private.Get("/migration/status", s.handleMigrationStatus)
			private.Get("/accounts", s.handleAccounts)
		})
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		s.collector.RecordRequestStart(endpoint)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.collector.RecordRequestEnd(endpoint)
		s.collector.RecordRequest(endpoint, time.Since(start))
		if ww.Status() >= 500 {
			s.collector.RecordError(endpoint)
		}
	})
}

type sessionContextKey struct{}

type sessionInfo struct {
	user *userstore.User
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*sessionInfo, error) {
	if s.identity == nil {
		return nil, errors.New("identity store unavailable")
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil || cookie.Value == "" {
			return nil, errors.New("missing session")
		}
		token = cookie.Value
	}

	email, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	user, err := s.identity.FindByEmail(r.Context(), email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Status != userstore.StatusActive {
		return nil, errors.New("unknown or inactive user")
	}
	return &sessionInfo{user: user}, nil
}

// sessionUser returns the authenticated user, or the root admin when auth is
// disabled (single-operator mode).
func (s *Server) sessionUser(r *http.Request) (*userstore.User, error) {
	if info, ok := r.Context().Value(sessionContextKey{}).(*sessionInfo); ok {
		return info.user, nil
	}
	if (s.authDisabled || s.auth == nil) && s.rootAdmin != nil {
		return s.rootAdmin, nil
	}
	return nil, errors.New("missing session")
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Info(),
		})
		return
	}
	hs := s.checker.Check(r.Context())
	status := http.StatusOK
	if hs.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]any{
		"status":     hs.Status,
		"version":    version.Info(),
		"timestamp":  hs.Timestamp.UTC().Format(time.RFC3339),
		"components": hs.Components,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.respondError(w, http.StatusNotFound, errors.New("metrics disabled"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
