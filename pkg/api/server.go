package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/middleware"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

// Invalidator drops cached reads after a write. *fetch.Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// AuditSearcher queries recorded audit events. *audit.DBLogger implements it.
type AuditSearcher interface {
	Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.AuditEvent, error)
}

// Server is the permission API server
type Server struct {
	backend  rbac.Backend
	inv      Invalidator
	perms    *middleware.PermissionMiddleware
	identity *middleware.IdentityMiddleware
	limits   *middleware.RateLimitMiddleware
	audit    audit.Logger
	searcher AuditSearcher
	logger   *observability.Logger
	metrics  *observability.Metrics
	router   *mux.Router
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments every route
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAudit records every write and denial
func WithAudit(l audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// WithAuditSearch exposes GET /v1/clinics/{clinic}/audit
func WithAuditSearch(searcher AuditSearcher) Option {
	return func(s *Server) { s.searcher = searcher }
}

// WithRateLimit limits /v1 requests per caller
func WithRateLimit(limiter middleware.Limiter, failOpen bool) Option {
	return func(s *Server) { s.limits = middleware.NewRateLimitMiddleware(limiter, failOpen) }
}

// NewServer creates a new API server. inv may be nil when reads are not cached.
func NewServer(backend rbac.Backend, inv Invalidator, sessions middleware.Sessions, opts ...Option) *Server {
	s := &Server{
		backend:  backend,
		inv:      inv,
		identity: middleware.NewIdentityMiddleware(false),
		audit:    audit.NoOpLogger{},
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s.logger = s.logger.WithField("component", "api")
	s.perms = middleware.NewPermissionMiddleware(sessions, s.logger)

	s.setupRoutes()
	return s
}

// Router returns the root router so callers can mount more routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.withAudit)
	v1.Use(s.identity.Handler)
	if s.limits != nil {
		v1.Use(s.limits.Handler)
	}
	v1.Use(s.perms.Session)

	v1.HandleFunc("/catalog", s.getCatalog).Methods(http.MethodGet)
	v1.HandleFunc("/me/permissions", s.getMyPermissions).Methods(http.MethodGet)

	clinic := v1.PathPrefix("/clinics/{clinic}").Subrouter()
	clinic.Use(s.ownClinic)

	view := s.perms.RequirePermission(permissions.ModuleUsers, permissions.ActionView)
	edit := s.perms.RequirePermission(permissions.ModuleUsers, permissions.ActionEdit)

	// Members and user access
	clinic.Handle("/members", view(http.HandlerFunc(s.listMembers))).Methods(http.MethodGet)
	clinic.Handle("/users/{user}/access", view(http.HandlerFunc(s.getAccess))).Methods(http.MethodGet)
	clinic.Handle("/users/{user}/role", edit(http.HandlerFunc(s.updateRole))).Methods(http.MethodPut)
	clinic.Handle("/users/{user}/grants", edit(http.HandlerFunc(s.deleteGrants))).Methods(http.MethodDelete)
	clinic.Handle("/users/{user}/grants", edit(http.HandlerFunc(s.createGrants))).Methods(http.MethodPost)

	// Role templates
	clinic.Handle("/templates/{role}", view(http.HandlerFunc(s.getTemplate))).Methods(http.MethodGet)
	clinic.Handle("/templates/{role}", edit(http.HandlerFunc(s.upsertTemplate))).Methods(http.MethodPost)

	if s.searcher != nil {
		clinic.Handle("/audit", view(http.HandlerFunc(s.searchAudit))).Methods(http.MethodGet)
	}
}

func (s *Server) withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithLogger(r.Context(), s.audit)))
	})
}

// ownClinic rejects requests addressing a clinic other than the caller's active one
func (s *Server) ownClinic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
		if !ok {
			return
		}
		if identity := middleware.GetIdentity(r); identity == nil || identity.ClinicID != clinicID {
			httputil.WriteForbidden(w, "clinic does not match the active session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) invalidate(ctx context.Context, keys ...string) {
	if s.inv != nil {
		s.inv.Invalidate(ctx, keys...)
	}
}

func (s *Server) record(ctx context.Context, event *audit.AuditEvent, err error) {
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	if logErr := s.audit.Log(ctx, event); logErr != nil {
		observability.RequestLogger(ctx, s.logger).WithError(logErr).Warn("Failed to record audit event")
	}
}
