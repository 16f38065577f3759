package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/contextkeys"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
)

// Sessions hands out the Provider of a session. *session.Registry implements it.
type Sessions interface {
	Get(ctx context.Context, s provider.Session) (*provider.Provider, error)
}

// PermissionMiddleware gates handlers on the caller's resolved permissions
type PermissionMiddleware struct {
	sessions Sessions
	logger   *observability.Logger
}

// NewPermissionMiddleware creates the permission middleware
func NewPermissionMiddleware(sessions Sessions, logger *observability.Logger) *PermissionMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &PermissionMiddleware{
		sessions: sessions,
		logger:   logger.WithField("component", "permission_middleware"),
	}
}

// Session attaches the caller's Provider to the context without checking anything.
// Requests without identity pass through untouched.
func (m *PermissionMiddleware) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := GetIdentity(r)
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := m.sessions.Get(r.Context(), identity.Session())
		if p == nil {
			httputil.WriteServiceUnavailable(w, "permission session unavailable")
			return
		}
		if err != nil {
			m.logger.WithError(err).Warn("Serving request with unresolved permissions")
		}
		next.ServeHTTP(w, r.WithContext(contextkeys.WithProvider(r.Context(), p)))
	})
}

// RequirePermission returns 403 unless the caller holds (module, action).
// A session that failed to resolve denies.
func (m *PermissionMiddleware) RequirePermission(module permissions.Module, action permissions.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetIdentity(r)
			if identity == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			p := ProviderFromContext(r.Context())
			if p == nil {
				var err error
				p, err = m.sessions.Get(r.Context(), identity.Session())
				if err != nil {
					m.logger.WithFields(map[string]interface{}{
						"user_id":   identity.UserID,
						"clinic_id": identity.ClinicID,
					}).WithError(err).Warn("Permission check against unresolved session")
				}
			}

			if p == nil || !p.HasPermission(module, action) {
				m.denied(r, identity, permissions.Permission{Module: module, Action: action})
				httputil.WriteForbidden(w, "insufficient permissions: "+string(module)+":"+string(action)+" required")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithProvider(r.Context(), p)))
		})
	}
}

func (m *PermissionMiddleware) denied(r *http.Request, identity *Identity, required permissions.Permission) {
	ctx := r.Context()
	event := audit.NewEvent(ctx, identity.ClinicID, audit.EventTypeAccessDenied, audit.EventStatusDenied)
	event.ResourceType = audit.ResourceTypeRoute
	event.ResourceID = r.Method + " " + r.URL.Path
	event.Message = "missing " + required.String()
	if err := audit.FromContext(ctx).Log(ctx, event); err != nil {
		m.logger.WithError(err).Warn("Failed to record audit event")
	}
}

// ProviderFromContext returns the caller's Provider stored by Session or RequirePermission
func ProviderFromContext(ctx context.Context) *provider.Provider {
	p, ok := ctx.Value(contextkeys.ProviderKey).(*provider.Provider)
	if !ok {
		return nil
	}
	return p
}
