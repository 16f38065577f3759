package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac/rbactest"
	"github.com/platinummonkey/clinicaccess/pkg/session"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func setupPermissions(t *testing.T) (*PermissionMiddleware, *rbactest.Backend) {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, discard{})
	backend := rbactest.NewBackend()
	backend.SetMember(1, 7, permissions.RoleReceptionist)
	backend.SetMember(1, 8, permissions.RoleManager)
	registry := session.NewRegistry(fetch.New(backend), session.Config{}, session.WithLogger(logger))
	t.Cleanup(func() { registry.Close(context.Background()) })
	return NewPermissionMiddleware(registry, logger), backend
}

func serve(h http.Handler, identity *Identity, trail audit.Logger) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/v1/clinics/1/users/9/role", nil)
	ctx := req.Context()
	if identity != nil {
		ctx = WithIdentity(ctx, identity)
	}
	if trail != nil {
		ctx = audit.WithLogger(ctx, trail)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(ctx))
	return w
}

func TestRequirePermission(t *testing.T) {
	perms, _ := setupPermissions(t)
	var reached bool
	handler := perms.RequirePermission(permissions.ModuleUsers, permissions.ActionEdit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = ProviderFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("manager is allowed", func(t *testing.T) {
		reached = false
		w := serve(handler, &Identity{UserID: 8, ClinicID: 1}, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.True(t, reached, "the provider is passed on")
	})

	t.Run("receptionist is denied and audited", func(t *testing.T) {
		trail := audit.NewMemoryLogger()
		w := serve(handler, &Identity{UserID: 7, ClinicID: 1}, trail)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "users:edit")

		events := trail.Events()
		require.Len(t, events, 1)
		assert.Equal(t, audit.EventTypeAccessDenied, events[0].EventType)
		assert.Equal(t, audit.EventStatusDenied, events[0].Status)
		assert.Equal(t, "PUT /v1/clinics/1/users/9/role", events[0].ResourceID)
		require.NotNil(t, events[0].ActorID)
		assert.Equal(t, int64(7), *events[0].ActorID)
	})

	t.Run("non member is denied", func(t *testing.T) {
		w := serve(handler, &Identity{UserID: 99, ClinicID: 1}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("without identity", func(t *testing.T) {
		w := serve(handler, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequirePermission_BackendFailureDenies(t *testing.T) {
	perms, backend := setupPermissions(t)
	backend.FailOn(rbactest.MethodGetAccess, errors.New("connection refused"))
	handler := perms.RequirePermission(permissions.ModuleUsers, permissions.ActionView)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	w := serve(handler, &Identity{UserID: 8, ClinicID: 1}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSessionMiddleware(t *testing.T) {
	perms, backend := setupPermissions(t)
	var allowed bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := ProviderFromContext(r.Context())
		allowed = p != nil && p.HasPermission(permissions.ModuleClients, permissions.ActionCreate)
	})
	handler := perms.Session(perms.RequirePermission(permissions.ModuleClients, permissions.ActionView)(inner))

	w := serve(handler, &Identity{UserID: 7, ClinicID: 1}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, allowed)
	assert.Equal(t, 1, backend.CountCalls(rbactest.MethodGetAccess), "the session is resolved once per request chain")

	var passed bool
	perms.Session(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		passed = ProviderFromContext(r.Context()) == nil
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, passed, "anonymous requests pass without a provider")
}
