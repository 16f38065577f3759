package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/middleware"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
	"github.com/platinummonkey/clinicaccess/pkg/rbac/rbactest"
	"github.com/platinummonkey/clinicaccess/pkg/session"
)

const (
	superAdminID   = 1
	receptionistID = 7
	managerID      = 8
	staffID        = 9
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type testEnv struct {
	server  *Server
	backend rbac.Backend
	cache   *fetch.Cache
	trail   *audit.MemoryLogger
}

func newTestEnv(t *testing.T, backend rbac.Backend, opts ...Option) *testEnv {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, discard{})
	cache := fetch.New(backend, fetch.WithLogger(logger))
	registry := session.NewRegistry(cache, session.Config{}, session.WithLogger(logger))
	t.Cleanup(func() { registry.Close(context.Background()) })

	trail := audit.NewMemoryLogger()
	opts = append([]Option{WithLogger(logger), WithAudit(trail)}, opts...)
	return &testEnv{
		server:  NewServer(backend, cache, registry, opts...),
		backend: backend,
		cache:   cache,
		trail:   trail,
	}
}

func seededBackend() *rbactest.Backend {
	b := rbactest.NewBackend()
	b.SetMember(1, superAdminID, permissions.RoleSuperAdmin)
	b.SetMember(1, receptionistID, permissions.RoleReceptionist)
	b.SetMember(1, managerID, permissions.RoleManager)
	b.SetMember(1, staffID, permissions.RoleStaff)
	return b
}

func (e *testEnv) do(t *testing.T, method, path string, userID int64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set(middleware.UserIDHeader, strconv.FormatInt(userID, 10))
		req.Header.Set(middleware.ClinicIDHeader, "1")
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest), w.Body.String())
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/catalog", staffID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CatalogResponse
	decode(t, w, &resp)
	assert.Len(t, resp.Modules, len(permissions.Modules()))
	assert.Len(t, resp.Roles, len(permissions.Roles()))
}

func TestIdentityRequired(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/catalog", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMyPermissions(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/me/permissions", receptionistID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PermissionsResponse
	decode(t, w, &resp)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, permissions.RoleReceptionist, resp.Role)
	assert.False(t, resp.All)
	assert.Contains(t, resp.Permissions, permissions.Permission{Module: permissions.ModuleClients, Action: permissions.ActionView})

	w = env.do(t, http.MethodGet, "/v1/me/permissions", superAdminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.True(t, resp.All)
	assert.Len(t, resp.Permissions, len(permissions.AllPermissions().Slice()))
}

func TestMyPermissions_NotAMember(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/me/permissions", 42, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PermissionsResponse
	decode(t, w, &resp)
	assert.Equal(t, "failed", resp.Status)
	assert.Empty(t, resp.Permissions)
	assert.NotEmpty(t, resp.Error)
}

func TestClinicMismatch(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/clinics/2/members", managerID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/v1/clinics/abc/members", managerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/clinics/1/users/9/access", receptionistID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "users:view")

	events := env.trail.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAccessDenied, events[0].EventType)
	assert.Equal(t, audit.EventStatusDenied, events[0].Status)
	require.NotNil(t, events[0].ActorID)
	assert.Equal(t, int64(receptionistID), *events[0].ActorID)
}

func TestListMembers(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/clinics/1/members", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp MembersResponse
	decode(t, w, &resp)
	assert.Len(t, resp.Members, 4)
}

func TestGetAccess(t *testing.T) {
	backend := seededBackend()
	backend.SetMember(1, 10, permissions.RoleStaff, permissions.Permission{Module: permissions.ModuleFinancial, Action: permissions.ActionView})
	env := newTestEnv(t, backend)

	w := env.do(t, http.MethodGet, "/v1/clinics/1/users/10/access", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var access rbac.Access
	decode(t, w, &access)
	assert.Equal(t, permissions.RoleStaff, access.Role)
	assert.Equal(t, []permissions.Permission{{Module: permissions.ModuleFinancial, Action: permissions.ActionView}}, access.Grants)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/users/9/access", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"grants":[]`)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/users/404/access", managerID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/users/0/access", managerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateRole(t *testing.T) {
	backend := seededBackend()
	env := newTestEnv(t, backend)

	t.Run("manager changes a staff role", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, RoleRequest{Role: permissions.RoleProfessional})
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		role, ok := backend.Role(1, staffID)
		require.True(t, ok)
		assert.Equal(t, permissions.RoleProfessional, role)

		events := env.trail.Events()
		last := events[len(events)-1]
		assert.Equal(t, audit.EventTypeRoleChange, last.EventType)
		assert.Equal(t, audit.EventStatusSuccess, last.Status)
		assert.Equal(t, "STAFF", last.Changes.Before["role"])
		assert.Equal(t, "PROFESSIONAL", last.Changes.After["role"])
	})

	t.Run("role names are case insensitive", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, map[string]string{"role": "staff"})
		require.Equal(t, http.StatusNoContent, w.Code)
		role, _ := backend.Role(1, staffID)
		assert.Equal(t, permissions.RoleStaff, role)
	})

	t.Run("unknown role", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, map[string]string{"role": "JANITOR"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown body field", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, map[string]string{"role": "STAFF", "extra": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("manager cannot promote to super admin", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, RoleRequest{Role: permissions.RoleSuperAdmin})
		assert.Equal(t, http.StatusForbidden, w.Code)
		role, _ := backend.Role(1, staffID)
		assert.Equal(t, permissions.RoleStaff, role)
	})

	t.Run("manager cannot demote a super admin", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/1/role", managerID, RoleRequest{Role: permissions.RoleStaff})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("super admin promotes", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", superAdminID, RoleRequest{Role: permissions.RoleSuperAdmin})
		require.Equal(t, http.StatusNoContent, w.Code)
		role, _ := backend.Role(1, staffID)
		assert.Equal(t, permissions.RoleSuperAdmin, role)
	})

	t.Run("receptionist is denied", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", receptionistID, RoleRequest{Role: permissions.RoleStaff})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestUpdateRole_OwnerRole(t *testing.T) {
	const ownerID = 2
	backend := seededBackend()
	backend.SetMember(1, ownerID, permissions.RoleOwner)
	env := newTestEnv(t, backend)

	t.Run("manager cannot promote to owner", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/8/role", managerID, RoleRequest{Role: permissions.RoleOwner})
		assert.Equal(t, http.StatusForbidden, w.Code)
		role, _ := backend.Role(1, managerID)
		assert.Equal(t, permissions.RoleManager, role)
	})

	t.Run("manager cannot demote the owner", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/2/role", managerID, RoleRequest{Role: permissions.RoleStaff})
		assert.Equal(t, http.StatusForbidden, w.Code)
		role, _ := backend.Role(1, ownerID)
		assert.Equal(t, permissions.RoleOwner, role)
	})

	t.Run("owner promotes and demotes", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", ownerID, RoleRequest{Role: permissions.RoleOwner})
		require.Equal(t, http.StatusNoContent, w.Code)
		role, _ := backend.Role(1, staffID)
		assert.Equal(t, permissions.RoleOwner, role)

		w = env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", ownerID, RoleRequest{Role: permissions.RoleStaff})
		require.Equal(t, http.StatusNoContent, w.Code)
		role, _ = backend.Role(1, staffID)
		assert.Equal(t, permissions.RoleStaff, role)

		events := env.trail.Events()
		last := events[len(events)-1]
		assert.Equal(t, audit.EventTypeRoleChange, last.EventType)
		assert.Equal(t, "9", last.ResourceID)
	})

	t.Run("owner cannot promote to super admin", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", ownerID, RoleRequest{Role: permissions.RoleSuperAdmin})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("super admin demotes the owner", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/clinics/1/users/2/role", superAdminID, RoleRequest{Role: permissions.RoleManager})
		require.Equal(t, http.StatusNoContent, w.Code)
		role, _ := backend.Role(1, ownerID)
		assert.Equal(t, permissions.RoleManager, role)
	})
}

func TestUpdateRole_BackendFailure(t *testing.T) {
	backend := seededBackend()
	env := newTestEnv(t, backend)
	backend.FailOn(rbactest.MethodUpdateRole, assert.AnError)

	w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, RoleRequest{Role: permissions.RoleFinancial})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	events := env.trail.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.EventStatusFailure, last.Status)
	assert.NotEmpty(t, last.ErrorMessage)
}

func TestReplaceGrants(t *testing.T) {
	backend := seededBackend()
	backend.SetMember(1, 10, permissions.RoleStaff, permissions.Permission{Module: permissions.ModuleFinancial, Action: permissions.ActionView})
	env := newTestEnv(t, backend)

	w := env.do(t, http.MethodDelete, "/v1/clinics/1/users/10/grants", managerID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, backend.Grants(1, 10).Len())
	events := env.trail.Events()
	assert.Equal(t, audit.EventTypeGrantsReplace, events[len(events)-1].EventType)
	assert.Equal(t, "10", events[len(events)-1].ResourceID)

	grants := []permissions.Permission{
		{Module: permissions.ModuleInventory, Action: permissions.ActionView},
		{Module: permissions.ModuleInventory, Action: permissions.ActionEdit},
	}
	w = env.do(t, http.MethodPost, "/v1/clinics/1/users/10/grants", managerID, GrantsRequest{Grants: grants})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, backend.Grants(1, 10).Equal(permissions.NewSet(grants...)))

	w = env.do(t, http.MethodPost, "/v1/clinics/1/users/10/grants", managerID, GrantsRequest{Grants: []permissions.Permission{
		{Module: permissions.ModuleReports, Action: permissions.ActionDelete},
	}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 2, backend.Grants(1, 10).Len())

	var types []audit.EventType
	for _, ev := range env.trail.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []audit.EventType{audit.EventTypeGrantsReplace, audit.EventTypeGrantsReplace}, types)
}

func TestGrantWriteRefreshesTheTargetSession(t *testing.T) {
	backend := seededBackend()
	env := newTestEnv(t, backend)

	w := env.do(t, http.MethodGet, "/v1/clinics/1/members", receptionistID, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/v1/clinics/1/users/7/grants", managerID, GrantsRequest{Grants: []permissions.Permission{
		{Module: permissions.ModuleUsers, Action: permissions.ActionView},
	}})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/members", receptionistID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTemplates(t *testing.T) {
	backend := seededBackend()
	env := newTestEnv(t, backend)

	w := env.do(t, http.MethodGet, "/v1/clinics/1/templates/receptionist", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tmpl rbac.RoleTemplate
	decode(t, w, &tmpl)
	assert.False(t, tmpl.Custom)
	assert.True(t, tmpl.PermissionSet().Equal(permissions.DefaultPermissions(permissions.RoleReceptionist)))

	// The receptionist session resolves now and must see the saved template next.
	w = env.do(t, http.MethodGet, "/v1/me/permissions", receptionistID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	saved := []permissions.Permission{{Module: permissions.ModuleDashboard, Action: permissions.ActionView}}
	w = env.do(t, http.MethodPost, "/v1/clinics/1/templates/RECEPTIONIST", managerID, TemplateRequest{Permissions: saved})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/clinics/1/templates/RECEPTIONIST", managerID, nil)
	decode(t, w, &tmpl)
	assert.True(t, tmpl.Custom)
	assert.Equal(t, saved, tmpl.Permissions)

	w = env.do(t, http.MethodGet, "/v1/me/permissions", receptionistID, nil)
	var me PermissionsResponse
	decode(t, w, &me)
	assert.Equal(t, saved, me.Permissions)

	events := env.trail.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.EventTypeTemplateSave, last.EventType)
	assert.Equal(t, "RECEPTIONIST", last.ResourceID)
}

func TestTemplates_Errors(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodPost, "/v1/clinics/1/templates/SUPER_ADMIN", managerID, TemplateRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/v1/clinics/1/templates/JANITOR", managerID, TemplateRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/clinics/1/templates/STAFF", managerID, TemplateRequest{Permissions: []permissions.Permission{
		{Module: "payroll", Action: permissions.ActionView},
	}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/clinics/1/templates/STAFF", receptionistID, TemplateRequest{})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour, BurstSize: 1})
	env := newTestEnv(t, seededBackend(), WithRateLimit(limiter, false))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/catalog", staffID, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/catalog", staffID, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/v1/catalog", staffID, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/catalog", managerID, nil).Code)
}
