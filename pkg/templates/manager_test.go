package templates

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
	"github.com/platinummonkey/clinicaccess/pkg/rbac/rbactest"
)

var (
	clientsView      = permissions.Permission{Module: permissions.ModuleClients, Action: permissions.ActionView}
	financialDelete  = permissions.Permission{Module: permissions.ModuleFinancial, Action: permissions.ActionDelete}
	dashboardView    = permissions.Permission{Module: permissions.ModuleDashboard, Action: permissions.ActionView}
	reportsDeleteBad = permissions.Permission{Module: permissions.ModuleReports, Action: permissions.ActionDelete}
)

// authorizer grants a fixed set of users actions
type authorizer map[permissions.Action]bool

func (a authorizer) HasPermission(m permissions.Module, act permissions.Action) bool {
	return m == permissions.ModuleUsers && a[act]
}

var admin = authorizer{permissions.ActionView: true, permissions.ActionEdit: true}

type recordingInvalidator struct {
	keys []string
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, keys ...string) {
	r.keys = append(r.keys, keys...)
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, &discard{})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newManager(t *testing.T, authz Authorizer) (*Manager, *rbactest.Backend, *recordingInvalidator) {
	t.Helper()
	backend := rbactest.NewBackend()
	inv := &recordingInvalidator{}
	return NewManager(1, backend, inv, authz, WithLogger(quietLogger())), backend, inv
}

func TestManager_SelectRole(t *testing.T) {
	ctx := context.Background()
	m, backend, _ := newManager(t, admin)

	_, ok := m.Role()
	assert.False(t, ok)
	assert.False(t, m.Editable())

	require.NoError(t, m.SelectRole(ctx, permissions.RoleStaff))
	assert.True(t, m.WorkingSet().Equal(permissions.DefaultPermissions(permissions.RoleStaff)), "factory fallback")
	assert.False(t, m.Custom())
	assert.False(t, m.Dirty())
	assert.True(t, m.Editable())

	backend.SetTemplate(1, permissions.RoleManager, clientsView)
	require.True(t, m.ToggleGrant(permissions.ModuleClients, permissions.ActionView, true))
	require.True(t, m.Dirty())

	require.NoError(t, m.SelectRole(ctx, permissions.RoleManager))
	role, _ := m.Role()
	assert.Equal(t, permissions.RoleManager, role)
	assert.True(t, m.WorkingSet().Equal(permissions.NewSet(clientsView)), "unsaved edits are discarded")
	assert.True(t, m.Custom())
	assert.False(t, m.Dirty())

	assert.Error(t, m.SelectRole(ctx, permissions.Role("JANITOR")))

	backend.FailOn(rbactest.MethodGetTemplate, errors.New("timeout"))
	assert.Error(t, m.SelectRole(ctx, permissions.RoleStaff))
	role, _ = m.Role()
	assert.Equal(t, permissions.RoleManager, role, "a failed load keeps the previous selection")
}

func TestManager_ToggleGrant(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, admin)

	assert.False(t, m.ToggleGrant(permissions.ModuleClients, permissions.ActionView, true), "no role selected")

	require.NoError(t, m.SelectRole(ctx, permissions.RoleStaff))
	assert.True(t, m.ToggleGrant(permissions.ModuleClients, permissions.ActionView, true))
	assert.False(t, m.ToggleGrant(permissions.ModuleClients, permissions.ActionView, true), "already on")
	assert.True(t, m.ToggleGrant(permissions.ModuleDashboard, permissions.ActionView, false))
	assert.False(t, m.ToggleGrant(reportsDeleteBad.Module, reportsDeleteBad.Action, true), "not in the catalog")

	ws := m.WorkingSet()
	assert.True(t, ws.Has(clientsView))
	assert.False(t, ws.Has(dashboardView))
	assert.False(t, ws.Has(reportsDeleteBad))
}

func TestManager_RestoreDefaults(t *testing.T) {
	ctx := context.Background()
	m, backend, _ := newManager(t, admin)
	backend.SetTemplate(1, permissions.RoleReceptionist, clientsView)

	assert.ErrorIs(t, m.RestoreDefaults(func(permissions.Role) bool { return true }), ErrNoRole)

	require.NoError(t, m.SelectRole(ctx, permissions.RoleReceptionist))
	assert.ErrorIs(t, m.RestoreDefaults(nil), ErrNotConfirmed)
	assert.ErrorIs(t, m.RestoreDefaults(func(permissions.Role) bool { return false }), ErrNotConfirmed)
	assert.True(t, m.WorkingSet().Equal(permissions.NewSet(clientsView)), "declined restore changes nothing")

	var asked []permissions.Role
	confirm := func(r permissions.Role) bool {
		asked = append(asked, r)
		return true
	}

	require.NoError(t, m.RestoreDefaults(confirm))
	once := m.WorkingSet()
	require.NoError(t, m.RestoreDefaults(confirm))
	twice := m.WorkingSet()

	assert.True(t, once.Equal(twice), "restore is idempotent")
	assert.True(t, once.Equal(permissions.DefaultPermissions(permissions.RoleReceptionist)))
	assert.Equal(t, []permissions.Role{permissions.RoleReceptionist, permissions.RoleReceptionist}, asked)
	assert.True(t, m.Dirty())
	assert.Equal(t, 0, backend.CountCalls(rbactest.MethodUpsertTemplate), "restore does not persist")
}

func TestManager_OwnerIsImmutable(t *testing.T) {
	ctx := context.Background()
	for _, role := range []permissions.Role{permissions.RoleOwner, permissions.RoleSuperAdmin} {
		t.Run(string(role), func(t *testing.T) {
			m, backend, inv := newManager(t, admin)
			require.NoError(t, m.SelectRole(ctx, role))
			before := m.WorkingSet()

			assert.False(t, m.Editable())
			assert.False(t, m.ToggleGrant(financialDelete.Module, financialDelete.Action, false))
			assert.True(t, m.WorkingSet().Equal(before))
			assert.True(t, m.WorkingSet().Equal(permissions.AllPermissions()))

			assert.ErrorIs(t, m.RestoreDefaults(func(permissions.Role) bool { return true }), ErrRoleLocked)
			assert.ErrorIs(t, m.Save(ctx), ErrRoleLocked)
			assert.Equal(t, 0, backend.CountCalls(rbactest.MethodUpsertTemplate))
			assert.Empty(t, inv.keys)
		})
	}
}

func TestManager_Authorization(t *testing.T) {
	ctx := context.Background()

	t.Run("without users:view", func(t *testing.T) {
		m, backend, _ := newManager(t, authorizer{})
		assert.ErrorIs(t, m.SelectRole(ctx, permissions.RoleStaff), ErrForbidden)
		assert.Equal(t, 0, backend.CountCalls(rbactest.MethodGetTemplate))
	})

	t.Run("read only", func(t *testing.T) {
		m, backend, _ := newManager(t, authorizer{permissions.ActionView: true})
		require.NoError(t, m.SelectRole(ctx, permissions.RoleStaff))
		assert.False(t, m.Editable())
		assert.False(t, m.ToggleGrant(clientsView.Module, clientsView.Action, true))
		assert.ErrorIs(t, m.RestoreDefaults(func(permissions.Role) bool { return true }), ErrForbidden)
		assert.ErrorIs(t, m.Save(ctx), ErrForbidden)
		assert.Equal(t, 0, backend.CountCalls(rbactest.MethodUpsertTemplate))
	})

	t.Run("no authorizer", func(t *testing.T) {
		m, _, _ := newManager(t, nil)
		assert.ErrorIs(t, m.SelectRole(ctx, permissions.RoleStaff), ErrForbidden)
	})
}

func TestManager_Save(t *testing.T) {
	ctx := context.Background()
	backend := rbactest.NewBackend()
	backend.SetMember(1, 20, permissions.RoleStaff, financialDelete)
	inv := &recordingInvalidator{}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	trail := audit.NewMemoryLogger()
	m := NewManager(1, backend, inv, admin, WithLogger(quietLogger()), WithMetrics(metrics), WithAudit(trail))

	assert.ErrorIs(t, m.Save(ctx), ErrNoRole)

	require.NoError(t, m.SelectRole(ctx, permissions.RoleStaff))
	m.ToggleGrant(clientsView.Module, clientsView.Action, true)

	t.Run("failure keeps the working set dirty", func(t *testing.T) {
		boom := errors.New("503 service unavailable")
		backend.FailOn(rbactest.MethodUpsertTemplate, boom)
		err := m.Save(ctx)
		assert.ErrorIs(t, err, ErrSaveFailed)
		assert.ErrorIs(t, err, boom)
		assert.True(t, m.Dirty())
		assert.True(t, m.WorkingSet().Has(clientsView))
		assert.Empty(t, inv.keys, "nothing is invalidated before an acknowledged write")
		backend.FailOn(rbactest.MethodUpsertTemplate, nil)
	})

	t.Run("success", func(t *testing.T) {
		require.NoError(t, m.Save(ctx))
		assert.False(t, m.Dirty())
		assert.True(t, m.Custom())
		assert.Equal(t, []string{fetch.TemplateKey(1, permissions.RoleStaff)}, inv.keys)

		stored, ok := backend.StoredTemplate(1, permissions.RoleStaff)
		require.True(t, ok)
		assert.True(t, stored.Equal(m.WorkingSet()))
		assert.True(t, backend.Grants(1, 20).Equal(permissions.NewSet(financialDelete)), "grants are untouched")
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SavesTotal.WithLabelValues("template", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SavesTotal.WithLabelValues("template", "success")))

	events := trail.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventStatusFailure, events[0].Status)
	assert.Equal(t, audit.EventStatusSuccess, events[1].Status)
	assert.Equal(t, "STAFF", events[1].ResourceID)
	assert.Contains(t, events[1].Changes.After["permissions"], clientsView.String())
}

// After a successful save, the next check of a session holding the role sees the new template.
func TestManager_SaveRefreshesActiveSessions(t *testing.T) {
	ctx := context.Background()
	backend := rbactest.NewBackend()
	backend.SetMember(1, 30, permissions.RoleStaff)
	backend.SetMember(2, 30, permissions.RoleStaff)
	cache := fetch.New(backend)

	staff := provider.New(cache, provider.WithLogger(quietLogger()))
	defer staff.Close()
	require.NoError(t, staff.Activate(ctx, provider.Session{UserID: 30, ClinicID: 1}))
	otherClinic := provider.New(cache, provider.WithLogger(quietLogger()))
	defer otherClinic.Close()
	require.NoError(t, otherClinic.Activate(ctx, provider.Session{UserID: 30, ClinicID: 2}))

	require.False(t, staff.HasPermission(clientsView.Module, clientsView.Action))
	require.True(t, staff.HasPermission(dashboardView.Module, dashboardView.Action))

	m := NewManager(1, backend, cache, admin, WithLogger(quietLogger()))
	require.NoError(t, m.SelectRole(ctx, permissions.RoleStaff))
	m.ToggleGrant(clientsView.Module, clientsView.Action, true)
	m.ToggleGrant(dashboardView.Module, dashboardView.Action, false)
	require.NoError(t, m.Save(ctx))

	assert.True(t, staff.HasPermission(clientsView.Module, clientsView.Action))
	assert.False(t, staff.HasPermission(dashboardView.Module, dashboardView.Action))

	assert.False(t, otherClinic.HasPermission(clientsView.Module, clientsView.Action), "other clinics keep their template")
	assert.True(t, otherClinic.HasPermission(dashboardView.Module, dashboardView.Action))
}
