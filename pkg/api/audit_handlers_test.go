package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
	"github.com/platinummonkey/clinicaccess/pkg/rbac/rbactest"
)

func TestAuditSearch_SQLite(t *testing.T) {
	db := rbactest.NewSQLiteDB(t)
	store := rbac.NewStore(db)
	ctx := context.Background()
	require.NoError(t, store.UpdateRole(ctx, 1, managerID, permissions.RoleManager))
	require.NoError(t, store.UpdateRole(ctx, 1, staffID, permissions.RoleStaff))

	sink, err := audit.NewDBLogger(db)
	require.NoError(t, err)
	env := newTestEnv(t, store, WithAudit(sink), WithAuditSearch(sink))

	w := env.do(t, http.MethodPut, "/v1/clinics/1/users/9/role", managerID, RoleRequest{Role: permissions.RoleFinancial})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/v1/clinics/1/templates/FINANCIAL", managerID, TemplateRequest{
		Permissions: []permissions.Permission{{Module: permissions.ModuleFinancial, Action: permissions.ActionView}},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/clinics/1/users/9/access", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"FINANCIAL"`)

	var resp struct {
		Events []*audit.AuditEvent `json:"events"`
	}
	w = env.do(t, http.MethodGet, "/v1/clinics/1/audit", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &resp)
	require.Len(t, resp.Events, 2)
	for _, ev := range resp.Events {
		require.NotNil(t, ev.ActorID)
		assert.Equal(t, int64(managerID), *ev.ActorID)
	}

	w = env.do(t, http.MethodGet, "/v1/clinics/1/audit?type=authz.template_save", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "FINANCIAL", resp.Events[0].ResourceID)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/audit?limit=1", managerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Len(t, resp.Events, 1)
}

func TestAuditSearch_BadQuery(t *testing.T) {
	db := rbactest.NewSQLiteDB(t)
	sink, err := audit.NewDBLogger(db)
	require.NoError(t, err)
	env := newTestEnv(t, seededBackend(), WithAuditSearch(sink))

	w := env.do(t, http.MethodGet, "/v1/clinics/1/audit?since=yesterday", managerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/audit?limit=-3", managerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/clinics/1/audit", receptionistID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuditSearch_NotMountedWithoutSearcher(t *testing.T) {
	env := newTestEnv(t, seededBackend())

	w := env.do(t, http.MethodGet, "/v1/clinics/1/audit", managerID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
