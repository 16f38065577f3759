package api

import (
	"net/http"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

// getTemplate handles GET /v1/clinics/{clinic}/templates/{role}.
// Without a stored template the factory defaults are returned with custom=false.
func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}
	role, ok := httputil.ParsePathRoleOrError(w, r, "role")
	if !ok {
		return
	}

	tmpl, err := s.backend.GetTemplate(r.Context(), clinicID, role)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get template")
		httputil.WriteBackendError(w, err)
		return
	}
	if tmpl.Permissions == nil {
		tmpl.Permissions = []permissions.Permission{}
	}
	httputil.WriteSuccess(w, tmpl)
}

// upsertTemplate handles POST /v1/clinics/{clinic}/templates/{role}
func (s *Server) upsertTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}
	role, ok := httputil.ParsePathRoleOrError(w, r, "role")
	if !ok {
		return
	}

	var req TemplateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := rbac.ValidatePermissions(req.Permissions); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var before []string
	if prev, err := s.backend.GetTemplate(ctx, clinicID, role); err == nil {
		before = permissionStrings(prev.Permissions)
	}

	err := s.backend.UpsertTemplate(ctx, clinicID, role, req.Permissions)
	s.metrics.ObserveSave("template", err)

	event := audit.NewEvent(ctx, clinicID, audit.EventTypeTemplateSave, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeTemplate
	event.ResourceID = string(role)
	event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"permissions": before},
		After:  map[string]interface{}{"permissions": permissionStrings(req.Permissions)},
	}
	s.record(ctx, event, err)

	if err != nil {
		s.logger.WithError(err).WithField("role", role).Error("Failed to save template")
		httputil.WriteBackendError(w, err)
		return
	}

	s.invalidate(ctx, fetch.TemplateKey(clinicID, role))
	httputil.WriteNoContent(w)
}
