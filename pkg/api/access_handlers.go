package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/middleware"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

// listMembers handles GET /v1/clinics/{clinic}/members
func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}

	members, err := s.backend.ListMembers(r.Context(), clinicID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list members")
		httputil.WriteBackendError(w, err)
		return
	}

	resp := MembersResponse{Members: make([]MemberInfo, 0, len(members))}
	for _, m := range members {
		resp.Members = append(resp.Members, MemberInfo{
			UserID:    m.UserID,
			Role:      m.Role,
			UpdatedBy: m.UpdatedBy,
		})
	}
	httputil.WriteSuccess(w, resp)
}

// getAccess handles GET /v1/clinics/{clinic}/users/{user}/access
func (s *Server) getAccess(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	access, err := s.backend.GetAccess(r.Context(), clinicID, userID)
	if err != nil {
		if !errors.Is(err, rbac.ErrNotFound) {
			s.logger.WithError(err).Error("Failed to get access")
		}
		httputil.WriteBackendError(w, err)
		return
	}
	if access.Grants == nil {
		access.Grants = []permissions.Permission{}
	}
	httputil.WriteSuccess(w, access)
}

// updateRole handles PUT /v1/clinics/{clinic}/users/{user}/role.
// Moving a user into or out of SUPER_ADMIN takes a SUPER_ADMIN caller, and
// into or out of OWNER an OWNER or SUPER_ADMIN caller.
func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := permissions.ParseRole(string(req.Role))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var current permissions.Role
	access, err := s.backend.GetAccess(ctx, clinicID, userID)
	switch {
	case err == nil:
		current = access.Role
	case errors.Is(err, rbac.ErrNotFound):
	default:
		s.logger.WithError(err).Error("Failed to load current role")
		httputil.WriteBackendError(w, err)
		return
	}

	if !permissions.CanChangeRole(callerRole(r), current, role) {
		if role == permissions.RoleSuperAdmin || current == permissions.RoleSuperAdmin {
			httputil.WriteForbidden(w, "only a super admin can assign the super admin role")
		} else {
			httputil.WriteForbidden(w, "only an owner or super admin can assign the owner role")
		}
		return
	}

	err = s.backend.UpdateRole(ctx, clinicID, userID, role)

	event := audit.NewEvent(ctx, clinicID, audit.EventTypeRoleChange, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeMembership
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"role": string(current)},
		After:  map[string]interface{}{"role": string(role)},
	}
	s.record(ctx, event, err)

	if err != nil {
		s.logger.WithError(err).Error("Failed to update role")
		httputil.WriteBackendError(w, err)
		return
	}

	s.invalidate(ctx, fetch.AccessKey(clinicID, userID))
	httputil.WriteNoContent(w)
}

// deleteGrants handles DELETE /v1/clinics/{clinic}/users/{user}/grants
func (s *Server) deleteGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	err := s.backend.DeleteGrants(ctx, clinicID, userID)

	event := audit.NewEvent(ctx, clinicID, audit.EventTypeGrantsReplace, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeGrants
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Message = "grants cleared"
	s.record(ctx, event, err)

	if err != nil {
		s.logger.WithError(err).Error("Failed to delete grants")
		httputil.WriteBackendError(w, err)
		return
	}

	s.invalidate(ctx, fetch.AccessKey(clinicID, userID))
	httputil.WriteNoContent(w)
}

// createGrants handles POST /v1/clinics/{clinic}/users/{user}/grants
func (s *Server) createGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	var req GrantsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := rbac.ValidatePermissions(req.Grants); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	err := s.backend.CreateGrants(ctx, clinicID, userID, req.Grants)

	event := audit.NewEvent(ctx, clinicID, audit.EventTypeGrantsReplace, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeGrants
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Changes = &audit.ChangeDetails{
		After: map[string]interface{}{"grants": permissionStrings(req.Grants)},
	}
	s.record(ctx, event, err)

	if err != nil {
		s.logger.WithError(err).Error("Failed to create grants")
		httputil.WriteBackendError(w, err)
		return
	}

	s.invalidate(ctx, fetch.AccessKey(clinicID, userID))
	httputil.WriteNoContent(w)
}

func callerRole(r *http.Request) permissions.Role {
	p := middleware.ProviderFromContext(r.Context())
	if p == nil {
		return ""
	}
	role, ok := p.Role()
	if !ok {
		return ""
	}
	return role
}

func permissionStrings(perms []permissions.Permission) []string {
	sorted := permissions.NewSet(perms...).Slice()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = p.String()
	}
	return out
}
