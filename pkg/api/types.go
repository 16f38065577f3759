package api

import (
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

// RoleRequest is the body of PUT /v1/clinics/{clinic}/users/{user}/role
type RoleRequest struct {
	Role permissions.Role `json:"role"`
}

// GrantsRequest is the body of POST /v1/clinics/{clinic}/users/{user}/grants
type GrantsRequest struct {
	Grants []permissions.Permission `json:"grants"`
}

// TemplateRequest is the body of POST /v1/clinics/{clinic}/templates/{role}
type TemplateRequest struct {
	Permissions []permissions.Permission `json:"permissions"`
}

// CatalogResponse lists every module with its actions and every role with its defaults
type CatalogResponse struct {
	Modules []permissions.ModuleSpec     `json:"modules"`
	Roles   []permissions.RoleDefinition `json:"roles"`
}

// PermissionsResponse is the caller's resolved permission set
type PermissionsResponse struct {
	UserID      int64                    `json:"user_id"`
	ClinicID    int64                    `json:"clinic_id"`
	Status      string                   `json:"status"`
	Role        permissions.Role         `json:"role,omitempty"`
	All         bool                     `json:"all"`
	Permissions []permissions.Permission `json:"permissions"`
	Error       string                   `json:"error,omitempty"`
}

// MembersResponse lists a clinic's memberships
type MembersResponse struct {
	Members []MemberInfo `json:"members"`
}

// MemberInfo is one membership row
type MemberInfo struct {
	UserID    int64            `json:"user_id"`
	Role      permissions.Role `json:"role"`
	UpdatedBy *int64           `json:"updated_by,omitempty"`
}
