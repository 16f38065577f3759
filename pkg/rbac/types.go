package rbac

import (
	"time"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

// Membership attaches exactly one role to a user within a clinic
type Membership struct {
	ClinicID  int64            `json:"clinic_id"`
	UserID    int64            `json:"user_id"`
	Role      permissions.Role `json:"role"`
	UpdatedAt time.Time        `json:"updated_at"`
	UpdatedBy *int64           `json:"updated_by,omitempty"`
}

// UserGrant is one explicit permission row of a (clinic, user) pair
type UserGrant struct {
	ClinicID   int64                  `json:"clinic_id"`
	UserID     int64                  `json:"user_id"`
	Permission permissions.Permission `json:"permission"`
	GrantedAt  time.Time              `json:"granted_at"`
}

// Access is the role-and-grants payload of one user in one clinic
type Access struct {
	ClinicID int64                    `json:"clinic_id"`
	UserID   int64                    `json:"user_id"`
	Role     permissions.Role         `json:"role"`
	Grants   []permissions.Permission `json:"grants"`

	// Rejected lists stored grant rows that no longer match the catalog.
	// They never take part in resolution.
	Rejected []string `json:"rejected,omitempty"`
}

// GrantSet returns the grants as a permission set
func (a *Access) GrantSet() permissions.Set {
	if a == nil {
		return permissions.Set{}
	}
	return permissions.NewSet(a.Grants...)
}

// RoleTemplate is the persisted default grant set of a role within a clinic
type RoleTemplate struct {
	ClinicID    int64                    `json:"clinic_id"`
	Role        permissions.Role         `json:"role"`
	Name        string                   `json:"name"`
	Permissions []permissions.Permission `json:"permissions"`

	// Custom is false when no template was saved and the factory defaults apply
	Custom    bool       `json:"custom"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy *int64     `json:"updated_by,omitempty"`
}

// PermissionSet returns the template grants as a permission set
func (t *RoleTemplate) PermissionSet() permissions.Set {
	if t == nil {
		return permissions.Set{}
	}
	return permissions.NewSet(t.Permissions...)
}

// FactoryTemplate builds the non-persisted template of a role from the default table
func FactoryTemplate(clinicID int64, role permissions.Role) *RoleTemplate {
	return &RoleTemplate{
		ClinicID:    clinicID,
		Role:        role,
		Name:        DefaultTemplateName(role),
		Permissions: permissions.DefaultPermissions(role).Slice(),
		Custom:      false,
	}
}

// DefaultTemplateName is the name given to a role's template when none is supplied
func DefaultTemplateName(role permissions.Role) string {
	return "default:" + string(role)
}
