package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

var (
	// ErrNotFound is returned when a clinic membership does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidRole is returned for roles outside the role table
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidPermission is returned for pairs outside the catalog
	ErrInvalidPermission = errors.New("invalid permission")

	// ErrRoleLocked is returned when writing a template for a role that always resolves to everything
	ErrRoleLocked = errors.New("role template is locked")
)

// Backend is the persistence contract of the permission subsystem.
//
// Implementations: *Store (SQL) and *client.Client (HTTP). Writes are
// independent: no call is atomic with another, so DeleteGrants followed by
// CreateGrants is two round trips.
type Backend interface {
	// GetAccess returns the role and explicit grants of a user in a clinic
	GetAccess(ctx context.Context, clinicID, userID int64) (*Access, error)

	// ListMembers returns every membership of a clinic
	ListMembers(ctx context.Context, clinicID int64) ([]Membership, error)

	// UpdateRole sets the role of a user in a clinic
	UpdateRole(ctx context.Context, clinicID, userID int64, role permissions.Role) error

	// DeleteGrants removes every explicit grant of a user in a clinic
	DeleteGrants(ctx context.Context, clinicID, userID int64) error

	// CreateGrants inserts explicit grants for a user in a clinic
	CreateGrants(ctx context.Context, clinicID, userID int64, grants []permissions.Permission) error

	// GetTemplate returns the clinic's template for a role, falling back to factory defaults
	GetTemplate(ctx context.Context, clinicID int64, role permissions.Role) (*RoleTemplate, error)

	// UpsertTemplate persists the clinic's template for a role
	UpsertTemplate(ctx context.Context, clinicID int64, role permissions.Role, grants []permissions.Permission) error
}

// ValidateRole checks a role against the role table
func ValidateRole(role permissions.Role) error {
	for _, r := range permissions.Roles() {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidRole, role)
}

// ValidatePermissions checks every pair against the catalog
func ValidatePermissions(grants []permissions.Permission) error {
	for _, p := range grants {
		if !permissions.IsValid(p) {
			return fmt.Errorf("%w: %s", ErrInvalidPermission, p)
		}
	}
	return nil
}
