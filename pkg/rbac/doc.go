// Package rbac persists clinic memberships, explicit user grants and role templates.
//
// # Overview
//
// Every user holds exactly one role per clinic (clinic_memberships). On top of
// the role, a user may carry explicit (module, action) grants (user_grants).
// Each clinic may override the factory grants of a role (role_templates); when
// no row exists the factory table from pkg/permissions applies.
//
// The Backend interface is the contract consumed by the fetch cache, the
// template manager and the per-user editor:
//
//	store := rbac.NewStore(db)
//	access, err := store.GetAccess(ctx, clinicID, userID)
//	if errors.Is(err, rbac.ErrNotFound) {
//		// user is not a member of the clinic
//	}
//
// Writes are independent round trips. Replacing a user's grants is
// DeleteGrants followed by CreateGrants; callers must handle the case where
// the first succeeds and the second fails.
//
// # Templates
//
// GetTemplate never fails for a valid role: it returns the stored template
// (Custom=true) or the factory defaults (Custom=false). SUPER_ADMIN and OWNER
// always resolve to every permission and UpsertTemplate rejects them with
// ErrRoleLocked. Template writes never touch user_grants.
//
// # Acting User
//
// When the context carries an actor (contextkeys.WithActorID), writes record it
// in updated_by / granted_by.
//
// # Database Schema
//
//   - clinic_memberships: (clinic_id, user_id) → role
//   - user_grants: (clinic_id, user_id, module, action)
//   - role_templates: (clinic_id, role) → permissions JSON
//
// The SQL runs unchanged on PostgreSQL and SQLite:
//
//	err := rbac.RunMigrations(ctx, db, logger)
//
// # Testing
//
// Package rbactest provides an in-memory Backend with failure injection and a
// migrated in-memory SQLite store.
package rbac
