// Package templates edits per-clinic role templates.
//
// A Manager holds one role's template as a working set:
//
//	m := templates.NewManager(clinicID, store, cache, adminProvider)
//	if err := m.SelectRole(ctx, permissions.RoleReceptionist); err != nil {
//		return err
//	}
//	m.ToggleGrant(permissions.ModuleFinancial, permissions.ActionView, true)
//	if err := m.Save(ctx); errors.Is(err, templates.ErrSaveFailed) {
//		// the working set is still dirty; retry later
//	}
//
// SUPER_ADMIN and OWNER always resolve to every permission, so their
// templates are read-only: toggles are no-ops and RestoreDefaults and Save
// return ErrRoleLocked. Saving a template never touches user grants.
package templates
