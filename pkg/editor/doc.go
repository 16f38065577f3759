// Package editor edits one user's role and explicit grants within a clinic.
//
//	ed := editor.New(store, cache, adminProvider)
//	if err := ed.Load(ctx, userID, clinicID); err != nil {
//		return err
//	}
//	_ = ed.SetRole(permissions.RoleReceptionist)
//	ed.ToggleModule(permissions.ModuleClients, true)
//	result, err := ed.Save(ctx)
//	var partial *editor.PartialSaveError
//	if errors.As(err, &partial) {
//		// result tells which half persisted
//	}
//
// Save issues the role write and the grants replace (delete all, then
// insert) as independent writes. Grants extend the role template; they never
// remove template permissions.
package editor
