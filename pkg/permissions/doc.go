// Package permissions holds the clinic permission model: the module/action
// catalog, the factory grants of every role and the pure resolver.
//
// # Model
//
// A Permission is a (Module, Action) pair. The catalog declares which pairs
// exist; anything outside it never passes a check.
//
//	p := permissions.Permission{Module: permissions.ModuleClients, Action: permissions.ActionEdit}
//	// "clients:edit"
//
// # Resolution
//
// A user's effective permissions are the union of their role template and
// their explicit grants:
//
//	rs := permissions.Resolve(role, template, grants)
//	if rs.Has(permissions.ModuleFinancial, permissions.ActionExport) { ... }
//
// SUPER_ADMIN and OWNER resolve to every pair no matter what the template or
// grants contain. An unresolved role (nil, or the zero ResolvedSet) denies
// every check.
package permissions
