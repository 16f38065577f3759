// Package provider holds the session-scoped resolved permission set.
//
// A Provider resolves role, role template and explicit grants of one user in
// the active clinic and answers HasPermission from memory:
//
//	p := provider.New(cache, provider.WithMetrics(metrics))
//	defer p.Close()
//	if err := p.Activate(ctx, provider.Session{UserID: 7, ClinicID: 3}); err != nil {
//		// checks deny; p.Err() returns the failure
//	}
//	if p.HasPermission(permissions.ModuleClients, permissions.ActionEdit) {
//		// show the edit control
//	}
//
// Checks deny while a resolve is loading, after a failed resolve and after
// Logout. A result that arrives after a newer Activate, Refresh or Logout is
// discarded and the call returns ErrSuperseded.
//
// The Provider subscribes to the source's invalidations. An event for its
// access key or its role's template key discards the resolved set and
// re-resolves before the invalidating call returns.
package provider
