// Package session keeps the permission Provider of every active (user, clinic)
// session of the server.
//
//	registry := session.NewRegistry(cache, session.Config{
//		IdleTimeout:   30 * time.Minute,
//		SweepSchedule: "@every 1m",
//	})
//	if err := registry.Start(); err != nil {
//		return err
//	}
//	defer registry.Close(ctx)
//
//	p, err := registry.Get(ctx, provider.Session{UserID: 7, ClinicID: 3})
//	if err == nil && p.HasPermission(permissions.ModuleClients, permissions.ActionView) {
//		// serve
//	}
//
// Providers stay subscribed to the fetch cache, so a template or grant write
// refreshes every live session it affects.
package session
