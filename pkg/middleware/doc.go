// Package middleware provides the HTTP middleware of the access service: caller
// identity, permission gating and rate limiting.
//
// # Ordering
//
//	router.Use(identity.Handler)       // 1. X-User-ID / X-Clinic-ID => Identity
//	router.Use(limits.Handler)         // 2. per caller token bucket
//	router.Use(perms.Session)          // 3. attaches the caller's Provider
//	admin.Use(perms.RequirePermission(permissions.ModuleUsers, permissions.ActionEdit))
//
// RequirePermission answers 401 without identity and 403 when the caller's
// Provider denies the pair, including while it is loading or after a failed
// resolve. Every denial is recorded as an authz.access_denied audit event.
//
// # Rate Limiting
//
// RateLimiter keeps buckets in process. DistributedRateLimiter shares a fixed
// window counter across instances through Redis. NewRateLimitMiddleware accepts
// either.
package middleware
