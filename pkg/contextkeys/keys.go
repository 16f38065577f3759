// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/clinicaccess/pkg/contextkeys"
//	ctx = contextkeys.WithActorID(ctx, userID)
//	actorID, ok := contextkeys.GetActorID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *middleware.Identity
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: All /v1 endpoints, permission middleware
	// Type: *middleware.Identity
	IdentityKey Key = "identity"

	// ActorIDKey contains the acting user's ID
	// Set by: middleware.IdentityMiddleware
	// Used by: rbac.Store (updated_by / granted_by columns), audit trail
	// Type: int64
	ActorIDKey Key = "actor_id"

	// ProviderKey contains the caller's *provider.Provider
	// Set by: middleware.RequirePermission
	// Used by: Handlers that answer permission checks for the current session
	// Type: *provider.Provider
	ProviderKey Key = "permission_provider"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// AuditLoggerKey contains audit.Logger interface
	// Set by: api.Server when an audit logger is configured
	// Used by: Handlers that record access changes
	// Type: audit.Logger
	AuditLoggerKey Key = "audit_logger"
)

// Helper functions for type-safe context operations

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithActorID adds the acting user's ID to the context
func WithActorID(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithProvider adds a permission provider to the context
func WithProvider(ctx context.Context, p interface{}) context.Context {
	return context.WithValue(ctx, ProviderKey, p)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithAuditLogger adds audit logger to the context
func WithAuditLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetActorID retrieves the acting user's ID from context
func GetActorID(ctx context.Context) (int64, bool) {
	actorID, ok := ctx.Value(ActorIDKey).(int64)
	return actorID, ok
}
