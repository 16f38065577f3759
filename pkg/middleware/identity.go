package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/platinummonkey/clinicaccess/pkg/contextkeys"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
)

// Headers set by the trusted gateway in front of the service
const (
	UserIDHeader   = "X-User-ID"
	ClinicIDHeader = "X-Clinic-ID"
)

// Identity is the authenticated caller and the clinic they act in
type Identity struct {
	UserID   int64 `json:"user_id"`
	ClinicID int64 `json:"clinic_id"`
}

// Session returns the permission session of the identity
func (i *Identity) Session() provider.Session {
	return provider.Session{UserID: i.UserID, ClinicID: i.ClinicID}
}

// IdentityMiddleware reads the caller identity from gateway headers
type IdentityMiddleware struct {
	optional bool // If true, allow requests without identity
}

// NewIdentityMiddleware creates the identity middleware
func NewIdentityMiddleware(optional bool) *IdentityMiddleware {
	return &IdentityMiddleware{optional: optional}
}

// Handler adds the Identity and actor ID to the request context
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userHeader := r.Header.Get(UserIDHeader)
		clinicHeader := r.Header.Get(ClinicIDHeader)
		if userHeader == "" && clinicHeader == "" && m.optional {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := strconv.ParseInt(userHeader, 10, 64)
		if err != nil || userID <= 0 {
			httputil.WriteUnauthorized(w, "missing or invalid "+UserIDHeader+" header")
			return
		}
		clinicID, err := strconv.ParseInt(clinicHeader, 10, 64)
		if err != nil || clinicID <= 0 {
			httputil.WriteUnauthorized(w, "missing or invalid "+ClinicIDHeader+" header")
			return
		}

		ctx := WithIdentity(r.Context(), &Identity{UserID: userID, ClinicID: clinicID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithIdentity stores identity and its actor ID in ctx
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	ctx = contextkeys.WithIdentity(ctx, identity)
	return contextkeys.WithActorID(ctx, identity.UserID)
}

// GetIdentity extracts the caller identity from the request
func GetIdentity(r *http.Request) *Identity {
	return IdentityFromContext(r.Context())
}

// IdentityFromContext returns the caller identity or nil
func IdentityFromContext(ctx context.Context) *Identity {
	identity, ok := ctx.Value(contextkeys.IdentityKey).(*Identity)
	if !ok {
		return nil
	}
	return identity
}
