// Package httputil provides the JSON request and response helpers shared by the API handlers.
//
// # Responses
//
//	httputil.WriteSuccess(w, access)
//	httputil.WriteBadRequest(w, "unknown module")
//	httputil.WriteBackendError(w, err) // rbac.ErrNotFound => 404, ErrInvalidRole => 400, ...
//
// Every error body has the shape {"error": "..."}.
//
// # Requests
//
//	var req RoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // error response already written
//	}
//	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
//	role, ok := httputil.ParsePathRoleOrError(w, r, "role")
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
