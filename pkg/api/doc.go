// Package api serves clinic memberships, user grants and role templates over HTTP.
//
// Every /v1 route expects the caller's identity in the X-User-ID and
// X-Clinic-ID headers. Routes under /v1/clinics/{clinic} only address the
// caller's active clinic; reads need users:view and writes need users:edit.
//
//	GET    /v1/catalog
//	GET    /v1/me/permissions
//	GET    /v1/clinics/{clinic}/members
//	GET    /v1/clinics/{clinic}/users/{user}/access
//	PUT    /v1/clinics/{clinic}/users/{user}/role
//	DELETE /v1/clinics/{clinic}/users/{user}/grants
//	POST   /v1/clinics/{clinic}/users/{user}/grants
//	GET    /v1/clinics/{clinic}/templates/{role}
//	POST   /v1/clinics/{clinic}/templates/{role}
//	GET    /v1/clinics/{clinic}/audit
//
// Writes invalidate the cached key they touch, so live sessions re-resolve.
package api
