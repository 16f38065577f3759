package api

import (
	"net/http"

	"github.com/platinummonkey/clinicaccess/pkg/httputil"
	"github.com/platinummonkey/clinicaccess/pkg/middleware"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
)

// getCatalog handles GET /v1/catalog
func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, CatalogResponse{
		Modules: permissions.Catalog(),
		Roles:   permissions.DefaultRoles(),
	})
}

// getMyPermissions handles GET /v1/me/permissions.
// The snapshot is reported as is; a loading or failed session lists no permissions.
func (s *Server) getMyPermissions(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	p := middleware.ProviderFromContext(r.Context())
	if identity == nil || p == nil {
		httputil.WriteServiceUnavailable(w, "permission session unavailable")
		return
	}

	st := p.Snapshot()
	resp := PermissionsResponse{
		UserID:      identity.UserID,
		ClinicID:    identity.ClinicID,
		Status:      st.Status.String(),
		Permissions: []permissions.Permission{},
	}
	if st.Status == provider.StatusReady {
		resp.Role = st.Resolved.Role()
		resp.All = st.Resolved.All()
		resp.Permissions = st.Resolved.Permissions()
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	httputil.WriteSuccess(w, resp)
}
