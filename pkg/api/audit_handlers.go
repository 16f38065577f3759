package api

import (
	"net/http"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/httputil"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// searchAudit handles GET /v1/clinics/{clinic}/audit.
// Query parameters: since (RFC3339), type (repeatable), resource, limit.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := httputil.ParsePathInt64OrError(w, r, "clinic")
	if !ok {
		return
	}

	since, err := httputil.ParseQueryTime(r, "since")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid since: "+err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultAuditLimit)
	if err != nil || limit <= 0 {
		httputil.WriteBadRequest(w, "invalid limit")
		return
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	filter := audit.SearchFilter{
		ClinicID:   clinicID,
		StartTime:  since,
		ResourceID: r.URL.Query().Get("resource"),
		Limit:      limit,
	}
	for _, t := range r.URL.Query()["type"] {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
	}

	events, err := s.searcher.Search(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to search audit events")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
