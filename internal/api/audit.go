package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/nerrad567/gray-logic-cloud/internal/audit"
)

// handleAudit serves the relay audit trail. The bridge writes the
// trail as cloud frames are processed; this endpoint only reads it.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		respondInternal(w, "audit logging not configured")
		return
	}

	result, err := s.auditRepo.List(r.Context(), auditFilter(r.URL.Query()))
	if err != nil {
		s.logger.Error("audit trail query failed", "error", err)
		respondInternal(w, "failed to list audit logs")
		return
	}

	respond(w, http.StatusOK, result)
}

// auditFilter maps query parameters onto an audit.Filter.
//
// Recognised parameters: action and handler (exact match), limit
// (default 50, capped at 200 by the repository) and offset. Values
// that fail to parse are treated as absent.
func auditFilter(q url.Values) audit.Filter {
	filter := audit.Filter{
		Action:  q.Get("action"),
		Handler: q.Get("handler"),
	}

	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = n
	}

	return filter
}
