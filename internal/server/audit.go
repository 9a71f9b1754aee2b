package server

import (
	"net/http"
	"time"

	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/store"
)

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	q := r.URL.Query()

	filter := store.AuditFilter{
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		UserID:       q.Get("userId"),
		Operation:    q.Get("operation"),
		Path:         q.Get("path"),
		FailuresOnly: q.Get("failuresOnly") == "true",
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, vaulterrors.InvalidInputf("%s must be RFC 3339", name))
			return
		}
		*dst = &t
	}

	limit, offset := page(r)
	records, err := s.audit.Query(r.Context(), p.TeamID, filter, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAuditRecordResponses(records))
}
