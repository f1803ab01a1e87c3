package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/templates"
)

// handleListTemplates serves the template catalog. refresh=true forces
// an upstream fetch ahead of the TTL; category and keyword filter the
// snapshot.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		respondError(w, errdefs.E(errdefs.KindInternal, "template service unavailable"))
		return
	}

	q := r.URL.Query()
	refresh := false
	if v := q.Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, errdefs.Ef(errdefs.KindInvalidParams, "invalid refresh %q", v))
			return
		}
		refresh = b
	}

	catalog, err := s.templates.List(r.Context(), templates.Filter{
		Category: q.Get("category"),
		Keyword:  q.Get("keyword"),
	}, refresh)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, catalog)
}
