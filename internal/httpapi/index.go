package httpapi

import (
	_ "embed"
	"html/template"
	"net/http"
	"sort"
)

//go:embed index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

type indexData struct {
	Applications []string
}

// handleIndex serves a minimal landing page listing the configured
// applications. Any path other than the root is a not-found.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Path != "/" {
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "unknown route"}
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	names := h.resolver.Profiles()
	sort.Strings(names)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	return indexTemplate.Execute(w, indexData{Applications: names})
}
