package api

import (
	"net/http"
	"time"

	"crewroute/internal/buildinfo"
)

// DebugJSON reports build info and the redacted settings the process started with.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":    buildinfo.Info(),
		"time":     time.Now().UTC().Format(time.RFC3339),
		"settings": s.Settings,
	})
}
