package api

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

// handlePlugins lists every BackendPluginManifest the tool registry
// advertises, including the fixed "builtin.core" entry.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.registry.Manifests())
}
