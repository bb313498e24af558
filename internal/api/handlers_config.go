package api

import (
	"net/http"

	"github.com/MLTQ/ponderer-backend/internal/config"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.cfg)
}

// handlePutConfig replaces the whole-config snapshot and persists it to
// cfgPath (if set).
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var updated config.Config
	if err := decodeJSON(r, &updated); err != nil {
		jsonError(w, "invalid config body", http.StatusBadRequest)
		return
	}
	*s.cfg = updated
	if s.cfgPath != "" {
		if err := config.Save(s.cfgPath, s.cfg); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	jsonResponse(w, s.cfg)
}
