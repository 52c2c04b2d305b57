package httpserver

import (
	"net/http"
)

// renderSignedOut renders the local signed-out page with a link back to
// the frontend.
func (s *Server) renderSignedOut(w http.ResponseWriter, returnURL string) {
	data := map[string]string{
		"ReturnURL": returnURL,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := s.templates.ExecuteTemplate(w, "signed_out.html", data); err != nil {
		s.logger.Error("failed to render signed-out template", "error", err)
	}
}
