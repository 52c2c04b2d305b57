package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// maxBodyBytes bounds form and JSON request bodies.
const maxBodyBytes = 1 << 20

// errorResponse is the JSON body of every error answer.
type errorResponse struct {
	Detail string `json:"detail"`
}

// messageResponse is the JSON body of logout and refresh answers.
type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status already written.
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// bearerToken splits an Authorization header. present reports whether the
// header was sent at all; ok whether it used the Bearer scheme.
func bearerToken(r *http.Request) (token string, present, ok bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false, false
	}
	token, ok = strings.CutPrefix(header, "Bearer ")
	return token, true, ok
}
