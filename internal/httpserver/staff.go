package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/oidc"
)

// staffExchangeRequest is the body of POST /lti/staff/exchange.
type staffExchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// staffExchangeResponse carries the mapped user, the verified id_token
// claims and a session token usable like an LTI session.
type staffExchangeResponse struct {
	User         identity.UserContext `json:"user"`
	Claims       map[string]any       `json:"claims"`
	SessionToken string               `json:"session_token"`
}

// handleStaffLogin sends the browser to the identity provider.
func (s *Server) handleStaffLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.svc.Staff.AuthorizationURL(r.Context())
	if err != nil {
		s.logger.Error("staff sign-in could not start", "error", err)
		s.writeStaffError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleStaffExchange redeems the authorization code the frontend received
// on its callback. The exchange runs server-side so the browser never talks
// to the token endpoint.
func (s *Server) handleStaffExchange(w http.ResponseWriter, r *http.Request) {
	var req staffExchangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, claims, err := s.svc.Staff.Exchange(r.Context(), req.Code, req.State)
	if err != nil {
		s.logger.Error("staff code exchange failed", "error", err)
		s.writeStaffError(w, err)
		return
	}

	token, err := s.svc.Sessions.Create(r.Context(), user, identity.CourseContext{})
	if err != nil {
		s.logger.Error("failed to create staff session", "error", err)
		writeError(w, http.StatusInternalServerError, "Staff sign-in failed")
		return
	}

	writeJSON(w, http.StatusOK, staffExchangeResponse{
		User:         user,
		Claims:       claims,
		SessionToken: token,
	})
}

// handleStaffLogout ends any bearer session and sends the browser to the
// provider's end-session endpoint, or shows a local signed-out page when
// the provider has none.
func (s *Server) handleStaffLogout(w http.ResponseWriter, r *http.Request) {
	if token, _, ok := bearerToken(r); ok {
		if _, err := s.svc.Sessions.Delete(r.Context(), token); err != nil {
			s.logger.Error("staff session delete failed", "error", err)
		}
	}

	logoutURL, err := s.svc.Staff.LogoutURL(r.Context(), s.frontendURL())
	if err != nil && !errors.Is(err, identity.ErrNotConfigured) {
		s.logger.Error("staff end-session lookup failed", "error", err)
	}
	if logoutURL != "" {
		http.Redirect(w, r, logoutURL, http.StatusFound)
		return
	}

	s.renderSignedOut(w, s.frontendURL())
}

// writeStaffError maps staff flow failures to status codes.
func (s *Server) writeStaffError(w http.ResponseWriter, err error) {
	var exErr *oidc.ExchangeError

	switch {
	case errors.Is(err, identity.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Staff sign-in is not configured")
	case errors.Is(err, identity.ErrMissingParameter):
		writeError(w, http.StatusBadRequest, "Missing code or state")
	case errors.Is(err, identity.ErrInvalidOrExpiredState):
		writeError(w, http.StatusBadRequest, "Invalid or expired state")
	case errors.As(err, &exErr):
		writeError(w, http.StatusUnauthorized, exErr.Detail)
	case errors.Is(err, identity.ErrTokenExchangeFailed):
		writeError(w, http.StatusUnauthorized, "Token exchange failed")
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "Invalid id_token")
	case errors.Is(err, identity.ErrMetadata):
		writeError(w, http.StatusBadGateway, "Identity provider metadata unavailable")
	case errors.Is(err, identity.ErrMissingIdToken):
		writeError(w, http.StatusBadGateway, "Token response did not include an id_token")
	default:
		writeError(w, http.StatusInternalServerError, "Staff sign-in failed")
	}
}
