package httpserver

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/lti"
	"github.com/al-bashkir/lti-identity-bridge/internal/logsanitize"
)

// sessionResponse is the body of a successful session validation.
type sessionResponse struct {
	User   identity.UserContext   `json:"user"`
	Course identity.CourseContext `json:"course"`
}

// handleLogin handles third-party login initiation from the platform.
// Parameters arrive as a POST form or, for GET, in the query string.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	req := lti.LoginRequest{
		Issuer:        r.Form.Get("iss"),
		LoginHint:     r.Form.Get("login_hint"),
		TargetLinkURI: r.Form.Get("target_link_uri"),
		MessageHint:   r.Form.Get("lti_message_hint"),
		ClientID:      r.Form.Get("client_id"),
	}

	s.logger.Info("LTI login initiation received", // #nosec G706 -- values sanitized via logsanitize
		"iss", logsanitize.Sanitize(req.Issuer),
		"target_link_uri", logsanitize.Sanitize(req.TargetLinkURI),
	)

	authURL, err := s.svc.LTI.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrMissingParameter) {
			s.logger.Error("missing required parameters in LTI login")
			writeError(w, http.StatusBadRequest, "Missing required parameters")
			return
		}
		s.logger.Error("LTI login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login initiation failed: "+err.Error())
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleLaunch validates the platform's id_token, syncs the student and
// sends the browser to the frontend with a fresh session token.
// Every outcome is a redirect; failures land on the frontend's
// lti-required page with an error code.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.logger.Error("unreadable LTI launch form", "error", err)
		s.redirectLaunchError(w, r, "launch_failed")
		return
	}

	idToken := r.PostForm.Get("id_token")
	st := r.PostForm.Get("state")

	s.logger.Info("LTI launch received", "state", logsanitize.TokenPrefix(st))

	user, course, err := s.svc.LTI.Launch(r.Context(), idToken, st)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidOrExpiredState) || errors.Is(err, identity.ErrInvalidToken) {
			s.logger.Error("LTI launch validation failed", "error", err)
			s.redirectLaunchError(w, r, "invalid_token")
			return
		}
		s.logger.Error("LTI launch failed", "error", err)
		s.redirectLaunchError(w, r, "launch_failed")
		return
	}

	if s.svc.Students != nil {
		if _, err := s.svc.Students.SyncStudent(r.Context(), user); err != nil {
			s.logger.Error("student sync failed", "email", user.Email, "error", err)
		}
	}

	token, err := s.svc.Sessions.Create(r.Context(), user, course)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.redirectLaunchError(w, r, "launch_failed")
		return
	}

	s.logger.Info("session created for launch", "user_id", user.UserID, "course_id", course.CourseID)

	http.Redirect(w, r, s.frontendURL()+"/app?session_token="+url.QueryEscape(token), http.StatusFound)
}

func (s *Server) redirectLaunchError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, s.frontendURL()+"/lti-required?error="+code, http.StatusFound)
}

// handleValidate resolves a bearer session token to its user and course.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	token, present, ok := bearerToken(r)
	if !present {
		writeError(w, http.StatusUnauthorized, "Missing authorization header")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid authorization format")
		return
	}

	sess, err := s.svc.Sessions.Get(r.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrSessionNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired session")
			return
		}
		s.logger.Error("session validation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Session validation failed")
		return
	}

	s.logger.Debug("session validated", "session_id", sess.ID, "user_id", sess.User.UserID)
	writeJSON(w, http.StatusOK, sessionResponse{User: sess.User, Course: sess.Course})
}

// handleLogout destroys the bearer session. It always answers 200.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, present, ok := bearerToken(r)
	if !present {
		writeJSON(w, http.StatusOK, messageResponse{Message: "No session to logout"})
		return
	}

	if ok {
		if _, err := s.svc.Sessions.Delete(r.Context(), token); err != nil {
			s.logger.Error("logout failed", "error", err)
			writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out"})
			return
		}
		s.logger.Info("session destroyed", "token", logsanitize.TokenPrefix(token))
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

// handleRefresh resets the bearer session's lifetime.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, _, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid authorization")
		return
	}

	refreshed, err := s.svc.Sessions.Refresh(r.Context(), token)
	if err != nil {
		s.logger.Error("session refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Session refresh failed")
		return
	}
	if !refreshed {
		writeError(w, http.StatusUnauthorized, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Session refreshed"})
}
