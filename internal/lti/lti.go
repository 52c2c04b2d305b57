// Package lti implements the tool side of the LTI 1.3 launch: the
// third-party login initiation and the id_token launch.
package lti

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/logsanitize"
	"github.com/al-bashkir/lti-identity-bridge/internal/state"
	"github.com/al-bashkir/lti-identity-bridge/internal/token"
)

// Config is the single platform registration this tool trusts.
type Config struct {
	ClientID              string
	DeploymentID          string
	Issuer                string
	AuthorizationEndpoint string
	ToolURL               string
}

// LaunchPath is where the platform posts the id_token.
const LaunchPath = "/lti/launch"

// RedirectURI returns the launch URL registered with the platform.
func (c Config) RedirectURI() string {
	return strings.TrimRight(c.ToolURL, "/") + LaunchPath
}

// TokenVerifier verifies id_tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, exp token.Expectations) (*token.Claims, error)
}

// Service runs both legs of the launch.
type Service struct {
	cfg      Config
	states   *state.Store
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewService creates a Service. states must use the LTI namespace.
func NewService(cfg Config, states *state.Store, verifier TokenVerifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		states:   states,
		verifier: verifier,
		logger:   logger,
	}
}

// LoginRequest is the platform's third-party login initiation.
type LoginRequest struct {
	Issuer        string
	LoginHint     string
	TargetLinkURI string
	MessageHint   string
	ClientID      string
}

// Login remembers a fresh state and nonce and returns the platform
// authorization URL the browser must be sent to.
func (s *Service) Login(ctx context.Context, req LoginRequest) (string, error) {
	var missing []string
	if req.Issuer == "" {
		missing = append(missing, "iss")
	}
	if req.LoginHint == "" {
		missing = append(missing, "login_hint")
	}
	if req.TargetLinkURI == "" {
		missing = append(missing, "target_link_uri")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", identity.ErrMissingParameter, strings.Join(missing, ", "))
	}

	st, err := state.GenerateToken(state.MinTokenBytes)
	if err != nil {
		return "", err
	}
	nonce, err := state.GenerateToken(state.MinTokenBytes)
	if err != nil {
		return "", err
	}

	rec := state.Record{
		Nonce:         nonce,
		Issuer:        req.Issuer,
		TargetLinkURI: req.TargetLinkURI,
	}
	if err := s.states.Put(ctx, st, rec); err != nil {
		return "", err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = s.cfg.ClientID
	}

	params := url.Values{}
	params.Set("response_type", "id_token")
	params.Set("client_id", clientID)
	params.Set("redirect_uri", s.cfg.RedirectURI())
	params.Set("scope", "openid")
	params.Set("login_hint", req.LoginHint)
	params.Set("nonce", nonce)
	params.Set("prompt", "none")
	params.Set("response_mode", "form_post")
	params.Set("state", st)
	params.Set("iss", req.Issuer)
	if req.MessageHint != "" {
		params.Set("lti_message_hint", req.MessageHint)
	}

	sep := "?"
	if strings.Contains(s.cfg.AuthorizationEndpoint, "?") {
		sep = "&"
	}

	s.logger.Debug("LTI login initiated",
		"state", logsanitize.TokenPrefix(st),
		"nonce", logsanitize.TokenPrefix(nonce),
	)

	return s.cfg.AuthorizationEndpoint + sep + params.Encode(), nil
}

// Launch consumes state, verifies idToken against the stored nonce and the
// configured registration, and extracts the user and course. Any
// verification failure is reported as identity.ErrInvalidToken.
func (s *Service) Launch(ctx context.Context, idToken, st string) (identity.UserContext, identity.CourseContext, error) {
	if idToken == "" || st == "" {
		return identity.UserContext{}, identity.CourseContext{}, fmt.Errorf("%w: id_token and state are required", identity.ErrMissingParameter)
	}

	rec, err := s.states.Take(ctx, st)
	if err != nil {
		return identity.UserContext{}, identity.CourseContext{}, err
	}

	claims, err := s.verifier.Verify(ctx, idToken, token.Expectations{
		Audience:          s.cfg.ClientID,
		Issuer:            s.cfg.Issuer,
		Nonce:             rec.Nonce,
		DeploymentID:      s.cfg.DeploymentID,
		RequireDeployment: true,
		CheckMessageType:  true,
	})
	if err != nil {
		s.logger.Error("id_token validation failed", "error", err)
		return identity.UserContext{}, identity.CourseContext{}, fmt.Errorf("%w: %w", identity.ErrInvalidToken, err)
	}

	user := ExtractUser(claims)
	course := ExtractCourse(claims)

	s.logger.Info("LTI launch validated",
		"user_id", user.UserID,
		"course_id", course.CourseID,
		"roles", user.Roles,
	)

	return user, course, nil
}

// ExtractUser builds the user context from verified launch claims.
func ExtractUser(c *token.Claims) identity.UserContext {
	sub := orDefault(c.Subject, "unknown")

	userID := sub
	if c.LIS != nil && c.LIS.PersonSourcedID != "" {
		userID = c.LIS.PersonSourcedID
	}

	return identity.UserContext{
		UserID:     userID,
		Name:       orDefault(c.Name, "Unknown User"),
		GivenName:  c.GivenName,
		FamilyName: c.FamilyName,
		Email:      c.Email,
		Picture:    c.Picture,
		Roles:      MapRoles(c.Roles),
		Sub:        sub,
	}
}

// ExtractCourse builds the course context from verified launch claims.
func ExtractCourse(c *token.Claims) identity.CourseContext {
	ctx := c.Context
	if ctx == nil {
		ctx = &token.Context{}
	}
	lis := c.LIS
	if lis == nil {
		lis = &token.LIS{}
	}

	contextType := []string(ctx.Type)
	if contextType == nil {
		contextType = []string{}
	}

	return identity.CourseContext{
		CourseID:                orDefault(ctx.ID, "unknown"),
		CourseCode:              ctx.Label,
		CourseTitle:             orDefault(ctx.Title, "Unknown Course"),
		CourseSection:           CourseSection(lis.CourseSectionSourcedID),
		CourseOfferingSourcedID: lis.CourseOfferingSourcedID,
		ContextType:             contextType,
	}
}

// CourseSection reduces a section sourced id such as "2025:SEC-A" to the
// part after the first ':'. Empty input yields "N/A".
func CourseSection(sourcedID string) string {
	if sourcedID == "" {
		return "N/A"
	}
	if _, rest, ok := strings.Cut(sourcedID, ":"); ok {
		return strings.TrimSpace(rest)
	}
	return sourcedID
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
