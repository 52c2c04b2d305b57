// Package backend keeps the student records of the course backend API in
// step with LTI launches.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

// DefaultTimeout bounds every backend API request.
const DefaultTimeout = 10 * time.Second

// Client talks to the backend student API rooted at baseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. A nil httpClient gets DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// student is the create payload of POST /students/.
type student struct {
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	DateOfBirth    *string `json:"date_of_birth"`
	ProfilePicture string  `json:"profile_picture"`
	Location       *string `json:"location"`
}

// SyncStudent records a login for user, creating the student first when the
// backend does not know it. Users without an email are skipped. The result
// reports whether the backend accepted the sync.
func (c *Client) SyncStudent(ctx context.Context, user identity.UserContext) (bool, error) {
	if c.baseURL == "" {
		return false, nil
	}
	if user.Email == "" {
		c.logger.Warn("no email on user, skipping backend sync", "user_id", user.UserID)
		return false, nil
	}

	name := user.Name
	if name == "" {
		name = "Unknown User"
	}
	studentURL := c.baseURL + "/students/" + url.PathEscape(user.Email)

	status, _, err := c.do(ctx, http.MethodGet, studentURL, nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusOK {
		c.logger.Info("student exists, updating login info", "email", user.Email)
		status, body, err := c.do(ctx, http.MethodPut, studentURL+"/login", nil)
		if err != nil {
			return false, err
		}
		if status != http.StatusOK {
			c.logger.Warn("login update rejected", "email", user.Email, "status", status, "body", body)
		}
		return true, nil
	}

	picture := strings.TrimSpace(user.Picture)
	if picture == "" {
		picture = "https://ui-avatars.com/api/?name=" + strings.ReplaceAll(name, " ", "+") + "&size=200"
	}

	payload, err := json.Marshal(student{
		Name:           name,
		Email:          user.Email,
		ProfilePicture: picture,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode student: %w", err)
	}

	c.logger.Info("creating student", "email", user.Email)
	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/students/", payload)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return false, fmt.Errorf("student create failed: %d - %s", status, body)
	}

	c.logger.Info("student created", "email", user.Email)
	return true, nil
}

// do sends one request and returns the status and a bounded response body.
func (c *Client) do(ctx context.Context, method, target string, body []byte) (int, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(data), nil
}
