// Package token verifies signed identity tokens issued by learning platforms
// and the staff identity provider.
package token

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// LTI claim names.
const (
	ClaimPrefix        = "https://purl.imsglobal.org/spec/lti/claim/"
	ClaimDeploymentID  = ClaimPrefix + "deployment_id"
	ClaimMessageType   = ClaimPrefix + "message_type"
	ClaimVersion       = ClaimPrefix + "version"
	ClaimRoles         = ClaimPrefix + "roles"
	ClaimContext       = ClaimPrefix + "context"
	ClaimLIS           = ClaimPrefix + "lis"
	ClaimResourceLink  = ClaimPrefix + "resource_link"
	ClaimTargetLinkURI = ClaimPrefix + "target_link_uri"
)

// MessageTypeResourceLink is the only LTI message type this service expects.
const MessageTypeResourceLink = "LtiResourceLinkRequest"

// Context is the LTI context (course) claim.
type Context struct {
	ID    string           `json:"id,omitempty"`
	Label string           `json:"label,omitempty"`
	Title string           `json:"title,omitempty"`
	Type  jwt.ClaimStrings `json:"type,omitempty"`
}

// LIS carries the platform's student-information-system identifiers.
type LIS struct {
	PersonSourcedID         string `json:"person_sourcedid,omitempty"`
	CourseSectionSourcedID  string `json:"course_section_sourcedid,omitempty"`
	CourseOfferingSourcedID string `json:"course_offering_sourcedid,omitempty"`
}

// ResourceLink identifies the placement that was launched.
type ResourceLink struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Claims is the verified payload of an identity token.
type Claims struct {
	jwt.RegisteredClaims

	Nonce string `json:"nonce,omitempty"`

	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`
	Picture    string `json:"picture,omitempty"`

	DeploymentID  string           `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id,omitempty"`
	MessageType   string           `json:"https://purl.imsglobal.org/spec/lti/claim/message_type,omitempty"`
	Version       string           `json:"https://purl.imsglobal.org/spec/lti/claim/version,omitempty"`
	Roles         jwt.ClaimStrings `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
	Context       *Context         `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	LIS           *LIS             `json:"https://purl.imsglobal.org/spec/lti/claim/lis,omitempty"`
	ResourceLink  *ResourceLink    `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	TargetLinkURI string           `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`

	// Raw holds every claim as decoded JSON, for provider-specific lookups.
	Raw map[string]any `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the full claim map in Raw.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Claims(p)
	c.Raw = raw
	return nil
}

// StringClaim returns the string claim name from Raw, or "".
func (c *Claims) StringClaim(name string) string {
	s, _ := c.Raw[name].(string)
	return s
}

// StringsClaim returns claim name from Raw as a list. A scalar string becomes a
// one-element list; blank entries are dropped.
func (c *Claims) StringsClaim(name string) []string {
	var out []string
	switch v := c.Raw[name].(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
