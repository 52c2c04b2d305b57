package oidc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

// UserFromClaims maps verified staff id_token claims to a user context.
//
// Email comes from email, upn or unique_name; name from name, unique_name,
// the email, or "Staff User". Roles are read from roleClaim (list or single
// string) and default to ["Staff"]. The picture is always a generated
// avatar URL.
func UserFromClaims(claims map[string]interface{}, roleClaim string) identity.UserContext {
	email := firstClaimString(claims, "email", "upn", "unique_name")

	name := firstClaimString(claims, "name", "unique_name")
	if name == "" {
		name = email
	}
	if name == "" {
		name = "Staff User"
	}

	roles, err := getRolesFromClaim(claims, roleClaim)
	if err != nil || len(roles) == 0 {
		roles = []string{"Staff"}
	}

	sub := firstClaimString(claims, "sub")
	if sub == "" {
		sub = email
	}
	if sub == "" {
		sub = name
	}

	return identity.UserContext{
		UserID:     sub,
		Name:       name,
		GivenName:  firstClaimString(claims, "given_name"),
		FamilyName: firstClaimString(claims, "family_name"),
		Email:      email,
		Picture:    AvatarURL(name),
		Roles:      roles,
		Sub:        sub,
	}
}

// AvatarURL returns a generated avatar image URL for name.
func AvatarURL(name string) string {
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(name) + "&size=200"
}

// firstClaimString returns the first non-empty string claim among names.
func firstClaimString(claims map[string]interface{}, names ...string) string {
	for _, name := range names {
		if s, _ := claims[name].(string); s != "" {
			return s
		}
	}
	return ""
}

// getRolesFromClaim extracts roles as a slice of strings. It accepts a list
// or a single string and drops blank entries.
func getRolesFromClaim(claims map[string]interface{}, path string) ([]string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return nil, err
	}

	var roles []string
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			roles = append(roles, s)
		}
	case []string:
		for _, role := range v {
			if strings.TrimSpace(role) != "" {
				roles = append(roles, role)
			}
		}
	case []interface{}:
		for _, role := range v {
			if str, ok := role.(string); ok && strings.TrimSpace(str) != "" {
				roles = append(roles, str)
			}
		}
	default:
		return nil, fmt.Errorf("claim '%s' is not a string or string array", path)
	}
	return roles, nil
}

// getNestedClaim retrieves a claim using dot notation.
// For example: "realm_access.roles" navigates through the claims map.
func getNestedClaim(claims map[string]interface{}, path string) (interface{}, error) {
	parts := strings.Split(path, ".")

	var current interface{} = claims
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("claim path '%s' not found at level %d (%s)", path, i, part)
		}

		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("claim '%s' not found in path '%s'", part, path)
		}
	}

	return current, nil
}
