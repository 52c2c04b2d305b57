package oidc

import (
	"net/url"
	"reflect"
	"testing"
)

func TestUserFromClaims(t *testing.T) {
	tests := []struct {
		name       string
		claims     map[string]interface{}
		wantUserID string
		wantName   string
		wantEmail  string
		wantRoles  []string
	}{
		{
			name: "full claims",
			claims: map[string]interface{}{
				"sub":   "abc",
				"email": "jo@example.edu",
				"name":  "Jo Bloggs",
				"roles": []interface{}{"Faculty", "Admin"},
			},
			wantUserID: "abc",
			wantName:   "Jo Bloggs",
			wantEmail:  "jo@example.edu",
			wantRoles:  []string{"Faculty", "Admin"},
		},
		{
			name: "adfs upn and scalar role",
			claims: map[string]interface{}{
				"sub":         "s-1",
				"upn":         "jo@corp.example.edu",
				"unique_name": "CORP\\jo",
				"roles":       " Faculty ",
			},
			wantUserID: "s-1",
			wantName:   "CORP\\jo",
			wantEmail:  "jo@corp.example.edu",
			wantRoles:  []string{"Faculty"},
		},
		{
			name: "unique name as email and name",
			claims: map[string]interface{}{
				"unique_name": "jo@example.edu",
			},
			wantUserID: "jo@example.edu",
			wantName:   "jo@example.edu",
			wantEmail:  "jo@example.edu",
			wantRoles:  []string{"Staff"},
		},
		{
			name:       "nothing at all",
			claims:     map[string]interface{}{},
			wantUserID: "Staff User",
			wantName:   "Staff User",
			wantRoles:  []string{"Staff"},
		},
		{
			name: "blank roles fall back",
			claims: map[string]interface{}{
				"sub":   "x",
				"roles": []interface{}{"", "  ", 7},
			},
			wantUserID: "x",
			wantName:   "Staff User",
			wantRoles:  []string{"Staff"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := UserFromClaims(tt.claims, "roles")

			if u.UserID != tt.wantUserID || u.Sub != tt.wantUserID {
				t.Errorf("UserID/Sub = %q/%q, want %q", u.UserID, u.Sub, tt.wantUserID)
			}
			if u.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", u.Name, tt.wantName)
			}
			if u.Email != tt.wantEmail {
				t.Errorf("Email = %q, want %q", u.Email, tt.wantEmail)
			}
			if !reflect.DeepEqual(u.Roles, tt.wantRoles) {
				t.Errorf("Roles = %v, want %v", u.Roles, tt.wantRoles)
			}
			if u.Picture != AvatarURL(tt.wantName) {
				t.Errorf("Picture = %q", u.Picture)
			}
		})
	}
}

func TestUserFromClaims_NestedRoleClaim(t *testing.T) {
	claims := map[string]interface{}{
		"sub": "u",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"teacher"},
		},
	}

	u := UserFromClaims(claims, "realm_access.roles")
	if !reflect.DeepEqual(u.Roles, []string{"teacher"}) {
		t.Errorf("Roles = %v, want [teacher]", u.Roles)
	}
}

func TestAvatarURL(t *testing.T) {
	tests := []string{"Jo Bloggs", "Smith & Jones", "a=b+c", "Zoë?#"}

	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			u, err := url.Parse(AvatarURL(name))
			if err != nil {
				t.Fatalf("url.Parse() error = %v", err)
			}
			q := u.Query()
			if q.Get("name") != name {
				t.Errorf("name = %q, want %q", q.Get("name"), name)
			}
			if q.Get("size") != "200" || len(q) != 2 {
				t.Errorf("query = %v, want name and size=200 only", q)
			}
		})
	}

	if got, want := AvatarURL("Jo Bloggs"), "https://ui-avatars.com/api/?name=Jo+Bloggs&size=200"; got != want {
		t.Errorf("AvatarURL() = %q, want %q", got, want)
	}
}

func TestGetNestedClaim(t *testing.T) {
	claims := map[string]interface{}{
		"a": map[string]interface{}{"b": "c"},
		"s": "flat",
	}

	tests := []struct {
		path    string
		want    interface{}
		wantErr bool
	}{
		{"a.b", "c", false},
		{"s", "flat", false},
		{"a.x", nil, true},
		{"s.x", nil, true},
		{"missing", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := getNestedClaim(claims, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("getNestedClaim() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("getNestedClaim() = %v, want %v", got, tt.want)
			}
		})
	}
}
