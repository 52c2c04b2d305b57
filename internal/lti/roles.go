package lti

import (
	"slices"
	"strings"
)

const (
	membershipRole  = "http://purl.imsglobal.org/vocab/lis/v2/membership#"
	institutionRole = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#"
)

var roleLabels = map[string]string{
	membershipRole + "Instructor":        "Instructor",
	membershipRole + "Learner":           "Learner",
	membershipRole + "Member":            "Member",
	membershipRole + "Mentor":            "Mentor",
	membershipRole + "Administrator":     "Administrator",
	membershipRole + "TeachingAssistant": "Teaching Assistant",
	institutionRole + "Instructor":       "Institution Instructor",
	institutionRole + "Learner":          "Institution Learner",
	institutionRole + "Student":          "Student",
	institutionRole + "Member":           "Institution Member",
	institutionRole + "Mentor":           "Institution Mentor",
	institutionRole + "Staff":            "Institution Staff",
	institutionRole + "Administrator":    "Institution Administrator",
}

// RoleLabel returns the human-readable label for an LTI role URI. Unknown
// URIs yield the text after the last '#', else after the last '/', else the
// value itself.
func RoleLabel(uri string) string {
	if label, ok := roleLabels[uri]; ok {
		return label
	}
	if i := strings.LastIndexByte(uri, '#'); i >= 0 {
		return uri[i+1:]
	}
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// MapRoles converts role URIs to labels, removing duplicates and sorting.
func MapRoles(uris []string) []string {
	labels := make([]string, 0, len(uris))
	for _, uri := range uris {
		labels = append(labels, RoleLabel(uri))
	}
	slices.Sort(labels)
	return slices.Compact(labels)
}
