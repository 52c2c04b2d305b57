// Package identity holds the normalized user and course shapes produced by
// the LTI and staff sign-in flows, plus the error kinds shared by them.
package identity

// UserContext is the normalized identity handed to the frontend.
// JSON field names are part of the frontend contract.
type UserContext struct {
	// UserID prefers the platform's person sourced id and falls back to Sub
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`

	// Roles is a de-duplicated, sorted list of human-readable labels
	Roles []string `json:"roles"`

	// Sub is the subject claim of the identity token
	Sub string `json:"sub"`
}

// CourseContext is the normalized course a launch happened in.
// It is the zero value for staff sign-ins.
type CourseContext struct {
	CourseID                string   `json:"course_id"`
	CourseCode              string   `json:"course_code"`
	CourseTitle             string   `json:"course_title"`
	CourseSection           string   `json:"course_section"`
	CourseOfferingSourcedID string   `json:"course_offering_sourcedid"`
	ContextType             []string `json:"context_type"`
}

// IsZero reports whether no course information is present.
func (c CourseContext) IsZero() bool {
	return c.CourseID == "" && c.CourseCode == "" && c.CourseTitle == "" &&
		c.CourseSection == "" && c.CourseOfferingSourcedID == "" && len(c.ContextType) == 0
}
