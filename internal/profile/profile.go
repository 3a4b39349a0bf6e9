// Package profile implements structured retrieval over the profile facts
// store. Questions about concrete, enumerable profile data (skills, projects,
// work history, education, contact details) are answered from a fixed catalog
// of parameterized queries; no query text is ever assembled from model output.
package profile

import "time"

// Fact categories stored in profile_facts.
const (
	CategorySkill      = "skill"
	CategoryProject    = "project"
	CategoryExperience = "experience"
	CategoryEducation  = "education"
	CategoryContact    = "contact"
)

// Categories lists every valid fact category.
var Categories = []string{
	CategorySkill,
	CategoryProject,
	CategoryExperience,
	CategoryEducation,
	CategoryContact,
}

// ValidCategory reports whether c names a known fact category.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Fact is one structured profile record.
type Fact struct {
	ID        int64          `json:"id"`
	Category  string         `json:"category"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedOn *time.Time     `json:"startedOn,omitempty"`
	EndedOn   *time.Time     `json:"endedOn,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Hints narrows a structured lookup. The router fills these from the user's
// question; every field is optional and the zero value means "no hint".
type Hints struct {
	// Category restricts the lookup to one fact category.
	Category string
	// Keywords are matched case-insensitively against title and body.
	Keywords []string
	// WantCount asks for a count instead of the records themselves.
	WantCount bool
	// WantLatest asks for the most recent record in the category.
	WantLatest bool
	// Year restricts to records active in that calendar year.
	Year int
}

// Empty reports whether the hints carry no usable signal.
func (h Hints) Empty() bool {
	return h.Category == "" && len(h.Keywords) == 0 && !h.WantCount && !h.WantLatest && h.Year == 0
}
