package domain

import "time"

// Template placeholders.
const (
	PlaceholderYear      = "{year}"
	PlaceholderQuarter   = "{q}"
	PlaceholderQuarterUC = "{Q}"
	PlaceholderLang      = "{lang}"
)

// URLPattern is a learned URL template for an organization and template family.
type URLPattern struct {
	ID                  string
	OrgID               string
	Family              string
	Template            string
	Language            string
	Confidence          float64
	Successes           int
	Failures            int
	ConsecutiveFailures int
	LastUsed            time.Time
	Retired             bool
}

// Family groups document types that share URL templates: all quarterly
// reports form one family, every other type is its own family.
func Family(t DocumentType) string {
	if t.Quarter() > 0 {
		return "quarterly"
	}
	return string(t)
}
