package domain

import (
	"strings"
	"time"
)

// SourceKind selects the discovery capability used for a source.
type SourceKind string

const (
	SourceFeed           SourceKind = "feed"
	SourceCalendar       SourceKind = "calendar"
	SourceRenderedScrape SourceKind = "rendered-scrape"
	SourceManualOnly     SourceKind = "manual-only"
)

// Health is the operational status of a source.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthBroken   Health = "broken"
)

// Consecutive failure counts at which a source changes health.
const (
	DegradedAfter = 3
	BrokenAfter   = 10
)

// Organization is a reporting entity and its acquisition sources.
type Organization struct {
	ID       string
	Name     string
	Code     string
	Language string
	Country  string
	Sources  []Source
}

// SourcesOf returns the organization's sources of the given kind ordered as configured.
func (o Organization) SourcesOf(kind SourceKind) []Source {
	var out []Source
	for _, s := range o.Sources {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// ManualOnly reports whether every source of the organization is manual-only.
func (o Organization) ManualOnly() bool {
	if len(o.Sources) == 0 {
		return false
	}
	for _, s := range o.Sources {
		if s.Kind != SourceManualOnly {
			return false
		}
	}
	return true
}

// RequiresRendering reports whether any source needs script execution to expose links.
func (o Organization) RequiresRendering() bool {
	return len(o.SourcesOf(SourceRenderedScrape)) > 0
}

// Source is one acquisition channel of an organization.
type Source struct {
	ID        string
	OrgID     string
	Kind      SourceKind
	Priority  int
	URL       string
	Format    string
	Selectors map[string]string
	Status    SourceStatus
}

// SourceStatus is the mutable operational state of a source.
type SourceStatus struct {
	Health      Health
	Failures    int
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   string
}

// RecordFailure increments the failure counter and derives health from it.
func (s *SourceStatus) RecordFailure(at time.Time, reason string) {
	s.Failures++
	s.LastAttempt = at
	s.LastError = reason
	switch {
	case s.Failures >= BrokenAfter:
		s.Health = HealthBroken
	case s.Failures >= DegradedAfter:
		s.Health = HealthDegraded
	default:
		if s.Health == "" {
			s.Health = HealthHealthy
		}
	}
}

// RecordSuccess resets the failure counter.
func (s *SourceStatus) RecordSuccess(at time.Time) {
	s.Failures = 0
	s.Health = HealthHealthy
	s.LastAttempt = at
	s.LastSuccess = at
	s.LastError = ""
}

// ExpectedReport is a calendar hint that a report is due on a date.
type ExpectedReport struct {
	OrgID    string
	SourceID string
	Type     DocumentType
	Year     int
	Date     time.Time
	Title    string
}

// LanguageCodes lists the spellings a locale takes in URLs, preferred spelling first.
var LanguageCodes = map[string][]string{
	"en": {"en", "eng"},
	"sv": {"sv", "sve", "swe"},
	"no": {"no", "nor", "nob"},
	"da": {"da", "dan"},
	"fi": {"fi", "fin"},
	"de": {"de", "deu", "ger"},
}

// CanonicalLanguage maps a URL language spelling to its locale, or "" if unknown.
func CanonicalLanguage(code string) string {
	code = strings.ToLower(code)
	for locale, spellings := range LanguageCodes {
		for _, s := range spellings {
			if s == code {
				return locale
			}
		}
	}
	return ""
}
