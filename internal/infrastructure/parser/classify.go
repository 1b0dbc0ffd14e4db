package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"ReportHarvester/internal/domain"
)

var (
	quarterToken = regexp.MustCompile(`(?:^|[^a-z])q([1-4])(?:[^0-9]|$)`)
	yearToken    = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2})(?:[^0-9]|$)`)
	spaceRun     = regexp.MustCompile(`\s+`)
)

var annualMarkers = []string{
	"årsredovisning", "arsredovisning", "annual report", "annual-report", "annualreport",
	"annual and sustainability report", "års- och hållbarhetsredovisning",
}

var fourthQuarterMarkers = []string{
	"bokslutskommuniké", "bokslutskommunike", "year-end report", "year end report", "yearend report",
	"full year report", "full-year report", "fourth quarter", "fjärde kvartalet",
}

var ordinalQuarters = []struct {
	markers []string
	quarter int
}{
	{[]string{"första kvartalet", "first quarter"}, 1},
	{[]string{"andra kvartalet", "second quarter"}, 2},
	{[]string{"tredje kvartalet", "third quarter"}, 3},
	{fourthQuarterMarkers, 4},
}

var monthRanges = []struct {
	ranges  []string
	quarter int
}{
	{[]string{"januari-mars", "january-march", "jan-mar"}, 1},
	{[]string{"april-juni", "april-june", "januari-juni", "january-june", "apr-jun", "jan-jun"}, 2},
	{[]string{"juli-september", "july-september", "januari-september", "january-september", "jul-sep", "jan-sep"}, 3},
	{[]string{"oktober-december", "october-december", "januari-december", "january-december", "okt-dec", "oct-dec", "jan-dec"}, 4},
}

var pressMarkers = []string{
	"pressmeddelande", "press release", "press-release", "pressrelease", "börsmeddelande", "borsmeddelande",
}

// Classify maps an item's title and link to a document type and report year.
// The year comes from a four-digit token in the title, then the link, and
// finally the published date. ok is false when nothing matches; such items are
// not reports and are dropped by callers.
func Classify(title, link string, published time.Time) (domain.DocumentType, int, bool) {
	text := normalize(title + " " + link)

	docType, ok := classifyType(text)
	if !ok {
		return "", 0, false
	}

	if year, ok := firstYear(normalize(title)); ok {
		return docType, year, true
	}
	if year, ok := firstYear(normalize(link)); ok {
		return docType, year, true
	}
	if published.IsZero() {
		return "", 0, false
	}

	year := published.Year()
	// Q4 and annual reports are released early the following year.
	if (docType == domain.TypeQ4 || docType == domain.TypeAnnual) && published.Month() <= time.April {
		year--
	}
	return docType, year, true
}

func classifyType(text string) (domain.DocumentType, bool) {
	if containsAny(text, annualMarkers) {
		return domain.TypeAnnual, true
	}
	if q := quarterOf(text); q > 0 {
		return domain.QuarterType(q), true
	}
	if containsAny(text, pressMarkers) {
		return domain.TypePressRelease, true
	}
	return "", false
}

func quarterOf(text string) int {
	if m := quarterToken.FindStringSubmatch(text); m != nil {
		q, _ := strconv.Atoi(m[1])
		return q
	}
	for _, o := range ordinalQuarters {
		if containsAny(text, o.markers) {
			return o.quarter
		}
	}
	for _, r := range monthRanges {
		if containsAny(text, r.ranges) {
			return r.quarter
		}
	}
	return 0
}

func firstYear(text string) (int, bool) {
	m := yearToken.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	year, err := strconv.Atoi(m[1])
	return year, err == nil
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("–", "-", "—", "-", " - ", "-", "_", " ").Replace(s)
	return spaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
