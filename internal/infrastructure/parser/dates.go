package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var monthNames = map[string]time.Month{
	"januari": time.January, "january": time.January, "jan": time.January,
	"februari": time.February, "february": time.February, "feb": time.February,
	"mars": time.March, "march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"maj": time.May, "may": time.May,
	"juni": time.June, "june": time.June, "jun": time.June,
	"juli": time.July, "july": time.July, "jul": time.July,
	"augusti": time.August, "august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"oktober": time.October, "october": time.October, "okt": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var (
	namedDate = regexp.MustCompile(`(\d{1,2})\s+([a-zåäö]+)\.?\s+(\d{4})`)
	isoDate   = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
	slashDate = regexp.MustCompile(`(\d{1,2})[/.](\d{1,2})[/.](\d{4})`)
)

// ParseDate extracts the first calendar date from free text. Supported forms:
// "15 januari 2025", "15 January 2025", "2025-01-15", "15/1/2025", "15.1.2025".
func ParseDate(text string) (time.Time, bool) {
	text = spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")

	if m := namedDate.FindStringSubmatch(text); m != nil {
		if month, ok := monthNames[m[2]]; ok {
			if t, ok := buildDate(m[3], int(month), m[1]); ok {
				return t, true
			}
		}
	}
	if m := isoDate.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[2])
		if t, ok := buildDate(m[1], month, m[3]); ok {
			return t, true
		}
	}
	if m := slashDate.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[2])
		if t, ok := buildDate(m[3], month, m[1]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func buildDate(yearText string, month int, dayText string) (time.Time, bool) {
	year, err := strconv.Atoi(yearText)
	if err != nil {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(dayText)
	if err != nil {
		return time.Time{}, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
