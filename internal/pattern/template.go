package pattern

import (
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"ReportHarvester/internal/domain"
)

// Tokenize turns a successful document URL into a template by replacing the
// report year, the quarter marker and any language code in the path and
// query with placeholders. The scheme and host are kept literally. lang is the
// language spelling that was replaced, or "" if none was found.
func Tokenize(rawURL string, t domain.Tuple) (template, lang string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	prefix := u.Scheme + "://" + u.Host
	rest := strings.TrimPrefix(strings.TrimSpace(rawURL), prefix)
	if rest == strings.TrimSpace(rawURL) {
		rest = u.RequestURI()
	}

	year := strconv.Itoa(t.Year)
	quarter := t.Type.Quarter()

	var b strings.Builder
	b.WriteString(prefix)
	for _, run := range splitRuns(rest) {
		if !isAlnum(run) {
			b.WriteString(run)
			continue
		}
		switch {
		case run == year:
			b.WriteString(domain.PlaceholderYear)
		case quarter > 0 && run == "q"+strconv.Itoa(quarter):
			b.WriteString(domain.PlaceholderQuarter)
		case quarter > 0 && run == "Q"+strconv.Itoa(quarter):
			b.WriteString(domain.PlaceholderQuarterUC)
		case lang == "" && domain.CanonicalLanguage(run) != "":
			lang = run
			b.WriteString(domain.PlaceholderLang)
		default:
			b.WriteString(tokenizeRun(run, year, quarter))
		}
	}
	return b.String(), lang, true
}

// tokenizeRun handles markers glued to other letters or digits, such as
// "2025q2" or "ar2024".
func tokenizeRun(run, year string, quarter int) string {
	out := replaceBounded(run, year, domain.PlaceholderYear, isDigit, isDigit)
	if quarter > 0 {
		q := strconv.Itoa(quarter)
		out = replaceBounded(out, "q"+q, domain.PlaceholderQuarter, isLetter, isDigit)
		out = replaceBounded(out, "Q"+q, domain.PlaceholderQuarterUC, isLetter, isDigit)
	}
	return out
}

// replaceBounded replaces occurrences of old unless the byte before it
// satisfies gluedBefore or the byte after it satisfies gluedAfter.
func replaceBounded(s, old, repl string, gluedBefore, gluedAfter func(byte) bool) string {
	var b strings.Builder
	for {
		i := strings.Index(s, old)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(old)
		free := (i == 0 || !gluedBefore(s[i-1])) && (end == len(s) || !gluedAfter(s[end]))
		b.WriteString(s[:i])
		if free {
			b.WriteString(repl)
		} else {
			b.WriteString(old)
		}
		s = s[end:]
	}
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

// Render substitutes the tuple into template. It fails when the template
// needs a quarter and the type has none, or needs a language and none is given.
func Render(template string, t domain.Tuple, lang string) (string, bool) {
	quarter := t.Type.Quarter()
	hasQuarter := strings.Contains(template, domain.PlaceholderQuarter) || strings.Contains(template, domain.PlaceholderQuarterUC)
	if hasQuarter && quarter == 0 {
		return "", false
	}
	if strings.Contains(template, domain.PlaceholderLang) && lang == "" {
		return "", false
	}
	q := strconv.Itoa(quarter)
	r := strings.NewReplacer(
		domain.PlaceholderYear, strconv.Itoa(t.Year),
		domain.PlaceholderQuarter, "q"+q,
		domain.PlaceholderQuarterUC, "Q"+q,
		domain.PlaceholderLang, lang,
	)
	return r.Replace(template), true
}

// usable reports whether a template can tell periods apart. A template
// without a year, or a quarterly template without a quarter, would predict
// the same URL for every period.
func usable(template string, family string) bool {
	if !strings.Contains(template, domain.PlaceholderYear) {
		return false
	}
	if family == domain.Family(domain.TypeQ1) {
		return strings.Contains(template, domain.PlaceholderQuarter) || strings.Contains(template, domain.PlaceholderQuarterUC)
	}
	return true
}

// alternateLanguage returns the spelling of the other report language in the
// same style as spelling: an English spelling swaps to the organization
// language, anything else swaps to English.
func alternateLanguage(spelling, orgLanguage string) string {
	locale := domain.CanonicalLanguage(spelling)
	if locale == "" {
		return ""
	}
	target := "en"
	if locale == "en" {
		target = domain.CanonicalLanguage(orgLanguage)
		if target == "" {
			target = orgLanguage
		}
	}
	if target == locale {
		return ""
	}
	spellings, ok := domain.LanguageCodes[target]
	if !ok {
		return ""
	}

	idx := 0
	for i, s := range domain.LanguageCodes[locale] {
		if strings.EqualFold(s, spelling) {
			idx = i
			break
		}
	}
	if idx >= len(spellings) {
		idx = len(spellings) - 1
	}
	alt := spellings[idx]
	if strings.ToUpper(spelling) == spelling {
		alt = strings.ToUpper(alt)
	}
	return alt
}

var segmentSynonyms = [][2]string{
	{"reports", "rapporter"},
	{"report", "rapport"},
	{"interim-reports", "delarsrapporter"},
	{"annual-reports", "arsredovisningar"},
	{"investors", "investerare"},
	{"financial-reports", "finansiella-rapporter"},
}

// swapSegment replaces the first path segment that has a known synonym.
func swapSegment(template string) (string, bool) {
	for _, seg := range strings.Split(template, "/") {
		if !strings.Contains(template, "/"+seg+"/") {
			continue
		}
		for _, pair := range segmentSynonyms {
			var alt string
			switch seg {
			case pair[0]:
				alt = pair[1]
			case pair[1]:
				alt = pair[0]
			default:
				continue
			}
			return strings.Replace(template, "/"+seg+"/", "/"+alt+"/", 1), true
		}
	}
	return "", false
}

// flipQuarterCase swaps {q} and {Q}.
func flipQuarterCase(template string) (string, bool) {
	switch {
	case strings.Contains(template, domain.PlaceholderQuarter):
		return strings.ReplaceAll(template, domain.PlaceholderQuarter, domain.PlaceholderQuarterUC), true
	case strings.Contains(template, domain.PlaceholderQuarterUC):
		return strings.ReplaceAll(template, domain.PlaceholderQuarterUC, domain.PlaceholderQuarter), true
	}
	return "", false
}

func splitRuns(s string) []string {
	var runs []string
	start := 0
	for i, r := range s {
		if i == 0 {
			continue
		}
		prev := rune(s[i-1])
		if isAlnumRune(prev) != isAlnumRune(r) {
			runs = append(runs, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		runs = append(runs, s[start:])
	}
	return runs
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !isAlnumRune(r) {
			return false
		}
	}
	return s != ""
}

func isAlnumRune(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
