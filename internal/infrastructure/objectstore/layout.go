// Package objectstore resolves canonical document keys and writes document
// bytes to S3-compatible storage.
package objectstore

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/ports"
)

const defaultPrefix = "companies"

// Layout builds keys of the form
// {prefix}/{country}/{initial}/{org}/{year}/{type}/{type}-{year}-{fp12}.{ext}.
type Layout struct {
	Prefix string
}

var _ ports.PathResolver = Layout{}

// Resolve returns the canonical key for a document.
func (l Layout) Resolve(org domain.Organization, docType domain.DocumentType, year int, fingerprint, ext string) string {
	prefix := strings.Trim(l.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	country := strings.ToLower(strings.TrimSpace(org.Country))
	if country == "" {
		country = "xx"
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "pdf"
	}
	fp := fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}

	file := fmt.Sprintf("%s-%d-%s.%s", docType, year, fp, ext)
	return path.Join(prefix, country, initial(org), org.ID, fmt.Sprint(year), string(docType), file)
}

func initial(org domain.Organization) string {
	name := org.Name
	if name == "" {
		name = org.ID
	}
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z':
			return string(r)
		case unicode.IsDigit(r):
			return "0-9"
		case unicode.IsLetter(r):
			return "other"
		}
	}
	return "other"
}
