package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ReportHarvester/internal/config"
	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
)

type fileLayout struct {
	Organizations []config.OrganizationConfig `yaml:"organizations"`
}

// LoadFile reads an organizations YAML file.
func LoadFile(path string) ([]domain.Organization, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read registry %s", path)
	}
	var layout fileLayout
	if err := yaml.Unmarshal(raw, &layout); err != nil {
		return nil, errors.Parse(errors.Wrapf(err, "parse registry %s", path))
	}
	return FromConfig(layout.Organizations)
}

// FromConfig validates organization configs and converts them to domain values.
func FromConfig(cfgs []config.OrganizationConfig) ([]domain.Organization, error) {
	seenOrgs := make(map[string]struct{}, len(cfgs))
	seenSources := map[string]struct{}{}
	orgs := make([]domain.Organization, 0, len(cfgs))

	for _, oc := range cfgs {
		id := strings.TrimSpace(oc.ID)
		if id == "" {
			id = slug(oc.Name)
		}
		if id == "" {
			return nil, errors.Newf("organization without id or name")
		}
		if _, dup := seenOrgs[id]; dup {
			return nil, errors.Newf("duplicate organization id %q", id)
		}
		seenOrgs[id] = struct{}{}

		lang := strings.ToLower(strings.TrimSpace(oc.Language))
		if lang == "" {
			lang = "en"
		}

		org := domain.Organization{
			ID:       id,
			Name:     oc.Name,
			Code:     oc.Code,
			Language: lang,
			Country:  strings.ToUpper(oc.Country),
		}

		for i, sc := range oc.Sources {
			kind := domain.SourceKind(strings.ToLower(strings.TrimSpace(sc.Kind)))
			switch kind {
			case domain.SourceFeed, domain.SourceCalendar, domain.SourceRenderedScrape:
				if sc.URL == "" {
					return nil, errors.Newf("source %d of %s (%s) needs a url", i, id, kind)
				}
			case domain.SourceManualOnly:
			default:
				return nil, errors.Newf("source %d of %s has unknown kind %q", i, id, sc.Kind)
			}

			sourceID := sc.ID
			if sourceID == "" {
				sourceID = fmt.Sprintf("%s/%s/%d", id, kind, i)
			}
			if _, dup := seenSources[sourceID]; dup {
				return nil, errors.Newf("duplicate source id %q", sourceID)
			}
			seenSources[sourceID] = struct{}{}

			priority := sc.Priority
			if priority <= 0 {
				priority = 1
			}
			format := strings.ToLower(sc.Format)
			if format == "" {
				format = "pdf"
			}

			org.Sources = append(org.Sources, domain.Source{
				ID:        sourceID,
				OrgID:     id,
				Kind:      kind,
				Priority:  priority,
				URL:       sc.URL,
				Format:    format,
				Selectors: sc.Selectors,
				Status:    domain.SourceStatus{Health: domain.HealthHealthy},
			})
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

func slug(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == 'å' || r == 'ä':
			b.WriteRune('a')
			lastDash = false
		case r == 'ö' || r == 'ø':
			b.WriteRune('o')
			lastDash = false
		case r == 'æ':
			b.WriteString("ae")
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
