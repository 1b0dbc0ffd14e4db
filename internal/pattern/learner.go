// Package pattern learns per-organization URL templates from successful
// downloads and predicts where the next report will be published.
package pattern

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

const (
	InitialConfidence   = 0.3
	ReinforceStep       = 0.1
	DecayAfterFailures  = 3
	RetireBelow         = 0.05
	VariationConfidence = 0.5

	defaultTopK        = 3
	defaultVariations  = 2
	defaultNegativeTTL = 24 * time.Hour
)

// Prediction is a rendered URL guess.
type Prediction struct {
	URL        string
	Confidence float64
	PatternID  string
	Variation  bool
}

// Options tunes the learner.
type Options struct {
	TopK        int
	Variations  int
	NegativeTTL time.Duration
	Clock       ports.Clock
	Logger      *slog.Logger
}

// Learner owns the URL templates of every organization. Updates are
// serialized per organization.
type Learner struct {
	store       ports.PatternStore
	negative    ports.TTLSet
	clock       ports.Clock
	topK        int
	variations  int
	negativeTTL time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	orgs map[string]*orgPatterns
}

type orgPatterns struct {
	mu       sync.Mutex
	loaded   bool
	patterns []domain.URLPattern
}

// NewLearner wires the pattern store and the negative cache.
func NewLearner(store ports.PatternStore, negative ports.TTLSet, opts Options) *Learner {
	l := &Learner{
		store:       store,
		negative:    negative,
		clock:       opts.Clock,
		topK:        opts.TopK,
		variations:  opts.Variations,
		negativeTTL: opts.NegativeTTL,
		logger:      opts.Logger,
		orgs:        make(map[string]*orgPatterns),
	}
	if l.topK <= 0 {
		l.topK = defaultTopK
	}
	if l.variations < 0 {
		l.variations = 0
	} else if l.variations == 0 {
		l.variations = defaultVariations
	}
	if l.negativeTTL <= 0 {
		l.negativeTTL = defaultNegativeTTL
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Predict returns URL guesses for the tuple, highest confidence first. It
// never fails: store or cache problems yield fewer or no predictions.
func (l *Learner) Predict(ctx context.Context, org domain.Organization, docType domain.DocumentType, year int) []Prediction {
	tuple := domain.Tuple{OrgID: org.ID, Type: docType, Year: year}
	family := domain.Family(docType)

	entry := l.entry(org.ID)
	entry.mu.Lock()
	if err := l.load(ctx, org.ID, entry); err != nil {
		entry.mu.Unlock()
		l.logger.Warn("load patterns failed", "org", org.ID, "error", err)
		return nil
	}
	active := make([]domain.URLPattern, 0, len(entry.patterns))
	for _, p := range entry.patterns {
		if p.Family == family && !p.Retired && p.Confidence >= RetireBelow {
			active = append(active, p)
		}
	}
	entry.mu.Unlock()

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Confidence != active[j].Confidence {
			return active[i].Confidence > active[j].Confidence
		}
		if active[i].Successes != active[j].Successes {
			return active[i].Successes > active[j].Successes
		}
		return active[i].LastUsed.After(active[j].LastUsed)
	})

	seen := make(map[string]struct{})
	var out []Prediction
	add := func(p Prediction) bool {
		if _, dup := seen[p.URL]; dup {
			return false
		}
		seen[p.URL] = struct{}{}
		if l.recentlyFailed(ctx, tuple, p.URL) {
			return false
		}
		out = append(out, p)
		return true
	}

	var top []domain.URLPattern
	for _, p := range active {
		if len(top) == l.topK {
			break
		}
		u, ok := Render(p.Template, tuple, p.Language)
		if !ok {
			continue
		}
		top = append(top, p)
		add(Prediction{URL: u, Confidence: p.Confidence, PatternID: p.ID})
	}

	added := 0
	for _, p := range top {
		for _, v := range variationsOf(p, org.Language) {
			if added == l.variations {
				break
			}
			u, ok := Render(v.template, tuple, v.lang)
			if !ok {
				continue
			}
			if add(Prediction{URL: u, Confidence: p.Confidence * VariationConfidence, PatternID: p.ID, Variation: true}) {
				added++
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Record feeds an acquisition outcome back. Success reinforces the matching
// template or creates a new one; failure counts against the template that
// produced url and keeps url out of predictions for the negative TTL.
func (l *Learner) Record(ctx context.Context, org domain.Organization, docType domain.DocumentType, year int, url string, success bool) error {
	tuple := domain.Tuple{OrgID: org.ID, Type: docType, Year: year}
	now := l.now()

	if !success && l.negative != nil {
		if _, err := l.negative.Add(ctx, negativeKey(tuple, url), l.negativeTTL); err != nil {
			l.logger.Warn("negative cache add failed", "org", org.ID, "url", url, "error", err)
		}
	}

	entry := l.entry(org.ID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := l.load(ctx, org.ID, entry); err != nil {
		return err
	}

	var changed bool
	if success {
		changed = l.reinforce(entry, tuple, url, now)
	} else {
		changed = l.penalize(entry, tuple, url, now)
	}
	if !changed {
		return nil
	}

	if err := l.store.PutPatterns(ctx, org.ID, clonePatterns(entry.patterns)); err != nil {
		return errors.Store(errors.Wrapf(err, "put patterns for %s", org.ID))
	}
	return nil
}

// Patterns returns a snapshot of the organization's templates, retired ones included.
func (l *Learner) Patterns(ctx context.Context, orgID string) ([]domain.URLPattern, error) {
	entry := l.entry(orgID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := l.load(ctx, orgID, entry); err != nil {
		return nil, err
	}
	return clonePatterns(entry.patterns), nil
}

func (l *Learner) reinforce(entry *orgPatterns, tuple domain.Tuple, url string, now time.Time) bool {
	template, lang, ok := Tokenize(url, tuple)
	family := domain.Family(tuple.Type)
	if !ok || !usable(template, family) {
		l.logger.Debug("url not learnable", "org", tuple.OrgID, "url", url)
		return false
	}

	for i := range entry.patterns {
		p := &entry.patterns[i]
		if p.Family != family || p.Template != template || p.Language != lang {
			continue
		}
		p.Confidence = min(1.0, p.Confidence+ReinforceStep)
		if p.Retired {
			p.Retired = false
			p.Confidence = max(p.Confidence, InitialConfidence)
		}
		p.Successes++
		p.ConsecutiveFailures = 0
		p.LastUsed = now
		l.logger.Debug("pattern reinforced", "org", tuple.OrgID, "template", p.Template, "confidence", p.Confidence)
		return true
	}

	entry.patterns = append(entry.patterns, domain.URLPattern{
		ID:         uuid.NewString(),
		OrgID:      tuple.OrgID,
		Family:     family,
		Template:   template,
		Language:   lang,
		Confidence: InitialConfidence,
		Successes:  1,
		LastUsed:   now,
	})
	l.logger.Info("pattern learned", "org", tuple.OrgID, "template", template, "lang", lang)
	return true
}

func (l *Learner) penalize(entry *orgPatterns, tuple domain.Tuple, url string, now time.Time) bool {
	family := domain.Family(tuple.Type)
	changed := false
	for i := range entry.patterns {
		p := &entry.patterns[i]
		if p.Family != family || p.Retired {
			continue
		}
		rendered, ok := Render(p.Template, tuple, p.Language)
		if !ok || rendered != url {
			continue
		}
		p.Failures++
		p.ConsecutiveFailures++
		p.LastUsed = now
		if p.ConsecutiveFailures >= DecayAfterFailures {
			p.Confidence /= 2
			p.ConsecutiveFailures = 0
			if p.Confidence < RetireBelow {
				p.Retired = true
				l.logger.Info("pattern retired", "org", tuple.OrgID, "template", p.Template)
			}
		}
		changed = true
	}
	return changed
}

func (l *Learner) recentlyFailed(ctx context.Context, tuple domain.Tuple, url string) bool {
	if l.negative == nil {
		return false
	}
	hit, err := l.negative.Contains(ctx, negativeKey(tuple, url))
	if err != nil {
		l.logger.Warn("negative cache lookup failed", "org", tuple.OrgID, "error", err)
		return false
	}
	return hit
}

func (l *Learner) entry(orgID string) *orgPatterns {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.orgs[orgID]
	if !ok {
		e = &orgPatterns{}
		l.orgs[orgID] = e
	}
	return e
}

// load must be called with entry.mu held.
func (l *Learner) load(ctx context.Context, orgID string, entry *orgPatterns) error {
	if entry.loaded {
		return nil
	}
	patterns, err := l.store.Patterns(ctx, orgID)
	if err != nil {
		return errors.Store(errors.Wrapf(err, "load patterns for %s", orgID))
	}
	entry.patterns = patterns
	entry.loaded = true
	return nil
}

func (l *Learner) now() time.Time {
	if l.clock == nil {
		return time.Now()
	}
	return l.clock.Now()
}

type variation struct {
	template string
	lang     string
}

// variationsOf returns the generic fallbacks of p in preference order:
// the other report language, then the other quarter case or a path synonym.
func variationsOf(p domain.URLPattern, orgLanguage string) []variation {
	var out []variation
	if p.Language != "" {
		if alt := alternateLanguage(p.Language, orgLanguage); alt != "" {
			out = append(out, variation{template: p.Template, lang: alt})
		}
	}
	if t, ok := flipQuarterCase(p.Template); ok {
		out = append(out, variation{template: t, lang: p.Language})
	}
	if t, ok := swapSegment(p.Template); ok {
		out = append(out, variation{template: t, lang: p.Language})
	}
	return out
}

func negativeKey(t domain.Tuple, url string) string {
	return "neg|" + t.String() + "|" + url
}

func clonePatterns(in []domain.URLPattern) []domain.URLPattern {
	out := make([]domain.URLPattern, len(in))
	copy(out, in)
	return out
}
