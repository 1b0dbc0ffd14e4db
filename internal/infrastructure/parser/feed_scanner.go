package parser

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
	"ReportHarvester/internal/scanner"
)

const defaultMaxEntryAge = 90 * 24 * time.Hour

// FeedScanner reads RSS/Atom feeds and classifies their entries.
type FeedScanner struct {
	fetcher ports.Fetcher
	maxAge  time.Duration
	logger  *slog.Logger
}

var _ scanner.Scanner = (*FeedScanner)(nil)

// NewFeedScanner wires a fetcher; maxAge defaults to 90 days.
func NewFeedScanner(fetcher ports.Fetcher, maxAge time.Duration, logger *slog.Logger) *FeedScanner {
	if maxAge <= 0 {
		maxAge = defaultMaxEntryAge
	}
	return &FeedScanner{fetcher: fetcher, maxAge: maxAge, logger: logger}
}

// Kind identifies the strategy inside the registry.
func (f *FeedScanner) Kind() domain.SourceKind {
	return domain.SourceFeed
}

// Scan fetches the feed and returns entries that classify as documents.
func (f *FeedScanner) Scan(ctx context.Context, req scanner.Request) (scanner.Result, error) {
	res, err := f.fetcher.Fetch(ctx, req.Source.URL)
	if err != nil {
		return scanner.Result{}, errors.Wrapf(err, "fetch feed %s", req.Source.URL)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(res.Body))
	if err != nil {
		return scanner.Result{}, errors.Parse(errors.Wrapf(err, "parse feed %s", req.Source.URL))
	}

	cutoff := req.Now.Add(-f.maxAge)
	var entries []scanner.Entry
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		published := itemTime(item)
		if !published.IsZero() && published.Before(cutoff) {
			continue
		}

		docType, year, ok := Classify(item.Title, item.Link, published)
		if !ok {
			f.debug("feed entry dropped", "source", req.Source.ID, "title", item.Title)
			continue
		}

		link := documentURL(item, req.Source.URL, req.Source.Format)
		if link == "" {
			continue
		}

		entries = append(entries, scanner.Entry{
			Type:      docType,
			Year:      year,
			URL:       link,
			Title:     strings.TrimSpace(item.Title),
			Published: published,
		})
	}

	f.debug("feed scanned", "source", req.Source.ID, "items", len(feed.Items), "entries", len(entries))
	return scanner.Result{Entries: entries}, nil
}

func itemTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// documentURL prefers an enclosure, then a document link inside the entry
// body, then the entry link itself.
func documentURL(item *gofeed.Item, feedURL, format string) string {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.Contains(strings.ToLower(enc.Type), format) || HasDocumentExtension(enc.URL, format) {
			return enc.URL
		}
	}

	base := item.Link
	if base == "" {
		base = feedURL
	}
	for _, body := range []string{item.Description, item.Content} {
		if links := ExtractDocumentLinksFromHTML(body, base, format); len(links) > 0 {
			return links[0].URL
		}
	}

	return strings.TrimSpace(item.Link)
}

func (f *FeedScanner) debug(msg string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}
