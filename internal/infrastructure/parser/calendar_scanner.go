package parser

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
	"ReportHarvester/internal/scanner"
)

var defaultCalendarSelectors = map[string]string{
	"events": ".calendar-event, .event-item, .ir-event",
	"date":   ".date, .event-date, .datum",
	"title":  ".title, .event-title, .rubrik",
	"type":   ".type, .event-type, .kategori",
	"link":   "a[href]",
}

// Tried in order when the configured event selector matches nothing.
var alternativeEventSelectors = []string{
	"[class*='event']",
	"[class*='calendar'] li",
	"table tbody tr",
}

// CalendarScanner extracts report release dates from financial calendar pages.
type CalendarScanner struct {
	fetcher ports.Fetcher
	logger  *slog.Logger
}

var _ scanner.Scanner = (*CalendarScanner)(nil)

// NewCalendarScanner wires a fetcher.
func NewCalendarScanner(fetcher ports.Fetcher, logger *slog.Logger) *CalendarScanner {
	return &CalendarScanner{fetcher: fetcher, logger: logger}
}

// Kind identifies the strategy inside the registry.
func (c *CalendarScanner) Kind() domain.SourceKind {
	return domain.SourceCalendar
}

// Scan fetches the calendar page and returns report release events. Events
// that carry a document link are also returned as entries.
func (c *CalendarScanner) Scan(ctx context.Context, req scanner.Request) (scanner.Result, error) {
	res, err := c.fetcher.Fetch(ctx, req.Source.URL)
	if err != nil {
		return scanner.Result{}, errors.Wrapf(err, "fetch calendar %s", req.Source.URL)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return scanner.Result{}, errors.Parse(errors.Wrapf(err, "parse calendar %s", req.Source.URL))
	}

	events := ParseCalendar(doc, req.Source.URL, mergeSelectors(req.Source.Selectors), req.Source.Format)

	var result scanner.Result
	for _, ev := range events {
		result.Events = append(result.Events, ev)
		if ev.URL != "" {
			result.Entries = append(result.Entries, scanner.Entry{
				Type:      ev.Type,
				Year:      ev.Year,
				URL:       ev.URL,
				Title:     ev.Title,
				Published: ev.Date,
			})
		}
	}

	if c.logger != nil {
		c.logger.Debug("calendar scanned", "source", req.Source.ID, "events", len(result.Events))
	}
	return result, nil
}

// ParseCalendar walks event elements using the given selectors.
func ParseCalendar(doc *goquery.Document, pageURL string, selectors map[string]string, format string) []scanner.Event {
	elements := doc.Find(selectors["events"])
	if elements.Length() == 0 {
		for _, alt := range alternativeEventSelectors {
			if elements = doc.Find(alt); elements.Length() > 0 {
				break
			}
		}
	}

	base, _ := url.Parse(pageURL)
	var events []scanner.Event
	elements.Each(func(_ int, el *goquery.Selection) {
		dateText := textOf(el, selectors["date"])
		if dateText == "" {
			dateText = el.Text()
		}
		date, ok := ParseDate(dateText)
		if !ok {
			return
		}

		title := textOf(el, selectors["title"])
		if title == "" {
			title = strings.TrimSpace(el.Text())
		}
		typeText := textOf(el, selectors["type"])

		var link string
		el.Find(selectors["link"]).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			if abs, ok := resolve(base, href); ok && HasDocumentExtension(abs, format) {
				link = abs
				return false
			}
			return true
		})

		docType, year, ok := Classify(title+" "+typeText, link, date)
		if !ok || !docType.IsPeriodReport() {
			return
		}

		events = append(events, scanner.Event{
			Type:  docType,
			Year:  year,
			Date:  date,
			Title: spaceRun.ReplaceAllString(title, " "),
			URL:   link,
		})
	})
	return events
}

func mergeSelectors(custom map[string]string) map[string]string {
	merged := make(map[string]string, len(defaultCalendarSelectors))
	for k, v := range defaultCalendarSelectors {
		merged[k] = v
	}
	for k, v := range custom {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	return merged
}

func textOf(el *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(el.Find(selector).First().Text())
}
