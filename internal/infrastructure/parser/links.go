package parser

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ReportHarvester/internal/domain"
)

// Link is an anchor pointing at a downloadable document.
type Link struct {
	URL  string
	Text string
}

var formatExtensions = map[string][]string{
	"pdf":  {".pdf"},
	"xlsx": {".xlsx", ".xls"},
	"html": {".html", ".htm"},
}

// ExtractDocumentLinks returns the absolute URLs of anchors in doc whose path
// ends in an extension of format, in document order and without repeats.
// selector narrows the anchors considered; empty means every a[href].
func ExtractDocumentLinks(doc *goquery.Document, baseURL, selector, format string) []Link {
	if selector == "" {
		selector = "a[href]"
	}
	base, _ := url.Parse(baseURL)

	var links []Link
	seen := map[string]struct{}{}
	doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		abs, ok := resolve(base, href)
		if !ok || !HasDocumentExtension(abs, format) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, Link{URL: abs, Text: strings.TrimSpace(a.Text())})
	})
	return links
}

// ExtractDocumentLinksFromHTML is ExtractDocumentLinks over an HTML fragment.
func ExtractDocumentLinksFromHTML(fragment, baseURL, format string) []Link {
	if !strings.Contains(fragment, "href") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	return ExtractDocumentLinks(doc, baseURL, "", format)
}

// HasDocumentExtension reports whether the URL path ends with an extension of format.
func HasDocumentExtension(rawURL, format string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	exts, ok := formatExtensions[format]
	if !ok {
		exts = formatExtensions["pdf"]
	}
	path := strings.ToLower(u.Path)
	for _, ext := range exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") || strings.HasPrefix(strings.ToLower(href), "mailto:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	return ref.String(), true
}

// LinkFinder picks the links on a rendered page that point at the document
// for one tuple.
type LinkFinder struct{}

// FindDocumentLinks returns document links whose anchor text or URL
// classifies as tuple's type and year, in page order.
func (LinkFinder) FindDocumentLinks(html string, source domain.Source, tuple domain.Tuple) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var out []string
	for _, link := range ExtractDocumentLinks(doc, source.URL, source.Selectors["link"], source.Format) {
		docType, year, ok := Classify(link.Text, link.URL, time.Time{})
		if ok && docType == tuple.Type && year == tuple.Year {
			out = append(out, link.URL)
		}
	}
	return out
}
