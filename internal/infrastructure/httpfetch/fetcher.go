// Package httpfetch performs polite direct HTTP GETs and classifies failures.
package httpfetch

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "ReportHarvester/1.0 (+investor-relations archiver)"
	defaultMaxBytes  = 200 << 20
)

// Options configures a Fetcher. Zero values fall back to defaults; a zero
// RequestsPerSecond disables per-host limiting.
type Options struct {
	Client            *http.Client
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	MaxBytes          int64
}

// Fetcher implements ports.Fetcher over net/http with one token bucket per host.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBytes  int64
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ ports.Fetcher = (*Fetcher)(nil)

// New creates a reusable fetcher.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		limit:     rate.Inf,
		burst:     opts.Burst,
		limiters:  make(map[string]*rate.Limiter),
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.maxBytes <= 0 {
		f.maxBytes = defaultMaxBytes
	}
	if opts.RequestsPerSecond > 0 {
		f.limit = rate.Limit(opts.RequestsPerSecond)
	}
	if f.burst <= 0 {
		f.burst = 1
	}
	return f
}

// Fetch GETs rawURL. 5xx, 408, 429 and transport failures are transient;
// other non-2xx responses and malformed URLs are permanent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (ports.FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ports.FetchResult{}, errors.Permanent(errors.Newf("invalid url %q", rawURL))
	}

	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return ports.FetchResult{}, errors.Wrap(err, "wait for rate limiter")
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ports.FetchResult{}, errors.Permanent(errors.Wrap(err, "new request"))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return ports.FetchResult{}, f.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := errors.Newf("unexpected status %s from %s", resp.Status, u.Host)
		if retryableStatus(resp.StatusCode) {
			return ports.FetchResult{}, errors.Transient(statusErr)
		}
		return ports.FetchResult{}, errors.Permanent(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return ports.FetchResult{}, f.classifyTransport(ctx, errors.Wrap(err, "read body"))
	}
	if int64(len(body)) > f.maxBytes {
		return ports.FetchResult{}, errors.Validation(errors.Newf("body exceeds %d bytes", f.maxBytes))
	}

	return ports.FetchResult{
		URL:         resp.Request.URL.String(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[host] = l
	}
	return l
}

// classifyTransport leaves caller cancellation unmarked so it is never
// mistaken for a source failure.
func (f *Fetcher) classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "fetch cancelled")
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
		return errors.Permanent(errors.Wrap(err, "do request"))
	}
	return errors.Transient(errors.Wrap(err, "do request"))
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
