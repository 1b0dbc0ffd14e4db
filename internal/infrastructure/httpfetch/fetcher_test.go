package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ReportHarvester/internal/errors"
)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "test-agent") {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 body"))
	}))
	defer server.Close()

	f := New(Options{Client: server.Client(), UserAgent: "test-agent"})
	res, err := f.Fetch(context.Background(), server.URL+"/q2.pdf")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if string(res.Body) != "%PDF-1.7 body" || res.ContentType != "application/pdf" || res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchClassification(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/slow":
			<-r.Context().Done()
		}
	}))
	defer server.Close()

	f := New(Options{Client: server.Client(), Timeout: 50 * time.Millisecond})
	cases := []struct {
		path      string
		transient bool
	}{
		{"/missing", false},
		{"/forbidden", false},
		{"/busy", true},
		{"/broken", true},
		{"/slow", true},
	}
	for _, tc := range cases {
		_, err := f.Fetch(context.Background(), server.URL+tc.path)
		if err == nil {
			t.Fatalf("%s: expected error", tc.path)
		}
		if got := errors.IsRetryable(err); got != tc.transient {
			t.Fatalf("%s: retryable = %v, want %v (%v)", tc.path, got, tc.transient, err)
		}
		if !errors.IsFetch(err) {
			t.Fatalf("%s: expected fetch class, got %v", tc.path, err)
		}
	}

	if _, err := f.Fetch(context.Background(), "ftp://example.com/x.pdf"); !errors.Is(err, errors.ErrPermanentFetch) {
		t.Fatalf("expected permanent error for bad scheme, got %v", err)
	}
}

func TestFetchCancelledIsUnclassified(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := New(Options{Client: server.Client()})
	go func() {
		<-entered
		cancel()
	}()

	_, err := f.Fetch(ctx, server.URL)
	if err == nil || errors.IsFetch(err) {
		t.Fatalf("expected unclassified cancellation error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchMaxBytes(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	f := New(Options{Client: server.Client(), MaxBytes: 32})
	if _, err := f.Fetch(context.Background(), server.URL); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFetchPerHostLimiter(t *testing.T) {
	t.Parallel()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	f := New(Options{Client: server.Client(), RequestsPerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), server.URL); err != nil {
			t.Fatalf("Fetch error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("expected limiter to space requests, took %s", elapsed)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", hits)
	}
	if len(f.limiters) != 1 {
		t.Fatalf("expected one limiter per host, got %d", len(f.limiters))
	}
}
