package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"ReportHarvester/internal/config"
	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
)

func TestLayoutResolve(t *testing.T) {
	t.Parallel()

	org := domain.Organization{ID: "acme", Name: "Acme AB", Country: "SE"}
	fp := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	got := Layout{}.Resolve(org, domain.TypeQ2, 2025, fp, "pdf")
	want := "companies/se/a/acme/2025/Q2/Q2-2025-9f86d081884c.pdf"
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}

	got = Layout{Prefix: "/archive/"}.Resolve(domain.Organization{ID: "3m", Name: "3M"}, domain.TypeAnnual, 2024, "abc", ".XLSX")
	want = "archive/xx/0-9/3m/2024/annual/annual-2024-abc.xlsx"
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}

	got = Layout{}.Resolve(domain.Organization{ID: "orsted", Name: "Ørsted", Country: "dk"}, domain.TypePressRelease, 2025, "abc", "")
	if !strings.HasPrefix(got, "companies/dk/other/orsted/") || !strings.HasSuffix(got, ".pdf") {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestMemoryStoreWrite(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(Layout{})
	if err := store.Write(context.Background(), "a/b.pdf", []byte("%PDF-"), "application/pdf"); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	obj, ok := store.Get("a/b.pdf")
	if !ok || string(obj.Data) != "%PDF-" || obj.ContentType != "application/pdf" {
		t.Fatalf("unexpected object %+v", obj)
	}
}

func TestMinioStoreWrite(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotPath  string
		gotBody  string
		gotCType string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
			body = decodeChunked(t, body)
			if got := r.Header.Get("X-Amz-Decoded-Content-Length"); got != strconv.Itoa(len(body)) {
				t.Errorf("decoded length header %q for %d bytes", got, len(body))
			}
		}
		mu.Lock()
		gotPath, gotBody, gotCType = r.URL.Path, string(body), r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store, err := NewMinioStore(config.StorageConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "test",
		SecretKey: "testsecret",
		Bucket:    "reports",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewMinioStore error: %v", err)
	}

	key := store.Resolve(domain.Organization{ID: "acme", Name: "Acme AB", Country: "SE"}, domain.TypeQ2, 2025, "abcdef", "pdf")
	if err := store.Write(context.Background(), key, []byte("%PDF-1.7"), "application/pdf"); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/reports/"+key {
		t.Fatalf("unexpected object path %q", gotPath)
	}
	if gotBody != "%PDF-1.7" || gotCType != "application/pdf" {
		t.Fatalf("unexpected upload body=%q type=%q", gotBody, gotCType)
	}
}

func TestMinioStoreWriteFailureIsStoreError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	store, err := NewMinioStore(config.StorageConfig{
		Endpoint: strings.TrimPrefix(server.URL, "http://"),
		Bucket:   "reports",
		Region:   "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewMinioStore error: %v", err)
	}
	err = store.Write(context.Background(), "k.pdf", []byte("x"), "application/pdf")
	if !errors.Is(err, errors.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

// decodeChunked strips the signed aws-chunked framing minio uses for uploads
// over plain HTTP: "<hex size>;chunk-signature=<sig>\r\n<data>\r\n" until a
// zero-size chunk.
func decodeChunked(t *testing.T, raw []byte) []byte {
	t.Helper()
	var out []byte
	for len(raw) > 0 {
		header, rest, ok := bytes.Cut(raw, []byte("\r\n"))
		if !ok {
			t.Errorf("truncated chunk header in %q", raw)
			return out
		}
		sizeHex, _, _ := bytes.Cut(header, []byte(";"))
		size, err := strconv.ParseInt(string(sizeHex), 16, 64)
		if err != nil || int64(len(rest)) < size {
			t.Errorf("bad chunk header %q", header)
			return out
		}
		if size == 0 {
			return out
		}
		out = append(out, rest[:size]...)
		raw = bytes.TrimPrefix(rest[size:], []byte("\r\n"))
	}
	return out
}
