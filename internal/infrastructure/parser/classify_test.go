package parser

import (
	"testing"
	"time"

	"ReportHarvester/internal/domain"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	published := time.Date(2025, time.July, 17, 7, 30, 0, 0, time.UTC)
	cases := []struct {
		name     string
		title    string
		link     string
		pub      time.Time
		wantType domain.DocumentType
		wantYear int
		wantOK   bool
	}{
		{"explicit quarter", "Acme Q2 2025 interim report", "https://acme.se/news/1", published, domain.TypeQ2, 2025, true},
		{"swedish month range", "Delårsrapport januari–juni 2025", "https://acme.se/news/2", published, domain.TypeQ2, 2025, true},
		{"swedish ordinal", "Rapport för tredje kvartalet 2024", "", published, domain.TypeQ3, 2024, true},
		{"year from link", "Interim report January-March", "https://acme.se/r/2025/q1/eng.pdf", published, domain.TypeQ1, 2025, true},
		{"year end report is q4", "Bokslutskommuniké 2024", "", published, domain.TypeQ4, 2024, true},
		{"annual from published early in year", "Årsredovisning publicerad", "", time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC), domain.TypeAnnual, 2024, true},
		{"press release", "Pressmeddelande: Acme utser ny VD", "", published, domain.TypePressRelease, 2025, true},
		{"quarter marker in link", "Report", "https://acme.se/files/acme-q3-2025.pdf", published, domain.TypeQ3, 2025, true},
		{"generic interim without quarter is dropped", "Delårsrapport", "", published, "", 0, false},
		{"unrelated entry", "Acme opens new plant in Gävle", "https://acme.se/news/3", published, "", 0, false},
		{"faq is not a quarter", "faq2 updated", "", published, "", 0, false},
		{"no year and no date", "Q2 report", "", time.Time{}, "", 0, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotType, gotYear, ok := Classify(tc.title, tc.link, tc.pub)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if gotType != tc.wantType || gotYear != tc.wantYear {
				t.Fatalf("got %s/%d, want %s/%d", gotType, gotYear, tc.wantType, tc.wantYear)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"15 januari 2025", "Datum: 15 January 2025", "2025-01-15", "15/1/2025", "15.1.2025"} {
		got, ok := ParseDate(in)
		if !ok {
			t.Fatalf("ParseDate(%q) failed", in)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v", in, got)
		}
	}

	if _, ok := ParseDate("31 februari 2025"); ok {
		t.Fatalf("expected invalid date to be rejected")
	}
	if _, ok := ParseDate("soon"); ok {
		t.Fatalf("expected no date")
	}
}

func TestHasDocumentExtension(t *testing.T) {
	t.Parallel()

	if !HasDocumentExtension("https://acme.se/r/Q2.PDF?download=1", "pdf") {
		t.Fatalf("expected pdf match")
	}
	if HasDocumentExtension("https://acme.se/r/q2.html", "pdf") {
		t.Fatalf("html is not a pdf")
	}
	if !HasDocumentExtension("https://acme.se/r/data.xlsx", "xlsx") {
		t.Fatalf("expected xlsx match")
	}
}

func TestLinkFinder(t *testing.T) {
	t.Parallel()

	html := `<html><body><div class="reports">
	  <a href="/files/acme-q1-2025.pdf">Interim report Q1 2025</a>
	  <a href="/files/report-2025-06.pdf">Delårsrapport januari-juni 2025</a>
	  <a href="/files/ar-2024.pdf">Annual report 2024</a>
	  <a href="/ir/q2-2025">Q2 2025 webcast</a>
	</div></body></html>`
	src := domain.Source{URL: "https://acme.se/ir/reports", Format: "pdf"}

	got := LinkFinder{}.FindDocumentLinks(html, src, domain.Tuple{OrgID: "acme", Type: domain.TypeQ2, Year: 2025})
	if len(got) != 1 || got[0] != "https://acme.se/files/report-2025-06.pdf" {
		t.Fatalf("unexpected links %v", got)
	}

	got = LinkFinder{}.FindDocumentLinks(html, src, domain.Tuple{OrgID: "acme", Type: domain.TypeAnnual, Year: 2024})
	if len(got) != 1 || got[0] != "https://acme.se/files/ar-2024.pdf" {
		t.Fatalf("unexpected annual links %v", got)
	}
}
