package usecase

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
)

const defaultMinDocumentBytes = 1000

// Validated describes accepted document bytes.
type Validated struct {
	Format      string
	ContentType string
	Fingerprint string
}

// Validator rejects error pages and wrong formats before anything is stored.
type Validator struct {
	MinBytes int
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

var formatContentTypes = map[string]string{
	"pdf":  "application/pdf",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"html": "text/html; charset=utf-8",
}

// Validate checks size and magic bytes against the formats acceptable for
// docType and computes the SHA-256 fingerprint.
func (v Validator) Validate(body []byte, docType domain.DocumentType, format string) (Validated, error) {
	minBytes := v.MinBytes
	if minBytes <= 0 {
		minBytes = defaultMinDocumentBytes
	}
	if len(body) < minBytes {
		return Validated{}, errors.Validation(errors.Newf("body of %d bytes is below the %d byte minimum", len(body), minBytes))
	}

	detected := sniff(body)
	if detected == "" {
		return Validated{}, errors.Validation(errors.Newf("unrecognized content (%s)", http.DetectContentType(body)))
	}
	if !accepts(docType, format, detected) {
		return Validated{}, errors.Validation(errors.Newf("expected %s, got %s", expectedFormat(format), detected))
	}

	sum := sha256.Sum256(body)
	return Validated{
		Format:      detected,
		ContentType: formatContentTypes[detected],
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

func sniff(body []byte) string {
	switch {
	case bytes.HasPrefix(body, pdfMagic):
		return "pdf"
	case bytes.HasPrefix(body, zipMagic):
		return "xlsx"
	}
	if strings.HasPrefix(http.DetectContentType(body), "text/html") {
		return "html"
	}
	return ""
}

// accepts lets press releases be plain pages; every other type must match
// the source format.
func accepts(docType domain.DocumentType, format, detected string) bool {
	if detected == expectedFormat(format) {
		return true
	}
	return docType == domain.TypePressRelease && detected == "html"
}

func expectedFormat(format string) string {
	if _, ok := formatContentTypes[format]; ok {
		return format
	}
	return "pdf"
}
