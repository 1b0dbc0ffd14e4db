package domain

import (
	"fmt"
	"time"
)

// DocumentType is the fixed set of document categories.
type DocumentType string

const (
	TypeQ1           DocumentType = "Q1"
	TypeQ2           DocumentType = "Q2"
	TypeQ3           DocumentType = "Q3"
	TypeQ4           DocumentType = "Q4"
	TypeAnnual       DocumentType = "annual"
	TypePressRelease DocumentType = "press-release"
	TypeOther        DocumentType = "other"
)

// Quarter returns 1..4 for period reports and 0 otherwise.
func (t DocumentType) Quarter() int {
	switch t {
	case TypeQ1:
		return 1
	case TypeQ2:
		return 2
	case TypeQ3:
		return 3
	case TypeQ4:
		return 4
	default:
		return 0
	}
}

// IsPeriodReport reports whether t is a quarterly or annual report.
func (t DocumentType) IsPeriodReport() bool {
	return t.Quarter() > 0 || t == TypeAnnual
}

// Valid reports whether t belongs to the enumeration.
func (t DocumentType) Valid() bool {
	switch t {
	case TypeQ1, TypeQ2, TypeQ3, TypeQ4, TypeAnnual, TypePressRelease, TypeOther:
		return true
	}
	return false
}

// QuarterType returns the period-report type for quarter q.
func QuarterType(q int) DocumentType {
	switch q {
	case 1:
		return TypeQ1
	case 2:
		return TypeQ2
	case 3:
		return TypeQ3
	case 4:
		return TypeQ4
	default:
		return TypeOther
	}
}

// Tuple identifies one acquisition target.
type Tuple struct {
	OrgID string
	Type  DocumentType
	Year  int
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s/%s/%d", t.OrgID, t.Type, t.Year)
}

// Method records how a document was acquired.
type Method string

const (
	MethodTier1Candidate Method = "tier1-candidate"
	MethodTier1Pattern   Method = "tier1-pattern"
	MethodTier2Rendered  Method = "tier2-rendered"
)

// CandidateState tracks the single consumption of a candidate.
type CandidateState string

const (
	CandidatePending  CandidateState = "pending"
	CandidateClaimed  CandidateState = "claimed"
	CandidateConsumed CandidateState = "consumed"
	CandidateExpired  CandidateState = "expired"
)

// CandidateReference is an unconfirmed pointer to a document produced by discovery.
type CandidateReference struct {
	ID           string
	OrgID        string
	Type         DocumentType
	Year         int
	PeriodLabel  string
	URL          string
	Title        string
	SourceID     string
	DiscoveredAt time.Time
	State        CandidateState
}

// Tuple returns the acquisition target of the candidate.
func (c CandidateReference) Tuple() Tuple {
	return Tuple{OrgID: c.OrgID, Type: c.Type, Year: c.Year}
}

// PeriodLabel renders the human period label, e.g. "Q2 2025" or "FY 2024".
func PeriodLabel(t DocumentType, year int) string {
	switch {
	case t.Quarter() > 0:
		return fmt.Sprintf("%s %d", t, year)
	case t == TypeAnnual:
		return fmt.Sprintf("FY %d", year)
	default:
		return fmt.Sprintf("%d", year)
	}
}

// DocumentRecord is the durable result of a successful acquisition.
// (OrgID, Fingerprint) is unique.
type DocumentRecord struct {
	ID          string
	OrgID       string
	Type        DocumentType
	Year        int
	StoragePath string
	Fingerprint string
	SourceURL   string
	Method      Method
	SizeBytes   int64
	AcquiredAt  time.Time
}

// Tuple returns the acquisition target of the record.
func (d DocumentRecord) Tuple() Tuple {
	return Tuple{OrgID: d.OrgID, Type: d.Type, Year: d.Year}
}
