package domain

import "time"

// TaskState is the lifecycle of a manual fallback task.
type TaskState string

const (
	TaskOpen     TaskState = "open"
	TaskResolved TaskState = "resolved"
)

// Tier names the acquisition strategy level that produced a failure.
type Tier string

const (
	TierDirect   Tier = "direct"
	TierRendered Tier = "rendered"
)

// TierFailure records why a single URL attempt failed.
type TierFailure struct {
	Tier   Tier
	URL    string
	Class  string
	Reason string
}

// ManualFallbackTask asks a human to supply a document after every automated tier failed.
type ManualFallbackTask struct {
	ID           string
	OrgID        string
	Type         DocumentType
	Year         int
	Attempts     []TierFailure
	State        TaskState
	Priority     string
	Deadline     time.Time
	Instructions string
	CreatedAt    time.Time
	ResolvedAt   time.Time
	ResolvedBy   string
}

// Tuple returns the acquisition target of the task.
func (t ManualFallbackTask) Tuple() Tuple {
	return Tuple{OrgID: t.OrgID, Type: t.Type, Year: t.Year}
}

// AttemptedURLs lists the distinct attempted URLs in attempt order.
func (t ManualFallbackTask) AttemptedURLs() []string {
	seen := make(map[string]struct{}, len(t.Attempts))
	out := make([]string, 0, len(t.Attempts))
	for _, a := range t.Attempts {
		if _, ok := seen[a.URL]; ok {
			continue
		}
		seen[a.URL] = struct{}{}
		out = append(out, a.URL)
	}
	return out
}

// Overdue reports whether an open task passed its deadline.
func (t ManualFallbackTask) Overdue(now time.Time) bool {
	return t.State == TaskOpen && !t.Deadline.IsZero() && now.After(t.Deadline)
}
