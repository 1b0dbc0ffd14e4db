package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
)

var when = time.Date(2025, time.July, 18, 8, 0, 0, 0, time.UTC)

func newMockRepository(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresRepository(db), mock
}

func TestPostgresPutDocument(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	doc := domain.DocumentRecord{
		ID: "doc-1", OrgID: "acme", Type: domain.TypeQ2, Year: 2025, StoragePath: "companies/se/a/acme/2025/Q2/Q2-2025-abc.pdf",
		Fingerprint: "abc", SourceURL: "https://acme.se/q2.pdf", Method: domain.MethodTier1Candidate, SizeBytes: 2048, AcquiredAt: when,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents (id,org_id,doc_type,year,storage_path,fingerprint,source_url,method,size_bytes,acquired_at)")).
		WithArgs("doc-1", "acme", "Q2", 2025, doc.StoragePath, "abc", doc.SourceURL, "tier1-candidate", int64(2048), when).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.PutDocument(ctx, doc))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	err := repo.PutDocument(ctx, doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))
}

func TestPostgresDocumentByFingerprint(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	lookup := regexp.QuoteMeta("FROM documents WHERE (org_id = $1 AND fingerprint = $2)")

	rows := sqlmock.NewRows(documentColumns).
		AddRow("doc-1", "acme", "Q2", 2025, "companies/x.pdf", "abc", "https://acme.se/q2.pdf", "tier1-pattern", int64(2048), when)
	mock.ExpectQuery(lookup).WithArgs("acme", "abc").WillReturnRows(rows)

	doc, err := repo.DocumentByFingerprint(ctx, "acme", "abc")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, domain.TypeQ2, doc.Type)
	assert.Equal(t, domain.MethodTier1Pattern, doc.Method)
	assert.Equal(t, when, doc.AcquiredAt)

	mock.ExpectQuery(lookup).WithArgs("acme", "missing").WillReturnRows(sqlmock.NewRows(documentColumns))
	doc, err = repo.DocumentByFingerprint(ctx, "acme", "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestPostgresHasDocument(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS ( SELECT 1 FROM documents WHERE (org_id = $1 AND doc_type = $2 AND year = $3) )")).
		WithArgs("acme", "annual", 2024).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.HasDocument(context.Background(), domain.Tuple{OrgID: "acme", Type: domain.TypeAnnual, Year: 2024})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresManualTasks(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	task := domain.ManualFallbackTask{
		ID: "task-1", OrgID: "acme", Type: domain.TypeQ2, Year: 2025, State: domain.TaskOpen, Priority: "urgent",
		Deadline: when.Add(72 * time.Hour), Instructions: "Download the Q2 2025 report", CreatedAt: when,
		Attempts: []domain.TierFailure{{Tier: domain.TierDirect, URL: "https://acme.se/q2.pdf", Class: "permanent", Reason: "404"}},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO manual_tasks")).
		WithArgs("task-1", "acme", "Q2", 2025, sqlmock.AnyArg(), "open", "urgent", task.Deadline, task.Instructions, when, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.PutManualTask(ctx, task))

	rows := sqlmock.NewRows(taskColumns).AddRow(
		"task-1", "acme", "Q2", 2025, []byte(`[{"tier":"direct","url":"https://acme.se/q2.pdf","class":"permanent","reason":"404"}]`),
		"open", "urgent", task.Deadline, task.Instructions, when, nil, "")
	mock.ExpectQuery(regexp.QuoteMeta("FROM manual_tasks WHERE (org_id = $1 AND doc_type = $2 AND year = $3 AND state = $4) ORDER BY created_at LIMIT 1")).
		WithArgs("acme", "Q2", 2025, "open").
		WillReturnRows(rows)

	open, err := repo.OpenManualTask(ctx, task.Tuple())
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, task.Attempts, open.Attempts)
	assert.True(t, open.ResolvedAt.IsZero())
	assert.Equal(t, []string{"https://acme.se/q2.pdf"}, open.AttemptedURLs())
}

func TestPostgresResolveManualTask(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	resolve := regexp.QuoteMeta("UPDATE manual_tasks SET state = $1, resolved_by = $2, resolved_at = $3 WHERE (id = $4 AND state = $5)")

	mock.ExpectExec(resolve).WithArgs("resolved", "ops", when, "task-1", "open").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ResolveManualTask(ctx, "task-1", "ops", when))

	mock.ExpectExec(resolve).WithArgs("resolved", "ops", when, "task-9", "open").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS ( SELECT 1 FROM manual_tasks WHERE id = $1 )")).
		WithArgs("task-9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	err := repo.ResolveManualTask(ctx, "task-9", "ops", when)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPostgresSourceStatuses(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	status := domain.SourceStatus{Health: domain.HealthDegraded, Failures: 3, LastAttempt: when, LastError: "transient: 503"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO source_status (source_id,org_id,health,failures,last_attempt,last_success,last_error)")+".*ON CONFLICT \\(source_id\\) DO UPDATE").
		WithArgs("acme-feed", "acme", "degraded", 3, sqlmock.AnyArg(), sqlmock.AnyArg(), "transient: 503").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.PatchSourceStatus(ctx, "acme", "acme-feed", status))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT source_id, health, failures, last_attempt, last_success, last_error FROM source_status")).
		WillReturnRows(sqlmock.NewRows(statusColumns).AddRow("acme-feed", "degraded", 3, when, nil, "transient: 503"))
	got, err := repo.SourceStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.SourceStatus{"acme-feed": status}, got)
}

func TestPostgresPutPatternsReplacesInTransaction(t *testing.T) {
	repo, mock := newMockRepository(t)
	p := domain.URLPattern{
		ID: "p1", OrgID: "acme", Family: "quarterly", Template: "https://acme.se/r/{year}/{q}/{lang}.pdf",
		Language: "sve", Confidence: 0.82, Successes: 6, LastUsed: when,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM url_patterns WHERE org_id = $1")).WithArgs("acme").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO url_patterns")).
		WithArgs("p1", "acme", "quarterly", p.Template, "sve", 0.82, 6, 0, 0, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, repo.PutPatterns(context.Background(), "acme", []domain.URLPattern{p}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM url_patterns")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	assert.Error(t, repo.PutPatterns(context.Background(), "acme", []domain.URLPattern{p}))
}

func TestPostgresPatterns(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM url_patterns WHERE org_id = $1 ORDER BY id")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(patternColumns).
			AddRow("p1", "acme", "quarterly", "https://acme.se/r/{year}/{q}/{lang}.pdf", "sve", 0.82, 6, 1, 1, when, false).
			AddRow("p2", "acme", "annual", "https://acme.se/ar/{year}.pdf", "", 0.04, 1, 9, 0, nil, true))

	got, err := repo.Patterns(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, when, got[0].LastUsed)
	assert.True(t, got[1].Retired)
	assert.True(t, got[1].LastUsed.IsZero())
}

func TestPostgresCandidates(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	c := domain.CandidateReference{
		ID: "c1", OrgID: "acme", Type: domain.TypeQ2, Year: 2025, PeriodLabel: "Q2 2025",
		URL: "https://acme.se/q2.pdf", Title: "Delårsrapport", SourceID: "acme-feed", DiscoveredAt: when,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO candidates")+".*ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("c1", "acme", "Q2", 2025, "Q2 2025", c.URL, c.Title, "acme-feed", when, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.PutCandidates(ctx, []domain.CandidateReference{c}))

	mock.ExpectQuery(`UPDATE candidates SET state = \$1 WHERE id IN \(SELECT id FROM candidates WHERE state = \$2 ORDER BY discovered_at, id LIMIT 2 FOR UPDATE SKIP LOCKED\) RETURNING`).
		WithArgs("claimed", "pending").
		WillReturnRows(sqlmock.NewRows(candColumns).
			AddRow("c2", "acme", "Q2", 2025, "Q2 2025", "https://acme.se/b.pdf", "", "acme-feed", when.Add(time.Minute), "claimed").
			AddRow("c1", "acme", "Q2", 2025, "Q2 2025", c.URL, c.Title, "acme-feed", when, "claimed"))
	claimed, err := repo.ClaimCandidates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "c1", claimed[0].ID, "oldest first")
	assert.Equal(t, domain.CandidateClaimed, claimed[0].State)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE candidates SET state = $1 WHERE id = $2")).
		WithArgs("consumed", "c1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.CompleteCandidate(ctx, "c1", domain.CandidateConsumed))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE candidates SET state = $1 WHERE id = $2")).
		WithArgs("pending", "gone").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, errors.Is(repo.CompleteCandidate(ctx, "gone", domain.CandidatePending), errors.ErrNotFound))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE candidates SET state = $1 WHERE (state = $2 AND discovered_at < $3)")).
		WithArgs("expired", "pending", when).WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := repo.ExpireCandidates(ctx, when)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPostgresMigrate(t *testing.T) {
	repo, mock := newMockRepository(t)
	for range Schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, repo.Migrate(context.Background()))
}
