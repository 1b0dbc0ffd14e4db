package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

const uniqueViolation = "23505"

var (
	documentColumns = []string{"id", "org_id", "doc_type", "year", "storage_path", "fingerprint", "source_url", "method", "size_bytes", "acquired_at"}
	taskColumns     = []string{"id", "org_id", "doc_type", "year", "attempts", "state", "priority", "deadline", "instructions", "created_at", "resolved_at", "resolved_by"}
	statusColumns   = []string{"source_id", "health", "failures", "last_attempt", "last_success", "last_error"}
	patternColumns  = []string{"id", "org_id", "family", "template", "language", "confidence", "successes", "failures", "consecutive_failures", "last_used", "retired"}
	candColumns     = []string{"id", "org_id", "doc_type", "year", "period_label", "url", "title", "source_id", "discovered_at", "state"}
)

// PostgresRepository persists every record kind into Postgres.
type PostgresRepository struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ ports.Store = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

// Ping checks connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return errors.Wrap(r.db.PingContext(ctx), "ping postgres")
}

func (r *PostgresRepository) exec(ctx context.Context, b sq.Sqlizer, what string) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", what)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Mark(errors.Wrap(err, what), errors.ErrDuplicate)
		}
		return nil, errors.Wrap(err, what)
	}
	return res, nil
}

func (r *PostgresRepository) query(ctx context.Context, b sq.Sqlizer, what string) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", what)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, what)
	}
	return rows, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// Documents

func (r *PostgresRepository) PutDocument(ctx context.Context, doc domain.DocumentRecord) error {
	b := r.sb.Insert("documents").Columns(documentColumns...).Values(
		doc.ID, doc.OrgID, string(doc.Type), doc.Year, doc.StoragePath, doc.Fingerprint,
		doc.SourceURL, string(doc.Method), doc.SizeBytes, doc.AcquiredAt.UTC(),
	)
	_, err := r.exec(ctx, b, "insert document")
	return err
}

func (r *PostgresRepository) DocumentByFingerprint(ctx context.Context, orgID, fingerprint string) (*domain.DocumentRecord, error) {
	query, args, err := r.sb.Select(documentColumns...).From("documents").
		Where(sq.And{sq.Eq{"org_id": orgID}, sq.Eq{"fingerprint": fingerprint}}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build document lookup")
	}
	doc, err := scanDocument(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select document")
	}
	return &doc, nil
}

func (r *PostgresRepository) HasDocument(ctx context.Context, tuple domain.Tuple) (bool, error) {
	query, args, err := r.sb.Select("1").From("documents").
		Where(sq.And{sq.Eq{"org_id": tuple.OrgID}, sq.Eq{"doc_type": string(tuple.Type)}, sq.Eq{"year": tuple.Year}}).
		Prefix("SELECT EXISTS (").Suffix(")").
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, "build document exists")
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "document exists")
	}
	return exists, nil
}

func scanDocument(row rowScanner) (domain.DocumentRecord, error) {
	var (
		doc     domain.DocumentRecord
		docType string
		method  string
	)
	err := row.Scan(&doc.ID, &doc.OrgID, &docType, &doc.Year, &doc.StoragePath, &doc.Fingerprint,
		&doc.SourceURL, &method, &doc.SizeBytes, &doc.AcquiredAt)
	doc.Type = domain.DocumentType(docType)
	doc.Method = domain.Method(method)
	doc.AcquiredAt = doc.AcquiredAt.UTC()
	return doc, err
}

// Manual tasks

func (r *PostgresRepository) PutManualTask(ctx context.Context, task domain.ManualFallbackTask) error {
	attempts, err := json.Marshal(attemptRows(task.Attempts))
	if err != nil {
		return errors.Wrap(err, "encode attempts")
	}
	b := r.sb.Insert("manual_tasks").Columns(taskColumns...).Values(
		task.ID, task.OrgID, string(task.Type), task.Year, attempts, string(task.State), task.Priority,
		task.Deadline.UTC(), task.Instructions, task.CreatedAt.UTC(), nullTime(task.ResolvedAt), task.ResolvedBy,
	)
	_, err = r.exec(ctx, b, "insert manual task")
	return err
}

func (r *PostgresRepository) OpenManualTask(ctx context.Context, tuple domain.Tuple) (*domain.ManualFallbackTask, error) {
	query, args, err := r.sb.Select(taskColumns...).From("manual_tasks").
		Where(sq.And{
			sq.Eq{"org_id": tuple.OrgID},
			sq.Eq{"doc_type": string(tuple.Type)},
			sq.Eq{"year": tuple.Year},
			sq.Eq{"state": string(domain.TaskOpen)},
		}).
		OrderBy("created_at").Limit(1).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build open task lookup")
	}
	task, err := scanTask(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select open manual task")
	}
	return &task, nil
}

func (r *PostgresRepository) ResolveManualTask(ctx context.Context, id, resolvedBy string, at time.Time) error {
	b := r.sb.Update("manual_tasks").
		Set("state", string(domain.TaskResolved)).
		Set("resolved_by", resolvedBy).
		Set("resolved_at", at.UTC()).
		Where(sq.And{sq.Eq{"id": id}, sq.Eq{"state": string(domain.TaskOpen)}})
	res, err := r.exec(ctx, b, "resolve manual task")
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	query, args, err := r.sb.Select("1").From("manual_tasks").Where(sq.Eq{"id": id}).
		Prefix("SELECT EXISTS (").Suffix(")").ToSql()
	if err != nil {
		return errors.Wrap(err, "build task exists")
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return errors.Wrap(err, "task exists")
	}
	if !exists {
		return errors.Mark(errors.Newf("manual task %s", id), errors.ErrNotFound)
	}
	return nil
}

type attemptRow struct {
	Tier   string `json:"tier"`
	URL    string `json:"url"`
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

func attemptRows(in []domain.TierFailure) []attemptRow {
	out := make([]attemptRow, 0, len(in))
	for _, a := range in {
		out = append(out, attemptRow{Tier: string(a.Tier), URL: a.URL, Class: a.Class, Reason: a.Reason})
	}
	return out
}

func scanTask(row rowScanner) (domain.ManualFallbackTask, error) {
	var (
		task     domain.ManualFallbackTask
		docType  string
		state    string
		attempts []byte
		resolved sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.OrgID, &docType, &task.Year, &attempts, &state, &task.Priority,
		&task.Deadline, &task.Instructions, &task.CreatedAt, &resolved, &task.ResolvedBy); err != nil {
		return task, err
	}
	task.Type = domain.DocumentType(docType)
	task.State = domain.TaskState(state)
	task.Deadline = task.Deadline.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	task.ResolvedAt = fromNull(resolved)

	var rows []attemptRow
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &rows); err != nil {
			return task, errors.Wrap(err, "decode attempts")
		}
	}
	for _, a := range rows {
		task.Attempts = append(task.Attempts, domain.TierFailure{Tier: domain.Tier(a.Tier), URL: a.URL, Class: a.Class, Reason: a.Reason})
	}
	return task, nil
}

// Source status

func (r *PostgresRepository) PatchSourceStatus(ctx context.Context, orgID, sourceID string, status domain.SourceStatus) error {
	b := r.sb.Insert("source_status").
		Columns("source_id", "org_id", "health", "failures", "last_attempt", "last_success", "last_error").
		Values(sourceID, orgID, string(status.Health), status.Failures,
			nullTime(status.LastAttempt), nullTime(status.LastSuccess), status.LastError).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			health = EXCLUDED.health,
			failures = EXCLUDED.failures,
			last_attempt = EXCLUDED.last_attempt,
			last_success = EXCLUDED.last_success,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`)
	_, err := r.exec(ctx, b, "upsert source status")
	return err
}

func (r *PostgresRepository) SourceStatuses(ctx context.Context) (map[string]domain.SourceStatus, error) {
	rows, err := r.query(ctx, r.sb.Select(statusColumns...).From("source_status"), "select source statuses")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.SourceStatus)
	for rows.Next() {
		var (
			id          string
			health      string
			st          domain.SourceStatus
			lastAttempt sql.NullTime
			lastSuccess sql.NullTime
		)
		if err := rows.Scan(&id, &health, &st.Failures, &lastAttempt, &lastSuccess, &st.LastError); err != nil {
			return nil, errors.Wrap(err, "scan source status")
		}
		st.Health = domain.Health(health)
		st.LastAttempt = fromNull(lastAttempt)
		st.LastSuccess = fromNull(lastSuccess)
		out[id] = st
	}
	return out, errors.Wrap(rows.Err(), "iterate source statuses")
}

// Patterns

func (r *PostgresRepository) Patterns(ctx context.Context, orgID string) ([]domain.URLPattern, error) {
	rows, err := r.query(ctx, r.sb.Select(patternColumns...).From("url_patterns").
		Where(sq.Eq{"org_id": orgID}).OrderBy("id"), "select patterns")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.URLPattern
	for rows.Next() {
		var (
			p        domain.URLPattern
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Family, &p.Template, &p.Language, &p.Confidence,
			&p.Successes, &p.Failures, &p.ConsecutiveFailures, &lastUsed, &p.Retired); err != nil {
			return nil, errors.Wrap(err, "scan pattern")
		}
		p.LastUsed = fromNull(lastUsed)
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate patterns")
}

// PutPatterns replaces the organization's templates in one transaction.
func (r *PostgresRepository) PutPatterns(ctx context.Context, orgID string, patterns []domain.URLPattern) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin patterns")
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := r.sb.Delete("url_patterns").Where(sq.Eq{"org_id": orgID}).ToSql()
	if err != nil {
		return errors.Wrap(err, "build delete patterns")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "delete patterns")
	}

	if len(patterns) > 0 {
		ins := r.sb.Insert("url_patterns").Columns(patternColumns...)
		for _, p := range patterns {
			ins = ins.Values(p.ID, orgID, p.Family, p.Template, p.Language, p.Confidence,
				p.Successes, p.Failures, p.ConsecutiveFailures, nullTime(p.LastUsed), p.Retired)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return errors.Wrap(err, "build insert patterns")
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "insert patterns")
		}
	}
	return errors.Wrap(tx.Commit(), "commit patterns")
}

// Candidates

func (r *PostgresRepository) PutCandidates(ctx context.Context, candidates []domain.CandidateReference) error {
	if len(candidates) == 0 {
		return nil
	}
	b := r.sb.Insert("candidates").Columns(candColumns...)
	for _, c := range candidates {
		state := c.State
		if state == "" {
			state = domain.CandidatePending
		}
		b = b.Values(c.ID, c.OrgID, string(c.Type), c.Year, c.PeriodLabel, c.URL, c.Title, c.SourceID,
			c.DiscoveredAt.UTC(), string(state))
	}
	_, err := r.exec(ctx, b.Suffix("ON CONFLICT (id) DO NOTHING"), "insert candidates")
	return err
}

// ClaimCandidates moves up to limit pending candidates, oldest first, to
// claimed. Concurrent claimers never receive the same row.
func (r *PostgresRepository) ClaimCandidates(ctx context.Context, limit int) ([]domain.CandidateReference, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, pendingArgs, err := sq.Select("id").From("candidates").
		Where(sq.Eq{"state": string(domain.CandidatePending)}).
		OrderBy("discovered_at", "id").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build claim subquery")
	}
	b := r.sb.Update("candidates").
		Set("state", string(domain.CandidateClaimed)).
		Where(sq.Expr("id IN ("+pending+")", pendingArgs...)).
		Suffix("RETURNING " + strings.Join(candColumns, ", "))

	rows, err := r.query(ctx, b, "claim candidates")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CandidateReference
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan candidate")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate claimed candidates")
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CompleteCandidate sets the state of a candidate. Completing with
// CandidatePending releases a claim.
func (r *PostgresRepository) CompleteCandidate(ctx context.Context, id string, state domain.CandidateState) error {
	res, err := r.exec(ctx, r.sb.Update("candidates").Set("state", string(state)).Where(sq.Eq{"id": id}), "complete candidate")
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("candidate %s", id), errors.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) ExpireCandidates(ctx context.Context, discoveredBefore time.Time) (int, error) {
	b := r.sb.Update("candidates").
		Set("state", string(domain.CandidateExpired)).
		Where(sq.And{sq.Eq{"state": string(domain.CandidatePending)}, sq.Lt{"discovered_at": discoveredBefore.UTC()}})
	res, err := r.exec(ctx, b, "expire candidates")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "expired rows")
}

func scanCandidate(row rowScanner) (domain.CandidateReference, error) {
	var (
		c       domain.CandidateReference
		docType string
		state   string
	)
	err := row.Scan(&c.ID, &c.OrgID, &docType, &c.Year, &c.PeriodLabel, &c.URL, &c.Title, &c.SourceID, &c.DiscoveredAt, &state)
	c.Type = domain.DocumentType(docType)
	c.State = domain.CandidateState(state)
	c.DiscoveredAt = c.DiscoveredAt.UTC()
	return c, err
}
