package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ListFilter narrows an owner's job listing. Page starts at 1.
type ListFilter struct {
	Status  *Status
	Page    int
	PerPage int
}

// Normalize clamps paging to page >= 1 and perPage in [1,100].
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}
	if f.PerPage > 100 {
		f.PerPage = 100
	}
	return f
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, ownerID string, f ListFilter) ([]Job, error)
	// CompareAndSwap writes next only if the stored status still equals expected.
	// It returns ErrStatusConflict when it does not and ErrNotFound when the row is gone.
	CompareAndSwap(ctx context.Context, expected Status, next *Job) error
	// FindStuck returns processing jobs whose updated_at is before cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]Job, error)
	// ListQueued returns queued jobs oldest first.
	ListQueued(ctx context.Context) ([]Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// DeleteTerminalBefore removes terminal jobs completed before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, owner_id, name, status, quantization_method, input_format, output_format,
	input_file_ref, output_file_ref, progress, error_message, original_size, quantized_size,
	reduction_percent, processing_duration_ms, credits_charged, priority, download_token,
	created_at, started_at, completed_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j          Job
		outputRef  sql.NullString
		errMsg     sql.NullString
		quantized  sql.NullInt64
		reduction  sql.NullFloat64
		durationMs int64
		started    sql.NullTime
		completed  sql.NullTime
	)
	err := s.Scan(&j.ID, &j.OwnerID, &j.Name, &j.Status, &j.Method, &j.InputFormat, &j.OutputFormat,
		&j.InputFileRef, &outputRef, &j.Progress, &errMsg, &j.OriginalSize, &quantized,
		&reduction, &durationMs, &j.CreditsCharged, &j.Priority, &j.DownloadToken,
		&j.CreatedAt, &started, &completed, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.OutputFileRef = outputRef.String
	j.ErrorMessage = errMsg.String
	if quantized.Valid {
		j.QuantizedSize = &quantized.Int64
	}
	if reduction.Valid {
		j.ReductionPercent = &reduction.Float64
	}
	j.ProcessingDuration = time.Duration(durationMs) * time.Millisecond
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepo) Create(ctx context.Context, j *Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err := r.db.ExecContext(ctx, query,
		j.ID, j.OwnerID, j.Name, j.Status, j.Method, j.InputFormat, j.OutputFormat,
		j.InputFileRef, nullString(j.OutputFileRef), j.Progress, nullString(j.ErrorMessage), j.OriginalSize, j.QuantizedSize,
		j.ReductionPercent, j.ProcessingDuration.Milliseconds(), j.CreditsCharged, j.Priority, j.DownloadToken,
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("job/postgres: create: %w", ErrDuplicateToken)
		}
		return fmt.Errorf("job/postgres: create: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job/postgres: get: %w", err)
	}
	return j, nil
}

func (r *PostgresRepo) List(ctx context.Context, ownerID string, f ListFilter) ([]Job, error) {
	f = f.Normalize()
	args := []any{ownerID}
	var where strings.Builder
	where.WriteString("owner_id = $1")
	if f.Status != nil {
		args = append(args, *f.Status)
		fmt.Fprintf(&where, " AND status = $%d", len(args))
	}
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where.String(), len(args)-1, len(args))
	return r.query(ctx, "list", query, args...)
}

func (r *PostgresRepo) CompareAndSwap(ctx context.Context, expected Status, next *Job) error {
	query := `UPDATE jobs SET status = $3, output_file_ref = $4, progress = $5, error_message = $6,
		quantized_size = $7, reduction_percent = $8, processing_duration_ms = $9,
		started_at = $10, completed_at = $11, updated_at = $12
		WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, next.ID, expected,
		next.Status, nullString(next.OutputFileRef), next.Progress, nullString(next.ErrorMessage),
		next.QuantizedSize, next.ReductionPercent, next.ProcessingDuration.Milliseconds(),
		next.StartedAt, next.CompletedAt, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("job/postgres: compare and swap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job/postgres: compare and swap: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return fmt.Errorf("job/postgres: compare and swap: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (r *PostgresRepo) FindStuck(ctx context.Context, cutoff time.Time) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`
	return r.query(ctx, "find stuck", query, StatusProcessing, cutoff)
}

func (r *PostgresRepo) ListQueued(ctx context.Context) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at`
	return r.query(ctx, "list queued", query, StatusQueued)
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job/postgres: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("job/postgres: count by status: %w", err)
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM jobs WHERE status IN ($1, $2, $3) AND completed_at < $4`
	res, err := r.db.ExecContext(ctx, query, StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("job/postgres: delete terminal: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) query(ctx context.Context, op, query string, args ...any) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job/postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job/postgres: %s: %w", op, err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job/postgres: %s: %w", op, err)
	}
	return jobs, nil
}
