package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Workflows ---

const workflowColumns = `workflow_id, status, start_phase, input_location, output_location, prediction_list,
	parameters, chromosomes, job_count, jobs_pending, jobs_running, jobs_succeeded, jobs_failed,
	failure, cancel_requested_at, status_changed_at, completed_at, expires_at, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.WorkflowRun, error) {
	var (
		wf      models.WorkflowRun
		params  []byte
		failure []byte
	)
	err := row.Scan(&wf.ID, &wf.Status, &wf.StartPhase, &wf.InputLocation, &wf.OutputLocation,
		&wf.PredictionList, &params, &wf.Chromosomes, &wf.JobCount,
		&wf.JobStats.Pending, &wf.JobStats.Running, &wf.JobStats.Succeeded, &wf.JobStats.Failed,
		&failure, &wf.CancelRequestedAt, &wf.StatusChangedAt, &wf.CompletedAt, &wf.ExpiresAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &wf.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if len(failure) > 0 {
		wf.Failure = &models.FailureSummary{}
		if err := json.Unmarshal(failure, wf.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	return &wf, nil
}

func statusChangedAt(wf *models.WorkflowRun) time.Time {
	if wf.StatusChangedAt.IsZero() {
		return wf.CreatedAt
	}
	return wf.StatusChangedAt
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.WorkflowRun) error {
	params, err := json.Marshal(wf.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	chroms := wf.Chromosomes
	if chroms == nil {
		chroms = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflows (workflow_id, status, start_phase, input_location, output_location,
		   prediction_list, parameters, chromosomes, job_count, expires_at, status_changed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		wf.ID, wf.Status, wf.StartPhase, wf.InputLocation, wf.OutputLocation, wf.PredictionList,
		params, chroms, wf.JobCount, wf.ExpiresAt, statusChangedAt(wf), wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowRun, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowRun, int, error) {
	where := "TRUE"
	args := []any{}
	argIdx := 1
	if filter.Status != "" {
		where = fmt.Sprintf("status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM workflows WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	limit, offset := filter.normalize()
	dataQuery := fmt.Sprintf(`SELECT `+workflowColumns+` FROM workflows WHERE %s
		 ORDER BY created_at DESC, workflow_id LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowRun
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) ListActiveWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id FROM workflows WHERE status NOT IN ($1, $2) ORDER BY created_at`,
		models.WorkflowStatusCompleted, models.WorkflowStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, id string, expected, next models.WorkflowStatus, opts ...WorkflowUpdateOption) error {
	if !allowed(validWorkflowTransitions, expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	params := &workflowUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE workflows SET status = $3, updated_at = $4, status_changed_at = $4`
	args := []any{id, expected, next, now}
	argIdx := 5

	if next.Terminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.JobCount != nil {
		query += fmt.Sprintf(", job_count = $%d", argIdx)
		args = append(args, *params.JobCount)
		argIdx++
	}
	if st := params.JobStats; st != nil {
		query += fmt.Sprintf(", jobs_pending = $%d, jobs_running = $%d, jobs_succeeded = $%d, jobs_failed = $%d",
			argIdx, argIdx+1, argIdx+2, argIdx+3)
		args = append(args, st.Pending, st.Running, st.Succeeded, st.Failed)
		argIdx += 4
	}
	if params.Chromosomes != nil {
		query += fmt.Sprintf(", chromosomes = $%d", argIdx)
		args = append(args, params.Chromosomes)
		argIdx++
	}
	if params.PredictionList != nil {
		query += fmt.Sprintf(", prediction_list = $%d", argIdx)
		args = append(args, *params.PredictionList)
		argIdx++
	}
	if params.Failure != nil {
		failure, err := json.Marshal(params.Failure)
		if err != nil {
			return fmt.Errorf("encode failure: %w", err)
		}
		query += fmt.Sprintf(", failure = $%d", argIdx)
		args = append(args, failure)
		argIdx++
	}

	query += " WHERE workflow_id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, `SELECT status FROM workflows WHERE workflow_id = $1`, id)
	}
	return nil
}

func (s *PostgresStore) IncrementJobStats(ctx context.Context, id string, delta models.JobStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET
		   jobs_pending = jobs_pending + $2,
		   jobs_running = jobs_running + $3,
		   jobs_succeeded = jobs_succeeded + $4,
		   jobs_failed = jobs_failed + $5,
		   updated_at = NOW()
		 WHERE workflow_id = $1`,
		id, delta.Pending, delta.Running, delta.Succeeded, delta.Failed)
	if err != nil {
		return fmt.Errorf("increment job stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET cancel_requested_at = COALESCE(cancel_requested_at, NOW()), updated_at = NOW()
		 WHERE workflow_id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredWorkflows removes terminal workflows whose expiry has passed.
// Job records go with them through the foreign key cascade.
func (s *PostgresStore) DeleteExpiredWorkflows(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM workflows WHERE expires_at IS NOT NULL AND expires_at < $1 AND status IN ($2, $3)`,
		now, models.WorkflowStatusCompleted, models.WorkflowStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("delete expired workflows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Jobs ---

const jobColumns = `workflow_id, job_id, phase, COALESCE(chromosome, ''), command, status, external_id,
	error_code, error_detail, submitted_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var j models.JobRecord
	err := row.Scan(&j.WorkflowID, &j.JobID, &j.Phase, &j.Chromosome, &j.Command, &j.Status,
		&j.ExternalID, &j.ErrorCode, &j.ErrorDetail, &j.SubmittedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) UpsertJob(ctx context.Context, job *models.JobRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_jobs (workflow_id, job_id, phase, chromosome, command, status,
		   error_code, error_detail, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (workflow_id, job_id) DO NOTHING`,
		job.WorkflowID, job.JobID, job.Phase, job.Chromosome, job.Command, job.Status,
		job.ErrorCode, job.ErrorDetail, job.CompletedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return false, ErrNotFound
		}
		if isDuplicateKeyError(err) {
			return false, ErrDuplicateKey
		}
		return false, fmt.Errorf("upsert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, workflowID, jobID string) (*models.JobRecord, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM workflow_jobs WHERE workflow_id = $1 AND job_id = $2`, workflowID, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the jobs of a workflow, phase 1 first, then in creation order.
func (s *PostgresStore) ListJobs(ctx context.Context, workflowID string) ([]*models.JobRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM workflow_jobs WHERE workflow_id = $1 ORDER BY phase, seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, workflowID, jobID string, expected, next models.JobStatus, opts ...JobUpdateOption) error {
	if !allowed(validJobTransitions, expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE workflow_jobs SET status = $4, updated_at = $5`
	args := []any{workflowID, jobID, expected, next, now}
	argIdx := 6

	if next == models.JobStatusSubmitted {
		query += fmt.Sprintf(", submitted_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if next.Terminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ExternalID != nil {
		query += fmt.Sprintf(", external_id = $%d", argIdx)
		args = append(args, *params.ExternalID)
		argIdx++
	}
	if params.ErrorCode != nil {
		query += fmt.Sprintf(", error_code = $%d", argIdx)
		args = append(args, *params.ErrorCode)
		argIdx++
	}
	if params.ErrorDetail != nil {
		query += fmt.Sprintf(", error_detail = $%d", argIdx)
		args = append(args, *params.ErrorDetail)
		argIdx++
	}

	query += " WHERE workflow_id = $1 AND job_id = $2 AND status = $3"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx,
			`SELECT status FROM workflow_jobs WHERE workflow_id = $1 AND job_id = $2`, workflowID, jobID)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// missingOrStale decides why a conditional update matched no row.
func (s *PostgresStore) missingOrStale(ctx context.Context, query string, args ...any) error {
	var current string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	return fmt.Errorf("%w: current status is %s", ErrStaleState, current)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
