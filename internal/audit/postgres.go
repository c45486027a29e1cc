package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pgForeignKeyViolation is the SQLSTATE raised when a step record references
// a case row that does not exist.
const pgForeignKeyViolation = "23503"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS verification_cases (
    id            TEXT PRIMARY KEY,
    provider_name TEXT NOT NULL,
    npi           TEXT,
    specialty     TEXT,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS step_records (
    case_id                TEXT NOT NULL REFERENCES verification_cases(id),
    step_id                TEXT NOT NULL,
    step_name              TEXT NOT NULL,
    kind                   TEXT NOT NULL,
    examiner               TEXT NOT NULL,
    status                 TEXT NOT NULL,
    reasoning              TEXT,
    response_data          JSONB,
    verification_result    TEXT,
    confidence_score       DOUBLE PRECISION,
    processing_duration_ms BIGINT,
    risk_flags             TEXT[],
    compliance_checks      JSONB,
    started_at             TIMESTAMPTZ NOT NULL,
    completed_at           TIMESTAMPTZ,
    PRIMARY KEY (case_id, step_id)
);
`

// Store is the PostgreSQL Recorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ Recorder = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("audit"),
	}, nil
}

// EnsureSchema creates the audit tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return nil
}

func (s *Store) EnsureCase(ctx context.Context, caseID string, provider schemas.Provider) error {
	now := time.Now().UTC()
	sql := `
        INSERT INTO verification_cases (id, provider_name, npi, specialty, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $5)
        ON CONFLICT (id) DO UPDATE SET
            provider_name = EXCLUDED.provider_name,
            npi = EXCLUDED.npi,
            specialty = EXCLUDED.specialty,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, caseID, provider.FullName, provider.NPI, provider.Specialty, now); err != nil {
		return fmt.Errorf("failed to ensure case %s: %w", caseID, err)
	}
	return nil
}

func (s *Store) StartStep(ctx context.Context, caseID, stepID string, meta Metadata) error {
	now := time.Now().UTC()
	sql := `
        INSERT INTO step_records (case_id, step_id, step_name, kind, examiner, status, started_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (case_id, step_id) DO UPDATE SET
            step_name = EXCLUDED.step_name,
            examiner = EXCLUDED.examiner,
            status = EXCLUDED.status,
            started_at = EXCLUDED.started_at,
            completed_at = NULL;
    `
	_, err := s.pool.Exec(ctx, sql,
		caseID, stepID, meta.StepName, string(meta.Kind), meta.Examiner,
		string(schemas.StepInProgress), now,
	)
	if err != nil {
		return fmt.Errorf("failed to record step start %s/%s: %w", caseID, stepID, mapIntegrityError(err))
	}
	return nil
}

func (s *Store) CompleteStep(ctx context.Context, caseID, stepID string, comp Completion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	checks, err := marshalChecks(comp.ComplianceChecks)
	if err != nil {
		return fmt.Errorf("failed to encode compliance checks: %w", err)
	}

	now := time.Now().UTC()
	sql := `
        UPDATE step_records SET
            status = $3,
            reasoning = $4,
            response_data = $5,
            verification_result = $6,
            confidence_score = $7,
            processing_duration_ms = $8,
            risk_flags = $9,
            compliance_checks = $10,
            completed_at = $11
        WHERE case_id = $1 AND step_id = $2;
    `
	tag, err := tx.Exec(ctx, sql,
		caseID, stepID,
		string(comp.Status), comp.Reasoning, normalizeJSON(comp.ResponseData),
		comp.VerificationResult, comp.ConfidenceScore, comp.ProcessingDurationMS,
		comp.RiskFlags, checks, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record step completion %s/%s: %w", caseID, stepID, mapIntegrityError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%s was never started: %w", caseID, stepID, ErrStepMissing)
	}

	if _, err := tx.Exec(ctx, `UPDATE verification_cases SET updated_at = $2 WHERE id = $1;`, caseID, now); err != nil {
		return fmt.Errorf("failed to touch case %s: %w", caseID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapIntegrityError converts a foreign key violation on the case reference
// into the exported sentinel, leaving other errors untouched.
func mapIntegrityError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrCaseMissing, pgErr.Message)
	}
	return err
}

// normalizeJSON keeps JSONB columns free of SQL nulls and literal "null".
func normalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}

func marshalChecks(checks []schemas.ComplianceCheck) (json.RawMessage, error) {
	if len(checks) == 0 {
		return json.RawMessage("[]"), nil
	}
	data, err := json.Marshal(checks)
	if err != nil {
		return nil, err
	}
	return data, nil
}
