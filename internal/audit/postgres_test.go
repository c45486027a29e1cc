package audit

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value, used for timestamps we cannot predict exactly.
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

const (
	sqlEnsureCase = `
        INSERT INTO verification_cases (id, provider_name, npi, specialty, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $5)
        ON CONFLICT (id) DO UPDATE SET
            provider_name = EXCLUDED.provider_name,
            npi = EXCLUDED.npi,
            specialty = EXCLUDED.specialty,
            updated_at = EXCLUDED.updated_at;
    `
	sqlStartStep = `
        INSERT INTO step_records (case_id, step_id, step_name, kind, examiner, status, started_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (case_id, step_id) DO UPDATE SET
            step_name = EXCLUDED.step_name,
            examiner = EXCLUDED.examiner,
            status = EXCLUDED.status,
            started_at = EXCLUDED.started_at,
            completed_at = NULL;
    `
	sqlCompleteStep = `
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
	sqlTouchCase = `UPDATE verification_cases SET updated_at = $2 WHERE id = $1;`
)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	if logger == nil {
		logger = zap.NewNop()
	}
	mockPool.ExpectPing()
	store, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return store, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureCase(t *testing.T) {
	store, mockPool := newMockStore(t, nil)

	provider := schemas.Provider{
		FullName:  "Dr. Sarah Chen",
		NPI:       "1234567893",
		Specialty: "Cardiology",
	}
	mockPool.ExpectExec(flexibleSQLMatcher(sqlEnsureCase)).
		WithArgs("case-100", provider.FullName, provider.NPI, provider.Specialty, anyTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.EnsureCase(context.Background(), "case-100", provider))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestStartStep(t *testing.T) {
	meta := Metadata{
		StepName: "State License Verification",
		Kind:     schemas.KindLicense,
		Examiner: "veriflow-agent",
	}

	t.Run("records an in-progress row", func(t *testing.T) {
		store, mockPool := newMockStore(t, nil)

		mockPool.ExpectExec(flexibleSQLMatcher(sqlStartStep)).
			WithArgs("case-100", "state_license", meta.StepName, "license", meta.Examiner, "in_progress", anyTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.StartStep(context.Background(), "case-100", "state_license", meta))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps foreign key violation to ErrCaseMissing", func(t *testing.T) {
		store, mockPool := newMockStore(t, nil)

		mockPool.ExpectExec(flexibleSQLMatcher(sqlStartStep)).
			WithArgs("case-gone", "state_license", meta.StepName, "license", meta.Examiner, "in_progress", anyTime).
			WillReturnError(&pgconn.PgError{
				Code:    "23503",
				Message: `insert or update on table "step_records" violates foreign key constraint`,
			})

		err := store.StartStep(context.Background(), "case-gone", "state_license", meta)
		assert.ErrorIs(t, err, ErrCaseMissing)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCompleteStep(t *testing.T) {
	ctx := context.Background()
	comp := Completion{
		Status:               schemas.StepCompleted,
		Reasoning:            "License active, no disciplinary actions.",
		ResponseData:         json.RawMessage(`{"found":true}`),
		VerificationResult:   "completed",
		ConfidenceScore:      0.97,
		ProcessingDurationMS: 420,
		RiskFlags:            []string{"expiring_within_90_days"},
		ComplianceChecks:     []schemas.ComplianceCheck{{Name: "license_active", Passed: true}},
	}
	checksJSON, err := json.Marshal(comp.ComplianceChecks)
	require.NoError(t, err)

	t.Run("commits the completion without rollback noise", func(t *testing.T) {
		observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newMockStore(t, zap.New(observedCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteStep)).
			WithArgs("case-100", "state_license",
				"completed", comp.Reasoning, comp.ResponseData,
				comp.VerificationResult, comp.ConfidenceScore, comp.ProcessingDurationMS,
				comp.RiskFlags, json.RawMessage(checksJSON), anyTime,
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlTouchCase)).
			WithArgs("case-100", anyTime).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.CompleteStep(ctx, "case-100", "state_license", comp))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "expected no errors logged on successful commit")
	})

	t.Run("normalizes empty response data", func(t *testing.T) {
		store, mockPool := newMockStore(t, nil)
		bare := Completion{Status: schemas.StepRequiresReview, Reasoning: "Manual review."}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteStep)).
			WithArgs("case-100", "npi_registry",
				"requires_review", bare.Reasoning, json.RawMessage("{}"),
				"", 0.0, int64(0),
				[]string(nil), json.RawMessage("[]"), anyTime,
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlTouchCase)).
			WithArgs("case-100", anyTime).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.CompleteStep(ctx, "case-100", "npi_registry", bare))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("fails with ErrStepMissing when the step was never started", func(t *testing.T) {
		store, mockPool := newMockStore(t, nil)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteStep)).
			WithArgs("case-100", "ghost_step",
				"completed", comp.Reasoning, comp.ResponseData,
				comp.VerificationResult, comp.ConfidenceScore, comp.ProcessingDurationMS,
				comp.RiskFlags, json.RawMessage(checksJSON), anyTime,
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectRollback()

		err := store.CompleteStep(ctx, "case-100", "ghost_step", comp)
		assert.ErrorIs(t, err, ErrStepMissing)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps foreign key violation to ErrCaseMissing", func(t *testing.T) {
		store, mockPool := newMockStore(t, nil)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteStep)).
			WithArgs("case-gone", "state_license",
				"completed", comp.Reasoning, comp.ResponseData,
				comp.VerificationResult, comp.ConfidenceScore, comp.ProcessingDurationMS,
				comp.RiskFlags, json.RawMessage(checksJSON), anyTime,
			).
			WillReturnError(&pgconn.PgError{Code: "23503", Message: "fk violation"})
		mockPool.ExpectRollback()

		err := store.CompleteStep(ctx, "case-gone", "state_license", comp)
		assert.ErrorIs(t, err, ErrCaseMissing)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates begin failure", func(t *testing.T) {
		store, mockPool := newMockStore(t, nil)

		beginErr := errors.New("connection reset")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.CompleteStep(ctx, "case-100", "state_license", comp)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	store, mockPool := newMockStore(t, nil)

	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
