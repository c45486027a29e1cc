// Package audit persists the verification audit trail: one row per case and
// one record per verification step, written when a step starts and completed
// exactly once when it is saved.
package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

var (
	// ErrCaseMissing means the parent verification case does not exist, so
	// the step record has nowhere to hang. Callers surface this separately
	// from other persistence failures.
	ErrCaseMissing = errors.New("audit: verification case missing")

	// ErrStepMissing means a completion was recorded for a step that was
	// never started.
	ErrStepMissing = errors.New("audit: step record missing")
)

// Metadata describes a step at the moment it starts.
type Metadata struct {
	StepName string
	Kind     schemas.WorkflowKind
	Examiner string
}

// Completion is the full audit payload written when a step is saved.
type Completion struct {
	Status               schemas.StepStatus
	Reasoning            string
	ResponseData         json.RawMessage
	VerificationResult   string
	ConfidenceScore      float64
	ProcessingDurationMS int64
	RiskFlags            []string
	ComplianceChecks     []schemas.ComplianceCheck
}

// Recorder is the audit persistence contract. Implementations must keep
// StartStep idempotent per (case, step) so a re-run refreshes the record
// instead of failing.
type Recorder interface {
	// EnsureCase creates or refreshes the parent case row.
	EnsureCase(ctx context.Context, caseID string, provider schemas.Provider) error
	// StartStep records that a step began processing.
	StartStep(ctx context.Context, caseID, stepID string, meta Metadata) error
	// CompleteStep writes the completion payload for a started step.
	CompleteStep(ctx context.Context, caseID, stepID string, comp Completion) error
}
