package primitives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/audit"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

// SaveOption enriches the audit completion written by SaveStep.
type SaveOption func(*saveOptions)

type saveOptions struct {
	responseData json.RawMessage
	decision     *schemas.AIDecision
	checks       []schemas.ComplianceCheck
	riskFlags    []string
}

// WithResponseData attaches the raw gateway response to the completion,
// overriding the step's committed result payload.
func WithResponseData(raw json.RawMessage) SaveOption {
	return func(o *saveOptions) { o.responseData = raw }
}

// WithDecision records the classifier verdict and its confidence on the
// completion.
func WithDecision(d *schemas.AIDecision) SaveOption {
	return func(o *saveOptions) { o.decision = d }
}

// WithCompliance attaches compliance check outcomes and risk flags.
func WithCompliance(checks []schemas.ComplianceCheck, flags []string) SaveOption {
	return func(o *saveOptions) {
		o.checks = checks
		o.riskFlags = flags
	}
}

// SaveStep commits the step on the surface, then writes the audit completion
// in exactly one round trip. Persistence is never retried here; every
// failure is a false result, and a missing parent case is called out
// separately from other audit failures.
func (p *Primitives) SaveStep(ctx context.Context, stepID string, opts ...SaveOption) ActionResult {
	var options saveOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := p.surface.CommitStep(ctx, stepID); err != nil {
		switch {
		case errors.Is(err, surface.ErrNotExpanded):
			return failure(fmt.Sprintf("save: step %q is not expanded", stepID))
		case errors.Is(err, surface.ErrElementNotFound):
			return failure(fmt.Sprintf("save: no save control on step %q", stepID))
		default:
			return failure(fmt.Sprintf("save: step %q: %v", stepID, err))
		}
	}
	p.pause(ctx)

	step, err := p.surface.Step(ctx, stepID)
	if err != nil {
		return failure(fmt.Sprintf("save: step %q unreadable after commit: %v", stepID, err))
	}

	if err := p.recorder.CompleteStep(ctx, p.opts.CaseID, stepID, completionFrom(step, options)); err != nil {
		switch {
		case errors.Is(err, audit.ErrCaseMissing):
			return failure(fmt.Sprintf("save: verification case %q does not exist in the audit store", p.opts.CaseID))
		case errors.Is(err, audit.ErrStepMissing):
			return failure(fmt.Sprintf("save: step %q was never recorded as started", stepID))
		default:
			return failure(fmt.Sprintf("save: audit write for step %q failed: %v", stepID, err))
		}
	}

	p.logger.Info("Step saved",
		zap.String("step_id", stepID),
		zap.String("status", string(step.Status)))
	return ActionResult{Success: true, Message: fmt.Sprintf("step %q saved", stepID), Step: &step}
}

// completionFrom assembles the audit payload from the committed snapshot,
// then lets the save options enrich it.
func completionFrom(step schemas.VerificationStep, options saveOptions) audit.Completion {
	completion := audit.Completion{
		Status:           step.Status,
		Reasoning:        step.Reasoning,
		ResponseData:     step.Result,
		ConfidenceScore:  step.Confidence,
		RiskFlags:        options.riskFlags,
		ComplianceChecks: options.checks,
	}
	if step.StartedAt != nil && step.CompletedAt != nil {
		completion.ProcessingDurationMS = step.CompletedAt.Sub(*step.StartedAt).Milliseconds()
	}
	if options.responseData != nil {
		completion.ResponseData = options.responseData
	}
	if options.decision != nil {
		completion.VerificationResult = string(options.decision.Decision)
		completion.ConfidenceScore = options.decision.Confidence
	}
	return completion
}
