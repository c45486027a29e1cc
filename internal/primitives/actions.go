package primitives

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/audit"
	"github.com/caduceuslabs/veriflow/internal/catalog"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

// ExpandAndStart ensures the step panel is open, then presses start if the
// step has not been started yet. Both sub-actions are idempotent; the result
// message names the sub-action that refused. The board's dependency gate
// decides whether a start is accepted. A successful start records the step
// in the audit trail; an audit error there is logged, not fatal.
func (p *Primitives) ExpandAndStart(ctx context.Context, stepID string) ActionResult {
	if err := p.surface.Expand(ctx, stepID); err != nil {
		if errors.Is(err, surface.ErrElementNotFound) {
			return failure(fmt.Sprintf("expand: step panel %q not found", stepID))
		}
		return failure(fmt.Sprintf("expand: step %q: %v", stepID, err))
	}
	p.pause(ctx)

	step, err := p.surface.Step(ctx, stepID)
	if err != nil {
		return failure(fmt.Sprintf("expand: step %q unreadable after expanding: %v", stepID, err))
	}

	if step.Status != schemas.StepNotStarted {
		return p.success(ctx, stepID, fmt.Sprintf("step %q already started; panel expanded", stepID))
	}

	if err := p.surface.PressStart(ctx, stepID); err != nil {
		switch {
		case errors.Is(err, catalog.ErrDependenciesNotMet):
			return failure(fmt.Sprintf("start: step %q refused: %v", stepID, err))
		case errors.Is(err, surface.ErrElementNotFound):
			return failure(fmt.Sprintf("start: no start control on step %q", stepID))
		default:
			return failure(fmt.Sprintf("start: step %q: %v", stepID, err))
		}
	}

	if err := p.recorder.StartStep(ctx, p.opts.CaseID, stepID, audit.Metadata{
		StepName: step.Name,
		Kind:     step.Kind,
		Examiner: p.opts.Examiner,
	}); err != nil {
		p.logger.Warn("Audit start record failed",
			zap.String("case_id", p.opts.CaseID),
			zap.String("step_id", stepID),
			zap.Error(err))
	}

	p.logger.Info("Step processing started",
		zap.String("step_id", stepID),
		zap.String("kind", string(step.Kind)))
	return p.success(ctx, stepID, fmt.Sprintf("step %q expanded and started", stepID))
}

// SetStatus applies a verification status choice on the step panel. Terminal
// statuses stay settable, since a later re-classification may overwrite.
func (p *Primitives) SetStatus(ctx context.Context, stepID string, status schemas.StepStatus) ActionResult {
	if !status.Valid() {
		return failure(fmt.Sprintf("set status: unknown status %q", status))
	}

	if err := p.surface.SetStatus(ctx, stepID, status); err != nil {
		switch {
		case errors.Is(err, surface.ErrNotExpanded):
			return failure(fmt.Sprintf("set status: step %q is not expanded", stepID))
		case errors.Is(err, surface.ErrElementNotFound):
			return failure(fmt.Sprintf("set status: no status control on step %q", stepID))
		default:
			return failure(fmt.Sprintf("set status: step %q: %v", stepID, err))
		}
	}

	return p.success(ctx, stepID, fmt.Sprintf("status of step %q set to %s", stepID, status))
}

// Collapse closes the step panel. Collapsing a collapsed panel succeeds.
func (p *Primitives) Collapse(ctx context.Context, stepID string) ActionResult {
	if err := p.surface.Collapse(ctx, stepID); err != nil {
		if errors.Is(err, surface.ErrElementNotFound) {
			return failure(fmt.Sprintf("collapse: step panel %q not found", stepID))
		}
		return failure(fmt.Sprintf("collapse: step %q: %v", stepID, err))
	}
	return p.success(ctx, stepID, fmt.Sprintf("step %q collapsed", stepID))
}

// Inspect reports what is currently visible and actionable on the step
// panel. It is a pure read; ok is false when the step cannot be inspected.
func (p *Primitives) Inspect(ctx context.Context, stepID string) (schemas.StepInspection, bool) {
	inspection, err := p.surface.Inspect(ctx, stepID)
	if err != nil {
		p.logger.Debug("Inspection unavailable", zap.String("step_id", stepID), zap.Error(err))
		return schemas.StepInspection{}, false
	}
	return inspection, true
}
