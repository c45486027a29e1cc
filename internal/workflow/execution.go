package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/classifier"
	"github.com/caduceuslabs/veriflow/internal/compliance"
	"github.com/caduceuslabs/veriflow/internal/primitives"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

// execution carries one run across its phases: the shared dependencies, the
// step being worked and the result being assembled in place.
type execution struct {
	r      *Runner
	ctx    context.Context
	log    *zap.Logger
	stepID string
	name   string
	kind   schemas.WorkflowKind
	res    *schemas.WorkflowResult
}

// enter moves the run into phase p, narrates the boundary and applies the
// configured pacing delay.
func (e *execution) enter(p schemas.Phase, thought string) {
	e.res.Phase = p
	e.r.state.AddThought(thought, schemas.ThoughtThinking)
	e.pace()
}

// pace sleeps the per-phase narrative delay, giving up early on cancel. The
// delay is a presentation knob and collapses to zero under test pacing.
func (e *execution) pace() {
	d := e.r.pacing.Phase
	if d <= 0 {
		return
	}
	select {
	case <-e.ctx.Done():
	case <-time.After(d):
	}
}

func (e *execution) act(msg string)  { e.r.state.AddThought(msg, schemas.ThoughtAction) }
func (e *execution) tell(msg string) { e.r.state.AddThought(msg, schemas.ThoughtResult) }

// fail records the aborting outcome for the current phase.
func (e *execution) fail(msg string) {
	e.res.Success = false
	e.res.Message = msg
	e.tell(msg)
	e.log.Warn("Workflow phase aborted",
		zap.String("phase", string(e.res.Phase)),
		zap.String("message", msg))
}

// pointTo tracks the element key against the latest viewport snapshot and
// walks the pointer onto it. Narration only; a key without geometry leaves
// the pointer where it was.
func (e *execution) pointTo(key string) {
	if e.r.state.TrackElements(e.ctx, []string{key}) == 0 {
		return
	}
	e.r.state.MoveToElement(e.ctx, key)
}

// expand opens the step panel and presses start, subject to the board's
// dependency gate. Any refusal aborts the run verbatim.
func (e *execution) expand() bool {
	e.enter(schemas.PhaseExpand, fmt.Sprintf("Opening the %s panel.", e.name))
	e.r.state.SetTargets([]string{
		surface.PanelKey(e.stepID),
		surface.ControlKey(e.stepID, "start"),
	})
	e.pointTo(surface.PanelKey(e.stepID))
	e.act("Expanding the panel and starting the step.")
	res := e.r.prims.ExpandAndStart(e.ctx, e.stepID)
	if !res.Success {
		e.fail(res.Message)
		return false
	}
	e.tell(res.Message)
	return true
}

// lookup runs the kind's primary-source call. A transport error is wrapped
// into the error-shaped sentinel result and the run continues; the step must
// still reach a terminal, reviewable state.
func (e *execution) lookup() *schemas.GatewayResult {
	e.enter(schemas.PhaseGateway, fmt.Sprintf("Querying the primary source for %s.", e.r.provider.FullName))
	e.act("Calling the verification gateway.")

	result, err := e.callGateway()
	if err != nil {
		e.log.Warn("Gateway call failed; substituting error-shaped result", zap.Error(err))
		result = schemas.FailedResult(resultKindFor(e.kind), err)
		e.tell("Primary source unavailable; recording the failure for review.")
	} else {
		e.tell("Primary source answered.")
	}

	e.res.Gateway = result
	return result
}

// callGateway issues the gateway operation for the workflow kind, built from
// the case subject. Zero-value subject fields stay out of the request.
func (e *execution) callGateway() (*schemas.GatewayResult, error) {
	p := e.r.provider
	switch e.kind {
	case schemas.KindIdentity:
		return e.r.gateway.Search(e.ctx, schemas.SearchRequest{
			Kind:        schemas.ResultIdentity,
			FullName:    p.FullName,
			DateOfBirth: p.DateOfBirth,
		})
	case schemas.KindRegistry:
		return e.r.gateway.Search(e.ctx, schemas.SearchRequest{
			Kind:     schemas.ResultRegistry,
			FullName: p.FullName,
			NPI:      p.NPI,
		})
	case schemas.KindSanctions:
		return e.r.gateway.Search(e.ctx, schemas.SearchRequest{
			Kind:     schemas.ResultSanctions,
			FullName: p.FullName,
			NPI:      p.NPI,
			State:    p.LicenseState,
		})
	case schemas.KindLicense:
		return e.r.gateway.VerifyLicense(e.ctx, schemas.LicenseQuery{
			Number: p.LicenseNumber,
			State:  p.LicenseState,
			Holder: p.FullName,
		})
	}
	return nil, fmt.Errorf("no gateway operation for workflow kind %q", e.kind)
}

func resultKindFor(kind schemas.WorkflowKind) schemas.ResultKind {
	switch kind {
	case schemas.KindIdentity:
		return schemas.ResultIdentity
	case schemas.KindRegistry:
		return schemas.ResultRegistry
	case schemas.KindLicense:
		return schemas.ResultLicense
	case schemas.KindSanctions:
		return schemas.ResultSanctions
	}
	return schemas.ResultUnknown
}

// classify makes exactly one classifier call for the result. Every failure
// mode collapses into the manual-review fallback inside the classifier, so
// the returned decision is always usable.
func (e *execution) classify(result *schemas.GatewayResult) *schemas.AIDecision {
	e.enter(schemas.PhaseClassify, "Weighing the result against the credentialing criteria.")

	decision := e.r.classifier.Classify(e.ctx, classifier.Input{
		Kind:     e.kind,
		Provider: e.r.provider,
		Result:   result,
		Context: map[string]any{
			"case": e.r.board.CaseID(),
			"step": e.name,
		},
	})
	e.res.Decision = decision
	e.recordOutcome(result, decision.Confidence)

	e.tell(fmt.Sprintf("Decision: %s (confidence %.2f). %s",
		decision.Decision, decision.Confidence, decision.Reasoning))
	return decision
}

// recordOutcome attaches the raw source response and the confidence score to
// the board step, so the committed record carries what the verdict was based
// on. A successful lookup is also filed as an exported response document.
func (e *execution) recordOutcome(result *schemas.GatewayResult, confidence float64) {
	raw, err := json.Marshal(result)
	if err != nil {
		e.log.Warn("Could not serialize the gateway result for the step record", zap.Error(err))
		return
	}
	if err := e.r.board.SetOutcome(e.stepID, raw, confidence); err != nil {
		e.log.Warn("Could not record the outcome on the board", zap.Error(err))
	}
	if result.Failed {
		return
	}
	file := schemas.StepFile{
		ID:       uuid.NewString(),
		Name:     fmt.Sprintf("%s_response.json", result.Kind),
		MimeType: "application/json",
		AddedAt:  time.Now().UTC(),
	}
	if err := e.r.board.AttachFile(e.stepID, file); err != nil {
		e.log.Warn("Could not attach the response document", zap.Error(err))
	}
}

// license populates the license sub-entity when the verdict extracted a
// complete field set. Incomplete details are skipped, not fatal; a failed
// commit aborts.
func (e *execution) license(decision *schemas.AIDecision) bool {
	e.enter(schemas.PhaseLicense, "Checking whether the lookup yielded a committable license.")
	if !decision.License.Complete() {
		e.log.Info("License details incomplete; skipping sub-entity population")
		e.tell("License details incomplete; leaving the license entries untouched.")
		return true
	}

	e.pointTo(surface.ControlKey(e.stepID, "add_license"))
	e.act(fmt.Sprintf("Recording license %s (%s).", decision.License.Number, decision.License.State))
	res := e.r.prims.AddLicense(e.ctx, e.stepID, *decision.License)
	if !res.Success {
		e.fail(res.Message)
		return false
	}
	e.tell(res.Message)
	return true
}

// notes writes the verdict reasoning into the step's notes field. A write
// failure downgrades to a warning; the verdict still lands via status.
func (e *execution) notes(reasoning string) {
	e.enter(schemas.PhaseNotes, "Writing up the reasoning.")
	ref := schemas.FieldRef{StepID: e.stepID, Role: schemas.FieldNotes}
	e.pointTo(surface.FieldKey(ref))
	res := e.r.prims.FillField(e.ctx, primitives.FillRequest{
		Ref:         ref,
		Text:        reasoning,
		Description: "reasoning notes",
		ClearFirst:  true,
	})
	if !res.Success {
		e.log.Warn("Notes write failed; continuing without reasoning", zap.String("message", res.Message))
		e.tell("Could not write the notes; moving on.")
		return
	}
	e.tell(res.Message)
}

// status applies the verdict to the step.
func (e *execution) status(target schemas.StepStatus) bool {
	e.enter(schemas.PhaseStatus, fmt.Sprintf("Setting the step to %s.", target))
	res := e.r.prims.SetStatus(e.ctx, e.stepID, target)
	if !res.Success {
		e.fail(res.Message)
		return false
	}
	e.tell(res.Message)
	return true
}

// save evaluates the compliance rules over the verdict and commits the step
// exactly once, enriched with the checks and any risk flags raised.
func (e *execution) save(status schemas.StepStatus, opts ...primitives.SaveOption) bool {
	e.enter(schemas.PhaseSave, "Committing the verification record.")

	checks, flags := e.r.compliance.Evaluate(compliance.EnvFor(e.kind, status, e.res.Decision))
	if len(flags) > 0 {
		e.log.Warn("Compliance rules raised risk flags", zap.Strings("flags", flags))
	}
	opts = append(opts, primitives.WithCompliance(checks, flags))

	e.r.state.SetTargets([]string{surface.ControlKey(e.stepID, "save")})
	e.pointTo(surface.ControlKey(e.stepID, "save"))
	e.act("Saving the step.")
	res := e.r.prims.SaveStep(e.ctx, e.stepID, opts...)
	if !res.Success {
		e.fail(res.Message)
		return false
	}
	e.tell(res.Message)
	return true
}

// collapse closes the panel.
func (e *execution) collapse() bool {
	e.enter(schemas.PhaseCollapse, "Closing the panel.")
	res := e.r.prims.Collapse(e.ctx, e.stepID)
	if !res.Success {
		e.fail(res.Message)
		return false
	}
	e.tell(res.Message)
	return true
}

// finish runs the closing inspection and marks the run successful. The
// inspection snapshot rides along in the result for resumability checks.
func (e *execution) finish(status schemas.StepStatus) {
	e.enter(schemas.PhaseInspect, "Confirming the final panel state.")
	if insp, ok := e.r.prims.Inspect(e.ctx, e.stepID); ok {
		e.res.Inspection = &insp
	}

	e.res.Phase = schemas.PhaseDone
	e.res.Success = true
	e.res.Message = fmt.Sprintf("step %q verified: %s", e.stepID, status)
	e.tell(e.res.Message)
}
