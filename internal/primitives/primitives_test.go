package primitives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/audit"
	"github.com/caduceuslabs/veriflow/internal/catalog"
	"github.com/caduceuslabs/veriflow/internal/config"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

const (
	testCaseID   = "case-001"
	testExaminer = "examiner-bot"
)

func buildBoard(t *testing.T) *catalog.Board {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	return catalog.NewBoard(testCaseID, testExaminer, cat)
}

func newSim(t *testing.T, board *catalog.Board, mountDelay time.Duration) *surface.Sim {
	t.Helper()
	return surface.NewSim(config.SurfaceConfig{
		ViewportWidth:   1440,
		ViewportHeight:  900,
		FieldMountDelay: mountDelay,
	}, board, zaptest.NewLogger(t))
}

func newPrimitives(t *testing.T, surf surface.Surface, rec audit.Recorder) *Primitives {
	t.Helper()
	return New(surf, rec, Options{CaseID: testCaseID, Examiner: testExaminer}, zaptest.NewLogger(t))
}

// newHarness wires primitives over a sim surface with instant field mounting
// and an ensured audit case.
func newHarness(t *testing.T) (*Primitives, *surface.Sim, *catalog.Board, *audit.Memory) {
	t.Helper()
	board := buildBoard(t)
	sim := newSim(t, board, 0)
	rec := audit.NewMemory()
	require.NoError(t, rec.EnsureCase(context.Background(), testCaseID, schemas.Provider{FullName: "Sarah Jenkins"}))
	return newPrimitives(t, sim, rec), sim, board, rec
}

func completeSteps(t *testing.T, board *catalog.Board, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, board.SetStatus(id, schemas.StepCompleted))
	}
}

// flakyRecorder wraps a Recorder with injectable failures and a completion
// call counter.
type flakyRecorder struct {
	audit.Recorder
	startErr      error
	completeErr   error
	completeCalls int
}

func (f *flakyRecorder) StartStep(ctx context.Context, caseID, stepID string, meta audit.Metadata) error {
	if f.startErr != nil {
		return f.startErr
	}
	return f.Recorder.StartStep(ctx, caseID, stepID, meta)
}

func (f *flakyRecorder) CompleteStep(ctx context.Context, caseID, stepID string, comp audit.Completion) error {
	f.completeCalls++
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Recorder.CompleteStep(ctx, caseID, stepID, comp)
}

func TestExpandAndStart(t *testing.T) {
	prims, _, board, rec := newHarness(t)
	ctx := context.Background()

	result := prims.ExpandAndStart(ctx, "identity_check")
	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Message, "expanded and started")
	require.NotNil(t, result.Step)
	assert.Equal(t, schemas.StepInProgress, result.Step.Status)

	step, ok := board.Step("identity_check")
	require.True(t, ok)
	assert.Equal(t, schemas.StepInProgress, step.Status)
	assert.Equal(t, testExaminer, step.Examiner)

	record, ok := rec.Record(testCaseID, "identity_check")
	require.True(t, ok, "a start must be recorded in the audit trail")
	assert.Equal(t, "Identity Verification", record.Meta.StepName)
	assert.Equal(t, schemas.KindIdentity, record.Meta.Kind)
}

func TestExpandAndStartIsIdempotent(t *testing.T) {
	prims, _, _, _ := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	again := prims.ExpandAndStart(ctx, "identity_check")
	require.True(t, again.Success)
	assert.Contains(t, again.Message, "already started")
}

func TestExpandAndStartDependencyGate(t *testing.T) {
	prims, _, board, _ := newHarness(t)

	result := prims.ExpandAndStart(context.Background(), "state_license")
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "start:", "the refusing sub-action must be named")
	assert.Contains(t, result.Message, "dependencies not met")
	assert.Nil(t, result.Step)

	step, _ := board.Step("state_license")
	assert.Equal(t, schemas.StepNotStarted, step.Status, "a refused start leaves the step untouched")
}

func TestExpandAndStartUnknownStep(t *testing.T) {
	prims, _, _, _ := newHarness(t)

	result := prims.ExpandAndStart(context.Background(), "bogus_step")
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "expand:")
	assert.Contains(t, result.Message, "not found")
}

func TestExpandAndStartToleratesAuditFailure(t *testing.T) {
	board := buildBoard(t)
	sim := newSim(t, board, 0)
	rec := &flakyRecorder{Recorder: audit.NewMemory(), startErr: errors.New("audit store down")}
	prims := newPrimitives(t, sim, rec)

	result := prims.ExpandAndStart(context.Background(), "identity_check")
	require.True(t, result.Success, "an audit start failure must not block the workflow")

	step, _ := board.Step("identity_check")
	assert.Equal(t, schemas.StepInProgress, step.Status)
}

func TestSetStatus(t *testing.T) {
	prims, _, board, _ := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	result := prims.SetStatus(ctx, "identity_check", schemas.StepCompleted)
	require.True(t, result.Success, result.Message)

	step, _ := board.Step("identity_check")
	assert.Equal(t, schemas.StepCompleted, step.Status)

	// Terminal statuses stay settable.
	assert.True(t, prims.SetStatus(ctx, "identity_check", schemas.StepRequiresReview).Success)
}

func TestSetStatusRequiresExpandedPanel(t *testing.T) {
	prims, _, _, _ := newHarness(t)

	result := prims.SetStatus(context.Background(), "identity_check", schemas.StepCompleted)
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "not expanded")
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	prims, _, _, _ := newHarness(t)

	result := prims.SetStatus(context.Background(), "identity_check", schemas.StepStatus("approved"))
	require.False(t, result.Success)
	assert.Contains(t, result.Message, `unknown status "approved"`)
}

func TestFillFieldNotes(t *testing.T) {
	prims, sim, _, _ := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	ref := schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes}
	result := prims.FillField(ctx, FillRequest{
		Ref:         ref,
		Text:        "Identity documents verified against the registry.",
		Description: "verification notes",
	})
	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Message, "verification notes updated")

	committed, err := sim.ReadField(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "Identity documents verified against the registry.", committed)
}

func TestFillFieldClearFirst(t *testing.T) {
	prims, sim, _, _ := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)
	ref := schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes}

	require.True(t, prims.FillField(ctx, FillRequest{Ref: ref, Text: "first draft"}).Success)
	result := prims.FillField(ctx, FillRequest{Ref: ref, Text: "final notes", ClearFirst: true})
	require.True(t, result.Success, result.Message)

	committed, err := sim.ReadField(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "final notes", committed)
}

func TestFillFieldWaitsForMount(t *testing.T) {
	board := buildBoard(t)
	sim := newSim(t, board, 150*time.Millisecond)
	rec := audit.NewMemory()
	require.NoError(t, rec.EnsureCase(context.Background(), testCaseID, schemas.Provider{}))
	prims := newPrimitives(t, sim, rec)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	// The write lands before the mount delay elapses and must retry through.
	result := prims.FillField(ctx, FillRequest{
		Ref:  schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes},
		Text: "notes after mount",
	})
	require.True(t, result.Success, result.Message)
}

func TestFillFieldMountBudgetExhausted(t *testing.T) {
	board := buildBoard(t)
	sim := newSim(t, board, 10*time.Second)
	prims := newPrimitives(t, sim, audit.NewMemory())
	prims.fillBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxInterval = 20 * time.Millisecond
		b.MaxElapsedTime = 150 * time.Millisecond
		return b
	}
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	result := prims.FillField(ctx, FillRequest{
		Ref:         schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes},
		Text:        "never lands",
		Description: "verification notes",
	})
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "verification notes never mounted")
}

func TestFillFieldRequiresExpandedPanel(t *testing.T) {
	prims, _, _, _ := newHarness(t)

	result := prims.FillField(context.Background(), FillRequest{
		Ref:  schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes},
		Text: "text",
	})
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "not expanded")
}

// mismatchReadSurface simulates a surface that drops the written value.
type mismatchReadSurface struct {
	surface.Surface
}

func (m *mismatchReadSurface) ReadField(context.Context, schemas.FieldRef) (string, error) {
	return "stale draft", nil
}

func TestFillFieldDetectsCommitMismatch(t *testing.T) {
	board := buildBoard(t)
	sim := newSim(t, board, 0)
	prims := newPrimitives(t, &mismatchReadSurface{Surface: sim}, audit.NewMemory())
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	result := prims.FillField(ctx, FillRequest{
		Ref:  schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes},
		Text: "expected text",
	})
	require.False(t, result.Success)
	assert.Contains(t, result.Message, `holds "stale draft" after writing "expected text"`)
}

func licenseDetails() schemas.LicenseDetails {
	return schemas.LicenseDetails{
		Number:     "A-54321",
		State:      "CA",
		Issued:     "2015-07-01",
		Expiration: "2027-06-30",
		Status:     "active",
	}
}

func startLicenseStep(t *testing.T, prims *Primitives, board *catalog.Board) {
	t.Helper()
	completeSteps(t, board, "identity_check", "npi_registry")
	require.True(t, prims.ExpandAndStart(context.Background(), "state_license").Success)
}

func TestAddLicense(t *testing.T) {
	prims, _, board, _ := newHarness(t)
	startLicenseStep(t, prims, board)

	result := prims.AddLicense(context.Background(), "state_license", licenseDetails())
	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Message, `license A-54321 (CA) recorded`)

	step, _ := board.Step("state_license")
	require.Len(t, step.Licenses, 1)
	assert.Equal(t, "A-54321", step.Licenses[0].Number)
	assert.Equal(t, "2027-06-30", step.Licenses[0].Expiration)
}

func TestAddLicenseRejectsIncompleteDetails(t *testing.T) {
	prims, _, board, _ := newHarness(t)
	startLicenseStep(t, prims, board)

	details := licenseDetails()
	details.Expiration = ""
	result := prims.AddLicense(context.Background(), "state_license", details)
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "details incomplete")

	step, _ := board.Step("state_license")
	assert.Empty(t, step.Licenses)
}

// failingWriteSurface rejects writes to one field role.
type failingWriteSurface struct {
	surface.Surface
	failRole schemas.FieldRole
}

func (f *failingWriteSurface) WriteField(ctx context.Context, ref schemas.FieldRef, text string) error {
	if ref.Role == f.failRole {
		return fmt.Errorf("write rejected")
	}
	return f.Surface.WriteField(ctx, ref, text)
}

func TestAddLicenseIsAllOrNothing(t *testing.T) {
	board := buildBoard(t)
	sim := newSim(t, board, 0)
	wrapped := &failingWriteSurface{Surface: sim, failRole: schemas.FieldLicenseExpiration}
	prims := newPrimitives(t, wrapped, audit.NewMemory())
	ctx := context.Background()

	completeSteps(t, board, "identity_check", "npi_registry")
	require.True(t, prims.ExpandAndStart(ctx, "state_license").Success)

	result := prims.AddLicense(ctx, "state_license", licenseDetails())
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "writing license_expiration")
	assert.Contains(t, result.Message, "staged entry discarded")

	step, _ := board.Step("state_license")
	assert.Empty(t, step.Licenses, "no partial entry may survive a failed sub-action")

	// The staged form is gone, so a fresh attempt can open its own.
	require.NoError(t, sim.OpenLicenseForm(ctx, "state_license"))
}

func TestAddLicenseWrongStepKind(t *testing.T) {
	prims, _, _, _ := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

	result := prims.AddLicense(ctx, "identity_check", licenseDetails())
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "does not accept licenses")
}

func TestAddLicenseRefusesSecondOpenForm(t *testing.T) {
	prims, sim, board, _ := newHarness(t)
	startLicenseStep(t, prims, board)
	ctx := context.Background()

	require.NoError(t, sim.OpenLicenseForm(ctx, "state_license"))

	result := prims.AddLicense(ctx, "state_license", licenseDetails())
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "already open")
}

func TestSaveStepBareAssemblesFromSnapshot(t *testing.T) {
	prims, _, _, rec := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)
	require.True(t, prims.FillField(ctx, FillRequest{
		Ref:  schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldNotes},
		Text: "Identity verified.",
	}).Success)
	require.True(t, prims.SetStatus(ctx, "identity_check", schemas.StepCompleted).Success)

	result := prims.SaveStep(ctx, "identity_check")
	require.True(t, result.Success, result.Message)
	require.NotNil(t, result.Step)
	assert.Equal(t, "Identity verified.", result.Step.Reasoning)
	require.NotNil(t, result.Step.CompletedAt)

	record, ok := rec.Record(testCaseID, "identity_check")
	require.True(t, ok)
	require.NotNil(t, record.Completion)
	assert.Equal(t, schemas.StepCompleted, record.Completion.Status)
	assert.Equal(t, "Identity verified.", record.Completion.Reasoning)
	assert.Empty(t, record.Completion.VerificationResult)
}

func TestSaveStepEnrichedCompletion(t *testing.T) {
	prims, _, _, rec := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)
	require.True(t, prims.SetStatus(ctx, "identity_check", schemas.StepCompleted).Success)

	raw := json.RawMessage(`{"verified": true}`)
	decision := &schemas.AIDecision{
		Decision:   schemas.DecisionCompleted,
		Confidence: 0.91,
		Reasoning:  "registry record matches",
	}
	checks := []schemas.ComplianceCheck{{Name: "confident_completion", Passed: true}}

	result := prims.SaveStep(ctx, "identity_check",
		WithResponseData(raw),
		WithDecision(decision),
		WithCompliance(checks, []string{"manual_spot_check"}),
	)
	require.True(t, result.Success, result.Message)

	record, _ := rec.Record(testCaseID, "identity_check")
	require.NotNil(t, record.Completion)
	assert.Equal(t, "completed", record.Completion.VerificationResult)
	assert.InDelta(t, 0.91, record.Completion.ConfidenceScore, 1e-9)
	assert.JSONEq(t, `{"verified": true}`, string(record.Completion.ResponseData))
	assert.Equal(t, checks, record.Completion.ComplianceChecks)
	assert.Equal(t, []string{"manual_spot_check"}, record.Completion.RiskFlags)
}

func TestSaveStepDistinguishesMissingCase(t *testing.T) {
	board := buildBoard(t)
	sim := newSim(t, board, 0)
	prims := newPrimitives(t, sim, audit.NewMemory())
	ctx := context.Background()

	// The start record fails quietly because the case was never ensured.
	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)
	require.True(t, prims.SetStatus(ctx, "identity_check", schemas.StepCompleted).Success)

	result := prims.SaveStep(ctx, "identity_check")
	require.False(t, result.Success)
	assert.Contains(t, result.Message, `verification case "case-001" does not exist`)
}

func TestSaveStepDistinguishesUnstartedStep(t *testing.T) {
	prims, sim, _, _ := newHarness(t)
	ctx := context.Background()

	// Expand without going through ExpandAndStart, so no start record exists.
	require.NoError(t, sim.Expand(ctx, "identity_check"))
	require.True(t, prims.SetStatus(ctx, "identity_check", schemas.StepCompleted).Success)

	result := prims.SaveStep(ctx, "identity_check")
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "never recorded as started")
}

func TestSaveStepWritesAuditExactlyOnce(t *testing.T) {
	t.Run("on success", func(t *testing.T) {
		board := buildBoard(t)
		sim := newSim(t, board, 0)
		mem := audit.NewMemory()
		require.NoError(t, mem.EnsureCase(context.Background(), testCaseID, schemas.Provider{}))
		rec := &flakyRecorder{Recorder: mem}
		prims := newPrimitives(t, sim, rec)
		ctx := context.Background()

		require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)
		require.True(t, prims.SaveStep(ctx, "identity_check").Success)
		assert.Equal(t, 1, rec.completeCalls)
	})

	t.Run("no retry on failure", func(t *testing.T) {
		board := buildBoard(t)
		sim := newSim(t, board, 0)
		rec := &flakyRecorder{Recorder: audit.NewMemory(), completeErr: errors.New("connection reset")}
		prims := newPrimitives(t, sim, rec)
		ctx := context.Background()

		require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)

		result := prims.SaveStep(ctx, "identity_check")
		require.False(t, result.Success)
		assert.Contains(t, result.Message, "audit write")
		assert.Equal(t, 1, rec.completeCalls, "persistence is attempted exactly once")
	})
}

func TestSaveStepRequiresExpandedPanel(t *testing.T) {
	prims, _, _, _ := newHarness(t)

	result := prims.SaveStep(context.Background(), "identity_check")
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "not expanded")
}

func TestCollapse(t *testing.T) {
	prims, sim, _, _ := newHarness(t)
	ctx := context.Background()

	require.True(t, prims.ExpandAndStart(ctx, "identity_check").Success)
	require.True(t, prims.Collapse(ctx, "identity_check").Success)

	expanded, err := sim.IsExpanded(ctx, "identity_check")
	require.NoError(t, err)
	assert.False(t, expanded)

	// Collapsing a collapsed panel still succeeds.
	assert.True(t, prims.Collapse(ctx, "identity_check").Success)

	result := prims.Collapse(ctx, "bogus_step")
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "not found")
}

func TestInspect(t *testing.T) {
	prims, _, board, _ := newHarness(t)
	ctx := context.Background()

	inspection, ok := prims.Inspect(ctx, "state_license")
	require.True(t, ok)
	assert.False(t, inspection.Expanded)
	assert.Equal(t, schemas.StepNotStarted, inspection.CurrentStatus)

	startLicenseStep(t, prims, board)

	inspection, ok = prims.Inspect(ctx, "state_license")
	require.True(t, ok)
	assert.True(t, inspection.Expanded)
	assert.Equal(t, schemas.StepInProgress, inspection.CurrentStatus)
	assert.False(t, inspection.HasStartControl)
	assert.True(t, inspection.HasSaveControl)
	assert.Contains(t, inspection.AvailableActions, surface.ActionOpenLicense)

	_, ok = prims.Inspect(ctx, "bogus_step")
	assert.False(t, ok)
}
