package schemas

import "time"

// -- Workflow Results --

// Phase names one stage of a verification workflow run.
type Phase string

const (
	// PhaseInit covers pre-flight failures: unknown workflow kind, unknown
	// step, or a step already running.
	PhaseInit     Phase = "init"
	PhaseExpand   Phase = "expand"
	PhaseGateway  Phase = "gateway"
	PhaseClassify Phase = "classify"
	PhaseLicense  Phase = "license"
	PhaseNotes    Phase = "notes"
	PhaseStatus   Phase = "status"
	PhaseSave     Phase = "save"
	PhaseCollapse Phase = "collapse"
	PhaseInspect  Phase = "inspect"
	PhaseDone     Phase = "done"
)

// WorkflowResult is the structured outcome of one workflow run. Runs never
// panic and never return bare errors; a failed run sets Success false and
// Phase to the exact phase that aborted, so a caller can re-run from the top
// without guessing. Phases are idempotent from the top.
type WorkflowResult struct {
	StepID     string          `json:"step_id"`
	Kind       WorkflowKind    `json:"kind"`
	Success    bool            `json:"success"`
	Phase      Phase           `json:"phase"`
	Message    string          `json:"message"`
	Decision   *AIDecision     `json:"decision,omitempty"`
	Gateway    *GatewayResult  `json:"gateway,omitempty"`
	Inspection *StepInspection `json:"inspection,omitempty"`
	Duration   time.Duration   `json:"duration"`
}
