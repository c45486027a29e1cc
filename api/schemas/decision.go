package schemas

// -- Classifier Decisions --

// DecisionOutcome is the closed enum a classifier verdict must land in.
type DecisionOutcome string

const (
	DecisionCompleted      DecisionOutcome = "completed"
	DecisionFailed         DecisionOutcome = "failed"
	DecisionRequiresReview DecisionOutcome = "requires_review"
	// DecisionInProgress is only admitted for workflow kinds that opt in.
	DecisionInProgress DecisionOutcome = "in_progress"
)

// StepStatus maps the decision onto the step status it implies.
func (d DecisionOutcome) StepStatus() StepStatus {
	switch d {
	case DecisionCompleted:
		return StepCompleted
	case DecisionFailed:
		return StepFailed
	case DecisionInProgress:
		return StepInProgress
	default:
		return StepRequiresReview
	}
}

// LicenseDetails are the license fields a classifier may extract from a
// verification result.
type LicenseDetails struct {
	Number     string `json:"number"`
	State      string `json:"state"`
	Issued     string `json:"issued,omitempty"`
	Expiration string `json:"expiration,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Complete reports whether the details carry everything needed to commit a
// license entry. The issued date is optional; state boards frequently omit it.
func (l *LicenseDetails) Complete() bool {
	if l == nil {
		return false
	}
	return l.Number != "" && l.State != "" && l.Expiration != "" && l.Status != ""
}

// AIDecision is the classifier verdict for one verification result.
type AIDecision struct {
	Decision        DecisionOutcome `json:"decision"`
	Confidence      float64         `json:"confidence"`
	Reasoning       string          `json:"reasoning"`
	IssuesFound     []string        `json:"issues_found,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	License         *LicenseDetails `json:"license,omitempty"`
}
