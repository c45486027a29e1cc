package schemas

import (
	"encoding/json"
	"time"
)

// -- Verification Steps --

// StepStatus is the lifecycle status of a verification step on the board.
type StepStatus string

const (
	StepNotStarted     StepStatus = "not_started"
	StepInProgress     StepStatus = "in_progress"
	StepCompleted      StepStatus = "completed"
	StepFailed         StepStatus = "failed"
	StepRequiresReview StepStatus = "requires_review"
)

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepNotStarted, StepInProgress, StepCompleted, StepFailed, StepRequiresReview:
		return true
	}
	return false
}

// Terminal reports whether s is an end state for a verification run.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepRequiresReview:
		return true
	}
	return false
}

// WorkflowKind identifies which verification workflow drives a step.
type WorkflowKind string

const (
	// KindIdentity verifies the provider's personal information against a
	// primary source. It carries no classifier phase.
	KindIdentity WorkflowKind = "identity"
	// KindRegistry verifies the provider's record in a national identifier
	// registry (NPI-style lookup).
	KindRegistry WorkflowKind = "registry"
	// KindLicense verifies a state license and populates the license
	// sub-entity when the lookup yields complete details.
	KindLicense WorkflowKind = "license"
	// KindSanctions searches exclusion and disciplinary lists.
	KindSanctions WorkflowKind = "sanctions"
)

// Valid reports whether k is a known workflow kind.
func (k WorkflowKind) Valid() bool {
	switch k {
	case KindIdentity, KindRegistry, KindLicense, KindSanctions:
		return true
	}
	return false
}

// AllowedDecisions returns the closed decision set a classifier may emit for
// this workflow kind. Only the license workflow admits in_progress, for
// lookups that are still pending on the issuing board.
func (k WorkflowKind) AllowedDecisions() []DecisionOutcome {
	base := []DecisionOutcome{DecisionCompleted, DecisionFailed, DecisionRequiresReview}
	if k == KindLicense {
		return append(base, DecisionInProgress)
	}
	return base
}

// StepFile is a document attached to a verification step, such as an exported
// registry response.
type StepFile struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	MimeType string    `json:"mime_type"`
	AddedAt  time.Time `json:"added_at"`
}

// LicenseRecord is one committed license entry on a verification step.
type LicenseRecord struct {
	Number     string `json:"number"`
	State      string `json:"state"`
	Issued     string `json:"issued,omitempty"`
	Expiration string `json:"expiration"`
	Status     string `json:"status"`
}

// VerificationStep is the session-local record of one catalog step. The board
// owns the canonical copy; everything handed across package boundaries is a
// snapshot.
type VerificationStep struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Kind        WorkflowKind    `json:"kind"`
	Status      StepStatus      `json:"status"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Examiner    string          `json:"examiner,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Licenses    []LicenseRecord `json:"licenses,omitempty"`
	Files       []StepFile      `json:"files,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// -- Surface Addressing --

// FieldRole names an editable field within a step panel. Fields are addressed
// by (step, role) pairs rather than raw selectors.
type FieldRole string

const (
	FieldNotes             FieldRole = "notes"
	FieldLicenseNumber     FieldRole = "license_number"
	FieldLicenseState      FieldRole = "license_state"
	FieldLicenseIssued     FieldRole = "license_issued"
	FieldLicenseExpiration FieldRole = "license_expiration"
	FieldLicenseStatus     FieldRole = "license_status"
)

// FieldRef addresses one field on the surface.
type FieldRef struct {
	StepID string    `json:"step_id"`
	Role   FieldRole `json:"role"`
}

// StepInspection is a read-only snapshot of a step panel's interactive state,
// used for resumability checks after an aborted run.
type StepInspection struct {
	StepID           string      `json:"step_id"`
	CurrentStatus    StepStatus  `json:"current_status"`
	Expanded         bool        `json:"expanded"`
	AvailableActions []string    `json:"available_actions"`
	AvailableFields  []FieldRole `json:"available_fields"`
	HasStartControl  bool        `json:"has_start_control"`
	HasSaveControl   bool        `json:"has_save_control"`
	LicenseCount     int         `json:"license_count"`
}

// -- Subject --

// Provider is the subject of a verification case.
type Provider struct {
	FullName      string `json:"full_name"`
	NPI           string `json:"npi,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	LicenseState  string `json:"license_state,omitempty"`
	Specialty     string `json:"specialty,omitempty"`
	DateOfBirth   string `json:"date_of_birth,omitempty"`
}

// ComplianceCheck is the outcome of one compliance rule evaluated over a
// completed verification.
type ComplianceCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}
