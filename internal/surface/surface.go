// Package surface abstracts the verification board UI that the interaction
// primitives drive. Two implementations exist: Sim, an in-memory surface
// bound to a catalog.Board, and Browser, a chromedp adapter against a real
// credentialing form. Elements are addressed by typed references (step id
// plus field role), never by raw selector strings.
package surface

import (
	"context"
	"errors"
	"fmt"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

// Sentinel errors shared by all surface implementations. Callers use
// errors.Is to distinguish a missing element from a state refusal.
var (
	// ErrElementNotFound means the addressed panel, field, or control does
	// not exist on the surface at all.
	ErrElementNotFound = errors.New("surface: element not found")

	// ErrNotExpanded means the operation needs the step panel open first.
	ErrNotExpanded = errors.New("surface: panel not expanded")

	// ErrFieldNotMounted means the panel is open but the field has not
	// finished mounting yet. Writers retry on this.
	ErrFieldNotMounted = errors.New("surface: field not mounted")

	// ErrLicenseFormNotOpen means a license sub-form operation was issued
	// with no staged form present.
	ErrLicenseFormNotOpen = errors.New("surface: license form not open")

	// ErrLicenseFormOpen means a second license form was requested while
	// one is already staged.
	ErrLicenseFormOpen = errors.New("surface: license form already open")

	// ErrLicenseIncomplete means the staged license form is missing
	// required entries and cannot be submitted.
	ErrLicenseIncomplete = errors.New("surface: license form incomplete")

	// ErrControlUnavailable means the control exists for other steps but
	// not this one, for example the license form on a non-license step.
	ErrControlUnavailable = errors.New("surface: control unavailable")
)

// Surface is the rendering-surface contract. All operations are safe for
// concurrent use. State-changing operations return sentinel errors from this
// package, or pass through catalog board errors where the board is the
// authority (PressStart and the dependency gate).
type Surface interface {
	// Expand opens the step panel. Opening an open panel is a no-op.
	Expand(ctx context.Context, stepID string) error
	// Collapse closes the step panel, dropping any staged license form.
	// Drafted notes survive a collapse. Closing a closed panel is a no-op.
	Collapse(ctx context.Context, stepID string) error
	IsExpanded(ctx context.Context, stepID string) (bool, error)

	// PressStart presses the step's start control. The board's dependency
	// gate decides whether the start is accepted.
	PressStart(ctx context.Context, stepID string) error
	// SetStatus applies a status choice immediately, no commit needed.
	SetStatus(ctx context.Context, stepID string, status schemas.StepStatus) error

	ReadField(ctx context.Context, ref schemas.FieldRef) (string, error)
	WriteField(ctx context.Context, ref schemas.FieldRef, text string) error
	ClearField(ctx context.Context, ref schemas.FieldRef) error

	// OpenLicenseForm stages an empty license sub-form on a license step.
	OpenLicenseForm(ctx context.Context, stepID string) error
	// SubmitLicenseForm validates the staged form and commits it as a new
	// license record on the step. The form closes on success.
	SubmitLicenseForm(ctx context.Context, stepID string) error
	// DiscardLicenseForm drops the staged form without committing.
	// Discarding with no form open is a no-op.
	DiscardLicenseForm(ctx context.Context, stepID string) error
	LicenseCount(ctx context.Context, stepID string) (int, error)

	// CommitStep commits the drafted notes as the step's reasoning and
	// presses save, stamping completion when the status is terminal.
	CommitStep(ctx context.Context, stepID string) error

	// Inspect reports what is currently visible and actionable on the step.
	Inspect(ctx context.Context, stepID string) (schemas.StepInspection, error)
	// Step reads the committed step record behind the panel.
	Step(ctx context.Context, stepID string) (schemas.VerificationStep, error)

	// ElementGeometry and ViewportMetrics satisfy the runtime state's
	// geometry source so the pointer can track surface elements.
	ElementGeometry(ctx context.Context, key string) (schemas.Rect, bool, error)
	ViewportMetrics(ctx context.Context) (schemas.ViewportSnapshot, error)
}

// Element keys address surface geometry for pointer tracking. The format is
// stable across implementations: "panel.<step>", "field.<step>.<role>",
// "control.<step>.<action>".

// PanelKey addresses a step's panel container.
func PanelKey(stepID string) string {
	return "panel." + stepID
}

// FieldKey addresses an input field by step and role.
func FieldKey(ref schemas.FieldRef) string {
	return fmt.Sprintf("field.%s.%s", ref.StepID, ref.Role)
}

// ControlKey addresses a button-like control on a step panel. Known actions
// are "start", "save", "add_license", "submit_license", and "cancel_license".
func ControlKey(stepID, action string) string {
	return fmt.Sprintf("control.%s.%s", stepID, action)
}

// Inspection action identifiers, reported by Inspect in AvailableActions.
const (
	ActionExpand         = "expand"
	ActionCollapse       = "collapse"
	ActionStart          = "start"
	ActionSetStatus      = "set_status"
	ActionCommit         = "commit"
	ActionOpenLicense    = "open_license_form"
	ActionSubmitLicense  = "submit_license_form"
	ActionDiscardLicense = "discard_license_form"
)

// licenseRoles are the field roles served by the license sub-form.
var licenseRoles = map[schemas.FieldRole]bool{
	schemas.FieldLicenseNumber:     true,
	schemas.FieldLicenseState:      true,
	schemas.FieldLicenseIssued:     true,
	schemas.FieldLicenseExpiration: true,
	schemas.FieldLicenseStatus:     true,
}

// IsLicenseRole reports whether the role belongs to the license sub-form
// rather than the main panel.
func IsLicenseRole(role schemas.FieldRole) bool {
	return licenseRoles[role]
}
