package primitives

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

// AddLicense populates the license sub-entity on a license-bearing step:
// open the sub-form, fill every entry, submit, and confirm the parent step
// reflects the new record. The operation is all-or-nothing; any failed
// sub-action discards the staged form so no partial entry survives.
func (p *Primitives) AddLicense(ctx context.Context, stepID string, details schemas.LicenseDetails) ActionResult {
	if !details.Complete() {
		return failure(fmt.Sprintf("add license: details incomplete for step %q: number, state, expiration and status are required", stepID))
	}

	countBefore, err := p.surface.LicenseCount(ctx, stepID)
	if err != nil {
		if errors.Is(err, surface.ErrElementNotFound) {
			return failure(fmt.Sprintf("add license: step panel %q not found", stepID))
		}
		return failure(fmt.Sprintf("add license: step %q: %v", stepID, err))
	}

	if err := p.surface.OpenLicenseForm(ctx, stepID); err != nil {
		switch {
		case errors.Is(err, surface.ErrControlUnavailable):
			return failure(fmt.Sprintf("add license: step %q does not accept licenses", stepID))
		case errors.Is(err, surface.ErrNotExpanded):
			return failure(fmt.Sprintf("add license: step %q is not expanded", stepID))
		case errors.Is(err, surface.ErrLicenseFormOpen):
			return failure(fmt.Sprintf("add license: a license form is already open on step %q", stepID))
		case errors.Is(err, surface.ErrElementNotFound):
			return failure(fmt.Sprintf("add license: step panel %q not found", stepID))
		default:
			return failure(fmt.Sprintf("add license: step %q: %v", stepID, err))
		}
	}

	entries := []struct {
		role schemas.FieldRole
		text string
	}{
		{schemas.FieldLicenseNumber, details.Number},
		{schemas.FieldLicenseState, details.State},
		{schemas.FieldLicenseIssued, details.Issued},
		{schemas.FieldLicenseExpiration, details.Expiration},
		{schemas.FieldLicenseStatus, details.Status},
	}
	for _, entry := range entries {
		// Issued may be empty; the sub-form treats it as optional.
		if entry.text == "" {
			continue
		}
		ref := schemas.FieldRef{StepID: stepID, Role: entry.role}
		if err := p.writeField(ctx, ref, entry.text, false); err != nil {
			return p.discardLicenseForm(ctx, stepID,
				fmt.Sprintf("add license: writing %s on step %q failed: %v", entry.role, stepID, err))
		}
		p.pause(ctx)
	}

	if err := p.surface.SubmitLicenseForm(ctx, stepID); err != nil {
		return p.discardLicenseForm(ctx, stepID,
			fmt.Sprintf("add license: submit on step %q failed: %v", stepID, err))
	}

	countAfter, err := p.surface.LicenseCount(ctx, stepID)
	if err != nil {
		return failure(fmt.Sprintf("add license: could not confirm the entry on step %q: %v", stepID, err))
	}
	if countAfter != countBefore+1 {
		return failure(fmt.Sprintf("add license: entry did not appear on step %q", stepID))
	}

	p.logger.Info("License recorded",
		zap.String("step_id", stepID),
		zap.String("number", details.Number),
		zap.String("state", details.State))
	return p.success(ctx, stepID, fmt.Sprintf("license %s (%s) recorded on step %q", details.Number, details.State, stepID))
}

// discardLicenseForm drops the staged form and returns the failure that
// caused the discard. The discard itself is best effort.
func (p *Primitives) discardLicenseForm(ctx context.Context, stepID, msg string) ActionResult {
	if err := p.surface.DiscardLicenseForm(ctx, stepID); err != nil {
		p.logger.Warn("License form discard failed",
			zap.String("step_id", stepID),
			zap.Error(err))
	}
	return failure(msg + "; staged entry discarded")
}
