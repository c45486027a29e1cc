package primitives

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

// FillRequest describes one field write. Description, when set, names the
// field in result messages.
type FillRequest struct {
	Ref         schemas.FieldRef
	Text        string
	Description string
	ClearFirst  bool
}

// FillField writes the field addressed by (step, role), waiting out the
// mount race with the panel-open animation, then reads the field back. A
// committed value that differs from the requested text is a false result.
func (p *Primitives) FillField(ctx context.Context, req FillRequest) ActionResult {
	label := req.Description
	if label == "" {
		label = fmt.Sprintf("field %s on step %q", req.Ref.Role, req.Ref.StepID)
	}

	if err := p.writeField(ctx, req.Ref, req.Text, req.ClearFirst); err != nil {
		switch {
		case errors.Is(err, surface.ErrFieldNotMounted):
			return failure(fmt.Sprintf("fill: %s never mounted", label))
		case errors.Is(err, surface.ErrElementNotFound):
			return failure(fmt.Sprintf("fill: %s not found", label))
		case errors.Is(err, surface.ErrNotExpanded):
			return failure(fmt.Sprintf("fill: step %q is not expanded", req.Ref.StepID))
		default:
			return failure(fmt.Sprintf("fill: %s: %v", label, err))
		}
	}
	p.pause(ctx)

	committed, err := p.surface.ReadField(ctx, req.Ref)
	if err != nil {
		return failure(fmt.Sprintf("fill: could not verify %s: %v", label, err))
	}
	if committed != req.Text {
		return failure(fmt.Sprintf("fill: %s holds %q after writing %q", label, committed, req.Text))
	}

	return p.success(ctx, req.Ref.StepID, fmt.Sprintf("%s updated", label))
}

// writeField clears (optionally) and writes one field, retrying while the
// field has not mounted yet. Every other error stops the retry immediately.
func (p *Primitives) writeField(ctx context.Context, ref schemas.FieldRef, text string, clearFirst bool) error {
	operation := func() error {
		if clearFirst {
			if err := p.surface.ClearField(ctx, ref); err != nil {
				return retryOnlyUnmounted(err)
			}
		}
		if err := p.surface.WriteField(ctx, ref, text); err != nil {
			return retryOnlyUnmounted(err)
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(p.fillBackoff(), ctx))
}

func retryOnlyUnmounted(err error) error {
	if errors.Is(err, surface.ErrFieldNotMounted) {
		return err
	}
	return backoff.Permanent(err)
}
