// Package primitives implements the safe interaction layer over the
// verification surface. Every operation returns a structured ActionResult
// instead of a Go error: a missing panel, an unmounted field, or a refused
// control is a false result with a reason message, never a propagated
// failure. Operations never panic.
package primitives

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/audit"
	"github.com/caduceuslabs/veriflow/internal/config"
	"github.com/caduceuslabs/veriflow/internal/surface"
)

// ActionResult is the uniform outcome of one primitive operation. Step holds
// a snapshot of the committed record on success and is nil on failure.
type ActionResult struct {
	Success bool
	Message string
	Step    *schemas.VerificationStep
}

// Options bind the primitive layer to one verification case session.
type Options struct {
	CaseID   string
	Examiner string
	Pacing   config.PacingConfig
}

// Primitives drives the surface on behalf of the workflow orchestrator.
type Primitives struct {
	surface  surface.Surface
	recorder audit.Recorder
	logger   *zap.Logger
	opts     Options

	// fillBackoff bounds how long a field write waits for the field to
	// mount. Swappable in tests.
	fillBackoff func() backoff.BackOff
}

// New builds the primitive layer for one case session.
func New(surf surface.Surface, recorder audit.Recorder, opts Options, logger *zap.Logger) *Primitives {
	return &Primitives{
		surface:     surf,
		recorder:    recorder,
		logger:      logger.Named("primitives"),
		opts:        opts,
		fillBackoff: newFillBackoff,
	}
}

// newFillBackoff caps the mount-wait retry budget at roughly two seconds.
func newFillBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// pause inserts the configured pacing delay between sub-actions. Zero pacing
// returns immediately, which is what test configuration uses.
func (p *Primitives) pause(ctx context.Context) {
	if p.opts.Pacing.Action <= 0 {
		return
	}
	timer := time.NewTimer(p.opts.Pacing.Action)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// snapshot reads the committed step record, or nil when the read fails. A
// nil snapshot on a successful action is tolerated downstream.
func (p *Primitives) snapshot(ctx context.Context, stepID string) *schemas.VerificationStep {
	step, err := p.surface.Step(ctx, stepID)
	if err != nil {
		p.logger.Debug("Step snapshot unavailable", zap.String("step_id", stepID), zap.Error(err))
		return nil
	}
	return &step
}

func failure(msg string) ActionResult {
	return ActionResult{Success: false, Message: msg}
}

func (p *Primitives) success(ctx context.Context, stepID, msg string) ActionResult {
	return ActionResult{Success: true, Message: msg, Step: p.snapshot(ctx, stepID)}
}
