// Package workflow orchestrates complete verification runs. Each workflow
// kind owns a fixed, named phase sequence composed from the interaction
// primitives, the verification gateway, the classifier and the compliance
// engine. Runs never panic and never return bare errors; every outcome is a
// structured WorkflowResult carrying the exact phase that decided it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/agentstate"
	"github.com/caduceuslabs/veriflow/internal/catalog"
	"github.com/caduceuslabs/veriflow/internal/classifier"
	"github.com/caduceuslabs/veriflow/internal/compliance"
	"github.com/caduceuslabs/veriflow/internal/config"
	"github.com/caduceuslabs/veriflow/internal/gateway"
	"github.com/caduceuslabs/veriflow/internal/primitives"
)

// workflowFunc runs one kind's phase sequence over an execution carrier.
type workflowFunc func(e *execution)

// Runner executes verification workflows for one case session. Distinct
// steps may run concurrently; a second run for a step already in flight is
// refused at phase init.
type Runner struct {
	prims      *primitives.Primitives
	classifier *classifier.Classifier
	gateway    gateway.Client
	compliance *compliance.Engine
	board      *catalog.Board
	state      *agentstate.State
	provider   schemas.Provider
	pacing     config.PacingConfig
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	workflows map[schemas.WorkflowKind]workflowFunc
}

// NewRunner wires the workflow orchestrator. The concrete dependencies are
// created at the application's composition root and injected here.
func NewRunner(
	prims *primitives.Primitives,
	cls *classifier.Classifier,
	gw gateway.Client,
	rules *compliance.Engine,
	board *catalog.Board,
	state *agentstate.State,
	provider schemas.Provider,
	pacing config.PacingConfig,
	logger *zap.Logger,
) (*Runner, error) {
	if prims == nil {
		return nil, errors.New("primitives cannot be nil")
	}
	if cls == nil {
		return nil, errors.New("classifier cannot be nil")
	}
	if gw == nil {
		return nil, errors.New("gateway client cannot be nil")
	}
	if rules == nil {
		return nil, errors.New("compliance engine cannot be nil")
	}
	if board == nil {
		return nil, errors.New("board cannot be nil")
	}
	if state == nil {
		return nil, errors.New("runtime state cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	r := &Runner{
		prims:      prims,
		classifier: cls,
		gateway:    gw,
		compliance: rules,
		board:      board,
		state:      state,
		provider:   provider,
		pacing:     pacing,
		logger:     logger.Named("workflow"),
		inFlight:   make(map[string]bool),
	}
	r.workflows = map[schemas.WorkflowKind]workflowFunc{
		schemas.KindIdentity:  runIdentity,
		schemas.KindRegistry:  runClassified,
		schemas.KindSanctions: runClassified,
		schemas.KindLicense:   runLicense,
	}
	return r, nil
}

// Run drives one verification step through its kind's phase sequence. It
// never panics and never returns a bare error; a failed run reports Success
// false with Phase naming the phase that aborted. Phases are idempotent from
// the top, so a caller retries by re-running.
func (r *Runner) Run(ctx context.Context, kind schemas.WorkflowKind, stepID string) *schemas.WorkflowResult {
	started := time.Now()
	res := &schemas.WorkflowResult{StepID: stepID, Kind: kind, Phase: schemas.PhaseInit}
	defer func() { res.Duration = time.Since(started) }()

	run, ok := r.workflows[kind]
	if !ok {
		res.Message = fmt.Sprintf("no workflow registered for kind %q", kind)
		return res
	}
	step, ok := r.board.Step(stepID)
	if !ok {
		res.Message = fmt.Sprintf("unknown step %q", stepID)
		return res
	}
	if step.Kind != kind {
		res.Message = fmt.Sprintf("step %q runs the %s workflow, not %s", stepID, step.Kind, kind)
		return res
	}
	if !r.acquire(stepID) {
		res.Message = fmt.Sprintf("step %q is busy: another run is in flight", stepID)
		return res
	}
	defer r.release(stepID)

	log := r.logger.With(zap.String("step_id", stepID), zap.String("kind", string(kind)))
	log.Info("Workflow starting", zap.String("step", step.Name))

	if _, err := r.state.SnapshotViewport(ctx); err != nil {
		log.Debug("Viewport snapshot failed; pointer narration degraded", zap.Error(err))
	}
	r.state.ShowPointer()
	defer r.state.SetTargets(nil)

	run(&execution{
		r:      r,
		ctx:    ctx,
		log:    log,
		stepID: stepID,
		name:   step.Name,
		kind:   kind,
		res:    res,
	})

	log.Info("Workflow finished",
		zap.Bool("success", res.Success),
		zap.String("phase", string(res.Phase)),
		zap.Duration("duration", time.Since(started)))
	return res
}

func (r *Runner) acquire(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[stepID] {
		return false
	}
	r.inFlight[stepID] = true
	return true
}

func (r *Runner) release(stepID string) {
	r.mu.Lock()
	delete(r.inFlight, stepID)
	r.mu.Unlock()
}
