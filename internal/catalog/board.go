package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

var (
	// ErrUnknownStep marks operations addressing a step the board does not hold.
	ErrUnknownStep = errors.New("unknown step")
	// ErrDependenciesNotMet marks a start attempt while a dependency step has
	// not completed.
	ErrDependenciesNotMet = errors.New("dependencies not met")
	// ErrAlreadyStarted marks a start attempt on a step that left not_started.
	ErrAlreadyStarted = errors.New("step already started")
)

// Board is the live session state for one verification case. All reads hand
// out snapshots; the board keeps the only mutable copies.
type Board struct {
	mu       sync.RWMutex
	caseID   string
	examiner string
	order    []string
	steps    map[string]*schemas.VerificationStep
}

// NewBoard builds a board for a case from the catalog, every step not_started.
func NewBoard(caseID, examiner string, cat *Catalog) *Board {
	b := &Board{
		caseID:   caseID,
		examiner: examiner,
		steps:    make(map[string]*schemas.VerificationStep, len(cat.Steps)),
	}
	for _, spec := range cat.Steps {
		b.order = append(b.order, spec.ID)
		b.steps[spec.ID] = &schemas.VerificationStep{
			ID:        spec.ID,
			Name:      spec.Name,
			Kind:      spec.Kind,
			Status:    schemas.StepNotStarted,
			DependsOn: append([]string(nil), spec.DependsOn...),
		}
	}
	return b
}

// CaseID returns the case this board belongs to.
func (b *Board) CaseID() string { return b.caseID }

// Step returns a snapshot of one step.
func (b *Board) Step(id string) (schemas.VerificationStep, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.steps[id]
	if !ok {
		return schemas.VerificationStep{}, false
	}
	return cloneStep(s), true
}

// Steps returns snapshots of every step in catalog order.
func (b *Board) Steps() []schemas.VerificationStep {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]schemas.VerificationStep, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, cloneStep(b.steps[id]))
	}
	return out
}

// CanStart reports whether the step could leave not_started right now,
// returning the blocking dependency ids otherwise.
func (b *Board) CanStart(id string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	return b.blockedByLocked(s), nil
}

func (b *Board) blockedByLocked(s *schemas.VerificationStep) []string {
	var blocked []string
	for _, dep := range s.DependsOn {
		if d, ok := b.steps[dep]; !ok || d.Status != schemas.StepCompleted {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}

// Start transitions a not_started step into in_progress, stamping the
// examiner and start time. A step may only leave not_started once every
// dependency has completed.
func (b *Board) Start(id string) (schemas.VerificationStep, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return schemas.VerificationStep{}, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status != schemas.StepNotStarted {
		return cloneStep(s), fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, id, s.Status)
	}
	if blocked := b.blockedByLocked(s); len(blocked) > 0 {
		return cloneStep(s), fmt.Errorf("%w: %s waiting on %v", ErrDependenciesNotMet, id, blocked)
	}

	now := time.Now().UTC()
	s.Status = schemas.StepInProgress
	s.Examiner = b.examiner
	s.StartedAt = &now
	return cloneStep(s), nil
}

// SetStatus overwrites the step status. Terminal statuses stay writable; a
// re-run may overturn an earlier verdict.
func (b *Board) SetStatus(id string, status schemas.StepStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid step status %q", status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	s.Status = status
	return nil
}

// SetReasoning records the examiner reasoning text.
func (b *Board) SetReasoning(id, reasoning string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	s.Reasoning = reasoning
	return nil
}

// SetOutcome attaches the raw verification response and classifier confidence
// to the step.
func (b *Board) SetOutcome(id string, result json.RawMessage, confidence float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	s.Result = append(json.RawMessage(nil), result...)
	s.Confidence = confidence
	return nil
}

// AddLicense commits one license entry onto the step.
func (b *Board) AddLicense(id string, lic schemas.LicenseRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	s.Licenses = append(s.Licenses, lic)
	return nil
}

// AttachFile records a document on the step.
func (b *Board) AttachFile(id string, f schemas.StepFile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	s.Files = append(s.Files, f)
	return nil
}

// Commit stamps the completion time when the step sits in a terminal status
// and returns the final snapshot.
func (b *Board) Commit(id string) (schemas.VerificationStep, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return schemas.VerificationStep{}, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status.Terminal() {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	return cloneStep(s), nil
}

func cloneStep(s *schemas.VerificationStep) schemas.VerificationStep {
	out := *s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.Licenses = append([]schemas.LicenseRecord(nil), s.Licenses...)
	out.Files = append([]schemas.StepFile(nil), s.Files...)
	out.Result = append(json.RawMessage(nil), s.Result...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
