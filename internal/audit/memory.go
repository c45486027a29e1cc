package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

// StepRecord is an in-memory audit row, also used by tests to assert on
// what was persisted.
type StepRecord struct {
	CaseID      string
	StepID      string
	Meta        Metadata
	Status      schemas.StepStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Completion  *Completion
}

type memoryCase struct {
	provider schemas.Provider
	steps    map[string]*StepRecord
}

// Memory is the in-process Recorder used for demos and tests without
// Postgres. It enforces the same parent-case semantics as the store: steps
// for a case that was never ensured fail with ErrCaseMissing.
type Memory struct {
	mu    sync.RWMutex
	cases map[string]*memoryCase
}

var _ Recorder = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{cases: make(map[string]*memoryCase)}
}

func (m *Memory) EnsureCase(_ context.Context, caseID string, provider schemas.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cases[caseID]; ok {
		c.provider = provider
		return nil
	}
	m.cases[caseID] = &memoryCase{
		provider: provider,
		steps:    make(map[string]*StepRecord),
	}
	return nil
}

func (m *Memory) StartStep(_ context.Context, caseID, stepID string, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return fmt.Errorf("case %s: %w", caseID, ErrCaseMissing)
	}
	c.steps[stepID] = &StepRecord{
		CaseID:    caseID,
		StepID:    stepID,
		Meta:      meta,
		Status:    schemas.StepInProgress,
		StartedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) CompleteStep(_ context.Context, caseID, stepID string, comp Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return fmt.Errorf("case %s: %w", caseID, ErrCaseMissing)
	}
	rec, ok := c.steps[stepID]
	if !ok {
		return fmt.Errorf("step %s/%s: %w", caseID, stepID, ErrStepMissing)
	}

	now := time.Now().UTC()
	rec.Status = comp.Status
	rec.CompletedAt = &now
	rec.Completion = &comp
	return nil
}

// Record returns a copy of the audit row for a step, if one exists.
func (m *Memory) Record(caseID, stepID string) (StepRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.cases[caseID]; !ok {
		return StepRecord{}, false
	}
	return m.recordLocked(caseID, stepID)
}

// Records returns every audit row for a case in unspecified order.
func (m *Memory) Records(caseID string) []StepRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil
	}
	out := make([]StepRecord, 0, len(c.steps))
	for stepID := range c.steps {
		rec, _ := m.recordLocked(caseID, stepID)
		out = append(out, rec)
	}
	return out
}

func (m *Memory) recordLocked(caseID, stepID string) (StepRecord, bool) {
	rec, ok := m.cases[caseID].steps[stepID]
	if !ok {
		return StepRecord{}, false
	}
	out := *rec
	if rec.CompletedAt != nil {
		at := *rec.CompletedAt
		out.CompletedAt = &at
	}
	if rec.Completion != nil {
		comp := *rec.Completion
		out.Completion = &comp
	}
	return out, true
}
