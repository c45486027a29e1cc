package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/catalog"
	"github.com/caduceuslabs/veriflow/internal/config"
)

// Sim is the in-memory surface used for offline runs and tests. Committed
// state lives on the backing board; the sim owns only what a browser DOM
// would own: panel expansion, drafted notes, and the staged license
// sub-form. Fields mount FieldMountDelay after their container opens, which
// is what the fill primitive's retry loop is written against.
type Sim struct {
	cfg    config.SurfaceConfig
	board  *catalog.Board
	logger *zap.Logger

	mu     sync.RWMutex
	order  []string
	panels map[string]*simPanel
}

type simPanel struct {
	expanded   bool
	expandedAt time.Time
	notes      string
	form       *licenseForm
}

type licenseForm struct {
	openedAt time.Time
	values   map[schemas.FieldRole]string
}

var _ Surface = (*Sim)(nil)

// NewSim builds a sim surface with one collapsed panel per board step.
func NewSim(cfg config.SurfaceConfig, board *catalog.Board, logger *zap.Logger) *Sim {
	s := &Sim{
		cfg:    cfg,
		board:  board,
		logger: logger.Named("surface.sim"),
		panels: make(map[string]*simPanel),
	}
	for _, step := range board.Steps() {
		s.order = append(s.order, step.ID)
		s.panels[step.ID] = &simPanel{}
	}
	return s
}

func (s *Sim) panel(stepID string) (*simPanel, error) {
	p, ok := s.panels[stepID]
	if !ok {
		return nil, fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}
	return p, nil
}

func (s *Sim) Expand(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.panel(stepID)
	if err != nil {
		return err
	}
	if p.expanded {
		return nil
	}
	p.expanded = true
	p.expandedAt = time.Now()
	s.logger.Debug("Panel expanded", zap.String("step_id", stepID))
	return nil
}

func (s *Sim) Collapse(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.panel(stepID)
	if err != nil {
		return err
	}
	if !p.expanded {
		return nil
	}
	p.expanded = false
	p.form = nil
	s.logger.Debug("Panel collapsed", zap.String("step_id", stepID))
	return nil
}

func (s *Sim) IsExpanded(_ context.Context, stepID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.panel(stepID)
	if err != nil {
		return false, err
	}
	return p.expanded, nil
}

func (s *Sim) PressStart(_ context.Context, stepID string) error {
	s.mu.RLock()
	p, err := s.panel(stepID)
	expanded := err == nil && p.expanded
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if !expanded {
		return fmt.Errorf("step %q: %w", stepID, ErrNotExpanded)
	}

	// The board owns the dependency gate; its refusal passes through.
	if _, err := s.board.Start(stepID); err != nil {
		return err
	}
	s.logger.Debug("Start pressed", zap.String("step_id", stepID))
	return nil
}

func (s *Sim) SetStatus(_ context.Context, stepID string, status schemas.StepStatus) error {
	s.mu.RLock()
	p, err := s.panel(stepID)
	expanded := err == nil && p.expanded
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if !expanded {
		return fmt.Errorf("step %q: %w", stepID, ErrNotExpanded)
	}
	return s.board.SetStatus(stepID, status)
}

// resolveField locates the staged value slot for a field reference. The
// caller must hold s.mu.
func (s *Sim) resolveField(ref schemas.FieldRef) (*simPanel, *licenseForm, error) {
	p, err := s.panel(ref.StepID)
	if err != nil {
		return nil, nil, err
	}
	if !p.expanded {
		return nil, nil, fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrNotExpanded)
	}

	if IsLicenseRole(ref.Role) {
		if p.form == nil {
			return nil, nil, fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrLicenseFormNotOpen)
		}
		if time.Since(p.form.openedAt) < s.cfg.FieldMountDelay {
			return nil, nil, fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrFieldNotMounted)
		}
		return p, p.form, nil
	}

	if ref.Role != schemas.FieldNotes {
		return nil, nil, fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrElementNotFound)
	}
	if time.Since(p.expandedAt) < s.cfg.FieldMountDelay {
		return nil, nil, fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrFieldNotMounted)
	}
	return p, nil, nil
}

func (s *Sim) ReadField(_ context.Context, ref schemas.FieldRef) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, form, err := s.resolveField(ref)
	if err != nil {
		return "", err
	}
	if form != nil {
		return form.values[ref.Role], nil
	}
	return p.notes, nil
}

func (s *Sim) WriteField(_ context.Context, ref schemas.FieldRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, form, err := s.resolveField(ref)
	if err != nil {
		return err
	}
	if form != nil {
		form.values[ref.Role] = text
	} else {
		p.notes = text
	}
	return nil
}

func (s *Sim) ClearField(ctx context.Context, ref schemas.FieldRef) error {
	return s.WriteField(ctx, ref, "")
}

func (s *Sim) OpenLicenseForm(_ context.Context, stepID string) error {
	step, ok := s.board.Step(stepID)
	if !ok {
		return fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}
	if step.Kind != schemas.KindLicense {
		return fmt.Errorf("step %q has no license form: %w", stepID, ErrControlUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.panel(stepID)
	if err != nil {
		return err
	}
	if !p.expanded {
		return fmt.Errorf("step %q: %w", stepID, ErrNotExpanded)
	}
	if p.form != nil {
		return fmt.Errorf("step %q: %w", stepID, ErrLicenseFormOpen)
	}
	p.form = &licenseForm{
		openedAt: time.Now(),
		values:   make(map[schemas.FieldRole]string),
	}
	s.logger.Debug("License form opened", zap.String("step_id", stepID))
	return nil
}

func (s *Sim) SubmitLicenseForm(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.panel(stepID)
	if err != nil {
		return err
	}
	if p.form == nil {
		return fmt.Errorf("step %q: %w", stepID, ErrLicenseFormNotOpen)
	}

	rec := schemas.LicenseRecord{
		Number:     strings.TrimSpace(p.form.values[schemas.FieldLicenseNumber]),
		State:      strings.TrimSpace(p.form.values[schemas.FieldLicenseState]),
		Issued:     strings.TrimSpace(p.form.values[schemas.FieldLicenseIssued]),
		Expiration: strings.TrimSpace(p.form.values[schemas.FieldLicenseExpiration]),
		Status:     strings.TrimSpace(p.form.values[schemas.FieldLicenseStatus]),
	}
	// Issued date is the only optional entry.
	if rec.Number == "" || rec.State == "" || rec.Expiration == "" || rec.Status == "" {
		return fmt.Errorf("step %q: %w", stepID, ErrLicenseIncomplete)
	}

	if err := s.board.AddLicense(stepID, rec); err != nil {
		return err
	}
	p.form = nil
	s.logger.Debug("License form submitted",
		zap.String("step_id", stepID),
		zap.String("license_number", rec.Number),
	)
	return nil
}

func (s *Sim) DiscardLicenseForm(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.panel(stepID)
	if err != nil {
		return err
	}
	p.form = nil
	return nil
}

func (s *Sim) LicenseCount(_ context.Context, stepID string) (int, error) {
	step, ok := s.board.Step(stepID)
	if !ok {
		return 0, fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}
	return len(step.Licenses), nil
}

func (s *Sim) CommitStep(_ context.Context, stepID string) error {
	s.mu.Lock()
	p, err := s.panel(stepID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !p.expanded {
		s.mu.Unlock()
		return fmt.Errorf("step %q: %w", stepID, ErrNotExpanded)
	}
	notes := p.notes
	s.mu.Unlock()

	// An empty draft never wipes reasoning committed earlier.
	if notes != "" {
		if err := s.board.SetReasoning(stepID, notes); err != nil {
			return err
		}
	}
	if _, err := s.board.Commit(stepID); err != nil {
		return err
	}
	s.logger.Debug("Step committed", zap.String("step_id", stepID))
	return nil
}

func (s *Sim) Inspect(_ context.Context, stepID string) (schemas.StepInspection, error) {
	step, ok := s.board.Step(stepID)
	if !ok {
		return schemas.StepInspection{}, fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.panels[stepID]
	insp := schemas.StepInspection{
		StepID:        stepID,
		CurrentStatus: step.Status,
		Expanded:      p.expanded,
		LicenseCount:  len(step.Licenses),
	}

	if !p.expanded {
		insp.AvailableActions = []string{ActionExpand}
		return insp, nil
	}

	insp.HasSaveControl = true
	insp.HasStartControl = step.Status == schemas.StepNotStarted
	insp.AvailableActions = []string{ActionCollapse, ActionSetStatus, ActionCommit}
	if insp.HasStartControl {
		insp.AvailableActions = append(insp.AvailableActions, ActionStart)
	}

	if s.fieldMounted(p.expandedAt) {
		insp.AvailableFields = append(insp.AvailableFields, schemas.FieldNotes)
	}

	if step.Kind == schemas.KindLicense {
		if p.form == nil {
			insp.AvailableActions = append(insp.AvailableActions, ActionOpenLicense)
		} else {
			insp.AvailableActions = append(insp.AvailableActions, ActionSubmitLicense, ActionDiscardLicense)
			if s.fieldMounted(p.form.openedAt) {
				insp.AvailableFields = append(insp.AvailableFields,
					schemas.FieldLicenseNumber,
					schemas.FieldLicenseState,
					schemas.FieldLicenseIssued,
					schemas.FieldLicenseExpiration,
					schemas.FieldLicenseStatus,
				)
			}
		}
	}
	return insp, nil
}

func (s *Sim) fieldMounted(since time.Time) bool {
	return time.Since(since) >= s.cfg.FieldMountDelay
}

func (s *Sim) Step(_ context.Context, stepID string) (schemas.VerificationStep, error) {
	step, ok := s.board.Step(stepID)
	if !ok {
		return schemas.VerificationStep{}, fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}
	return step, nil
}

// Deterministic panel layout. Every step occupies a fixed row so geometry
// stays stable whether or not neighbours are expanded.
const (
	layoutMarginX   = 40.0
	layoutTop       = 96.0
	layoutRowHeight = 180.0
	layoutRowGap    = 8.0
)

func (s *Sim) panelRect(index int) schemas.Rect {
	width := float64(s.cfg.ViewportWidth) - 2*layoutMarginX
	return schemas.Rect{
		X:      layoutMarginX,
		Y:      layoutTop + float64(index)*(layoutRowHeight+layoutRowGap),
		Width:  width,
		Height: layoutRowHeight,
	}
}

func (s *Sim) ElementGeometry(_ context.Context, key string) (schemas.Rect, bool, error) {
	kind, stepID, rest, ok := splitKey(key)
	if !ok {
		return schemas.Rect{}, false, nil
	}

	index := -1
	for i, id := range s.order {
		if id == stepID {
			index = i
			break
		}
	}
	if index < 0 {
		return schemas.Rect{}, false, nil
	}
	panel := s.panelRect(index)

	s.mu.RLock()
	p := s.panels[stepID]
	expanded := p.expanded
	notesMounted := expanded && s.fieldMounted(p.expandedAt)
	formOpen := p.form != nil
	formMounted := formOpen && s.fieldMounted(p.form.openedAt)
	s.mu.RUnlock()

	switch kind {
	case "panel":
		return panel, true, nil

	case "field":
		role := schemas.FieldRole(rest)
		if !expanded {
			return schemas.Rect{}, false, nil
		}
		if role == schemas.FieldNotes {
			if !notesMounted {
				return schemas.Rect{}, false, nil
			}
			return schemas.Rect{X: panel.X + 24, Y: panel.Y + 56, Width: panel.Width - 192, Height: 40}, true, nil
		}
		if IsLicenseRole(role) && formMounted {
			offsets := map[schemas.FieldRole]float64{
				schemas.FieldLicenseNumber:     0,
				schemas.FieldLicenseState:      1,
				schemas.FieldLicenseIssued:     2,
				schemas.FieldLicenseExpiration: 3,
				schemas.FieldLicenseStatus:     4,
			}
			slot, known := offsets[role]
			if !known {
				return schemas.Rect{}, false, nil
			}
			return schemas.Rect{X: panel.X + 24 + slot*128, Y: panel.Y + 104, Width: 120, Height: 32}, true, nil
		}
		return schemas.Rect{}, false, nil

	case "control":
		if !expanded {
			return schemas.Rect{}, false, nil
		}
		switch rest {
		case "start":
			step, ok := s.board.Step(stepID)
			if !ok || step.Status != schemas.StepNotStarted {
				return schemas.Rect{}, false, nil
			}
			return schemas.Rect{X: panel.X + panel.Width - 144, Y: panel.Y + 16, Width: 128, Height: 32}, true, nil
		case "save":
			return schemas.Rect{X: panel.X + panel.Width - 144, Y: panel.Y + 132, Width: 128, Height: 32}, true, nil
		case "add_license":
			if formOpen {
				return schemas.Rect{}, false, nil
			}
			return schemas.Rect{X: panel.X + 24, Y: panel.Y + 132, Width: 128, Height: 32}, true, nil
		case "submit_license", "cancel_license":
			if !formOpen {
				return schemas.Rect{}, false, nil
			}
			x := panel.X + 24 + 5*128
			if rest == "cancel_license" {
				x += 104
			}
			return schemas.Rect{X: x, Y: panel.Y + 104, Width: 96, Height: 32}, true, nil
		}
		return schemas.Rect{}, false, nil
	}
	return schemas.Rect{}, false, nil
}

func (s *Sim) ViewportMetrics(context.Context) (schemas.ViewportSnapshot, error) {
	return schemas.ViewportSnapshot{
		Width:      s.cfg.ViewportWidth,
		Height:     s.cfg.ViewportHeight,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// splitKey parses "panel.<step>", "field.<step>.<rest>", and
// "control.<step>.<rest>" element keys.
func splitKey(key string) (kind, stepID, rest string, ok bool) {
	parts := strings.SplitN(key, ".", 3)
	switch {
	case len(parts) == 2 && parts[0] == "panel":
		return parts[0], parts[1], "", true
	case len(parts) == 3 && (parts[0] == "field" || parts[0] == "control"):
		return parts[0], parts[1], parts[2], true
	}
	return "", "", "", false
}
