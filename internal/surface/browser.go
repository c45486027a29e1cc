package surface

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

// Browser drives a real credentialing form over the Chrome DevTools
// protocol. The page marks step panels with data-vf-step, inputs with
// data-vf-field, and buttons with data-vf-action; committed state lives in
// the page, not here. Dependency gating is the page's job in this mode, a
// disabled start control is how the refusal shows up.
type Browser struct {
	cfg    config.SurfaceConfig
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ Surface = (*Browser)(nil)

const defaultOpTimeout = 30 * time.Second

// NewBrowser launches Chrome, opens the configured form URL, and waits for
// the board to render.
func NewBrowser(ctx context.Context, cfg config.SurfaceConfig, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b := &Browser{cfg: cfg, logger: logger.Named("surface.browser")}
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	navCtx, cancel := context.WithTimeout(b.browserCtx, b.opTimeout())
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		chromedp.Navigate(cfg.FormURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open form %q: %w", cfg.FormURL, err)
	}

	b.logger.Info("Browser surface ready", zap.String("url", cfg.FormURL))
	return b, nil
}

// Close tears down the tab and the Chrome process.
func (b *Browser) Close() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

func (b *Browser) opTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return defaultOpTimeout
}

// run executes actions on the tab, honoring both the tab lifecycle and the
// caller's context.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(b.browserCtx, b.opTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Selector construction from typed references. Step ids and roles come from
// the validated catalog, so quoting is plain.

func panelSelector(stepID string) string {
	return fmt.Sprintf(`[data-vf-step=%q]`, stepID)
}

func fieldSelector(stepID, field string) string {
	return fmt.Sprintf(`%s [data-vf-field=%q]`, panelSelector(stepID), field)
}

func actionSelector(stepID, action string) string {
	return fmt.Sprintf(`%s [data-vf-action=%q]`, panelSelector(stepID), action)
}

func licenseFormSelector(stepID string) string {
	return panelSelector(stepID) + " [data-vf-license-form]"
}

// controlAttr maps element-key control names onto the page's action markers.
var controlAttr = map[string]string{
	"start":          "start",
	"save":           "save",
	"add_license":    "add-license",
	"submit_license": "submit-license",
	"cancel_license": "cancel-license",
}

func (b *Browser) nodeCount(ctx context.Context, sel string) (int, error) {
	var nodes []*cdp.Node
	err := b.run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (b *Browser) requirePanel(ctx context.Context, stepID string) error {
	n, err := b.nodeCount(ctx, panelSelector(stepID))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}
	return nil
}

func (b *Browser) Expand(ctx context.Context, stepID string) error {
	expanded, err := b.IsExpanded(ctx, stepID)
	if err != nil {
		return err
	}
	if expanded {
		return nil
	}
	return b.run(ctx, chromedp.Click(actionSelector(stepID, "toggle"), chromedp.ByQuery))
}

func (b *Browser) Collapse(ctx context.Context, stepID string) error {
	expanded, err := b.IsExpanded(ctx, stepID)
	if err != nil {
		return err
	}
	if !expanded {
		return nil
	}
	return b.run(ctx, chromedp.Click(actionSelector(stepID, "toggle"), chromedp.ByQuery))
}

func (b *Browser) IsExpanded(ctx context.Context, stepID string) (bool, error) {
	if err := b.requirePanel(ctx, stepID); err != nil {
		return false, err
	}
	var value string
	var ok bool
	err := b.run(ctx, chromedp.AttributeValue(panelSelector(stepID), "data-vf-expanded", &value, &ok, chromedp.ByQuery))
	if err != nil {
		return false, err
	}
	return ok && value == "true", nil
}

func (b *Browser) PressStart(ctx context.Context, stepID string) error {
	if err := b.requireExpanded(ctx, stepID); err != nil {
		return err
	}
	sel := actionSelector(stepID, "start")
	n, err := b.nodeCount(ctx, sel)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step %q start: %w", stepID, ErrControlUnavailable)
	}

	var disabled string
	var has bool
	if err := b.run(ctx, chromedp.AttributeValue(sel, "disabled", &disabled, &has, chromedp.ByQuery)); err != nil {
		return err
	}
	if has {
		// The page disables start until all dependencies are completed.
		return fmt.Errorf("step %q start refused, dependencies incomplete: %w", stepID, ErrControlUnavailable)
	}
	return b.run(ctx, chromedp.Click(sel, chromedp.ByQuery))
}

func (b *Browser) requireExpanded(ctx context.Context, stepID string) error {
	expanded, err := b.IsExpanded(ctx, stepID)
	if err != nil {
		return err
	}
	if !expanded {
		return fmt.Errorf("step %q: %w", stepID, ErrNotExpanded)
	}
	return nil
}

func (b *Browser) SetStatus(ctx context.Context, stepID string, status schemas.StepStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if err := b.requireExpanded(ctx, stepID); err != nil {
		return err
	}
	sel := fieldSelector(stepID, "status")
	return b.run(ctx,
		chromedp.SetValue(sel, string(status), chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(
			`document.querySelector(%s).dispatchEvent(new Event("change", {bubbles: true}))`,
			strconv.Quote(sel),
		), nil),
	)
}

// resolveFieldSelector checks panel and mount state before returning the
// selector for a field reference, with the same sentinel semantics the sim
// surface uses.
func (b *Browser) resolveFieldSelector(ctx context.Context, ref schemas.FieldRef) (string, error) {
	if err := b.requireExpanded(ctx, ref.StepID); err != nil {
		return "", err
	}
	if IsLicenseRole(ref.Role) {
		n, err := b.nodeCount(ctx, licenseFormSelector(ref.StepID))
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrLicenseFormNotOpen)
		}
	}
	sel := fieldSelector(ref.StepID, string(ref.Role))
	n, err := b.nodeCount(ctx, sel)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("field %s/%s: %w", ref.StepID, ref.Role, ErrFieldNotMounted)
	}
	return sel, nil
}

func (b *Browser) ReadField(ctx context.Context, ref schemas.FieldRef) (string, error) {
	sel, err := b.resolveFieldSelector(ctx, ref)
	if err != nil {
		return "", err
	}
	var value string
	if err := b.run(ctx, chromedp.Value(sel, &value, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return value, nil
}

func (b *Browser) WriteField(ctx context.Context, ref schemas.FieldRef, text string) error {
	sel, err := b.resolveFieldSelector(ctx, ref)
	if err != nil {
		return err
	}
	return b.run(ctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
}

func (b *Browser) ClearField(ctx context.Context, ref schemas.FieldRef) error {
	sel, err := b.resolveFieldSelector(ctx, ref)
	if err != nil {
		return err
	}
	return b.run(ctx, chromedp.Clear(sel, chromedp.ByQuery))
}

func (b *Browser) OpenLicenseForm(ctx context.Context, stepID string) error {
	if err := b.requireExpanded(ctx, stepID); err != nil {
		return err
	}
	open, err := b.nodeCount(ctx, licenseFormSelector(stepID))
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("step %q: %w", stepID, ErrLicenseFormOpen)
	}

	sel := actionSelector(stepID, "add-license")
	n, err := b.nodeCount(ctx, sel)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step %q has no license form: %w", stepID, ErrControlUnavailable)
	}
	return b.run(ctx, chromedp.Click(sel, chromedp.ByQuery))
}

func (b *Browser) SubmitLicenseForm(ctx context.Context, stepID string) error {
	formSel := licenseFormSelector(stepID)
	n, err := b.nodeCount(ctx, formSel)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("step %q: %w", stepID, ErrLicenseFormNotOpen)
	}

	if err := b.run(ctx, chromedp.Click(actionSelector(stepID, "submit-license"), chromedp.ByQuery)); err != nil {
		return err
	}

	// The page closes the form on a valid submit and keeps it open with a
	// validation message otherwise.
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.run(waitCtx, chromedp.WaitNotPresent(formSel, chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("step %q: %w", stepID, ErrLicenseIncomplete)
	}
	return nil
}

func (b *Browser) DiscardLicenseForm(ctx context.Context, stepID string) error {
	n, err := b.nodeCount(ctx, licenseFormSelector(stepID))
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return b.run(ctx, chromedp.Click(actionSelector(stepID, "cancel-license"), chromedp.ByQuery))
}

func (b *Browser) LicenseCount(ctx context.Context, stepID string) (int, error) {
	if err := b.requirePanel(ctx, stepID); err != nil {
		return 0, err
	}
	return b.nodeCount(ctx, panelSelector(stepID)+" [data-vf-license-entry]")
}

func (b *Browser) CommitStep(ctx context.Context, stepID string) error {
	if err := b.requireExpanded(ctx, stepID); err != nil {
		return err
	}
	return b.run(ctx, chromedp.Click(actionSelector(stepID, "save"), chromedp.ByQuery))
}

// browserInspection is the shape returned by the page-side inspection
// script, decoded through chromedp's JSON round trip.
type browserInspection struct {
	Status   string   `json:"status"`
	Kind     string   `json:"kind"`
	Expanded bool     `json:"expanded"`
	Fields   []string `json:"fields"`
	Actions  []string `json:"actions"`
	Notes    string   `json:"notes"`
	Licenses int      `json:"licenses"`
}

const inspectScript = `(function(id) {
	const panel = document.querySelector('[data-vf-step="' + id + '"]');
	if (!panel) return null;
	const notes = panel.querySelector('[data-vf-field="notes"]');
	return {
		status: panel.getAttribute('data-vf-status') || 'not_started',
		kind: panel.getAttribute('data-vf-kind') || '',
		expanded: panel.getAttribute('data-vf-expanded') === 'true',
		fields: Array.from(panel.querySelectorAll('[data-vf-field]')).map(e => e.getAttribute('data-vf-field')),
		actions: Array.from(panel.querySelectorAll('[data-vf-action]')).filter(e => !e.disabled).map(e => e.getAttribute('data-vf-action')),
		notes: notes ? notes.value : '',
		licenses: panel.querySelectorAll('[data-vf-license-entry]').length,
	};
})(%s)`

func (b *Browser) inspectPage(ctx context.Context, stepID string) (*browserInspection, error) {
	var insp *browserInspection
	script := fmt.Sprintf(inspectScript, strconv.Quote(stepID))
	if err := b.run(ctx, chromedp.Evaluate(script, &insp)); err != nil {
		return nil, err
	}
	if insp == nil {
		return nil, fmt.Errorf("step %q: %w", stepID, ErrElementNotFound)
	}
	return insp, nil
}

func (b *Browser) Inspect(ctx context.Context, stepID string) (schemas.StepInspection, error) {
	view, err := b.inspectPage(ctx, stepID)
	if err != nil {
		return schemas.StepInspection{}, err
	}

	insp := schemas.StepInspection{
		StepID:        stepID,
		CurrentStatus: schemas.StepStatus(view.Status),
		Expanded:      view.Expanded,
		LicenseCount:  view.Licenses,
	}
	if !view.Expanded {
		insp.AvailableActions = []string{ActionExpand}
		return insp, nil
	}

	for _, action := range view.Actions {
		switch action {
		case "toggle":
			insp.AvailableActions = append(insp.AvailableActions, ActionCollapse)
		case "start":
			insp.HasStartControl = true
			insp.AvailableActions = append(insp.AvailableActions, ActionStart)
		case "save":
			insp.HasSaveControl = true
			insp.AvailableActions = append(insp.AvailableActions, ActionCommit)
		case "add-license":
			insp.AvailableActions = append(insp.AvailableActions, ActionOpenLicense)
		case "submit-license":
			insp.AvailableActions = append(insp.AvailableActions, ActionSubmitLicense)
		case "cancel-license":
			insp.AvailableActions = append(insp.AvailableActions, ActionDiscardLicense)
		}
	}
	for _, field := range view.Fields {
		role := schemas.FieldRole(field)
		if role == schemas.FieldNotes || IsLicenseRole(role) {
			insp.AvailableFields = append(insp.AvailableFields, role)
		}
		if field == "status" {
			insp.AvailableActions = append(insp.AvailableActions, ActionSetStatus)
		}
	}
	return insp, nil
}

func (b *Browser) Step(ctx context.Context, stepID string) (schemas.VerificationStep, error) {
	view, err := b.inspectPage(ctx, stepID)
	if err != nil {
		return schemas.VerificationStep{}, err
	}
	step := schemas.VerificationStep{
		ID:        stepID,
		Kind:      schemas.WorkflowKind(view.Kind),
		Status:    schemas.StepStatus(view.Status),
		Reasoning: view.Notes,
	}
	for i := 0; i < view.Licenses; i++ {
		step.Licenses = append(step.Licenses, schemas.LicenseRecord{})
	}
	return step, nil
}

func (b *Browser) ElementGeometry(ctx context.Context, key string) (schemas.Rect, bool, error) {
	kind, stepID, rest, ok := splitKey(key)
	if !ok {
		return schemas.Rect{}, false, nil
	}

	var sel string
	switch kind {
	case "panel":
		sel = panelSelector(stepID)
	case "field":
		sel = fieldSelector(stepID, rest)
	case "control":
		attr, known := controlAttr[rest]
		if !known {
			return schemas.Rect{}, false, nil
		}
		sel = actionSelector(stepID, attr)
	default:
		return schemas.Rect{}, false, nil
	}

	var nodes []*cdp.Node
	var rect schemas.Rect
	found := false
	err := b.run(ctx, chromedp.Tasks{
		chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(nodes) == 0 {
				return nil
			}
			box, err := dom.GetBoxModel().WithNodeID(nodes[0].NodeID).Do(ctx)
			if err != nil {
				// Nodes without layout have no box model.
				return nil
			}
			if r, ok := boxToRect(box); ok {
				rect = r
				found = true
			}
			return nil
		}),
	})
	if err != nil {
		return schemas.Rect{}, false, err
	}
	return rect, found, nil
}

// boxToRect converts a box model content quad into an axis-aligned rect.
// The quad is [x0, y0, x1, y1, x2, y2, x3, y3].
func boxToRect(box *dom.BoxModel) (schemas.Rect, bool) {
	if box == nil || len(box.Content) < 8 {
		return schemas.Rect{}, false
	}
	minX, minY := box.Content[0], box.Content[1]
	for i := 2; i < 8; i += 2 {
		if box.Content[i] < minX {
			minX = box.Content[i]
		}
		if box.Content[i+1] < minY {
			minY = box.Content[i+1]
		}
	}
	return schemas.Rect{
		X:      minX,
		Y:      minY,
		Width:  float64(box.Width),
		Height: float64(box.Height),
	}, true
}

func (b *Browser) ViewportMetrics(ctx context.Context) (schemas.ViewportSnapshot, error) {
	var snap schemas.ViewportSnapshot
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, cssVisualViewport, _, err := page.GetLayoutMetrics().Do(ctx)
		if err != nil {
			return err
		}
		if cssVisualViewport == nil {
			return fmt.Errorf("layout metrics missing visual viewport")
		}
		snap = schemas.ViewportSnapshot{
			Width:      int(cssVisualViewport.ClientWidth),
			Height:     int(cssVisualViewport.ClientHeight),
			ScrollX:    cssVisualViewport.PageX,
			ScrollY:    cssVisualViewport.PageY,
			CapturedAt: time.Now().UTC(),
		}
		return nil
	}))
	return snap, err
}
