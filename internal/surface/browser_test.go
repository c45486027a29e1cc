package surface

import (
	"testing"

	"github.com/chromedp/cdproto/dom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

func TestSelectors(t *testing.T) {
	assert.Equal(t, `[data-vf-step="state_license"]`, panelSelector("state_license"))
	assert.Equal(t,
		`[data-vf-step="state_license"] [data-vf-field="license_number"]`,
		fieldSelector("state_license", "license_number"),
	)
	assert.Equal(t,
		`[data-vf-step="npi_registry"] [data-vf-action="add-license"]`,
		actionSelector("npi_registry", "add-license"),
	)
	assert.Equal(t,
		`[data-vf-step="state_license"] [data-vf-license-form]`,
		licenseFormSelector("state_license"),
	)
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key    string
		kind   string
		stepID string
		rest   string
		ok     bool
	}{
		{key: "panel.identity_check", kind: "panel", stepID: "identity_check", ok: true},
		{key: "field.state_license.license_number", kind: "field", stepID: "state_license", rest: "license_number", ok: true},
		{key: "control.state_license.submit_license", kind: "control", stepID: "state_license", rest: "submit_license", ok: true},
		{key: "panel.a.b", ok: false},
		{key: "field.orphan", ok: false},
		{key: "widget.x.y", ok: false},
		{key: "", ok: false},
	}
	for _, tc := range tests {
		kind, stepID, rest, ok := splitKey(tc.key)
		assert.Equal(t, tc.ok, ok, "key %q", tc.key)
		if tc.ok {
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.stepID, stepID)
			assert.Equal(t, tc.rest, rest)
		}
	}
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "panel.oig_sanctions", PanelKey("oig_sanctions"))
	assert.Equal(t, "field.state_license.notes",
		FieldKey(schemas.FieldRef{StepID: "state_license", Role: schemas.FieldNotes}))
	assert.Equal(t, "control.state_license.save", ControlKey("state_license", "save"))

	// Every key builder output must round-trip through splitKey.
	for _, key := range []string{
		PanelKey("identity_check"),
		FieldKey(schemas.FieldRef{StepID: "identity_check", Role: schemas.FieldLicenseStatus}),
		ControlKey("identity_check", "add_license"),
	} {
		_, _, _, ok := splitKey(key)
		assert.True(t, ok, "key %q", key)
	}

	// Every control action has a page-side attribute mapping.
	for action := range controlAttr {
		key := ControlKey("x", action)
		_, _, rest, ok := splitKey(key)
		require.True(t, ok)
		assert.NotEmpty(t, controlAttr[rest])
	}
}

func TestBoxToRect(t *testing.T) {
	t.Run("axis aligned quad", func(t *testing.T) {
		box := &dom.BoxModel{
			Content: []float64{100, 50, 220, 50, 220, 90, 100, 90},
			Width:   120,
			Height:  40,
		}
		rect, ok := boxToRect(box)
		require.True(t, ok)
		assert.Equal(t, schemas.Rect{X: 100, Y: 50, Width: 120, Height: 40}, rect)
		assert.Equal(t, schemas.Point{X: 160, Y: 70}, rect.Center())
	})

	t.Run("degenerate models rejected", func(t *testing.T) {
		_, ok := boxToRect(nil)
		assert.False(t, ok)

		_, ok = boxToRect(&dom.BoxModel{Content: []float64{1, 2, 3}})
		assert.False(t, ok)
	})
}
