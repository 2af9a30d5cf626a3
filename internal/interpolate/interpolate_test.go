package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_Substitution(t *testing.T) {
	data := map[string]any{
		"issue_title":  "Login broken",
		"issue_number": float64(43),
	}

	got := Render("New: {{issue_title}} (#{{issue_number}})", data)
	assert.Equal(t, "New: Login broken (#43)", got)
}

func TestRender_UnresolvedPlaceholderPreserved(t *testing.T) {
	assert.Equal(t, "{{missing}}", Render("{{missing}}", map[string]any{}))
	assert.Equal(t, "{{missing}}", Render("{{missing}}", nil))
}

func TestRender_NilValuePreserved(t *testing.T) {
	data := map[string]any{"field": nil}
	assert.Equal(t, "{{field}}", Render("{{field}}", data))
}

func TestRender_Idempotent(t *testing.T) {
	data := map[string]any{"track_name": "Bohemian Rhapsody"}
	once := Render("Now playing: {{track_name}}", data)
	twice := Render(once, data)
	assert.Equal(t, once, twice)
}

func TestRender_MixedResolvedAndUnresolved(t *testing.T) {
	data := map[string]any{"a": "x"}
	assert.Equal(t, "x and {{b}}", Render("{{a}} and {{b}}", data))
}

func TestRender_Booleans(t *testing.T) {
	data := map[string]any{"live": true}
	assert.Equal(t, "live=true", Render("live={{live}}", data))
}

func TestParams_OnlyStringsInterpolated(t *testing.T) {
	params := map[string]any{
		"body":    "New: {{issue_title}}",
		"count":   float64(3),
		"enabled": true,
	}
	data := map[string]any{"issue_title": "Login broken"}

	rendered := Params(params, data)

	assert.Equal(t, "New: Login broken", rendered["body"])
	assert.Equal(t, float64(3), rendered["count"])
	assert.Equal(t, true, rendered["enabled"])

	// Input map untouched.
	assert.Equal(t, "New: {{issue_title}}", params["body"])
}
