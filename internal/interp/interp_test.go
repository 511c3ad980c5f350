package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out, err := Render("Resolve {{issue_url}} as {{agent}}", map[string]string{
		"issue_url": "https://github.com/org/repo/issues/7",
		"agent":     "pixel",
	})
	require.NoError(t, err)
	assert.Equal(t, "Resolve https://github.com/org/repo/issues/7 as pixel", out)
}

func TestRenderToleratesWhitespace(t *testing.T) {
	out, err := Render("hello {{ name }}", map[string]string{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestRenderRejectsUnknownPlaceholder(t *testing.T) {
	_, err := Render("hello {{nope}}", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRenderIgnoresExpressions(t *testing.T) {
	// Anything beyond a bare identifier is not a placeholder and passes
	// through untouched.
	out, err := Render("{{a.b}} {{x|filter}} {{1+2}}", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "{{a.b}} {{x|filter}} {{1+2}}", out)
}

func TestRenderLoose(t *testing.T) {
	out := RenderLoose("{{known}} and {{unknown}}", map[string]string{"known": "yes"})
	assert.Equal(t, "yes and {{unknown}}", out)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Placeholders("{{a}} {{b}} {{a}}"))
	assert.Nil(t, Placeholders("no placeholders"))
}
