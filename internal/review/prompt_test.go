package review

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPrompt_EmptyPathUsesDefault(t *testing.T) {
	p, err := LoadPrompt("")
	require.NoError(t, err)
	assert.Equal(t, defaultInstructions, p.Instructions)
	assert.Contains(t, p.Units, "burk")
	assert.Contains(t, p.System(), "Known units: g, kg")
}

func TestLoadPrompt_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
prompt:
  instructions: |
    Normalize names.
  units: [cup, tbsp]
`), 0o644))

	p, err := LoadPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "Normalize names.", p.Instructions)
	assert.Equal(t, []string{"cup", "tbsp"}, p.Units)
	assert.Equal(t, "Normalize names.\n\nKnown units: cup, tbsp", p.System())
}

func TestLoadPrompt_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt:\n  units: [st]\n"), 0o644))

	p, err := LoadPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, defaultInstructions, p.Instructions)
	assert.Equal(t, []string{"st"}, p.Units)
}

func TestLoadPrompt_Errors(t *testing.T) {
	_, err := LoadPrompt(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "review: read prompt")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt: [unclosed"), 0o644))
	_, err = LoadPrompt(path)
	assert.ErrorContains(t, err, "review: parse prompt")
}

func TestPrompt_SystemWithoutUnits(t *testing.T) {
	p := &Prompt{Instructions: "x"}
	assert.Equal(t, "x", p.System())
}
