package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	box := t.TempDir()
	doc := `{"name": "Coral", "traits": {"temperament": "curious and careful", "domains": ["systems"], "thinking_styles": ["first principles"]}}`
	require.NoError(t, os.WriteFile(filepath.Join(box, "identity.json"), []byte(doc), 0o644))

	id, err := Load(box)
	require.NoError(t, err)
	assert.Equal(t, "Coral", id.Name)
	assert.Equal(t, "curious and careful", id.Traits.Temperament)
	assert.Equal(t, []string{"systems"}, id.Traits.Domains)
}

func TestLoadMissingName(t *testing.T) {
	box := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(box, "identity.json"), []byte(`{"traits": {}}`), 0o644))

	_, err := Load(box)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestIDFromBox(t *testing.T) {
	assert.Equal(t, "coral", IDFromBox("/srv/agents/coral_box"))
	assert.Equal(t, "vega", IDFromBox("vega_box"))
	assert.Equal(t, "plain", IDFromBox("plain"))
}
