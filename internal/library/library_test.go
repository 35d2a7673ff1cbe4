package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

const testLibraryJSON = `{
	"model_configs": {
		"ollama": {
			"llama3.1": {"context_window": 8192, "temperature": 0.7, "top_p": 0.9, "description": "local"}
		},
		"mistral": {
			"mistral-small-2409": {"context_window": 32768, "temperature": 0.6, "top_p": 0.9, "description": "hosted"}
		}
	},
	"agents": [
		{"name": "Master Agent", "system_message": "Oversee the panel.", "description": "oversight", "model": "mistral-small-2409"},
		{"name": "Biblical Theologian", "system_message": "Interpret scripture.", "description": "theology", "model": "llama3.1"},
		{"name": "Linguistic Expert", "system_message": "Analyze original languages.", "description": "languages", "model": "llama3.1"}
	]
}`

func mustParse(t *testing.T) *Library {
	t.Helper()
	lib, err := Parse([]byte(testLibraryJSON))
	require.NoError(t, err)
	return lib
}

func TestParseResolvesModels(t *testing.T) {
	lib := mustParse(t)
	assert.Equal(t, 3, lib.Len())

	panel, err := lib.PanelFor()
	require.NoError(t, err)

	mc := lib.ModelFor(panel[0])
	assert.Equal(t, "mistral", mc.Provider)
	assert.Equal(t, "mistral-small-2409", mc.Model)
	assert.Equal(t, 32768, mc.ContextWindow)

	mc = lib.ModelFor(panel[1])
	assert.Equal(t, "ollama", mc.Provider)
	assert.Equal(t, 0.7, mc.Temperature)
}

func TestPanelForFullPanelOrder(t *testing.T) {
	lib := mustParse(t)

	panel, err := lib.PanelFor()
	require.NoError(t, err)
	require.Len(t, panel, 3)
	assert.Equal(t, "Master Agent", panel[0].Name)
	assert.Equal(t, "Biblical Theologian", panel[1].Name)
	assert.Equal(t, "Linguistic Expert", panel[2].Name)
}

func TestPanelForSubsetKeepsRelativeOrder(t *testing.T) {
	lib := mustParse(t)

	// Request out of declared order; response follows declared order.
	panel, err := lib.PanelFor("Linguistic Expert", "Master Agent")
	require.NoError(t, err)
	require.Len(t, panel, 2)
	assert.Equal(t, "Master Agent", panel[0].Name)
	assert.Equal(t, "Linguistic Expert", panel[1].Name)
}

func TestPanelForUnknownAgent(t *testing.T) {
	lib := mustParse(t)

	_, err := lib.PanelFor("Biblical Theologian", "Quantum Physicist")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "Quantum Physicist")
}

func TestProviders(t *testing.T) {
	lib := mustParse(t)
	assert.ElementsMatch(t, []string{"ollama", "mistral"}, lib.Providers())
}

func TestParseRejectsEmptyPanel(t *testing.T) {
	_, err := Parse([]byte(`{"model_configs": {}, "agents": []}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestParseRejectsDuplicateAgent(t *testing.T) {
	_, err := Parse([]byte(`{
		"model_configs": {"ollama": {"llama3.1": {"context_window": 8192, "temperature": 0.7, "top_p": 0.9}}},
		"agents": [
			{"name": "Twin", "system_message": "a", "model": "llama3.1"},
			{"name": "Twin", "system_message": "b", "model": "llama3.1"}
		]
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestParseRejectsUnknownModelBinding(t *testing.T) {
	_, err := Parse([]byte(`{
		"model_configs": {"ollama": {"llama3.1": {"context_window": 8192, "temperature": 0.7, "top_p": 0.9}}},
		"agents": [{"name": "Solo", "system_message": "a", "model": "gpt-9"}]
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestParseRejectsAmbiguousModelName(t *testing.T) {
	_, err := Parse([]byte(`{
		"model_configs": {
			"ollama": {"shared-model": {"context_window": 8192, "temperature": 0.7, "top_p": 0.9}},
			"mistral": {"shared-model": {"context_window": 32768, "temperature": 0.7, "top_p": 0.9}}
		},
		"agents": [{"name": "Solo", "system_message": "a", "model": "shared-model"}]
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "more than one provider")
}

func TestParseRejectsEmptyFields(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"empty name", `{"model_configs": {"ollama": {"m": {"context_window": 1, "temperature": 0.1, "top_p": 0.1}}}, "agents": [{"name": "", "system_message": "a", "model": "m"}]}`},
		{"empty system_message", `{"model_configs": {"ollama": {"m": {"context_window": 1, "temperature": 0.1, "top_p": 0.1}}}, "agents": [{"name": "A", "system_message": "", "model": "m"}]}`},
		{"empty model", `{"model_configs": {"ollama": {"m": {"context_window": 1, "temperature": 0.1, "top_p": 0.1}}}, "agents": [{"name": "A", "system_message": "a", "model": ""}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.json))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfig)
		})
	}
}
