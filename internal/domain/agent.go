package domain

// AgentDefinition describes a named study persona bound to one model.
// Definitions are immutable once the library is loaded.
type AgentDefinition struct {
	Name          string `json:"name"`
	SystemMessage string `json:"system_message"`
	Description   string `json:"description"`
	Model         string `json:"model"`
}

// ModelConfig holds the sampling profile for a single model.
// Keyed by (provider, model name) in the agent library.
type ModelConfig struct {
	Provider      string  `json:"-"`
	Model         string  `json:"-"`
	ContextWindow int     `json:"context_window"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	Description   string  `json:"description"`
}
