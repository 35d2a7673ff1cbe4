// Package library loads and validates the agent library: the panel of study
// personas and the model configurations they are bound to. The library is
// immutable once loaded; reload requires a process restart.
package library

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

// fileFormat mirrors the on-disk agent library JSON.
type fileFormat struct {
	ModelConfigs map[string]map[string]domain.ModelConfig `json:"model_configs"`
	Agents       []domain.AgentDefinition                 `json:"agents"`
}

// Library is the validated, ordered panel of agents plus their model bindings.
type Library struct {
	agents []domain.AgentDefinition
	byName map[string]int                // agent name -> index in agents
	models map[string]domain.ModelConfig // model name -> resolved config
}

// Load reads and validates an agent library file. Any violation — duplicate
// or empty agent names, empty system messages, a model binding that does not
// resolve to exactly one (provider, model) pair — is fatal: the process must
// not start with a partially valid panel.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("library.Load", domain.ErrConfig, err.Error())
	}
	return Parse(data)
}

// Parse validates a raw agent library document.
func Parse(data []byte) (*Library, error) {
	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.NewDomainError("library.Parse", domain.ErrConfig, err.Error())
	}
	if len(raw.Agents) == 0 {
		return nil, domain.NewDomainError("library.Parse", domain.ErrConfig, "no agents defined")
	}

	models := make(map[string]domain.ModelConfig)
	for provider, byModel := range raw.ModelConfigs {
		for name, mc := range byModel {
			if _, dup := models[name]; dup {
				return nil, domain.NewDomainError("library.Parse", domain.ErrConfig,
					fmt.Sprintf("model %q defined under more than one provider", name))
			}
			mc.Provider = provider
			mc.Model = name
			models[name] = mc
		}
	}

	lib := &Library{
		agents: make([]domain.AgentDefinition, 0, len(raw.Agents)),
		byName: make(map[string]int, len(raw.Agents)),
		models: models,
	}

	for i, a := range raw.Agents {
		switch {
		case a.Name == "":
			return nil, domain.NewDomainError("library.Parse", domain.ErrConfig,
				fmt.Sprintf("agent %d has an empty name", i))
		case a.SystemMessage == "":
			return nil, domain.NewDomainError("library.Parse", domain.ErrConfig,
				fmt.Sprintf("agent %q has an empty system_message", a.Name))
		case a.Model == "":
			return nil, domain.NewDomainError("library.Parse", domain.ErrConfig,
				fmt.Sprintf("agent %q has an empty model", a.Name))
		}
		if _, dup := lib.byName[a.Name]; dup {
			return nil, domain.NewDomainError("library.Parse", domain.ErrConfig,
				fmt.Sprintf("duplicate agent name %q", a.Name))
		}
		if _, ok := models[a.Model]; !ok {
			return nil, domain.NewDomainError("library.Parse", domain.ErrConfig,
				fmt.Sprintf("agent %q is bound to unknown model %q", a.Name, a.Model))
		}
		lib.byName[a.Name] = len(lib.agents)
		lib.agents = append(lib.agents, a)
	}

	return lib, nil
}

// PanelFor returns the agents to dispatch, in library-declared order. With no
// names it returns the full panel; with names it returns exactly that subset,
// preserving relative declared order. An unknown name is a configuration
// error at lookup time.
func (l *Library) PanelFor(names ...string) ([]domain.AgentDefinition, error) {
	if len(names) == 0 {
		out := make([]domain.AgentDefinition, len(l.agents))
		copy(out, l.agents)
		return out, nil
	}

	requested := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := l.byName[n]; !ok {
			return nil, domain.NewDomainError("Library.PanelFor", domain.ErrConfig,
				fmt.Sprintf("unknown agent %q", n))
		}
		requested[n] = true
	}

	out := make([]domain.AgentDefinition, 0, len(requested))
	for _, a := range l.agents {
		if requested[a.Name] {
			out = append(out, a)
		}
	}
	return out, nil
}

// ModelFor returns the resolved model configuration for an agent definition.
// Resolution cannot fail after a successful Load.
func (l *Library) ModelFor(a domain.AgentDefinition) domain.ModelConfig {
	return l.models[a.Model]
}

// Providers returns the set of provider families referenced by the panel's
// model bindings.
func (l *Library) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range l.agents {
		p := l.models[a.Model].Provider
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of agents in the panel.
func (l *Library) Len() int { return len(l.agents) }
