package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// AIConfig configures the model provider registry and the orchestration limits
// applied to every agent turn.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are read
//     from the environment per provider.
//   - Field names are snake_case to match the rest of the config surface.
type AIConfig struct {
	// Providers is the provider registry available to the runtime.
	//
	// Notes:
	// - Providers own their allowed model list (provider + model are always configured together).
	// - Exactly one provider model must be marked as default via models[].is_default.
	Providers []AIProvider `json:"providers,omitempty"`

	// MaxToolIterations caps how many model round-trips a single turn may
	// make before the run fails with a tool-loop error.
	//
	// Defaults to 8. Must be in [1,32].
	MaxToolIterations *int `json:"max_tool_iterations,omitempty"`

	// MaxParallelTools bounds concurrent tool execution inside one turn.
	//
	// Defaults to 4. Must be in [1,16].
	MaxParallelTools *int `json:"max_parallel_tools,omitempty"`

	// ToolTimeoutSeconds is the per-invocation tool execution timeout.
	//
	// Defaults to 30. Must be in [1,600].
	ToolTimeoutSeconds *int `json:"tool_timeout_seconds,omitempty"`

	// PromptPackPath points at a YAML prompt pack overriding the built-in
	// system prompts. Empty means use the embedded defaults.
	PromptPackPath string `json:"prompt_pack_path,omitempty"`
}

type AIProvider struct {
	// ID is a stable internal id (primary key). It must not change once used for model routing.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// When empty, provider defaults apply (except openai_compatible where base_url is required).
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding this provider's key.
	// When empty, the provider SDK default applies (OPENAI_API_KEY / ANTHROPIC_API_KEY).
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// Models is the allowed model list for this provider.
	Models []AIProviderModel `json:"models,omitempty"`
}

type AIProviderModel struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	// Exactly one providers[].models[].is_default must be true.
	IsDefault bool `json:"is_default,omitempty"`
}

const (
	defaultAIMaxToolIterations  = 8
	defaultAIMaxParallelTools   = 4
	defaultAIToolTimeoutSeconds = 30
)

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	if c.MaxToolIterations != nil {
		if *c.MaxToolIterations < 1 || *c.MaxToolIterations > 32 {
			return fmt.Errorf("invalid max_tool_iterations %d (must be in [1,32])", *c.MaxToolIterations)
		}
	}
	if c.MaxParallelTools != nil {
		if *c.MaxParallelTools < 1 || *c.MaxParallelTools > 16 {
			return fmt.Errorf("invalid max_parallel_tools %d (must be in [1,16])", *c.MaxParallelTools)
		}
	}
	if c.ToolTimeoutSeconds != nil {
		if *c.ToolTimeoutSeconds < 1 || *c.ToolTimeoutSeconds > 600 {
			return fmt.Errorf("invalid tool_timeout_seconds %d (must be in [1,600])", *c.ToolTimeoutSeconds)
		}
	}

	// Validate providers.
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		// Validate models (provider-owned list).
		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model_name %q (must not contain /)", i, j, name)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}

	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it returns ("", false).
func (c *AIConfig) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return pid + "/" + mn, true
		}
	}
	return "", false
}

// IsAllowedModelID reports whether the given model wire id (<provider_id>/<model_name>) exists in the config allow-list.
func (c *AIConfig) IsAllowedModelID(modelID string) bool {
	if c == nil {
		return false
	}
	raw := strings.TrimSpace(modelID)
	pid, mn, ok := strings.Cut(raw, "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return true
			}
		}
		return false
	}
	return false
}

// ProviderByID returns the provider entry for a stable id.
func (c *AIConfig) ProviderByID(id string) (AIProvider, bool) {
	if c == nil {
		return AIProvider{}, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return AIProvider{}, false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == id {
			return p, true
		}
	}
	return AIProvider{}, false
}

func (c *AIConfig) EffectiveMaxToolIterations() int {
	if c == nil || c.MaxToolIterations == nil {
		return defaultAIMaxToolIterations
	}
	v := *c.MaxToolIterations
	if v < 1 || v > 32 {
		return defaultAIMaxToolIterations
	}
	return v
}

func (c *AIConfig) EffectiveMaxParallelTools() int {
	if c == nil || c.MaxParallelTools == nil {
		return defaultAIMaxParallelTools
	}
	v := *c.MaxParallelTools
	if v < 1 || v > 16 {
		return defaultAIMaxParallelTools
	}
	return v
}

func (c *AIConfig) EffectiveToolTimeoutSeconds() int {
	if c == nil || c.ToolTimeoutSeconds == nil {
		return defaultAIToolTimeoutSeconds
	}
	v := *c.ToolTimeoutSeconds
	if v < 1 || v > 600 {
		return defaultAIToolTimeoutSeconds
	}
	return v
}
