package config

import "testing"

func validAIConfig() *AIConfig {
	return &AIConfig{
		Providers: []AIProvider{
			{
				ID:   "openai",
				Type: "openai",
				Models: []AIProviderModel{
					{ModelName: "gpt-4.1-mini", IsDefault: true},
					{ModelName: "gpt-4.1"},
				},
			},
			{
				ID:   "anthropic",
				Type: "anthropic",
				Models: []AIProviderModel{
					{ModelName: "claude-sonnet-4-20250514"},
				},
			},
		},
	}
}

func TestAIConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	dup := validAIConfig()
	dup.Providers[1].ID = "openai"
	if err := dup.Validate(); err == nil {
		t.Fatalf("expected duplicate provider id error")
	}

	noDefault := validAIConfig()
	noDefault.Providers[0].Models[0].IsDefault = false
	if err := noDefault.Validate(); err == nil {
		t.Fatalf("expected missing default model error")
	}

	twoDefaults := validAIConfig()
	twoDefaults.Providers[1].Models[0].IsDefault = true
	if err := twoDefaults.Validate(); err == nil {
		t.Fatalf("expected multiple default models error")
	}

	badIter := validAIConfig()
	n := 0
	badIter.MaxToolIterations = &n
	if err := badIter.Validate(); err == nil {
		t.Fatalf("expected max_tool_iterations range error")
	}

	compat := validAIConfig()
	compat.Providers = append(compat.Providers, AIProvider{
		ID:     "local",
		Type:   "openai_compatible",
		Models: []AIProviderModel{{ModelName: "llama3"}},
	})
	if err := compat.Validate(); err == nil {
		t.Fatalf("expected base_url required error for openai_compatible")
	}
	compat.Providers[2].BaseURL = "http://127.0.0.1:8080/v1"
	if err := compat.Validate(); err != nil {
		t.Fatalf("Validate with openai_compatible: %v", err)
	}
}

func TestAIConfigDefaultModelID(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	id, ok := cfg.DefaultModelID()
	if !ok || id != "openai/gpt-4.1-mini" {
		t.Fatalf("DefaultModelID = %q, %v", id, ok)
	}

	var nilCfg *AIConfig
	if _, ok := nilCfg.DefaultModelID(); ok {
		t.Fatalf("nil config should have no default model")
	}
}

func TestAIConfigIsAllowedModelID(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	for _, id := range []string{"openai/gpt-4.1", "anthropic/claude-sonnet-4-20250514"} {
		if !cfg.IsAllowedModelID(id) {
			t.Fatalf("expected %q to be allowed", id)
		}
	}
	for _, id := range []string{"", "openai", "openai/", "/gpt-4.1", "openai/gpt-5", "other/gpt-4.1"} {
		if cfg.IsAllowedModelID(id) {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestAIConfigEffectiveLimits(t *testing.T) {
	t.Parallel()

	var nilCfg *AIConfig
	if got := nilCfg.EffectiveMaxToolIterations(); got != 8 {
		t.Fatalf("EffectiveMaxToolIterations = %d, want 8", got)
	}
	if got := nilCfg.EffectiveMaxParallelTools(); got != 4 {
		t.Fatalf("EffectiveMaxParallelTools = %d, want 4", got)
	}
	if got := nilCfg.EffectiveToolTimeoutSeconds(); got != 30 {
		t.Fatalf("EffectiveToolTimeoutSeconds = %d, want 30", got)
	}

	cfg := validAIConfig()
	iter, par, tmo := 12, 2, 90
	cfg.MaxToolIterations = &iter
	cfg.MaxParallelTools = &par
	cfg.ToolTimeoutSeconds = &tmo
	if got := cfg.EffectiveMaxToolIterations(); got != 12 {
		t.Fatalf("EffectiveMaxToolIterations = %d, want 12", got)
	}
	if got := cfg.EffectiveMaxParallelTools(); got != 2 {
		t.Fatalf("EffectiveMaxParallelTools = %d, want 2", got)
	}
	if got := cfg.EffectiveToolTimeoutSeconds(); got != 90 {
		t.Fatalf("EffectiveToolTimeoutSeconds = %d, want 90", got)
	}
}
