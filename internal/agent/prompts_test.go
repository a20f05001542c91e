package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultPromptPack(t *testing.T) {
	t.Parallel()

	pack := DefaultPromptPack()
	if !strings.Contains(pack.SystemPrompt(false), "portfolio assistant") {
		t.Fatal("default system prompt missing")
	}
	voice := pack.SystemPrompt(true)
	if !strings.Contains(voice, "spoken aloud") {
		t.Fatal("voice addendum not appended")
	}
	if !strings.HasPrefix(voice, pack.System) {
		t.Fatal("voice prompt does not start with the base prompt")
	}

	for _, tool := range []string{ToolGetHoldings, ToolAnalyzePerformance, ToolComparePerformance, ToolGetPrices, ToolGetMarketContext, ToolGetMarketSentiment} {
		if pack.StatusStarted(tool) == "" || pack.StatusCompleted(tool) == "" {
			t.Fatalf("tool %s has no status lines", tool)
		}
	}
	if got := pack.StatusStarted("mystery_tool"); !strings.Contains(got, "mystery_tool") {
		t.Fatalf("fallback status line = %q", got)
	}
}

func TestLoadPromptPackOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	data := `
system: "Custom system prompt."
tool_status:
  get_portfolio_holdings:
    started: "Pulling positions..."
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	pack, err := LoadPromptPack(path)
	if err != nil {
		t.Fatalf("LoadPromptPack: %v", err)
	}
	if pack.System != "Custom system prompt." {
		t.Fatalf("System = %q", pack.System)
	}
	// Untouched fields keep their defaults.
	if pack.VoiceSystem != defaultVoiceSystemPrompt {
		t.Fatalf("VoiceSystem overwritten: %q", pack.VoiceSystem)
	}
	if got := pack.StatusStarted(ToolGetHoldings); got != "Pulling positions..." {
		t.Fatalf("StatusStarted = %q", got)
	}
	// The completed line of the same tool falls back to the default.
	if got := pack.StatusCompleted(ToolGetHoldings); got != "Holdings retrieved." {
		t.Fatalf("StatusCompleted = %q", got)
	}
}

func TestLoadPromptPackErrors(t *testing.T) {
	t.Parallel()

	if _, err := LoadPromptPack(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("system: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPromptPack(bad); err == nil {
		t.Fatal("expected error for invalid yaml")
	}

	// Empty path means defaults.
	pack, err := LoadPromptPack("")
	if err != nil {
		t.Fatalf("LoadPromptPack(\"\"): %v", err)
	}
	if pack.System != defaultSystemPrompt {
		t.Fatal("empty path did not return defaults")
	}
}
