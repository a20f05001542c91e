package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptPack holds the system prompts and per-tool status lines. A pack
// loaded from disk overlays the built-in defaults field by field, so a pack
// file only needs the entries it wants to change.
type PromptPack struct {
	System string `yaml:"system"`
	// VoiceSystem is appended to System when the turn runs in voice mode.
	VoiceSystem string                    `yaml:"voice_system"`
	ToolStatus  map[string]ToolStatusLine `yaml:"tool_status"`
}

type ToolStatusLine struct {
	Started   string `yaml:"started"`
	Completed string `yaml:"completed"`
}

const defaultSystemPrompt = `You are a portfolio assistant for a single authenticated account.
Answer questions about holdings, performance, and market conditions using the available tools.
Never guess at position data: call a tool when the answer depends on account or market state.
Keep answers concise and numerate. State the period a figure covers.
You cannot trade, transfer, or modify the account, and you must not present analysis as individual investment advice.`

const defaultVoiceSystemPrompt = `The reply will be spoken aloud.
Use short sentences, no markdown, no tables, and round figures to whole dollars and one decimal percent.`

func defaultToolStatus() map[string]ToolStatusLine {
	return map[string]ToolStatusLine{
		ToolGetHoldings:        {Started: "Looking up your holdings...", Completed: "Holdings retrieved."},
		ToolAnalyzePerformance: {Started: "Analyzing portfolio performance...", Completed: "Performance analysis ready."},
		ToolComparePerformance: {Started: "Comparing against the benchmark...", Completed: "Comparison ready."},
		ToolGetPrices:          {Started: "Fetching live prices...", Completed: "Prices retrieved."},
		ToolGetMarketContext:   {Started: "Checking the broad market...", Completed: "Market context ready."},
		ToolGetMarketSentiment: {Started: "Reading market sentiment...", Completed: "Sentiment ready."},
	}
}

func DefaultPromptPack() *PromptPack {
	return &PromptPack{
		System:      defaultSystemPrompt,
		VoiceSystem: defaultVoiceSystemPrompt,
		ToolStatus:  defaultToolStatus(),
	}
}

// LoadPromptPack reads a YAML pack and overlays it on the defaults.
func LoadPromptPack(path string) (*PromptPack, error) {
	pack := DefaultPromptPack()
	path = strings.TrimSpace(path)
	if path == "" {
		return pack, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt pack: %w", err)
	}
	var overlay PromptPack
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse prompt pack: %w", err)
	}
	if s := strings.TrimSpace(overlay.System); s != "" {
		pack.System = s
	}
	if s := strings.TrimSpace(overlay.VoiceSystem); s != "" {
		pack.VoiceSystem = s
	}
	for name, line := range overlay.ToolStatus {
		merged := pack.ToolStatus[name]
		if s := strings.TrimSpace(line.Started); s != "" {
			merged.Started = s
		}
		if s := strings.TrimSpace(line.Completed); s != "" {
			merged.Completed = s
		}
		pack.ToolStatus[name] = merged
	}
	return pack, nil
}

// SystemPrompt returns the system prompt, with the voice addendum when the
// turn is spoken.
func (p *PromptPack) SystemPrompt(voiceMode bool) string {
	if !voiceMode || strings.TrimSpace(p.VoiceSystem) == "" {
		return p.System
	}
	return p.System + "\n\n" + p.VoiceSystem
}

func (p *PromptPack) StatusStarted(tool string) string {
	if line, ok := p.ToolStatus[tool]; ok && line.Started != "" {
		return line.Started
	}
	return "Working on " + tool + "..."
}

func (p *PromptPack) StatusCompleted(tool string) string {
	if line, ok := p.ToolStatus[tool]; ok && line.Completed != "" {
		return line.Completed
	}
	return tool + " finished."
}
