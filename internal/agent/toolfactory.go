package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/plutoview/portfolio-agent/internal/domain"
)

// Tool names presented to the model.
const (
	ToolGetHoldings        = "get_portfolio_holdings"
	ToolAnalyzePerformance = "analyze_portfolio_performance"
	ToolComparePerformance = "compare_portfolio_performance"
	ToolGetPrices          = "get_real_time_prices"
	ToolGetMarketContext   = "get_market_context"
	ToolGetMarketSentiment = "get_market_sentiment"
)

// accountArgKeys are argument names a model might use to smuggle a different
// account into a tool call. They are stripped before validation so identity
// only ever comes from the authenticated binding.
var accountArgKeys = []string{"account_id", "accountId", "account", "account_number"}

const holdingsSchemaJSON = `{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`

const performanceSchemaJSON = `{
  "type": "object",
  "properties": {
    "period": {
      "type": "string",
      "enum": ["1d", "1w", "1m", "3m", "6m", "1y", "ytd", "all"],
      "description": "Lookback window for the analysis. Defaults to 1m."
    }
  },
  "additionalProperties": false
}`

const compareSchemaJSON = `{
  "type": "object",
  "properties": {
    "benchmark": {
      "type": "string",
      "description": "Benchmark ticker to compare against, e.g. SPY."
    },
    "period": {
      "type": "string",
      "enum": ["1d", "1w", "1m", "3m", "6m", "1y", "ytd", "all"]
    }
  },
  "additionalProperties": false
}`

const pricesSchemaJSON = `{
  "type": "object",
  "properties": {
    "symbols": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "minItems": 1,
      "maxItems": 25,
      "description": "Ticker symbols to quote."
    }
  },
  "required": ["symbols"],
  "additionalProperties": false
}`

const emptySchemaJSON = `{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`

// ToolFactory builds the per-turn tool set. Build binds every handler to the
// authenticated account so no model-supplied argument can redirect a call.
type ToolFactory struct {
	holdings domain.HoldingsService
	analysis domain.AnalysisService
	market   domain.MarketDataService

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

func NewToolFactory(holdings domain.HoldingsService, analysis domain.AnalysisService, market domain.MarketDataService) *ToolFactory {
	return &ToolFactory{
		holdings: holdings,
		analysis: analysis,
		market:   market,
		schemas:  map[string]*jsonschema.Schema{},
	}
}

// Build returns fresh tool definitions bound to accountID. The set is
// rebuilt per turn; handlers close over the account and nothing else mutable.
func (f *ToolFactory) Build(accountID string) ([]ToolDef, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	defs := []ToolDef{
		{
			Name:         ToolGetHoldings,
			Description:  "List the account's current portfolio positions with quantities, cost basis, and market values.",
			SchemaJSON:   holdingsSchemaJSON,
			ParallelSafe: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return f.holdings.Holdings(ctx, accountID)
			},
		},
		{
			Name:         ToolAnalyzePerformance,
			Description:  "Analyze the account's portfolio performance over a period: totals, gain/loss, best and worst positions.",
			SchemaJSON:   performanceSchemaJSON,
			ParallelSafe: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return f.analysis.Performance(ctx, accountID, stringArg(args, "period"))
			},
		},
		{
			Name:         ToolComparePerformance,
			Description:  "Compare the account's portfolio return against a benchmark ticker over a period.",
			SchemaJSON:   compareSchemaJSON,
			ParallelSafe: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return f.analysis.Compare(ctx, accountID, stringArg(args, "benchmark"), stringArg(args, "period"))
			},
		},
		{
			Name:         ToolGetPrices,
			Description:  "Fetch real-time quotes for a list of ticker symbols.",
			SchemaJSON:   pricesSchemaJSON,
			ParallelSafe: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbols := stringSliceArg(args, "symbols")
				if len(symbols) == 0 {
					return nil, NewToolError("invalid_arguments", "symbols must be a non-empty array of strings")
				}
				return f.market.Prices(ctx, symbols)
			},
		},
		{
			Name:         ToolGetMarketContext,
			Description:  "Summarize the broad market: major index quotes and a one-line read.",
			SchemaJSON:   emptySchemaJSON,
			ParallelSafe: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return f.market.Context(ctx)
			},
		},
		{
			Name:         ToolGetMarketSentiment,
			Description:  "Report current market sentiment as a score, label, and key drivers.",
			SchemaJSON:   emptySchemaJSON,
			ParallelSafe: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return f.market.Sentiment(ctx)
			},
		},
	}

	for i := range defs {
		if _, err := f.compiledSchema(defs[i].Name, defs[i].SchemaJSON); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", defs[i].Name, err)
		}
	}
	return defs, nil
}

// ValidateArgs strips account-identity keys from the raw arguments and
// validates the remainder against the tool's schema. It returns the cleaned
// argument map handlers receive.
func (f *ToolFactory) ValidateArgs(def ToolDef, argsJSON string) (map[string]any, error) {
	args := map[string]any{}
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return nil, NewToolError("invalid_arguments", "arguments are not a JSON object")
		}
	}
	for _, key := range accountArgKeys {
		delete(args, key)
	}

	schema, err := f.compiledSchema(def.Name, def.SchemaJSON)
	if err != nil {
		return nil, err
	}
	// Round-trip so numbers and nested values carry the types the validator
	// expects regardless of how the map was produced.
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, NewToolError("invalid_arguments", "arguments are not serializable")
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, NewToolError("invalid_arguments", "arguments are not serializable")
	}
	if err := schema.Validate(generic); err != nil {
		return nil, NewToolError("invalid_arguments", err.Error())
	}
	return args, nil
}

func (f *ToolFactory) compiledSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	f.schemaMu.Lock()
	defer f.schemaMu.Unlock()
	if s, ok := f.schemas[name]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(name+".schema.json", schemaJSON)
	if err != nil {
		return nil, err
	}
	f.schemas[name] = s
	return s, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		out = append(out, s)
	}
	return out
}
