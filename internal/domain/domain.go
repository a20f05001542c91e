// Package domain defines the portfolio collaborators the agent invokes as
// tools. The agent core never implements portfolio business logic itself; it
// talks to these interfaces and records their results in the transcript.
package domain

import "context"

type Holding struct {
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name,omitempty"`
	Quantity    float64 `json:"quantity"`
	CostBasis   float64 `json:"cost_basis"`
	Price       float64 `json:"price"`
	MarketValue float64 `json:"market_value"`
}

type PerformanceReport struct {
	AccountID   string  `json:"account_id"`
	Period      string  `json:"period"`
	TotalValue  float64 `json:"total_value"`
	TotalCost   float64 `json:"total_cost"`
	GainLoss    float64 `json:"gain_loss"`
	GainLossPct float64 `json:"gain_loss_pct"`
	BestSymbol  string  `json:"best_symbol,omitempty"`
	WorstSymbol string  `json:"worst_symbol,omitempty"`
}

type ComparisonReport struct {
	AccountID          string  `json:"account_id"`
	Period             string  `json:"period"`
	PortfolioReturnPct float64 `json:"portfolio_return_pct"`
	BenchmarkSymbol    string  `json:"benchmark_symbol"`
	BenchmarkReturnPct float64 `json:"benchmark_return_pct"`
	ExcessReturnPct    float64 `json:"excess_return_pct"`
}

type Quote struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	ChangePct  float64 `json:"change_pct"`
	AsOfUnixMs int64   `json:"as_of_unix_ms"`
}

type MarketContext struct {
	Indices []Quote `json:"indices"`
	Summary string  `json:"summary,omitempty"`
}

type SentimentReport struct {
	// Score is in [-1, 1]; negative is bearish.
	Score   float64  `json:"score"`
	Label   string   `json:"label"`
	Drivers []string `json:"drivers,omitempty"`
}

// HoldingsService resolves an account's current positions.
type HoldingsService interface {
	Holdings(ctx context.Context, accountID string) ([]Holding, error)
}

// AnalysisService computes performance views over an account's positions.
type AnalysisService interface {
	Performance(ctx context.Context, accountID string, period string) (PerformanceReport, error)
	Compare(ctx context.Context, accountID string, benchmark string, period string) (ComparisonReport, error)
}

// MarketDataService serves quotes and market-level context.
type MarketDataService interface {
	Prices(ctx context.Context, symbols []string) ([]Quote, error)
	Context(ctx context.Context) (MarketContext, error)
	Sentiment(ctx context.Context) (SentimentReport, error)
}
