package domain

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBook is a deterministic in-memory implementation of all three
// portfolio services. It seeds a small book of positions per account and
// derives prices from a stable hash so repeated calls agree with each other.
// It backs local development and tests; production wiring swaps in real
// services behind the same interfaces.
type MemoryBook struct {
	mu       sync.RWMutex
	accounts map[string][]Holding
	now      func() time.Time
}

func NewMemoryBook() *MemoryBook {
	return &MemoryBook{
		accounts: map[string][]Holding{},
		now:      time.Now,
	}
}

// Seed replaces the holdings recorded for an account.
func (b *MemoryBook) Seed(accountID string, holdings []Holding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]Holding, len(holdings))
	copy(cp, holdings)
	b.accounts[strings.TrimSpace(accountID)] = cp
}

func (b *MemoryBook) Holdings(ctx context.Context, accountID string) ([]Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	b.mu.RLock()
	seeded, ok := b.accounts[accountID]
	b.mu.RUnlock()

	var holdings []Holding
	if ok {
		holdings = make([]Holding, len(seeded))
		copy(holdings, seeded)
	} else {
		holdings = defaultBook(accountID)
	}
	for i := range holdings {
		if holdings[i].Price <= 0 {
			holdings[i].Price = derivedPrice(holdings[i].Symbol)
		}
		holdings[i].MarketValue = holdings[i].Quantity * holdings[i].Price
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

func (b *MemoryBook) Performance(ctx context.Context, accountID string, period string) (PerformanceReport, error) {
	holdings, err := b.Holdings(ctx, accountID)
	if err != nil {
		return PerformanceReport{}, err
	}
	period = normalizePeriod(period)

	report := PerformanceReport{AccountID: accountID, Period: period}
	bestPct := 0.0
	worstPct := 0.0
	for _, h := range holdings {
		cost := h.Quantity * h.CostBasis
		report.TotalValue += h.MarketValue
		report.TotalCost += cost
		if cost <= 0 {
			continue
		}
		pct := (h.MarketValue - cost) / cost * 100
		if report.BestSymbol == "" || pct > bestPct {
			report.BestSymbol, bestPct = h.Symbol, pct
		}
		if report.WorstSymbol == "" || pct < worstPct {
			report.WorstSymbol, worstPct = h.Symbol, pct
		}
	}
	report.GainLoss = report.TotalValue - report.TotalCost
	if report.TotalCost > 0 {
		report.GainLossPct = report.GainLoss / report.TotalCost * 100
	}
	return report, nil
}

func (b *MemoryBook) Compare(ctx context.Context, accountID string, benchmark string, period string) (ComparisonReport, error) {
	perf, err := b.Performance(ctx, accountID, period)
	if err != nil {
		return ComparisonReport{}, err
	}
	benchmark = strings.ToUpper(strings.TrimSpace(benchmark))
	if benchmark == "" {
		benchmark = "SPY"
	}
	// Benchmark return is derived, not fetched, so comparisons are stable.
	benchPct := float64(symbolSeed(benchmark)%1200)/100 - 2
	return ComparisonReport{
		AccountID:          accountID,
		Period:             perf.Period,
		PortfolioReturnPct: perf.GainLossPct,
		BenchmarkSymbol:    benchmark,
		BenchmarkReturnPct: benchPct,
		ExcessReturnPct:    perf.GainLossPct - benchPct,
	}, nil
}

func (b *MemoryBook) Prices(ctx context.Context, symbols []string) ([]Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	asOf := b.now().UnixMilli()
	quotes := make([]Quote, 0, len(symbols))
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			return nil, fmt.Errorf("empty symbol in request")
		}
		quotes = append(quotes, Quote{
			Symbol:     sym,
			Price:      derivedPrice(sym),
			ChangePct:  float64(symbolSeed(sym)%700)/100 - 3.5,
			AsOfUnixMs: asOf,
		})
	}
	return quotes, nil
}

func (b *MemoryBook) Context(ctx context.Context) (MarketContext, error) {
	quotes, err := b.Prices(ctx, []string{"SPY", "QQQ", "DIA", "IWM"})
	if err != nil {
		return MarketContext{}, err
	}
	up := 0
	for _, q := range quotes {
		if q.ChangePct >= 0 {
			up++
		}
	}
	summary := "Major indices are mixed."
	switch {
	case up == len(quotes):
		summary = "Major indices are broadly higher."
	case up == 0:
		summary = "Major indices are broadly lower."
	}
	return MarketContext{Indices: quotes, Summary: summary}, nil
}

func (b *MemoryBook) Sentiment(ctx context.Context) (SentimentReport, error) {
	if err := ctx.Err(); err != nil {
		return SentimentReport{}, err
	}
	// Day-stable score so a conversation sees consistent sentiment.
	day := b.now().UTC().Format("2006-01-02")
	score := float64(symbolSeed(day)%200)/100 - 1
	label := "neutral"
	switch {
	case score > 0.25:
		label = "bullish"
	case score < -0.25:
		label = "bearish"
	}
	return SentimentReport{
		Score:   score,
		Label:   label,
		Drivers: []string{"index breadth", "volatility trend"},
	}, nil
}

func defaultBook(accountID string) []Holding {
	seed := symbolSeed(accountID)
	universe := []struct {
		symbol string
		name   string
	}{
		{"AAPL", "Apple Inc."},
		{"MSFT", "Microsoft Corporation"},
		{"VTI", "Vanguard Total Stock Market ETF"},
		{"NVDA", "NVIDIA Corporation"},
		{"JNJ", "Johnson & Johnson"},
	}
	holdings := make([]Holding, 0, len(universe))
	for i, u := range universe {
		qty := float64(5 + (seed+uint32(i)*37)%40)
		price := derivedPrice(u.symbol)
		holdings = append(holdings, Holding{
			Symbol:    u.symbol,
			Name:      u.name,
			Quantity:  qty,
			CostBasis: price * (0.8 + float64((seed+uint32(i)*13)%40)/100),
		})
	}
	return holdings
}

func derivedPrice(symbol string) float64 {
	return 20 + float64(symbolSeed(symbol)%48000)/100
}

func symbolSeed(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(strings.TrimSpace(s))))
	return h.Sum32()
}

func normalizePeriod(period string) string {
	period = strings.ToLower(strings.TrimSpace(period))
	switch period {
	case "1d", "1w", "1m", "3m", "6m", "1y", "ytd", "all":
		return period
	case "":
		return "1m"
	default:
		return "1m"
	}
}
