package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBookHoldingsDeterministic(t *testing.T) {
	t.Parallel()

	book := NewMemoryBook()
	ctx := context.Background()

	first, err := book.Holdings(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected a seeded default book")
	}
	second, err := book.Holdings(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("holdings count changed between calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("holding %d changed between calls: %+v vs %+v", i, first[i], second[i])
		}
		if first[i].MarketValue <= 0 {
			t.Fatalf("holding %s has non-positive market value", first[i].Symbol)
		}
	}

	other, err := book.Holdings(ctx, "acct-2")
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	same := len(other) == len(first)
	if same {
		for i := range other {
			if other[i].Quantity != first[i].Quantity {
				same = false
				break
			}
		}
	}
	if same {
		t.Fatal("expected different accounts to hold different books")
	}
}

func TestMemoryBookPerformanceConsistency(t *testing.T) {
	t.Parallel()

	book := NewMemoryBook()
	book.Seed("acct-7", []Holding{
		{Symbol: "AAA", Quantity: 10, CostBasis: 100, Price: 110},
		{Symbol: "BBB", Quantity: 5, CostBasis: 50, Price: 40},
	})

	report, err := book.Performance(context.Background(), "acct-7", "1m")
	if err != nil {
		t.Fatalf("Performance: %v", err)
	}
	if report.TotalCost != 1250 {
		t.Fatalf("TotalCost = %v, want 1250", report.TotalCost)
	}
	if report.TotalValue != 1300 {
		t.Fatalf("TotalValue = %v, want 1300", report.TotalValue)
	}
	if report.GainLoss != 50 {
		t.Fatalf("GainLoss = %v, want 50", report.GainLoss)
	}
	if report.BestSymbol != "AAA" || report.WorstSymbol != "BBB" {
		t.Fatalf("best/worst = %s/%s, want AAA/BBB", report.BestSymbol, report.WorstSymbol)
	}
}

func TestMemoryBookCompareUsesPerformance(t *testing.T) {
	t.Parallel()

	book := NewMemoryBook()
	book.Seed("acct-9", []Holding{{Symbol: "AAA", Quantity: 1, CostBasis: 100, Price: 120}})

	cmp, err := book.Compare(context.Background(), "acct-9", "spy", "1y")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.BenchmarkSymbol != "SPY" {
		t.Fatalf("BenchmarkSymbol = %q, want SPY", cmp.BenchmarkSymbol)
	}
	if cmp.PortfolioReturnPct != 20 {
		t.Fatalf("PortfolioReturnPct = %v, want 20", cmp.PortfolioReturnPct)
	}
	if got := cmp.PortfolioReturnPct - cmp.BenchmarkReturnPct; got != cmp.ExcessReturnPct {
		t.Fatalf("ExcessReturnPct = %v, want %v", cmp.ExcessReturnPct, got)
	}
}

func TestEODClientBatchesAndCaches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("api_token"); got != "token-1" {
			t.Errorf("api_token = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"code": "AAPL.US", "close": 210.5, "change_p": 1.2, "timestamp": 1700000000},
			{"code": "MSFT.US", "close": 430.1, "change_p": -0.4, "timestamp": 1700000000},
		})
	}))
	defer srv.Close()

	client, err := NewEODClient(EODOptions{
		BaseURL:  srv.URL,
		APIToken: "token-1",
		CacheTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEODClient: %v", err)
	}

	quotes, err := client.Prices(context.Background(), []string{"aapl.us", "MSFT.US"})
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	if quotes[0].Symbol != "AAPL.US" || quotes[0].Price != 210.5 {
		t.Fatalf("unexpected first quote: %+v", quotes[0])
	}
	if quotes[1].Symbol != "MSFT.US" || quotes[1].ChangePct != -0.4 {
		t.Fatalf("unexpected second quote: %+v", quotes[1])
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (batched)", got)
	}

	// Second request is served from cache.
	if _, err := client.Prices(context.Background(), []string{"AAPL.US"}); err != nil {
		t.Fatalf("Prices (cached): %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls after cached read = %d, want 1", got)
	}
}

func TestEODClientUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewEODClient(EODOptions{BaseURL: srv.URL, APIToken: "bad"})
	if err != nil {
		t.Fatalf("NewEODClient: %v", err)
	}
	if _, err := client.Prices(context.Background(), []string{"AAPL.US"}); err == nil {
		t.Fatal("expected error from upstream failure")
	}
}
