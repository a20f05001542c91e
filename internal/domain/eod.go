package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const eodMaxBodyBytes = 2 << 20 // 2 MiB (defensive)

var eodIndexSymbols = []string{"SPY.US", "QQQ.US", "DIA.US", "IWM.US"}

// EODClient implements MarketDataService against an EODHD-compatible HTTP
// API. Quotes are cached for a configurable TTL so a multi-tool turn does
// not hammer the upstream with the same symbols.
type EODClient struct {
	baseURL  string
	apiToken string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedQuote
}

type cachedQuote struct {
	quote   Quote
	expires time.Time
}

type EODOptions struct {
	// BaseURL defaults to the public EODHD endpoint.
	BaseURL  string
	APIToken string
	CacheTTL time.Duration
	// HTTPClient is optional; a 15s-timeout client is used when nil.
	HTTPClient *http.Client
}

func NewEODClient(opts EODOptions) (*EODClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "https://eodhd.com/api"
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("invalid market data base url")
	}
	if strings.TrimSpace(opts.APIToken) == "" {
		return nil, errors.New("market data api token is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &EODClient{
		baseURL:  base,
		apiToken: strings.TrimSpace(opts.APIToken),
		ttl:      ttl,
		client:   client,
		now:      time.Now,
		cache:    map[string]cachedQuote{},
	}, nil
}

type eodRealTimeQuote struct {
	Code          string      `json:"code"`
	Close         json.Number `json:"close"`
	ChangePercent json.Number `json:"change_p"`
	Timestamp     int64       `json:"timestamp"`
}

func (c *EODClient) Prices(ctx context.Context, symbols []string) ([]Quote, error) {
	if c == nil {
		return nil, errors.New("market data client not initialized")
	}
	if len(symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}

	normalized := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			return nil, errors.New("empty symbol in request")
		}
		normalized = append(normalized, sym)
	}

	quotes := make([]Quote, len(normalized))
	missing := make([]string, 0, len(normalized))
	missingIdx := map[string]int{}
	now := c.now()

	c.mu.Lock()
	for i, sym := range normalized {
		if entry, ok := c.cache[sym]; ok && now.Before(entry.expires) {
			quotes[i] = entry.quote
			continue
		}
		if _, seen := missingIdx[sym]; !seen {
			missingIdx[sym] = len(missing)
			missing = append(missing, sym)
		}
	}
	c.mu.Unlock()

	if len(missing) > 0 {
		fetched, err := c.fetchRealTime(ctx, missing)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, q := range fetched {
			c.cache[q.Symbol] = cachedQuote{quote: q, expires: now.Add(c.ttl)}
		}
		c.mu.Unlock()
		bySymbol := map[string]Quote{}
		for _, q := range fetched {
			bySymbol[q.Symbol] = q
		}
		for i, sym := range normalized {
			if quotes[i].Symbol != "" {
				continue
			}
			q, ok := bySymbol[sym]
			if !ok {
				return nil, fmt.Errorf("no quote returned for %s", sym)
			}
			quotes[i] = q
		}
	}
	return quotes, nil
}

// fetchRealTime issues one request for the whole batch: the first symbol in
// the path and the rest via the s= parameter, as the upstream expects.
func (c *EODClient) fetchRealTime(ctx context.Context, symbols []string) ([]Quote, error) {
	endpoint, err := url.Parse(c.baseURL + "/real-time/" + url.PathEscape(symbols[0]))
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("api_token", c.apiToken)
	q.Set("fmt", "json")
	if len(symbols) > 1 {
		q.Set("s", strings.Join(symbols[1:], ","))
	}
	endpoint.RawQuery = q.Encode()

	body, err := c.get(ctx, endpoint.String())
	if err != nil {
		return nil, err
	}

	// A single-symbol request returns one object, a batch returns an array.
	var raw []eodRealTimeQuote
	if err := json.Unmarshal(body, &raw); err != nil {
		var one eodRealTimeQuote
		if err2 := json.Unmarshal(body, &one); err2 != nil {
			return nil, errors.New("invalid market data response")
		}
		raw = []eodRealTimeQuote{one}
	}

	quotes := make([]Quote, 0, len(raw))
	for _, item := range raw {
		sym := strings.ToUpper(strings.TrimSpace(item.Code))
		if sym == "" {
			continue
		}
		price, _ := item.Close.Float64()
		changePct, _ := item.ChangePercent.Float64()
		asOf := item.Timestamp * 1000
		if item.Timestamp == 0 {
			asOf = c.now().UnixMilli()
		}
		quotes = append(quotes, Quote{
			Symbol:     sym,
			Price:      price,
			ChangePct:  changePct,
			AsOfUnixMs: asOf,
		})
	}
	if len(quotes) == 0 {
		return nil, errors.New("market data response contained no quotes")
	}
	return quotes, nil
}

func (c *EODClient) Context(ctx context.Context) (MarketContext, error) {
	quotes, err := c.Prices(ctx, eodIndexSymbols)
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

func (c *EODClient) Sentiment(ctx context.Context) (SentimentReport, error) {
	mc, err := c.Context(ctx)
	if err != nil {
		return SentimentReport{}, err
	}
	// Sentiment is derived from index breadth and average move; the upstream
	// news-sentiment product needs a separate subscription.
	var sum float64
	up := 0
	for _, q := range mc.Indices {
		sum += q.ChangePct
		if q.ChangePct >= 0 {
			up++
		}
	}
	avg := sum / float64(len(mc.Indices))
	score := avg / 3
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
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
		Drivers: []string{fmt.Sprintf("%d of %d major indices advancing", up, len(mc.Indices)), "average index move"},
	}, nil
}

func (c *EODClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, eodMaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("market data request failed (status %d)", resp.StatusCode)
		}
		return nil, errors.New(msg)
	}
	return body, nil
}
