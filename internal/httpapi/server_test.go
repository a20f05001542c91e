package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/plutoview/portfolio-agent/internal/agent"
	"github.com/plutoview/portfolio-agent/internal/auditlog"
	"github.com/plutoview/portfolio-agent/internal/checkpoint"
	"github.com/plutoview/portfolio-agent/internal/config"
	"github.com/plutoview/portfolio-agent/internal/domain"
)

// echoProvider answers every turn with a fixed streamed sentence.
type echoProvider struct {
	mu    sync.Mutex
	turns int
}

func (p *echoProvider) StreamTurn(ctx context.Context, req agent.TurnRequest, onEvent func(agent.StreamEvent)) (agent.TurnResult, error) {
	p.mu.Lock()
	p.turns++
	p.mu.Unlock()
	for _, tok := range []string{"Markets ", "are ", "calm."} {
		onEvent(agent.StreamEvent{Type: agent.StreamText, Text: tok})
	}
	return agent.TurnResult{FinishReason: "stop", Text: "Markets are calm."}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.Open(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	audit, err := auditlog.New(auditlog.Options{StateDir: dir})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}

	book := domain.NewMemoryBook()
	svc, err := agent.New(agent.Options{
		Config: &config.AIConfig{
			Providers: []config.AIProvider{{
				ID:        "openai",
				Name:      "OpenAI",
				Type:      "openai",
				APIKeyEnv: "TEST_OPENAI_API_KEY",
				Models:    []config.AIProviderModel{{ModelName: "gpt-4.1-mini", IsDefault: true}},
			}},
		},
		Store:     store,
		Holdings:  book,
		Analysis:  book,
		Market:    book,
		Audit:     audit,
		Providers: map[string]agent.Provider{"openai": &echoProvider{}},
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(svc.Close)

	srv, err := New(Options{Agent: svc, Audit: audit, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestChatStreamRequiresAccountHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatStreamForeignThreadForbidden(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	body := `{"message":"hi","thread_id":"account_other_thread_t1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set(AccountHeader, "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

func TestChatStreamEmitsNDJSON(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"how are markets?"}`))
	req.Header.Set(AccountHeader, "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	var types []string
	threadID := ""
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad ndjson line %q: %v", scanner.Text(), err)
		}
		typ, _ := line["type"].(string)
		types = append(types, typ)
		if typ == "stream_started" {
			threadID, _ = line["thread_id"].(string)
		}
	}
	if len(types) == 0 || types[0] != "stream_started" {
		t.Fatalf("first line types = %v", types)
	}
	if types[len(types)-1] != agent.EventTurnComplete {
		t.Fatalf("last line type = %v", types[len(types)-1])
	}
	tokenCount := 0
	for _, typ := range types {
		if typ == agent.EventToken {
			tokenCount++
		}
	}
	if tokenCount != 3 {
		t.Fatalf("token events = %d, want 3", tokenCount)
	}
	if owner, _, err := agent.ParseThreadID(threadID); err != nil || owner != "acct-1" {
		t.Fatalf("thread id %q (owner %q, err %v)", threadID, owner, err)
	}
}

func TestChatCompleteReturnsFinalText(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/complete", strings.NewReader(`{"message":"summary please"}`))
	req.Header.Set(AccountHeader, "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["text"] != "Markets are calm." {
		t.Fatalf("text = %v", resp["text"])
	}
	if resp["checkpoint_id"] == "" || resp["run_id"] == "" {
		t.Fatalf("missing ids: %v", resp)
	}
}

func TestHealthzReportsDegradedWithoutProvider(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The test service has an injected provider, so it reports ok.
	if snap["status"] != "ok" {
		t.Fatalf("status = %v", snap["status"])
	}
}

func TestAuditTrailRecordsTurns(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/complete", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set(AccountHeader, "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=10", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Entries []auditlog.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(resp.Entries))
	}
	e := resp.Entries[0]
	if e.Action != auditlog.ActionTurnCompleted || e.AccountID != "acct-1" || e.CheckpointID == "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/version", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"test"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
