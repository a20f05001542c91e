// Package httpapi exposes the agent over HTTP: an NDJSON streaming chat
// endpoint, a blocking chat endpoint, and health/version probes. It sits
// behind an authenticating gateway and trusts the account identity that
// gateway injects.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/plutoview/portfolio-agent/internal/agent"
	"github.com/plutoview/portfolio-agent/internal/auditlog"
	"github.com/plutoview/portfolio-agent/internal/monitor"
)

// AccountHeader carries the authenticated account id, set by the upstream
// gateway after it verifies the caller's credentials.
const AccountHeader = "X-Account-Id"

const maxChatBodyBytes = 1 << 20 // 1 MiB

type Options struct {
	Logger  *slog.Logger
	Addr    string
	Agent   *agent.Service
	Monitor *monitor.Service
	// Audit, when set, enables the audit listing endpoint.
	Audit *auditlog.Store

	Version string
}

type Server struct {
	log     *slog.Logger
	addr    string
	agent   *agent.Service
	monitor *monitor.Service
	audit   *auditlog.Store
	version string

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, errors.New("missing Agent")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = ":8787"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	mon := opts.Monitor
	if mon == nil {
		mon = monitor.NewService(logger)
	}
	return &Server{
		log:     logger,
		addr:    addr,
		agent:   opts.Agent,
		monitor: mon,
		audit:   opts.Audit,
		version: strings.TrimSpace(opts.Version),
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

// Handler builds the route table. Exposed so tests can drive the API
// through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/version", s.handleVersion)
	mux.HandleFunc("/api/v1/chat", s.handleChatStream)
	mux.HandleFunc("/api/v1/chat/complete", s.handleChatComplete)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	return mux
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.monitor.Snapshot(r.Context())
	if !s.agent.Enabled() {
		snap.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "audit log not enabled"})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	entries, err := s.audit.List(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "failed to read audit log"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type chatBody struct {
	ThreadID  string `json:"thread_id,omitempty"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	VoiceMode bool   `json:"voice_mode,omitempty"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (agent.ChatRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return agent.ChatRequest{}, false
	}
	accountID := strings.TrimSpace(r.Header.Get(AccountHeader))
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "missing account identity"})
		return agent.ChatRequest{}, false
	}

	var body chatBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request body"})
		return agent.ChatRequest{}, false
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "message is required"})
		return agent.ChatRequest{}, false
	}
	return agent.ChatRequest{
		AccountID: accountID,
		ThreadID:  body.ThreadID,
		Message:   body.Message,
		Model:     body.Model,
		VoiceMode: body.VoiceMode,
	}, true
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	stream, err := s.agent.StreamChat(r.Context(), req)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	out := newNDJSONStream(w)
	_ = out.send(map[string]string{"type": "stream_started", "thread_id": stream.ThreadID, "run_id": stream.RunID})

	for ev := range stream.Events() {
		if err := out.send(ev); err != nil {
			// The client went away; stop draining so emission never
			// blocks on a dead reader. The request context cancels the
			// turn itself, so only a commit already in flight lands.
			stream.Abandon()
			break
		}
	}
	if _, err := stream.Outcome(); err != nil && r.Context().Err() == nil {
		s.log.Warn("chat turn failed", "run_id", stream.RunID, "error", err)
	}
}

func (s *Server) handleChatComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	outcome, threadID, err := s.agent.RunChat(r.Context(), req)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":     threadID,
		"run_id":        outcome.RunID,
		"text":          outcome.Text,
		"checkpoint_id": outcome.CheckpointID,
		"tool_rounds":   outcome.ToolRounds,
	})
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var authErr *agent.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusForbidden, errorResp{Error: "not authorized for this thread"})
	case errors.Is(err, agent.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "agent not configured"})
	case errors.Is(err, agent.ErrModelUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "model unavailable"})
	case errors.Is(err, agent.ErrToolLoopExceeded):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: "tool iteration limit exceeded"})
	default:
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}
