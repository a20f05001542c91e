package agent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/plutoview/portfolio-agent/internal/auditlog"
	"github.com/plutoview/portfolio-agent/internal/config"
	"github.com/plutoview/portfolio-agent/internal/domain"
)

// NewRunID mints an opaque id for one turn execution.
func NewRunID() string { return "run_" + randomToken(12) }

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Options wires the service. Store, Holdings, Analysis, and Market are
// required; everything else has a default.
type Options struct {
	Config *config.AIConfig
	Store  CheckpointStore
	Logger *slog.Logger

	Holdings domain.HoldingsService
	Analysis domain.AnalysisService
	Market   domain.MarketDataService

	// Audit, when set, records one entry per finished turn and per denied
	// thread access.
	Audit *auditlog.Store

	// Providers overrides adapter construction per provider id. Tests use
	// it to install scripted providers.
	Providers map[string]Provider
	// LookupEnv resolves API key environment variables; defaults to
	// os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Service is the public entry point: it authorizes threads, resolves the
// model, and runs streaming or blocking turns.
type Service struct {
	cfg     *config.AIConfig
	logger  *slog.Logger
	threads *ThreadManager
	orch    *Orchestrator
	audit   *auditlog.Store

	overrides map[string]Provider
	lookupEnv func(string) (string, bool)

	mu        sync.Mutex
	providers map[string]Provider
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.Holdings == nil || opts.Analysis == nil || opts.Market == nil {
		return nil, errors.New("portfolio services are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	lookupEnv := opts.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	cfg := opts.Config
	factory := NewToolFactory(opts.Holdings, opts.Analysis, opts.Market)

	pack := DefaultPromptPack()
	if cfg != nil && strings.TrimSpace(cfg.PromptPackPath) != "" {
		loaded, err := LoadPromptPack(cfg.PromptPackPath)
		if err != nil {
			return nil, err
		}
		pack = loaded
	}

	orch := NewOrchestrator(OrchestratorOptions{
		Factory:          factory,
		Prompts:          pack,
		Logger:           logger,
		MaxToolRounds:    cfg.EffectiveMaxToolIterations(),
		MaxParallelTools: cfg.EffectiveMaxParallelTools(),
		ToolTimeout:      time.Duration(cfg.EffectiveToolTimeoutSeconds()) * time.Second,
		TurnTimeout:      5 * time.Minute,
	})

	return &Service{
		cfg:       cfg,
		logger:    logger,
		threads:   NewThreadManager(opts.Store),
		orch:      orch,
		audit:     opts.Audit,
		overrides: opts.Providers,
		lookupEnv: lookupEnv,
		providers: map[string]Provider{},
	}, nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.threads.Close()
}

// Enabled reports whether at least the default model can actually be used.
func (s *Service) Enabled() bool {
	if s == nil || s.cfg == nil {
		return false
	}
	modelID, ok := s.cfg.DefaultModelID()
	if !ok {
		return false
	}
	_, _, err := s.resolveProvider(modelID)
	return err == nil
}

// ChatRequest is one user turn. ThreadID may be empty, in which case a new
// thread is minted for the account.
type ChatRequest struct {
	AccountID string
	ThreadID  string
	Message   string
	// Model is the wire id "<provider>/<model>"; empty selects the default.
	Model     string
	VoiceMode bool
}

// TurnStream is a running turn. Read Events until it closes, then call
// Outcome for the result.
type TurnStream struct {
	ThreadID string
	RunID    string

	em   *Emitter
	done chan struct{}

	outcome TurnOutcome
	err     error
}

func (t *TurnStream) Events() <-chan Event { return t.em.Events() }

// Abandon detaches the consumer; the turn keeps running to commit.
func (t *TurnStream) Abandon() { t.em.Abandon() }

// Outcome blocks until the turn is finished.
func (t *TurnStream) Outcome() (TurnOutcome, error) {
	<-t.done
	return t.outcome, t.err
}

// StreamChat authorizes the thread and starts the turn. The stream's event
// channel closes once the turn is over, commit included.
func (s *Service) StreamChat(ctx context.Context, req ChatRequest) (*TurnStream, error) {
	if s == nil {
		return nil, ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = NewThreadID(accountID)
	}
	handle, err := s.threads.Resolve(threadID, accountID)
	if err != nil {
		var authErr *AuthorizationError
		if errors.As(err, &authErr) {
			s.audit.Append(auditlog.Entry{
				Action:    auditlog.ActionThreadDenied,
				Status:    "failure",
				AccountID: accountID,
				ThreadID:  threadID,
				Error:     err.Error(),
			})
		}
		return nil, err
	}

	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		def, ok := s.cfg.DefaultModelID()
		if !ok {
			return nil, ErrNotConfigured
		}
		modelID = def
	}
	provider, modelName, err := s.resolveProvider(modelID)
	if err != nil {
		return nil, err
	}

	stream := &TurnStream{
		ThreadID: threadID,
		RunID:    NewRunID(),
		em:       NewEmitter(0),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(stream.done)
		defer stream.em.Close()
		stream.outcome, stream.err = s.orch.RunTurn(ctx, TurnInput{
			Handle:      handle,
			Provider:    provider,
			Model:       modelName,
			RunID:       stream.RunID,
			UserMessage: req.Message,
			VoiceMode:   req.VoiceMode,
		}, stream.em)
		s.recordTurn(accountID, threadID, modelID, stream)
	}()
	return stream, nil
}

func (s *Service) recordTurn(accountID, threadID, modelID string, stream *TurnStream) {
	if s.audit == nil {
		return
	}
	entry := auditlog.Entry{
		AccountID:    accountID,
		ThreadID:     threadID,
		RunID:        stream.RunID,
		Model:        modelID,
		ToolRounds:   stream.outcome.ToolRounds,
		CheckpointID: stream.outcome.CheckpointID,
		InputTokens:  stream.outcome.Usage.InputTokens,
		OutputTokens: stream.outcome.Usage.OutputTokens,
	}
	if stream.err != nil {
		entry.Action = auditlog.ActionTurnFailed
		entry.Status = "failure"
		entry.Error = stream.err.Error()
	} else {
		entry.Action = auditlog.ActionTurnCompleted
	}
	s.audit.Append(entry)
}

// RunChat runs a turn to completion without streaming and returns the final
// outcome.
func (s *Service) RunChat(ctx context.Context, req ChatRequest) (TurnOutcome, string, error) {
	stream, err := s.StreamChat(ctx, req)
	if err != nil {
		return TurnOutcome{}, "", err
	}
	for range stream.Events() {
		// Drain; the outcome carries the final text.
	}
	outcome, err := stream.Outcome()
	return outcome, stream.ThreadID, err
}

// resolveProvider maps a wire model id to a live provider adapter and the
// bare model name. Adapters are built lazily and cached per provider id.
func (s *Service) resolveProvider(modelID string) (Provider, string, error) {
	if s.cfg == nil {
		return nil, "", ErrNotConfigured
	}
	if !s.cfg.IsAllowedModelID(modelID) {
		return nil, "", fmt.Errorf("unknown model id %q", modelID)
	}
	providerID, modelName, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	if !ok {
		return nil, "", fmt.Errorf("invalid model id %q", modelID)
	}

	if p, ok := s.overrides[providerID]; ok {
		return p, modelName, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[providerID]; ok {
		return p, modelName, nil
	}

	providerCfg, ok := s.cfg.ProviderByID(providerID)
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q", providerID)
	}
	apiKey := ""
	if env := strings.TrimSpace(providerCfg.APIKeyEnv); env != "" {
		apiKey, _ = s.lookupEnv(env)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, "", ErrNotConfigured
	}
	p, err := NewProvider(providerCfg.Type, providerCfg.BaseURL, apiKey)
	if err != nil {
		return nil, "", err
	}
	s.providers[providerID] = p
	return p, modelName, nil
}
