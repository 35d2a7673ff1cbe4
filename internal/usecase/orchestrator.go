package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/adapter/llm"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/config"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/library"
)

// Request is one question from one client, optionally filtered to a subset
// of the panel. An empty Agents slice selects the full panel.
//
// A non-nil OnDelta requests incremental delivery: each content chunk a
// streaming-capable provider produces is passed to it as it arrives, tagged
// with the producing agent. OnDelta may be called concurrently from multiple
// agent goroutines and must be safe for that. Agents whose provider cannot
// stream fall back to a single complete response; either way the agent's
// terminal result carries the full assembled content.
type Request struct {
	ClientKey string
	Question  string
	Agents    []string
	OnDelta   func(agent string, delta domain.StreamDelta)
}

// Orchestrator fans a question out to the selected panel of agents, one
// goroutine per agent, and fans the results back in. Each call passes the
// admission gates in order: provider lookup, circuit breaker, rate limiter.
// An open circuit costs the client nothing.
type Orchestrator struct {
	library  *library.Library
	registry *llm.Registry
	limiter  *ClientLimiter
	cfg      config.OrchestratorConfig
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(lib *library.Library, reg *llm.Registry, lim *ClientLimiter, cfg config.OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		library:  lib,
		registry: reg,
		limiter:  lim,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run dispatches req against its panel and returns the session plus a
// finite, one-shot channel of agent results. The channel is closed after
// the last result (or the request deadline). Cancelling ctx stops the
// aggregation and aborts the session, but does not cancel provider calls
// already in flight; their results are recorded and dropped.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*domain.Session, <-chan domain.AgentResult, error) {
	panel, err := o.library.PanelFor(req.Agents...)
	if err != nil {
		return nil, nil, err
	}

	session := domain.NewSession(req.ClientKey, req.Question)
	session.MarkDispatched(panel)

	o.logger.Info("session dispatched",
		"session", session.ID,
		"client", req.ClientKey,
		"agents", len(panel),
	)

	cost := EstimateTokens(req.Question)
	fanIn := make(chan domain.AgentResult, len(panel))

	for _, agent := range panel {
		go o.callAgent(ctx, session, agent, req, cost, fanIn)
	}

	out := make(chan domain.AgentResult, len(panel))
	go o.aggregate(ctx, session, len(panel), fanIn, out)
	return session, out, nil
}

// callAgent runs the admission gates and the provider call for one agent,
// then reports a terminal result on fanIn.
func (o *Orchestrator) callAgent(ctx context.Context, session *domain.Session, agent domain.AgentDefinition, req Request, cost int, fanIn chan<- domain.AgentResult) {
	start := time.Now()
	fail := func(err error) {
		fanIn <- domain.AgentResult{
			Agent:   agent.Name,
			Status:  domain.StatusFailed,
			Reason:  err.Error(),
			Kind:    domain.FailureKindOf(err),
			Elapsed: time.Since(start),
		}
	}

	model := o.library.ModelFor(agent)
	provider, err := o.registry.Get(model.Provider)
	if err != nil {
		fail(err)
		return
	}

	// Breaker first: a known-down provider should not consume the
	// client's token budget.
	if !provider.Ready() {
		fail(domain.NewDomainError("Orchestrator.callAgent", domain.ErrCircuitOpen, model.Provider))
		return
	}

	if ok, retryAfter := o.limiter.Admit(req.ClientKey, cost); !ok {
		fail(domain.NewDomainError("Orchestrator.callAgent", domain.ErrRateLimited,
			"retry after "+retryAfter.Round(time.Millisecond).String()))
		return
	}

	// A client disconnect must not cancel a call already in flight; the
	// per-call timeout is the only deadline the provider sees.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()

	chatReq := domain.ChatRequest{
		Model: model.Model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: o.systemMessage(agent)},
			{Role: domain.RoleUser, Content: req.Question},
		},
		MaxTokens:   o.cfg.ResponseTokenLimit,
		Temperature: model.Temperature,
		TopP:        model.TopP,
		ContextLen:  model.ContextWindow,
	}

	var resp *domain.ChatResponse
	if req.OnDelta != nil && provider.SupportsStreaming() {
		resp, err = o.streamCall(callCtx, provider, chatReq, agent.Name, req.OnDelta)
	} else {
		resp, err = provider.Chat(callCtx, chatReq)
	}
	if err != nil {
		o.logger.Warn("agent call failed",
			"session", session.ID,
			"agent", agent.Name,
			"provider", model.Provider,
			"error", err,
		)
		fail(err)
		return
	}

	fanIn <- domain.AgentResult{
		Agent:   agent.Name,
		Status:  domain.StatusSucceeded,
		Content: resp.Message.Content,
		Elapsed: time.Since(start),
	}
}

// streamCall drives one streaming provider call, forwarding each chunk to
// onDelta and assembling the terminal response from the accumulated content.
// A stream cut off by the per-call deadline fails as a timeout; partial
// content already forwarded stands.
func (o *Orchestrator) streamCall(ctx context.Context, provider domain.StreamingLLMProvider, chatReq domain.ChatRequest, agent string, onDelta func(agent string, delta domain.StreamDelta)) (*domain.ChatResponse, error) {
	ch, err := provider.ChatStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	var usage domain.Usage
	done := false
	for delta := range ch {
		if delta.Content != "" {
			content.WriteString(delta.Content)
		}
		if delta.Usage != nil {
			usage = *delta.Usage
		}
		if delta.Done {
			done = true
		}
		onDelta(agent, delta)
	}

	if !done {
		if ctx.Err() != nil {
			return nil, domain.NewDomainError("Orchestrator.streamCall", domain.ErrTimeout, "stream interrupted")
		}
		return nil, domain.NewDomainError("Orchestrator.streamCall", domain.ErrProvider, "stream ended early")
	}

	return &domain.ChatResponse{
		Model:   chatReq.Model,
		Message: domain.Message{Role: domain.RoleAssistant, Content: content.String()},
		Usage:   usage,
	}, nil
}

// systemMessage builds the agent's system prompt, appending a conciseness
// instruction when a response token limit is configured.
func (o *Orchestrator) systemMessage(agent domain.AgentDefinition) string {
	if o.cfg.ResponseTokenLimit <= 0 {
		return agent.SystemMessage
	}
	return fmt.Sprintf("%s Keep your response under %d tokens.", agent.SystemMessage, o.cfg.ResponseTokenLimit)
}

// aggregate collects up to total results from fanIn, recording each on the
// session and forwarding it on out. The request deadline forces an end:
// agents still pending are recorded as failed with a timeout, and genuine
// stragglers arriving later are dropped by Session.SetResult.
func (o *Orchestrator) aggregate(ctx context.Context, session *domain.Session, total int, fanIn <-chan domain.AgentResult, out chan<- domain.AgentResult) {
	defer close(out)

	session.SetPhase(domain.PhaseAggregating)

	deadline := time.NewTimer(o.cfg.RequestTimeout)
	defer deadline.Stop()

	received := 0
	for received < total {
		select {
		case r := <-fanIn:
			if !session.SetResult(r) {
				continue
			}
			received++
			select {
			case out <- r:
			case <-ctx.Done():
				session.SetPhase(domain.PhaseAborted)
				o.logger.Info("session aborted", "session", session.ID, "received", received, "total", total)
				return
			}
		case <-deadline.C:
			o.expirePending(session, out)
			o.finish(session, total)
			return
		case <-ctx.Done():
			session.SetPhase(domain.PhaseAborted)
			o.logger.Info("session aborted", "session", session.ID, "received", received, "total", total)
			return
		}
	}
	o.finish(session, total)
}

// expirePending converts every still-pending agent into a timeout failure
// and emits it, so the client always sees one result per dispatched agent.
func (o *Orchestrator) expirePending(session *domain.Session, out chan<- domain.AgentResult) {
	for agent, r := range session.Results() {
		if r.Status != domain.StatusPending {
			continue
		}
		expired := domain.AgentResult{
			Agent:   agent,
			Status:  domain.StatusFailed,
			Reason:  "request deadline exceeded",
			Kind:    domain.KindTimeout,
			Elapsed: o.cfg.RequestTimeout,
		}
		if session.SetResult(expired) {
			out <- expired
		}
	}
}

func (o *Orchestrator) finish(session *domain.Session, total int) {
	session.SetPhase(domain.PhaseCompleted)
	succeeded, failed := session.Counts()
	o.logger.Info("session completed",
		"session", session.ID,
		"agents", total,
		"succeeded", succeeded,
		"failed", failed,
	)
}
