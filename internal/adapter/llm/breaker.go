package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/config"
)

// providerHealth tracks rolling error statistics for one provider over a
// check period. Counters reset lazily when the period elapses.
type providerHealth struct {
	mu           sync.Mutex
	windowStart  time.Time
	requests     int
	netErrors    int
	serverErrors int
	now          func() time.Time // injectable for tests
}

func newProviderHealth() *providerHealth {
	h := &providerHealth{now: time.Now}
	h.windowStart = h.now()
	return h
}

func (h *providerHealth) rollLocked(period time.Duration) {
	if h.now().Sub(h.windowStart) >= period {
		h.windowStart = h.now()
		h.requests = 0
		h.netErrors = 0
		h.serverErrors = 0
	}
}

// record classifies one call outcome into the current window.
func (h *providerHealth) record(err error, period time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollLocked(period)

	h.requests++
	switch {
	case err == nil:
	case domain.IsNetworkFailure(err):
		h.netErrors++
	case errors.Is(err, domain.ErrProviderServer):
		h.serverErrors++
	}
}

// shouldTrip evaluates the two independent trip ratios over the current
// window. Either ratio exceeding its threshold trips the circuit, but only
// once the window has seen enough requests to be meaningful.
func (h *providerHealth) shouldTrip(cfg config.BreakerConfig) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollLocked(cfg.CheckPeriod)

	if h.requests < cfg.MinRequests {
		return false
	}
	total := float64(h.requests)
	return float64(h.netErrors)/total > cfg.NetErrorRatio ||
		float64(h.serverErrors)/total > cfg.ServerErrorRatio
}

func (h *providerHealth) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windowStart = h.now()
	h.requests = 0
	h.netErrors = 0
	h.serverErrors = 0
}

// BreakerSnapshot is a read-only view of one provider's circuit state,
// exposed on the operational status surface.
type BreakerSnapshot struct {
	Provider     string `json:"provider"`
	State        string `json:"state"`
	Requests     int    `json:"requests"`
	NetErrors    int    `json:"net_errors"`
	ServerErrors int    `json:"server_errors"`
}

// BreakerProvider wraps an LLMProvider with per-provider circuit breaking.
// Network errors and 5xx-equivalent responses are tracked as independent
// ratios over a rolling check period; exceeding either trips the circuit,
// which then fails fast with ErrCircuitOpen until the open duration elapses
// and a half-open trial succeeds enough times to close it again.
type BreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	health  *providerHealth
	cfg     config.BreakerConfig
	logger  *slog.Logger
}

// NewBreakerProvider wraps inner with a circuit breaker configured by cfg.
func NewBreakerProvider(inner domain.LLMProvider, cfg config.BreakerConfig, logger *slog.Logger) *BreakerProvider {
	health := newProviderHealth()

	halfOpen := cfg.HalfOpenTrials
	if halfOpen <= 0 {
		halfOpen = 1
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: uint32(halfOpen),
		Interval:    cfg.CheckPeriod,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return health.shouldTrip(cfg)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if to == gobreaker.StateClosed {
				health.reset()
			}
		},
		IsSuccessful: func(err error) bool {
			// Only outages count against the provider; client-side
			// errors and caller cancellations pass through.
			return !domain.IsOutage(err)
		},
	})

	return &BreakerProvider{
		inner:   inner,
		breaker: cb,
		health:  health,
		cfg:     cfg,
		logger:  logger,
	}
}

// Ready reports whether a call may reach the provider right now. The
// orchestrator checks this before spending a rate-limiter token.
func (p *BreakerProvider) Ready() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// Chat implements domain.LLMProvider. Every outcome is recorded into the
// provider's health window; an open circuit fails fast with ErrCircuitOpen
// without reaching the adapter.
func (p *BreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		resp, err := p.inner.Chat(ctx, req)
		p.health.record(err, p.cfg.CheckPeriod)
		return resp, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("BreakerProvider.Chat", domain.ErrCircuitOpen, p.inner.Name())
		}
		return nil, err
	}
	return resp, nil
}

// SupportsStreaming reports whether the wrapped provider can deliver
// incremental responses.
func (p *BreakerProvider) SupportsStreaming() bool {
	_, ok := p.inner.(domain.StreamingLLMProvider)
	return ok
}

// ChatStream implements domain.StreamingLLMProvider if the inner provider
// supports it. The breaker guards stream initiation; mid-stream errors are
// delivered through the channel and do not trip it.
func (p *BreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, domain.NewDomainError("BreakerProvider.ChatStream", domain.ErrProvider,
			p.inner.Name()+" does not support streaming")
	}

	var ch <-chan domain.StreamDelta
	_, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = sp.ChatStream(ctx, req)
		p.health.record(streamErr, p.cfg.CheckPeriod)
		return nil, streamErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("BreakerProvider.ChatStream", domain.ErrCircuitOpen, p.inner.Name())
		}
		return nil, err
	}
	return ch, nil
}

// Name implements domain.LLMProvider.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit state.
func (p *BreakerProvider) State() gobreaker.State { return p.breaker.State() }

// Snapshot returns the provider's circuit state and health counters.
func (p *BreakerProvider) Snapshot() BreakerSnapshot {
	p.health.mu.Lock()
	defer p.health.mu.Unlock()
	return BreakerSnapshot{
		Provider:     p.inner.Name(),
		State:        p.breaker.State().String(),
		Requests:     p.health.requests,
		NetErrors:    p.health.netErrors,
		ServerErrors: p.health.serverErrors,
	}
}

// Compile-time interface checks.
var (
	_ domain.LLMProvider          = (*BreakerProvider)(nil)
	_ domain.StreamingLLMProvider = (*BreakerProvider)(nil)
)
