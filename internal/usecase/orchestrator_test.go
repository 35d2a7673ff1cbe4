package usecase

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/adapter/llm"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/config"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/library"
)

// --- test doubles ---

type stubProvider struct {
	name string
	fn   func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if s.fn == nil {
		return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "answer"}}, nil
	}
	return s.fn(ctx, req)
}

// streamingStubProvider adds a canned incremental response on top of
// stubProvider's Chat.
type streamingStubProvider struct {
	stubProvider
	chunks []string
}

func (s *streamingStubProvider) ChatStream(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ch := make(chan domain.StreamDelta, len(s.chunks)+1)
	for _, c := range s.chunks {
		ch <- domain.StreamDelta{Content: c}
	}
	ch <- domain.StreamDelta{Done: true, Usage: &domain.Usage{CompletionTokens: len(s.chunks)}}
	close(ch)
	return ch, nil
}

const orchestratorLibraryJSON = `{
	"model_configs": {
		"ollama": {
			"llama3.1": {"context_window": 8192, "temperature": 0.7, "top_p": 0.9}
		},
		"mistral": {
			"mistral-small-2409": {"context_window": 32768, "temperature": 0.6, "top_p": 0.9}
		}
	},
	"agents": [
		{"name": "Biblical Theologian", "system_message": "Interpret scripture.", "model": "llama3.1"},
		{"name": "Historical Contextualizer", "system_message": "Situate the question historically.", "model": "llama3.1"},
		{"name": "Linguistic Expert", "system_message": "Analyze original languages.", "model": "mistral-small-2409"}
	]
}`

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		CheckPeriod:      time.Minute,
		MinRequests:      3,
		NetErrorRatio:    0.5,
		ServerErrorRatio: 0.5,
		OpenFor:          time.Minute,
		HalfOpenTrials:   1,
	}
}

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		CallTimeout:        2 * time.Second,
		RequestTimeout:     5 * time.Second,
		ResponseTokenLimit: 500,
	}
}

type orchestratorFixture struct {
	lib      *library.Library
	registry *llm.Registry
	limiter  *ClientLimiter
	orch     *Orchestrator
}

func newFixture(t *testing.T, admission config.AdmissionConfig, orchCfg config.OrchestratorConfig, providers ...domain.LLMProvider) *orchestratorFixture {
	t.Helper()

	lib, err := library.Parse([]byte(orchestratorLibraryJSON))
	require.NoError(t, err)

	registry := llm.NewRegistry()
	for _, p := range providers {
		require.NoError(t, registry.Register(llm.NewBreakerProvider(p, testBreakerConfig(), slog.Default())))
	}

	limiter := NewClientLimiter(admission)
	t.Cleanup(limiter.Close)

	return &orchestratorFixture{
		lib:      lib,
		registry: registry,
		limiter:  limiter,
		orch:     NewOrchestrator(lib, registry, limiter, orchCfg, slog.Default()),
	}
}

func collect(t *testing.T, results <-chan domain.AgentResult) map[string]domain.AgentResult {
	t.Helper()
	out := make(map[string]domain.AgentResult)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return out
			}
			out[r.Agent] = r
		case <-timeout:
			t.Fatal("results channel never closed")
		}
	}
}

// --- tests ---

func TestOrchestratorOneFailureDoesNotAbortSession(t *testing.T) {
	ollama := &stubProvider{name: "ollama"}
	mistral := &stubProvider{
		name: "mistral",
		fn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, domain.NewDomainError("test", domain.ErrProviderServer, "status 500")
		},
	}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), ollama, mistral)

	session, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "Who wrote the book of Hebrews?",
	})
	require.NoError(t, err)

	got := collect(t, results)
	require.Len(t, got, 3)

	assert.Equal(t, domain.StatusSucceeded, got["Biblical Theologian"].Status)
	assert.Equal(t, domain.StatusSucceeded, got["Historical Contextualizer"].Status)
	assert.Equal(t, domain.StatusFailed, got["Linguistic Expert"].Status)
	assert.Equal(t, domain.KindProviderError, got["Linguistic Expert"].Kind)

	assert.Equal(t, domain.PhaseCompleted, session.CurrentPhase())
	succeeded, failed := session.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)
}

func TestOrchestratorSubsetPanel(t *testing.T) {
	ollama := &stubProvider{name: "ollama"}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), ollama)

	_, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "Where is Mount Sinai?",
		Agents:    []string{"Biblical Theologian"},
	})
	require.NoError(t, err)

	got := collect(t, results)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusSucceeded, got["Biblical Theologian"].Status)
}

func TestOrchestratorUnknownAgent(t *testing.T) {
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), &stubProvider{name: "ollama"})

	_, _, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "anything",
		Agents:    []string{"Nonexistent Agent"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestOrchestratorUnavailableProvider(t *testing.T) {
	// Only ollama registered; the Linguistic Expert's mistral binding has
	// no adapter, so that one agent fails while the others succeed.
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), &stubProvider{name: "ollama"})

	session, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "What language was Daniel written in?",
	})
	require.NoError(t, err)

	got := collect(t, results)
	require.Len(t, got, 3)
	assert.Equal(t, domain.StatusFailed, got["Linguistic Expert"].Status)
	assert.Equal(t, domain.KindProviderDisabled, got["Linguistic Expert"].Kind)
	assert.Equal(t, domain.PhaseCompleted, session.CurrentPhase())
}

func TestOrchestratorCircuitOpenSparesTokenBudget(t *testing.T) {
	calls := 0
	ollama := &stubProvider{
		name: "ollama",
		fn: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			return nil, domain.NewDomainError("test", domain.ErrTransport, "connection refused")
		},
	}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100, Window: time.Hour}, testOrchestratorConfig(), ollama)

	// Trip the ollama breaker directly.
	bp, err := f.registry.Get("ollama")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		bp.Chat(context.Background(), domain.ChatRequest{})
	}
	require.False(t, bp.Ready())
	callsBefore := calls

	_, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "short",
		Agents:    []string{"Biblical Theologian"},
	})
	require.NoError(t, err)

	got := collect(t, results)
	assert.Equal(t, domain.KindCircuitOpen, got["Biblical Theologian"].Kind)
	assert.Equal(t, callsBefore, calls, "open circuit must not reach the provider")

	// The failed-fast call consumed no admission tokens: spending the
	// whole budget still succeeds.
	ok, _ := f.limiter.Admit("tester", 100)
	assert.True(t, ok)
}

func TestOrchestratorRateLimited(t *testing.T) {
	ollama := &stubProvider{name: "ollama"}
	// 40-char question costs 10 tokens; the budget covers exactly one ask.
	f := newFixture(t, config.AdmissionConfig{Tokens: 10, Window: time.Hour}, testOrchestratorConfig(), ollama)

	question := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	_, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester", Question: question, Agents: []string{"Biblical Theologian"},
	})
	require.NoError(t, err)
	got := collect(t, results)
	assert.Equal(t, domain.StatusSucceeded, got["Biblical Theologian"].Status)

	_, results, err = f.orch.Run(context.Background(), Request{
		ClientKey: "tester", Question: question, Agents: []string{"Biblical Theologian"},
	})
	require.NoError(t, err)
	got = collect(t, results)
	assert.Equal(t, domain.StatusFailed, got["Biblical Theologian"].Status)
	assert.Equal(t, domain.KindRateLimited, got["Biblical Theologian"].Kind)
}

func TestOrchestratorRequestDeadlineExpiresStragglers(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ollama := &stubProvider{
		name: "ollama",
		fn: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &domain.ChatResponse{Message: domain.Message{Content: "late"}}, nil
		},
	}

	cfg := testOrchestratorConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, cfg, ollama)

	session, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "slow question",
		Agents:    []string{"Biblical Theologian", "Historical Contextualizer"},
	})
	require.NoError(t, err)

	got := collect(t, results)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, domain.StatusFailed, r.Status)
		assert.Equal(t, domain.KindTimeout, r.Kind)
	}
	assert.Equal(t, domain.PhaseCompleted, session.CurrentPhase())
}

func TestOrchestratorAbortsWhenContextCancelled(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ollama := &stubProvider{
		name: "ollama",
		fn: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &domain.ChatResponse{Message: domain.Message{Content: "answer"}}, nil
		},
	}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), ollama)

	ctx, cancel := context.WithCancel(context.Background())
	session, results, err := f.orch.Run(ctx, Request{
		ClientKey: "tester",
		Question:  "never mind",
		Agents:    []string{"Biblical Theologian"},
	})
	require.NoError(t, err)

	<-started
	cancel()

	// The channel closes without a result; the session is aborted, not
	// completed.
	collect(t, results)
	assert.Eventually(t, func() bool {
		return session.CurrentPhase() == domain.PhaseAborted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorStreamsDeltasAndAssemblesResult(t *testing.T) {
	ollama := &streamingStubProvider{
		stubProvider: stubProvider{name: "ollama"},
		chunks:       []string{"In ", "the ", "beginning"},
	}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), ollama)

	var mu sync.Mutex
	var deltas []string
	_, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "How does Genesis open?",
		Agents:    []string{"Biblical Theologian"},
		OnDelta: func(_ string, d domain.StreamDelta) {
			mu.Lock()
			defer mu.Unlock()
			if d.Content != "" {
				deltas = append(deltas, d.Content)
			}
		},
	})
	require.NoError(t, err)

	got := collect(t, results)
	r := got["Biblical Theologian"]
	assert.Equal(t, domain.StatusSucceeded, r.Status)
	assert.Equal(t, "In the beginning", r.Content)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"In ", "the ", "beginning"}, deltas)
}

func TestOrchestratorStreamRequestFallsBackToChat(t *testing.T) {
	// The provider only supports complete responses; asking for deltas
	// still yields the terminal result, just without incremental chunks.
	ollama := &stubProvider{name: "ollama"}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), ollama)

	var mu sync.Mutex
	calls := 0
	_, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "anything",
		Agents:    []string{"Biblical Theologian"},
		OnDelta: func(string, domain.StreamDelta) {
			mu.Lock()
			defer mu.Unlock()
			calls++
		},
	})
	require.NoError(t, err)

	got := collect(t, results)
	assert.Equal(t, domain.StatusSucceeded, got["Biblical Theologian"].Status)
	assert.Equal(t, "answer", got["Biblical Theologian"].Content)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestOrchestratorAppendsTokenLimitInstruction(t *testing.T) {
	var gotSystem string
	ollama := &stubProvider{
		name: "ollama",
		fn: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			gotSystem = req.Messages[0].Content
			return &domain.ChatResponse{Message: domain.Message{Content: "short answer"}}, nil
		},
	}
	f := newFixture(t, config.AdmissionConfig{Tokens: 100_000, Window: time.Minute}, testOrchestratorConfig(), ollama)

	_, results, err := f.orch.Run(context.Background(), Request{
		ClientKey: "tester",
		Question:  "brief please",
		Agents:    []string{"Biblical Theologian"},
	})
	require.NoError(t, err)
	collect(t, results)

	assert.Contains(t, gotSystem, "Interpret scripture.")
	assert.Contains(t, gotSystem, "500 tokens")
}
