package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/config"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/tracer"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
)

// OllamaProvider talks to a local Ollama inference server through its native
// API. No authentication; responses stream as NDJSON.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaProvider creates the local-inference adapter.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return "ollama" }

// --- Ollama native API wire types ---

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func toOllamaRequest(req domain.ChatRequest) ollamaRequest {
	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	var opts *ollamaOptions
	if req.Temperature > 0 || req.TopP > 0 || req.ContextLen > 0 || req.MaxTokens > 0 {
		opts = &ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumCtx:      req.ContextLen,
			NumPredict:  req.MaxTokens,
		}
	}

	return ollamaRequest{
		Model:    req.Model,
		Messages: msgs,
		Options:  opts,
		Stream:   req.Stream,
	}
}

// Chat implements domain.LLMProvider.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.Name()),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	req.Stream = false
	body, err := json.Marshal(toOllamaRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/api/chat", body, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oResp ollamaResponse
	if err := json.Unmarshal(respBody, &oResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := &domain.ChatResponse{
		Model: oResp.Model,
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: oResp.Message.Content,
		},
		Usage: domain.Usage{
			PromptTokens:     oResp.PromptEvalCount,
			CompletionTokens: oResp.EvalCount,
			TotalTokens:      oResp.PromptEvalCount + oResp.EvalCount,
		},
	}

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.Name(), result)

	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider. Ollama streams NDJSON:
// one JSON object per line, the final one carrying done=true and usage counts.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	req.Stream = true
	body, err := json.Marshal(toOllamaRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/api/chat", body, nil)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk ollamaResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}

			delta := domain.StreamDelta{
				Content: chunk.Message.Content,
				Done:    chunk.Done,
			}
			if chunk.Done {
				delta.Usage = &domain.Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
			}

			select {
			case ch <- delta:
			case <-ctx.Done():
				return
			}

			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.StreamDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// IsHealthy checks whether the Ollama server is reachable. Used at startup
// for a log-only probe; never fatal.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return false
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()
	return httpResp.StatusCode == http.StatusOK
}
