package llm

import (
	"context"
	"encoding/json"
	"fmt"
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
	_ domain.LLMProvider          = (*MistralProvider)(nil)
	_ domain.StreamingLLMProvider = (*MistralProvider)(nil)
)

// MistralProvider talks to the hosted Mistral chat-completions API.
// The wire format is OpenAI-compatible; auth is a Bearer API key.
type MistralProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewMistralProvider creates the hosted-API adapter.
func NewMistralProvider(cfg config.ProviderConfig, logger *slog.Logger) *MistralProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.mistral.ai/v1"
	}
	return &MistralProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.LLMProvider.
func (p *MistralProvider) Name() string { return "mistral" }

// --- Mistral API wire types (OpenAI-compatible) ---

type mistralRequest struct {
	Model       string           `json:"model"`
	Messages    []mistralMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []mistralChoice `json:"choices"`
	Usage   mistralUsage    `json:"usage"`
}

type mistralChoice struct {
	Index        int            `json:"index"`
	Message      mistralMessage `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type mistralUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type mistralStreamChunk struct {
	Choices []mistralStreamChoice `json:"choices"`
	Usage   *mistralUsage         `json:"usage,omitempty"`
}

type mistralStreamChoice struct {
	Delta        mistralMessage `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

func toMistralRequest(req domain.ChatRequest) mistralRequest {
	msgs := make([]mistralMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, mistralMessage{Role: m.Role, Content: m.Content})
	}

	mReq := mistralRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
	}
	if req.MaxTokens > 0 {
		mReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		mReq.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		mReq.TopP = &req.TopP
	}
	return mReq
}

func (p *MistralProvider) headers() map[string]string {
	h := map[string]string{}
	if p.apiKey != "" {
		h["Authorization"] = "Bearer " + p.apiKey
	}
	return h
}

// Chat implements domain.LLMProvider.
func (p *MistralProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.Name()),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	req.Stream = false
	body, err := json.Marshal(toMistralRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var mResp mistralResponse
	if err := json.Unmarshal(respBody, &mResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(mResp.Choices) == 0 {
		err := fmt.Errorf("%w: response contained no choices", domain.ErrProvider)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := &domain.ChatResponse{
		Model: mResp.Model,
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: mResp.Choices[0].Message.Content,
		},
		Usage: domain.Usage{
			PromptTokens:     mResp.Usage.PromptTokens,
			CompletionTokens: mResp.Usage.CompletionTokens,
			TotalTokens:      mResp.Usage.TotalTokens,
		},
	}

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.Name(), result)

	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider via SSE.
func (p *MistralProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	req.Stream = true
	body, err := json.Marshal(toMistralRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*domain.StreamDelta, error) {
		var chunk mistralStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}

		delta := &domain.StreamDelta{}
		if len(chunk.Choices) > 0 {
			c := chunk.Choices[0]
			delta.Content = c.Delta.Content
			if c.FinishReason != nil && *c.FinishReason != "" {
				delta.Done = true
			}
		}
		if chunk.Usage != nil {
			delta.Usage = &domain.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		return delta, nil
	})

	return ch, nil
}
