package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/biterate/internal/config"
	"go.uber.org/zap"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LLMRequest 描述一次结构化输出调用，Schema 为 JSON Schema。
type LLMRequest struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       map[string]any
	MaxTokens    int
	Temperature  float64
}

// LLMResponse 是模型返回的原始 JSON 文本及用量。
type LLMResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// LLM 是支持结构化输出的语言模型。
type LLM interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// NewLLM 根据配置的供应商构造模型客户端。
func NewLLM(ctx context.Context, cfg config.LLMConfig, apiKey string, logger *zap.Logger) (LLM, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Provider, ErrAPIKeyMissing)
	}

	switch cfg.Provider {
	case config.ProviderGemini:
		return newGeminiClient(ctx, apiKey, cfg.Model, cfg.BaseURL, logger)
	case config.ProviderOpenAI, config.ProviderOpenRouter:
		client := newAIChatClient(cfg.Provider, apiKey, cfg.Model, logger)
		if cfg.BaseURL != "" {
			client.SetBaseURL(cfg.BaseURL)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
