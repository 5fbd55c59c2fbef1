package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/biterate/internal/config"
	"go.uber.org/zap"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	openAIBaseURL     = "https://api.openai.com/v1"
)

// aiChatClient 调用 OpenAI 兼容的 /chat/completions 接口（OpenAI 与 OpenRouter）。
type aiChatClient struct {
	http    httpDoer
	apiKey  string
	baseURL string
	model   string
	label   string
	logger  *zap.Logger
}

func newAIChatClient(provider, apiKey, model string, logger *zap.Logger) *aiChatClient {
	client := &aiChatClient{
		http:   &http.Client{Timeout: 180 * time.Second},
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(model),
		logger: logger,
	}
	if provider == config.ProviderOpenAI {
		client.baseURL = openAIBaseURL
		client.label = "OpenAI"
	} else {
		client.baseURL = openRouterBaseURL
		client.label = "OpenRouter"
	}
	return client
}

func (c *aiChatClient) SetHTTPClient(client httpDoer) {
	if client == nil {
		c.http = &http.Client{Timeout: 180 * time.Second}
		return
	}
	c.http = client
}

func (c *aiChatClient) SetBaseURL(base string) {
	c.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
}

// Complete 发送带 json_schema response_format 的请求并返回模型输出的 JSON 文本。
func (c *aiChatClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if c.apiKey == "" {
		return LLMResponse{}, ErrAPIKeyMissing
	}

	client := c.http
	if client == nil {
		client = http.DefaultClient
	}

	maxTokens := req.MaxTokens
	if maxTokens < 0 {
		maxTokens = 0
	}

	payload := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: strings.TrimSpace(req.SystemPrompt)},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		payload.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: name, Strict: true, Schema: req.Schema},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("构造请求失败: %w", err)
	}
	logAIExchange(c.logger, c.label, "request", req.UserPrompt)

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return LLMResponse{}, fmt.Errorf("创建 %s 请求失败: %w", c.label, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "biterate-agent/1.0")
	if c.label == "OpenRouter" {
		httpReq.Header.Set("HTTP-Referer", "https://github.com/biterate-social-media-agent")
		httpReq.Header.Set("X-Title", "BiteRate Social Media Agent")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("请求 %s 接口失败: %w", c.label, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return LLMResponse{}, fmt.Errorf("读取 %s 响应失败: %w", c.label, err)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return LLMResponse{}, fmt.Errorf("%s 接口返回错误：%s", c.label, resp.Status)
		}
		return LLMResponse{}, fmt.Errorf("解析 %s 响应失败: %w", c.label, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		errMsg := strings.TrimSpace(completion.Error.Message)
		if errMsg == "" {
			errMsg = strings.TrimSpace(string(respBody))
		}
		if errMsg == "" {
			errMsg = resp.Status
		}
		return LLMResponse{}, fmt.Errorf("%s 接口返回错误：%s", c.label, errMsg)
	}

	if len(completion.Choices) == 0 {
		return LLMResponse{}, fmt.Errorf("%s 接口未返回结果", c.label)
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	logAIExchange(c.logger, c.label, "response", content)
	return LLMResponse{
		Content:          content,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}
