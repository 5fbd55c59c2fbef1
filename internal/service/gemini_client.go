package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// geminiClient 通过 genai SDK 调用 Gemini，结构化输出使用 ResponseJsonSchema。
type geminiClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func newGeminiClient(ctx context.Context, apiKey, model, baseURL string, logger *zap.Logger) (*geminiClient, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.5-flash"
	}
	return &geminiClient{client: client, model: model, logger: logger}, nil
}

func (c *geminiClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(req.Temperature)),
		ResponseMIMEType: "application/json",
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseJsonSchema = req.Schema
	}

	logAIExchange(c.logger, "Gemini", "request", req.UserPrompt)
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.UserPrompt), cfg)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("请求 Gemini 接口失败: %w", err)
	}
	if result == nil {
		return LLMResponse{}, fmt.Errorf("Gemini 接口未返回结果")
	}

	content := strings.TrimSpace(result.Text())
	if content == "" {
		return LLMResponse{}, fmt.Errorf("Gemini 接口未返回结果")
	}
	logAIExchange(c.logger, "Gemini", "response", content)

	response := LLMResponse{Content: content}
	if usage := result.UsageMetadata; usage != nil {
		response.PromptTokens = int(usage.PromptTokenCount)
		response.CompletionTokens = int(usage.CandidatesTokenCount)
	}
	return response, nil
}
