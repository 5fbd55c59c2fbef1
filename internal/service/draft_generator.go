package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	aiGeneratedHashtag = "#AIGenerated"
	maxPromptReviews   = 5
)

// GenerationConfig 是生成帖子时使用的参数。
type GenerationConfig struct {
	Tone            string
	MaxLength       int
	IncludeHashtags bool
	Hashtags        []string
	Guidelines      string
	MaxTokens       int
	Temperature     float64
	// RelatedContext 是检索到的历史点评与帖子，由流水线在每次运行时填入
	RelatedContext string
}

// Draft 是经过校验的帖子草稿。Content 不含话题标签。
type Draft struct {
	Content             string   `json:"content"`
	Hashtags            []string `json:"hashtags"`
	RestaurantMentioned string   `json:"restaurant_mentioned,omitempty"`
	RatingMentioned     *float64 `json:"rating_mentioned,omitempty"`
	Tone                string   `json:"tone"`
}

// ComposeStatus 拼接正文与话题标签，得到最终发布的文本。
func ComposeStatus(content string, hashtags []string) string {
	content = strings.TrimSpace(content)
	if len(hashtags) == 0 {
		return content
	}
	return content + "\n\n" + strings.Join(hashtags, " ")
}

// Text 返回草稿的完整发布文本。
func (d Draft) Text() string {
	return ComposeStatus(d.Content, d.Hashtags)
}

// ReplyPrompt 描述一次回复生成的输入。
type ReplyPrompt struct {
	OriginalContent string
	Comment         string
	Author          string
	Tone            string
	MaxLength       int
	MaxTokens       int
	Temperature     float64
}

// ReplyDraft 是经过校验的回复。
type ReplyDraft struct {
	Content string `json:"reply_content"`
	Tone    string `json:"tone"`
}

// DraftGenerator 基于点评数据调用模型生成帖子与回复。
type DraftGenerator struct {
	llm    LLM
	logger *zap.Logger
}

// NewDraftGenerator creates a DraftGenerator.
func NewDraftGenerator(llm LLM, logger *zap.Logger) *DraftGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DraftGenerator{llm: llm, logger: logger}
}

var draftSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"content", "hashtags", "restaurant_mentioned", "rating_mentioned", "tone"},
	"properties": map[string]any{
		"content": map[string]any{
			"type":        "string",
			"description": "Post body without hashtags.",
		},
		"hashtags": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Extra topical hashtags, without the configured ones.",
		},
		"restaurant_mentioned": map[string]any{
			"type":        []string{"string", "null"},
			"description": "Restaurant the post is about, if any.",
		},
		"rating_mentioned": map[string]any{
			"type":        []string{"number", "null"},
			"description": "Rating from 0 to 5 referenced in the post, if any.",
		},
		"tone": map[string]any{
			"type":        "string",
			"description": "Short label of the tone actually used.",
		},
	},
}

var replySchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"reply_content", "tone"},
	"properties": map[string]any{
		"reply_content": map[string]any{"type": "string"},
		"tone":          map[string]any{"type": "string"},
	},
}

type draftPayload struct {
	Content             *string  `json:"content"`
	Hashtags            []string `json:"hashtags"`
	RestaurantMentioned *string  `json:"restaurant_mentioned"`
	RatingMentioned     *float64 `json:"rating_mentioned"`
	Tone                *string  `json:"tone"`
}

type replyPayload struct {
	ReplyContent *string `json:"reply_content"`
	Tone         *string `json:"tone"`
}

// Generate 生成帖子草稿。模型调用失败或返回结构不符时返回 GenerationError，不重试。
func (g *DraftGenerator) Generate(ctx context.Context, reviews []ReviewRecord, companyInfo string, cfg GenerationConfig) (Draft, error) {
	if g.llm == nil {
		return Draft{}, &GenerationError{Reason: "no language model configured"}
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = 500
	}

	resp, err := g.llm.Complete(ctx, LLMRequest{
		SystemPrompt: postSystemPrompt,
		UserPrompt:   buildPostPrompt(companyInfo, reviews, cfg.RelatedContext, cfg.Tone, maxLength, cfg.Guidelines),
		SchemaName:   "social_post",
		Schema:       draftSchema,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
	})
	if err != nil {
		return Draft{}, &GenerationError{Reason: "model call failed", Err: err}
	}

	var payload draftPayload
	if err := decodeStrict(resp.Content, &payload); err != nil {
		return Draft{}, &GenerationError{Reason: "unparsable structured output", Err: err}
	}
	if payload.Content == nil {
		return Draft{}, &GenerationError{Reason: "missing content"}
	}
	content := stripHashtagLines(*payload.Content)
	if content == "" {
		return Draft{}, &GenerationError{Reason: "empty content"}
	}
	if payload.RatingMentioned != nil && (*payload.RatingMentioned < 0 || *payload.RatingMentioned > 5) {
		return Draft{}, &GenerationError{Reason: fmt.Sprintf("rating_mentioned %.2f out of range", *payload.RatingMentioned)}
	}

	tags := BuildHashtags(cfg.Hashtags, payload.Hashtags, cfg.IncludeHashtags)
	content, tags = FitToLength(content, tags, maxLength)

	draft := Draft{
		Content:         content,
		Hashtags:        tags,
		RatingMentioned: payload.RatingMentioned,
		Tone:            strings.TrimSpace(cfg.Tone),
	}
	if payload.RestaurantMentioned != nil {
		draft.RestaurantMentioned = strings.TrimSpace(*payload.RestaurantMentioned)
	}
	if payload.Tone != nil && strings.TrimSpace(*payload.Tone) != "" {
		draft.Tone = strings.TrimSpace(*payload.Tone)
	}

	g.logger.Info("draft generated",
		zap.Int("chars", utf8.RuneCountInString(draft.Text())),
		zap.Int("hashtags", len(draft.Hashtags)),
		zap.Int("prompt_tokens", resp.PromptTokens),
		zap.Int("completion_tokens", resp.CompletionTokens),
	)
	return draft, nil
}

// GenerateReply 生成一条回复，长度受 MaxLength 约束，不附带话题标签。
func (g *DraftGenerator) GenerateReply(ctx context.Context, prompt ReplyPrompt) (ReplyDraft, error) {
	if g.llm == nil {
		return ReplyDraft{}, &GenerationError{Reason: "no language model configured"}
	}
	maxLength := prompt.MaxLength
	if maxLength <= 0 {
		maxLength = 500
	}

	resp, err := g.llm.Complete(ctx, LLMRequest{
		SystemPrompt: replySystemPrompt,
		UserPrompt:   buildReplyPrompt(prompt, maxLength),
		SchemaName:   "social_reply",
		Schema:       replySchema,
		MaxTokens:    prompt.MaxTokens,
		Temperature:  prompt.Temperature,
	})
	if err != nil {
		return ReplyDraft{}, &GenerationError{Reason: "model call failed", Err: err}
	}

	var payload replyPayload
	if err := decodeStrict(resp.Content, &payload); err != nil {
		return ReplyDraft{}, &GenerationError{Reason: "unparsable structured output", Err: err}
	}
	if payload.ReplyContent == nil || strings.TrimSpace(*payload.ReplyContent) == "" {
		return ReplyDraft{}, &GenerationError{Reason: "missing reply_content"}
	}

	reply := ReplyDraft{
		Content: truncateWithEllipsis(strings.TrimSpace(*payload.ReplyContent), maxLength),
		Tone:    strings.TrimSpace(prompt.Tone),
	}
	if payload.Tone != nil && strings.TrimSpace(*payload.Tone) != "" {
		reply.Tone = strings.TrimSpace(*payload.Tone)
	}
	return reply, nil
}

// decodeStrict 解析模型输出，拒绝未知字段与多余内容，兼容 ```json 代码块包裹。
func decodeStrict(raw string, dst any) error {
	cleaned := stripCodeFence(raw)
	if cleaned == "" {
		return errors.New("empty response")
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data after JSON object")
	}
	return nil
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// stripHashtagLines 去掉只包含话题标签的行，标签统一由 BuildHashtags 追加。
func stripHashtagLines(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	kept := lines[:0]
	for _, line := range lines {
		fields := strings.Fields(line)
		onlyTags := len(fields) > 0
		for _, field := range fields {
			if !strings.HasPrefix(field, "#") {
				onlyTags = false
				break
			}
		}
		if onlyTags {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// BuildHashtags 归一化配置标签与模型标签为 #tag 形式，末尾追加 #AIGenerated，按大小写不敏感去重。
// include 为 false 时不输出任何标签。
func BuildHashtags(configured, suggested []string, include bool) []string {
	if !include {
		return nil
	}

	seen := make(map[string]struct{})
	tags := make([]string, 0, len(configured)+len(suggested)+1)
	add := func(raw string) {
		tag := normalizeHashtag(raw)
		if tag == "" {
			return
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		tags = append(tags, tag)
	}

	for _, tag := range configured {
		add(tag)
	}
	for _, tag := range suggested {
		add(tag)
	}

	// #AIGenerated 始终位于末尾
	aiKey := strings.ToLower(aiGeneratedHashtag)
	if _, ok := seen[aiKey]; ok {
		filtered := tags[:0]
		for _, tag := range tags {
			if strings.ToLower(tag) != aiKey {
				filtered = append(filtered, tag)
			}
		}
		tags = filtered
	}
	return append(tags, aiGeneratedHashtag)
}

func normalizeHashtag(raw string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "#")
	var b strings.Builder
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "#" + b.String()
}

// FitToLength 保证 content + "\n\n" + 标签 不超过 maxLength 个字符。
// 标签行最多占用三分之一长度，超出时从末尾向前丢弃（保留 #AIGenerated），正文按字符截断并以 ... 结尾。
func FitToLength(content string, tags []string, maxLength int) (string, []string) {
	content = strings.TrimSpace(content)
	if maxLength <= 0 {
		return content, tags
	}

	tagBudget := maxLength / 3
	for len(tags) > 1 && utf8.RuneCountInString(strings.Join(tags, " ")) > tagBudget {
		tags = append(tags[:len(tags)-2], tags[len(tags)-1])
	}
	if len(tags) == 1 && utf8.RuneCountInString(tags[0]) > tagBudget {
		tags = nil
	}

	budget := maxLength
	if len(tags) > 0 {
		budget -= utf8.RuneCountInString(strings.Join(tags, " ")) + 2
	}
	return truncateWithEllipsis(content, budget), tags
}

const postSystemPrompt = "You are a social media manager for BiteRate, a food review company. " +
	"Create engaging, authentic social media posts that highlight food reviews and company values. " +
	"Respond only with a JSON object matching the provided schema."

const replySystemPrompt = "You are a helpful social media manager for BiteRate, a food review company. " +
	"Write friendly, concise replies. Respond only with a JSON object matching the provided schema."

func formatReviewsForPrompt(reviews []ReviewRecord) string {
	if len(reviews) == 0 {
		return "No recent reviews available."
	}
	if len(reviews) > maxPromptReviews {
		reviews = reviews[:maxPromptReviews]
	}

	parts := make([]string, 0, len(reviews))
	for i, review := range reviews {
		var b strings.Builder
		fmt.Fprintf(&b, "Review %d:\nRestaurant: %s\n", i+1, review.Restaurant)
		if review.Cuisine != "" {
			fmt.Fprintf(&b, "Cuisine: %s\n", review.Cuisine)
		}
		if review.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", review.Location)
		}
		if review.Rating != nil {
			fmt.Fprintf(&b, "Rating: %g/5\n", *review.Rating)
		}
		if review.Review != "" {
			fmt.Fprintf(&b, "Review: %s\n", review.Review)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n")
}

func buildPostPrompt(companyInfo string, reviews []ReviewRecord, related, tone string, maxLength int, guidelines string) string {
	if strings.TrimSpace(companyInfo) == "" {
		companyInfo = "No company information available."
	}
	if strings.TrimSpace(tone) == "" {
		tone = "friendly and engaging"
	}

	var b strings.Builder
	b.WriteString("Generate a social media post for BiteRate, a food review company, based on the following information.\n\n")
	b.WriteString("Use the specific details from the Company Information and Recent Reviews below. ")
	b.WriteString("Reference actual restaurants, dishes, locations and ratings.\n\n")
	fmt.Fprintf(&b, "Company Information:\n%s\n\n", strings.TrimSpace(companyInfo))
	fmt.Fprintf(&b, "Recent Reviews:\n%s\n\n", formatReviewsForPrompt(reviews))
	if related = strings.TrimSpace(related); related != "" {
		b.WriteString("Related Context (earlier reviews and posts, use for background and avoid repeating them):\n")
		fmt.Fprintf(&b, "%s\n\n", related)
	}
	b.WriteString("Requirements:\n")
	fmt.Fprintf(&b, "- Tone: %s\n", tone)
	fmt.Fprintf(&b, "- Maximum length: %d characters for the content field\n", maxLength)
	b.WriteString("- Make it engaging and authentic, focused on food experiences\n")
	b.WriteString("- Do NOT put hashtags in the content field; list extra topical hashtags in the hashtags field\n")
	b.WriteString("- Set restaurant_mentioned and rating_mentioned (0 to 5) when the post features one review, otherwise null\n")
	if strings.TrimSpace(guidelines) != "" {
		fmt.Fprintf(&b, "\nPosting Guidelines:\n%s\n", strings.TrimSpace(guidelines))
	}
	return b.String()
}

func buildReplyPrompt(prompt ReplyPrompt, maxLength int) string {
	tone := strings.TrimSpace(prompt.Tone)
	if tone == "" {
		tone = "friendly and helpful"
	}

	var b strings.Builder
	b.WriteString("Generate a reply on behalf of BiteRate, a food review company.\n\n")
	if original := strings.TrimSpace(prompt.OriginalContent); original != "" {
		fmt.Fprintf(&b, "Original Post:\n%s\n\n", original)
	}
	if prompt.Author != "" {
		fmt.Fprintf(&b, "Author: @%s\n", prompt.Author)
	}
	fmt.Fprintf(&b, "Post to Reply To:\n%s\n\n", strings.TrimSpace(prompt.Comment))
	b.WriteString("Requirements:\n")
	fmt.Fprintf(&b, "- Tone: %s\n", tone)
	fmt.Fprintf(&b, "- Maximum length: %d characters\n", maxLength)
	b.WriteString("- Address the post directly and sound authentic\n")
	b.WriteString("- Do NOT include hashtags\n")
	return b.String()
}
