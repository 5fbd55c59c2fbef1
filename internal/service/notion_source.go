package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	notionBaseURL = "https://api.notion.com/v1"
	notionVersion = "2022-06-28"
)

// ReviewSource 提供点评与公司介绍。
type ReviewSource interface {
	Reviews(ctx context.Context, databaseIDs, pageIDs []string, max int) iter.Seq2[ReviewRecord, error]
	CompanyInfo(ctx context.Context, pageIDs []string) (string, error)
}

// NotionSource 通过 Notion REST API 读取数据库条目与页面内容。
type NotionSource struct {
	http    httpDoer
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

// NewNotionSource creates a NotionSource.
func NewNotionSource(apiKey string, logger *zap.Logger) *NotionSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotionSource{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: notionBaseURL,
		apiKey:  strings.TrimSpace(apiKey),
		logger:  logger,
	}
}

func (s *NotionSource) SetHTTPClient(client httpDoer) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s.http = client
}

func (s *NotionSource) SetBaseURL(base string) {
	s.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
}

type notionRichText struct {
	PlainText string `json:"plain_text"`
}

type notionProperty struct {
	Type     string           `json:"type"`
	Title    []notionRichText `json:"title"`
	RichText []notionRichText `json:"rich_text"`
	Number   *float64         `json:"number"`
	Select   *struct {
		Name string `json:"name"`
	} `json:"select"`
}

type notionPage struct {
	ID         string                    `json:"id"`
	Properties map[string]notionProperty `json:"properties"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

type notionBlocksResponse struct {
	Results    []map[string]json.RawMessage `json:"results"`
	HasMore    bool                         `json:"has_more"`
	NextCursor string                       `json:"next_cursor"`
}

type notionErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reviews 依次查询数据库与页面，惰性产出最多 max 条点评。
// 每次调用都从头重新查询；遇到错误时产出 RetrievalError 并结束。
func (s *NotionSource) Reviews(ctx context.Context, databaseIDs, pageIDs []string, max int) iter.Seq2[ReviewRecord, error] {
	return func(yield func(ReviewRecord, error) bool) {
		if max <= 0 {
			return
		}
		if s.apiKey == "" {
			yield(ReviewRecord{}, &RetrievalError{Source: "notion", Err: ErrAPIKeyMissing})
			return
		}

		emitted := 0
		for _, databaseID := range databaseIDs {
			records, err := s.queryDatabase(ctx, databaseID, max-emitted)
			if err != nil {
				yield(ReviewRecord{}, err)
				return
			}
			for _, record := range records {
				if !yield(record, nil) {
					return
				}
				emitted++
				if emitted >= max {
					return
				}
			}
		}

		for _, pageID := range pageIDs {
			text, err := s.PageText(ctx, pageID)
			if err != nil {
				yield(ReviewRecord{}, err)
				return
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			if !yield(parsePageReview(formatNotionID(pageID), text), nil) {
				return
			}
			emitted++
			if emitted >= max {
				return
			}
		}
	}
}

// CompanyInfo 拼接各页面的文本作为提示词上下文。
func (s *NotionSource) CompanyInfo(ctx context.Context, pageIDs []string) (string, error) {
	if len(pageIDs) == 0 {
		return "", nil
	}
	if s.apiKey == "" {
		return "", &RetrievalError{Source: "notion", Err: ErrAPIKeyMissing}
	}
	parts := make([]string, 0, len(pageIDs))
	for _, pageID := range pageIDs {
		text, err := s.PageText(ctx, pageID)
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// LastEdited 返回页面的 last_edited_time 原始字符串。
func (s *NotionSource) LastEdited(ctx context.Context, pageID string) (string, error) {
	if s.apiKey == "" {
		return "", &RetrievalError{Source: "notion", Err: ErrAPIKeyMissing}
	}
	id := formatNotionID(pageID)
	var page struct {
		LastEditedTime string `json:"last_edited_time"`
	}
	if err := s.do(ctx, http.MethodGet, "/pages/"+id, nil, &page); err != nil {
		return "", &RetrievalError{Source: "notion page " + id, Err: err}
	}
	if page.LastEditedTime == "" {
		return "", &RetrievalError{Source: "notion page " + id, Err: fmt.Errorf("响应缺少 last_edited_time")}
	}
	return page.LastEditedTime, nil
}

func (s *NotionSource) queryDatabase(ctx context.Context, databaseID string, limit int) ([]ReviewRecord, error) {
	id := formatNotionID(databaseID)
	pageSize := limit
	if pageSize > 100 {
		pageSize = 100
	}

	records := make([]ReviewRecord, 0, limit)
	cursor := ""
	for len(records) < limit {
		body := map[string]any{"page_size": pageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp notionQueryResponse
		if err := s.do(ctx, http.MethodPost, "/databases/"+id+"/query", body, &resp); err != nil {
			return nil, &RetrievalError{Source: "notion database " + id, Err: err}
		}
		for _, page := range resp.Results {
			records = append(records, pageToReview(page))
			if len(records) >= limit {
				break
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	s.logger.Debug("notion database queried", zap.String("database_id", id), zap.Int("reviews", len(records)))
	return records, nil
}

// PageText 读取页面一级块中的文本，块之间以空行分隔。
func (s *NotionSource) PageText(ctx context.Context, pageID string) (string, error) {
	id := formatNotionID(pageID)
	var parts []string
	cursor := ""
	for {
		path := "/blocks/" + id + "/children?page_size=100"
		if cursor != "" {
			path += "&start_cursor=" + url.QueryEscape(cursor)
		}
		var resp notionBlocksResponse
		if err := s.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return "", &RetrievalError{Source: "notion page " + id, Err: err}
		}
		for _, block := range resp.Results {
			if text := blockText(block); text != "" {
				parts = append(parts, text)
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return strings.Join(parts, "\n\n"), nil
}

func (s *NotionSource) do(ctx context.Context, method, path string, payload any, dst any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("构造请求失败: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Notion-Version", notionVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("请求 Notion 接口失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("读取 Notion 响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr notionErrorResponse
		_ = json.Unmarshal(raw, &apiErr)
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = resp.Status
		}
		if apiErr.Code != "" {
			msg = apiErr.Code + ": " + msg
		}
		return fmt.Errorf("Notion 接口返回错误 (%d)：%s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("解析 Notion 响应失败: %w", err)
	}
	return nil
}

// formatNotionID 将 32 位无连字符的 id 转成 8-4-4-4-12 格式。
func formatNotionID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) != 32 || strings.Contains(id, "-") {
		return id
	}
	return id[:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:]
}

func joinRichText(parts []notionRichText) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return strings.TrimSpace(b.String())
}

func propertyText(prop notionProperty) string {
	switch prop.Type {
	case "title":
		return joinRichText(prop.Title)
	case "rich_text":
		return joinRichText(prop.RichText)
	case "select":
		if prop.Select != nil {
			return strings.TrimSpace(prop.Select.Name)
		}
	case "number":
		if prop.Number != nil {
			return strconv.FormatFloat(*prop.Number, 'f', -1, 64)
		}
	}
	return ""
}

func pageToReview(page notionPage) ReviewRecord {
	record := ReviewRecord{
		ExternalID: page.ID,
		Restaurant: propertyText(page.Properties["Restaurant"]),
		Review:     propertyText(page.Properties["Review"]),
		Cuisine:    propertyText(page.Properties["Cuisine"]),
		Location:   propertyText(page.Properties["Location"]),
		Source:     "database",
	}
	if rating, ok := page.Properties["Rating"]; ok && rating.Number != nil {
		value := *rating.Number
		record.Rating = &value
	}
	if record.Restaurant == "" {
		record.Restaurant = "Unknown Restaurant"
	}
	return record
}

var textBlockTypes = map[string]bool{
	"paragraph":          true,
	"heading_1":          true,
	"heading_2":          true,
	"heading_3":          true,
	"bulleted_list_item": true,
	"numbered_list_item": true,
	"quote":              true,
	"callout":            true,
	"to_do":              true,
}

func blockText(block map[string]json.RawMessage) string {
	var blockType string
	if err := json.Unmarshal(block["type"], &blockType); err != nil {
		return ""
	}
	if !textBlockTypes[blockType] {
		return ""
	}
	var content struct {
		RichText []notionRichText `json:"rich_text"`
	}
	if err := json.Unmarshal(block[blockType], &content); err != nil {
		return ""
	}
	return joinRichText(content.RichText)
}

// parsePageReview 从带标签的页面文本中解析点评，支持 Location:、Cuisine:、Rating: 4/5、Review: 等标签。
func parsePageReview(pageID, content string) ReviewRecord {
	record := ReviewRecord{ExternalID: pageID, Source: "page"}
	var reviewLines []string
	inReview := false

	lines := strings.Split(content, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Location:"):
			record.Location = strings.TrimSpace(strings.TrimPrefix(line, "Location:"))
		case strings.HasPrefix(line, "Cuisine:"):
			record.Cuisine = strings.TrimSpace(strings.TrimPrefix(line, "Cuisine:"))
		case strings.HasPrefix(line, "Rating:"):
			value := strings.TrimSpace(strings.TrimPrefix(line, "Rating:"))
			value = strings.TrimSpace(strings.SplitN(value, "/", 2)[0])
			if rating, err := strconv.ParseFloat(value, 64); err == nil {
				record.Rating = &rating
			}
		case strings.HasPrefix(line, "Review:"):
			inReview = true
			if text := strings.TrimSpace(strings.TrimPrefix(line, "Review:")); text != "" {
				reviewLines = append(reviewLines, text)
			}
		case strings.HasPrefix(line, "Restaurant:"):
			record.Restaurant = strings.TrimSpace(strings.TrimPrefix(line, "Restaurant:"))
		default:
			if inReview || record.Restaurant != "" || line != firstNonEmptyLine(lines) {
				reviewLines = append(reviewLines, line)
			}
		}
	}

	record.Review = strings.TrimSpace(strings.Join(reviewLines, "\n"))
	if record.Review == "" {
		record.Review = strings.TrimSpace(content)
	}
	if record.Restaurant == "" {
		first := firstNonEmptyLine(lines)
		name := strings.TrimSpace(strings.SplitN(first, "—", 2)[0])
		if name != "" && !strings.Contains(name, ":") {
			record.Restaurant = name
		} else {
			record.Restaurant = "Unknown Restaurant"
		}
	}
	return record
}

func firstNonEmptyLine(lines []string) string {
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
