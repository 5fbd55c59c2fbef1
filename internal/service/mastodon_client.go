package service

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mattn/go-mastodon"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// SocialStatus 是与平台无关的状态表示，Content 已转换为纯文本。
type SocialStatus struct {
	ID          string
	URL         string
	Content     string
	AccountID   string
	AccountAcct string
	InReplyToID string
	CreatedAt   time.Time
}

// SocialNotification 是一条通知。
type SocialNotification struct {
	ID     string
	Type   string
	Status *SocialStatus
}

// StatusInput 描述要发布的状态。
type StatusInput struct {
	Text        string
	Visibility  string
	InReplyToID string
	MediaIDs    []string
}

// SocialNetwork 抽象了发布、检索与通知接口。
type SocialNetwork interface {
	UploadMedia(ctx context.Context, image ImageData, description string) (string, error)
	PostStatus(ctx context.Context, input StatusInput) (SocialStatus, error)
	Search(ctx context.Context, query string, limit int) ([]SocialStatus, error)
	Notifications(ctx context.Context, limit int) ([]SocialNotification, error)
	Status(ctx context.Context, id string) (SocialStatus, error)
	CurrentAccountID(ctx context.Context) (string, error)
}

// MastodonClient 基于 go-mastodon 实现 SocialNetwork。
type MastodonClient struct {
	client *mastodon.Client
	logger *zap.Logger
}

// NewMastodonClient creates a client for the given instance.
func NewMastodonClient(server, accessToken string, logger *zap.Logger) (*MastodonClient, error) {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	accessToken = strings.TrimSpace(accessToken)
	if server == "" || accessToken == "" {
		return nil, ErrAPIKeyMissing
	}
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MastodonClient{
		client: mastodon.NewClient(&mastodon.Config{Server: server, AccessToken: accessToken}),
		logger: logger,
	}, nil
}

func (c *MastodonClient) UploadMedia(ctx context.Context, image ImageData, description string) (string, error) {
	attachment, err := c.client.UploadMediaFromMedia(ctx, &mastodon.Media{
		File:        bytes.NewReader(image.Bytes),
		Description: description,
	})
	if err != nil {
		return "", err
	}
	return string(attachment.ID), nil
}

func (c *MastodonClient) PostStatus(ctx context.Context, input StatusInput) (SocialStatus, error) {
	toot := &mastodon.Toot{
		Status:     input.Text,
		Visibility: input.Visibility,
	}
	if input.InReplyToID != "" {
		toot.InReplyToID = mastodon.ID(input.InReplyToID)
	}
	for _, id := range input.MediaIDs {
		toot.MediaIDs = append(toot.MediaIDs, mastodon.ID(id))
	}
	status, err := c.client.PostStatus(ctx, toot)
	if err != nil {
		return SocialStatus{}, err
	}
	return fromMastodonStatus(status), nil
}

// Search 调用 /api/v2/search，仅返回状态结果。
func (c *MastodonClient) Search(ctx context.Context, query string, limit int) ([]SocialStatus, error) {
	results, err := c.client.Search(ctx, query, false)
	if err != nil {
		return nil, err
	}
	statuses := make([]SocialStatus, 0, len(results.Statuses))
	for _, status := range results.Statuses {
		if limit > 0 && len(statuses) >= limit {
			break
		}
		statuses = append(statuses, fromMastodonStatus(status))
	}
	return statuses, nil
}

func (c *MastodonClient) Notifications(ctx context.Context, limit int) ([]SocialNotification, error) {
	var pg *mastodon.Pagination
	if limit > 0 {
		pg = &mastodon.Pagination{Limit: int64(limit)}
	}
	items, err := c.client.GetNotifications(ctx, pg)
	if err != nil {
		return nil, err
	}
	notifications := make([]SocialNotification, 0, len(items))
	for _, item := range items {
		n := SocialNotification{ID: string(item.ID), Type: item.Type}
		if item.Status != nil {
			status := fromMastodonStatus(item.Status)
			n.Status = &status
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

func (c *MastodonClient) Status(ctx context.Context, id string) (SocialStatus, error) {
	status, err := c.client.GetStatus(ctx, mastodon.ID(id))
	if err != nil {
		return SocialStatus{}, err
	}
	return fromMastodonStatus(status), nil
}

func (c *MastodonClient) CurrentAccountID(ctx context.Context) (string, error) {
	account, err := c.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return string(account.ID), nil
}

func fromMastodonStatus(status *mastodon.Status) SocialStatus {
	if status == nil {
		return SocialStatus{}
	}
	out := SocialStatus{
		ID:          string(status.ID),
		URL:         status.URL,
		Content:     HTMLToText(status.Content),
		AccountID:   string(status.Account.ID),
		AccountAcct: status.Account.Acct,
		CreatedAt:   status.CreatedAt,
	}
	switch v := status.InReplyToID.(type) {
	case string:
		out.InReplyToID = v
	case mastodon.ID:
		out.InReplyToID = string(v)
	case nil:
	default:
		out.InReplyToID = fmt.Sprint(v)
	}
	if out.URL == "" {
		out.URL = status.URI
	}
	return out
}

var (
	statusTextPolicy = bluemonday.StrictPolicy()
	paragraphBreak   = strings.NewReplacer("</p><p>", "\n\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n")
)

// HTMLToText 将状态 HTML 转换为纯文本，保留段落换行。
func HTMLToText(content string) string {
	if content == "" {
		return ""
	}
	text := statusTextPolicy.Sanitize(paragraphBreak.Replace(content))
	return strings.TrimSpace(html.UnescapeString(text))
}
