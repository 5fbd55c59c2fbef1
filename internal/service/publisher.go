package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// PublishRequest 描述一次发布。Image 为空时只发布文本。
type PublishRequest struct {
	Text             string
	Hashtags         []string
	ImageURL         string
	Image            *ImageData
	ImageDescription string
	Visibility       string
}

// PublishResult 是发布后的外部引用。
type PublishResult struct {
	ExternalID string
	URL        string
}

// Publisher 将内容发布到社交平台，失败时返回 PublishError，不重试。
type Publisher struct {
	network    SocialNetwork
	visibility string
	logger     *zap.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(network SocialNetwork, visibility string, logger *zap.Logger) *Publisher {
	if visibility == "" {
		visibility = "public"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{network: network, visibility: visibility, logger: logger}
}

// Publish 上传图片（如有）后发布状态。
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if p.network == nil {
		return PublishResult{}, &PublishError{Op: "publish", Err: ErrAPIKeyMissing}
	}
	text := ComposeStatus(req.Text, req.Hashtags)
	if strings.TrimSpace(text) == "" {
		return PublishResult{}, &PublishError{Op: "publish", Err: errors.New("empty status")}
	}

	var mediaIDs []string
	if req.Image != nil && len(req.Image.Bytes) > 0 {
		description := req.ImageDescription
		if description == "" {
			description = "Generated restaurant image"
		}
		mediaID, err := p.network.UploadMedia(ctx, *req.Image, description)
		if err != nil {
			return PublishResult{}, &PublishError{Op: "upload media", Err: err}
		}
		mediaIDs = append(mediaIDs, mediaID)
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = p.visibility
	}
	status, err := p.network.PostStatus(ctx, StatusInput{
		Text:       text,
		Visibility: visibility,
		MediaIDs:   mediaIDs,
	})
	if err != nil {
		return PublishResult{}, &PublishError{Op: "post status", Err: err}
	}
	if status.ID == "" {
		return PublishResult{}, &PublishError{Op: "post status", Err: errors.New("response missing status id")}
	}

	p.logger.Info("status published",
		zap.String("status_id", status.ID),
		zap.String("url", status.URL),
		zap.Int("media", len(mediaIDs)),
	)
	return PublishResult{ExternalID: status.ID, URL: status.URL}, nil
}

// Reply 回复指定状态。
func (p *Publisher) Reply(ctx context.Context, inReplyToID, text string) (PublishResult, error) {
	if p.network == nil {
		return PublishResult{}, &PublishError{Op: "reply", Err: ErrAPIKeyMissing}
	}
	if strings.TrimSpace(inReplyToID) == "" {
		return PublishResult{}, &PublishError{Op: "reply", Err: ErrExternalIDRequired}
	}
	if strings.TrimSpace(text) == "" {
		return PublishResult{}, &PublishError{Op: "reply", Err: errors.New("empty reply")}
	}

	status, err := p.network.PostStatus(ctx, StatusInput{
		Text:        text,
		Visibility:  p.visibility,
		InReplyToID: inReplyToID,
	})
	if err != nil {
		return PublishResult{}, &PublishError{Op: "reply", Err: err}
	}
	if status.ID == "" {
		return PublishResult{}, &PublishError{Op: "reply", Err: errors.New("response missing status id")}
	}
	p.logger.Info("reply published", zap.String("in_reply_to", inReplyToID), zap.String("status_id", status.ID))
	return PublishResult{ExternalID: status.ID, URL: status.URL}, nil
}

// WithMention 在回复前加上 @作者，整体不超过 maxLength 个字符。
func WithMention(acct, text string, maxLength int) string {
	acct = strings.TrimPrefix(strings.TrimSpace(acct), "@")
	text = strings.TrimSpace(text)
	if acct != "" && !strings.HasPrefix(strings.ToLower(text), "@"+strings.ToLower(acct)) {
		text = "@" + acct + " " + text
	}
	if maxLength > 0 {
		text = truncateWithEllipsis(text, maxLength)
	}
	return text
}
