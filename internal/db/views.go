package db

import "time"

var viewStatements = []string{
	`CREATE VIEW IF NOT EXISTS recent_posts AS
SELECT
	p.id,
	p.content,
	p.hashtags,
	p.restaurant_mentioned,
	p.rating_mentioned,
	p.tone,
	p.image_url,
	p.status,
	p.external_post_id,
	p.external_url,
	p.workflow_run_id,
	p.created_at,
	p.published_at,
	a.decision AS approval_decision,
	a.rejection_reason AS rejection_reason,
	CASE
		WHEN a.id IS NULL THEN NULL
		WHEN a.decision = 'approve' THEN 'approved'
		WHEN a.timed_out = 1 THEN 'timed_out'
		ELSE 'rejected'
	END AS approval_outcome
FROM posts p
LEFT JOIN approvals a ON a.id = (
	SELECT MAX(id) FROM approvals WHERE post_id = p.id
)
ORDER BY p.created_at DESC, p.id DESC`,
	`CREATE VIEW IF NOT EXISTS post_status_counts AS
SELECT status, COUNT(*) AS count
FROM posts
GROUP BY status`,
}

// RecentPost 对应 recent_posts 视图，附带最新一次审核结果。
// ApprovalOutcome 取值 approved、rejected、timed_out，未经审核时为空。
type RecentPost struct {
	ID                  uint       `json:"id"`
	Content             string     `json:"content"`
	Hashtags            []string   `gorm:"serializer:json" json:"hashtags"`
	RestaurantMentioned string     `json:"restaurant_mentioned,omitempty"`
	RatingMentioned     *float64   `json:"rating_mentioned,omitempty"`
	Tone                string     `json:"tone"`
	ImageURL            *string    `json:"image_url"`
	Status              string     `json:"status"`
	ExternalPostID      string     `json:"external_post_id,omitempty"`
	ExternalURL         string     `json:"external_url,omitempty"`
	WorkflowRunID       string     `json:"workflow_run_id"`
	CreatedAt           time.Time  `json:"created_at"`
	PublishedAt         *time.Time `json:"published_at,omitempty"`
	ApprovalDecision    *string    `json:"approval_decision"`
	RejectionReason     *string    `json:"rejection_reason"`
	ApprovalOutcome     *string    `json:"approval_outcome"`
}

func (RecentPost) TableName() string {
	return "recent_posts"
}

// PostStatusCount 对应 post_status_counts 视图。
type PostStatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (PostStatusCount) TableName() string {
	return "post_status_counts"
}
