package handler

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/biterate/internal/db"
	"github.com/biterate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdownEngine = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Linkify),
		goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
	)
	sanitizer = bluemonday.UGCPolicy()
)

// PreviewTemplateName 是帖子预览使用的模板名。
const PreviewTemplateName = "post_preview.html"

const previewTemplateSource = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>BiteRate post #{{.post.ID}}</title></head>
<body>
<article class="post post-{{.post.Status}}">
{{if .imageURL}}<img src="{{.imageURL}}" alt="Generated image">{{end}}
<div class="content">{{.content}}</div>
{{if .hashtags}}<p class="hashtags">{{.hashtags}}</p>{{end}}
<footer>Status: {{.post.Status}}{{if .post.ExternalURL}} · <a href="{{.post.ExternalURL}}">View on Mastodon</a>{{end}}</footer>
</article>
</body>
</html>`

// PreviewTemplate 返回预览模板，路由初始化时通过 SetHTMLTemplate 注册。
func PreviewTemplate() *template.Template {
	return template.Must(template.New(PreviewTemplateName).Parse(previewTemplateSource))
}

// ListPosts 返回最近的帖子，可按状态过滤。
func (a *API) ListPosts(c *gin.Context) {
	limit, err := parseLimitQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	posts, err := a.posts.List(service.PostFilter{Status: c.Query("status"), Limit: limit})
	if err != nil {
		if errors.Is(err, service.ErrInvalidStatus) {
			respondError(c, http.StatusBadRequest, "invalid status")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load posts")
		return
	}
	if posts == nil {
		posts = []db.Post{}
	}
	c.JSON(http.StatusOK, posts)
}

// PreviewPost 将帖子渲染为 HTML，内容经 goldmark 转换后再做白名单过滤。
func (a *API) PreviewPost(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	post, err := a.posts.Get(id)
	if err != nil {
		if errors.Is(err, service.ErrPostNotFound) {
			respondError(c, http.StatusNotFound, "post not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load post")
		return
	}

	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(post.Content), &buf); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to render post")
		return
	}

	var imageURL string
	if post.HasImage() {
		imageURL = *post.ImageURL
	}
	c.HTML(http.StatusOK, PreviewTemplateName, gin.H{
		"post":     post,
		"content":  template.HTML(sanitizer.SanitizeBytes(buf.Bytes())),
		"hashtags": strings.Join(post.Hashtags, " "),
		"imageURL": imageURL,
	})
}

// ListReviews 返回最近拉取的点评。
func (a *API) ListReviews(c *gin.Context) {
	limit, err := parseLimitQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	reviews, err := a.reviews.List(limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load reviews")
		return
	}
	if reviews == nil {
		reviews = []db.Review{}
	}
	c.JSON(http.StatusOK, reviews)
}

// GetStats 返回按状态汇总的计数。
func (a *API) GetStats(c *gin.Context) {
	stats, err := a.stats.Summary(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}
