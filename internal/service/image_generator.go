package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
	"golang.org/x/image/webp"
)

const (
	replicateBaseURL  = "https://api.replicate.com/v1"
	maxImageBytes     = 20 << 20
	imagePromptSuffix = " is in a restaurant"
)

// ImageSource 生成并下载配图。
type ImageSource interface {
	Generate(ctx context.Context, triggerPhrase, modelVersion string) (string, error)
	Download(ctx context.Context, imageURL string) (ImageData, error)
}

// ImageData 是下载后的图片内容。
type ImageData struct {
	Bytes       []byte
	ContentType string
	Format      string
	Width       int
	Height      int
}

// Filename 返回上传时使用的文件名。
func (d ImageData) Filename() string {
	format := d.Format
	if format == "" {
		format = "jpeg"
	}
	return "biterate." + format
}

// ImageGenerator 调用 Replicate predictions 接口生成图片，并以固定间隔轮询结果。
type ImageGenerator struct {
	http         httpDoer
	baseURL      string
	token        string
	maxAttempts  int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewImageGenerator creates an ImageGenerator.
func NewImageGenerator(token string, maxAttempts int, pollInterval time.Duration, logger *zap.Logger) *ImageGenerator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageGenerator{
		http:         &http.Client{Timeout: 60 * time.Second},
		baseURL:      replicateBaseURL,
		token:        strings.TrimSpace(token),
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (g *ImageGenerator) SetHTTPClient(client httpDoer) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	g.http = client
}

func (g *ImageGenerator) SetBaseURL(base string) {
	g.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
}

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt            string  `json:"prompt"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Model             string  `json:"model"`
	NumInferenceSteps int     `json:"num_inference_steps"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	Detail string          `json:"detail"`
}

func (p prediction) terminal() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	default:
		return false
	}
}

// firstOutput 兼容 output 为字符串或字符串数组两种形式。
func (p prediction) firstOutput() string {
	if len(p.Output) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil {
		for _, item := range list {
			if strings.TrimSpace(item) != "" {
				return strings.TrimSpace(item)
			}
		}
		return ""
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return strings.TrimSpace(single)
	}
	return ""
}

// Generate 提交生成任务并轮询直到完成，返回第一张图片的 URL。
// 任务失败、网络错误或轮询次数耗尽时返回 ImageGenerationError。
func (g *ImageGenerator) Generate(ctx context.Context, triggerPhrase, modelVersion string) (string, error) {
	if g.token == "" {
		return "", &ImageGenerationError{Err: ErrAPIKeyMissing}
	}
	version := modelVersion
	if idx := strings.LastIndex(modelVersion, ":"); idx >= 0 {
		version = modelVersion[idx+1:]
	}
	if strings.TrimSpace(version) == "" {
		return "", &ImageGenerationError{Err: errors.New("model version is required")}
	}

	created, err := g.createPrediction(ctx, predictionRequest{
		Version: version,
		Input: predictionInput{
			Prompt:            strings.TrimSpace(triggerPhrase) + imagePromptSuffix,
			GuidanceScale:     2,
			Model:             "dev",
			NumInferenceSteps: 28,
		},
	})
	if err != nil {
		return "", &ImageGenerationError{Err: err}
	}
	g.logger.Info("image prediction created", zap.String("prediction_id", created.ID))

	final := created
	if !created.terminal() {
		policy := retrypolicy.NewBuilder[prediction]().
			HandleIf(func(p prediction, err error) bool {
				return err == nil && !p.terminal()
			}).
			WithMaxAttempts(g.maxAttempts).
			WithDelay(g.pollInterval).
			Build()

		final, err = failsafe.With(policy).WithContext(ctx).Get(func() (prediction, error) {
			return g.getPrediction(ctx, created.ID)
		})
		if err != nil {
			status := final.Status
			return "", &ImageGenerationError{PredictionID: created.ID, Status: status, Err: err}
		}
		if !final.terminal() {
			return "", &ImageGenerationError{PredictionID: created.ID, Status: final.Status, Err: errors.New("poll budget exhausted")}
		}
	}

	if final.Status != "succeeded" {
		return "", &ImageGenerationError{PredictionID: created.ID, Status: final.Status, Err: predictionFailure(final)}
	}
	imageURL := final.firstOutput()
	if imageURL == "" {
		return "", &ImageGenerationError{PredictionID: created.ID, Status: final.Status, Err: errors.New("prediction returned no output")}
	}
	return imageURL, nil
}

func predictionFailure(p prediction) error {
	switch v := p.Error.(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return errors.New(v)
		}
	case nil:
	default:
		return fmt.Errorf("%v", v)
	}
	return fmt.Errorf("prediction %s", p.Status)
}

func (g *ImageGenerator) createPrediction(ctx context.Context, payload predictionRequest) (prediction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return prediction{}, fmt.Errorf("构造请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.doPrediction(req)
}

func (g *ImageGenerator) getPrediction(ctx context.Context, id string) (prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return prediction{}, err
	}
	return g.doPrediction(req)
}

func (g *ImageGenerator) doPrediction(req *http.Request) (prediction, error) {
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return prediction{}, fmt.Errorf("请求 Replicate 接口失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return prediction{}, fmt.Errorf("读取 Replicate 响应失败: %w", err)
	}

	var result prediction
	_ = json.Unmarshal(raw, &result)
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(result.Detail)
		if msg == "" {
			msg = resp.Status
		}
		return prediction{}, fmt.Errorf("Replicate 接口返回错误：%s", msg)
	}
	if result.ID == "" {
		return prediction{}, errors.New("Replicate 响应缺少 prediction id")
	}
	return result, nil
}

// Download 下载图片并识别格式（png、jpeg、gif、webp）。
func (g *ImageGenerator) Download(ctx context.Context, imageURL string) (ImageData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return ImageData{}, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return ImageData{}, fmt.Errorf("下载图片失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ImageData{}, fmt.Errorf("下载图片失败: %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return ImageData{}, fmt.Errorf("读取图片失败: %w", err)
	}
	if len(raw) > maxImageBytes {
		return ImageData{}, errors.New("图片超过大小限制")
	}
	return sniffImage(raw)
}

func sniffImage(raw []byte) (ImageData, error) {
	contentType := http.DetectContentType(raw)
	data := ImageData{Bytes: raw, ContentType: contentType}

	if contentType == "image/webp" {
		cfg, err := webp.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return ImageData{}, fmt.Errorf("解析 webp 图片失败: %w", err)
		}
		data.Format, data.Width, data.Height = "webp", cfg.Width, cfg.Height
		return data, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return ImageData{}, fmt.Errorf("无法识别的图片格式 %s: %w", contentType, err)
	}
	data.Format, data.Width, data.Height = format, cfg.Width, cfg.Height
	return data, nil
}
