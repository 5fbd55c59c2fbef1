package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// ProviderOpenRouter 表示通过 OpenRouter 的 OpenAI 兼容接口调用模型。
	ProviderOpenRouter = "openrouter"
	// ProviderOpenAI 表示直接调用 OpenAI。
	ProviderOpenAI = "openai"
	// ProviderGemini 表示调用 Google Gemini。
	ProviderGemini = "gemini"
)

var (
	supportedProviders   = []string{ProviderOpenRouter, ProviderOpenAI, ProviderGemini}
	supportedVisibilites = []string{"public", "unlisted", "private", "direct"}
	webhookSecretPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)
)

// Config 汇总运行工作流所需的全部配置，加载后不再修改，由调用方显式传递给各组件。
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	LLM      LLMConfig
	Notion   NotionConfig
	Post     PostConfig
	Image    ImageConfig
	Telegram TelegramConfig
	Mastodon MastodonConfig
	Replies  RepliesConfig
	Listener ListenerConfig
	// NotionListener 监听 notion.page_ids 的编辑
	NotionListener NotionListenerConfig
	Redis          RedisConfig
	Secrets        Secrets
}

// ServerConfig 描述 HTTP 服务监听参数。
type ServerConfig struct {
	Host    string
	Port    int
	GinMode string
	// TriggerTokenHash 为 bcrypt 哈希，非空时触发类接口需要 Bearer Token。
	TriggerTokenHash string
}

// Addr 返回 host:port 形式的监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig 描述本地 SQLite 存储位置。
type DatabaseConfig struct {
	Path string
}

// LoggingConfig 控制日志级别与输出格式。
type LoggingConfig struct {
	Level  string
	Format string // "json" 或 "text"
}

// LLMConfig 描述大模型调用参数。
type LLMConfig struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string
}

// NotionConfig 描述评论数据来源。
type NotionConfig struct {
	DatabaseIDs []string
	PageIDs     []string
	MaxReviews  int
}

// PostConfig 描述帖子生成策略。
type PostConfig struct {
	Tone            string
	MaxLength       int
	IncludeHashtags bool
	Hashtags        []string
	Guidelines      string
	// RelatedLimit 是提示词中历史点评与帖子的条数上限，0 关闭检索
	RelatedLimit int
}

// ImageConfig 描述配图生成参数。
type ImageConfig struct {
	Enabled             bool
	TriggerWord         string
	Model               string
	MaxPollAttempts     int
	PollInterval        time.Duration
	DegradeWithoutImage bool
}

// TelegramConfig 描述人工审核相关参数。
type TelegramConfig struct {
	Enabled         bool
	Mode            string // "poll" 或 "webhook"
	ApprovalTimeout time.Duration
	ReasonTimeout   time.Duration
	// WebhookURL 非空时启动时向 Telegram 注册 webhook
	WebhookURL string
	// WebhookSecret 对应 X-Telegram-Bot-Api-Secret-Token 请求头，webhook 模式必填
	WebhookSecret string
}

// MastodonConfig 描述发布参数。
type MastodonConfig struct {
	Visibility string
	DryRun     bool
}

// RepliesConfig 描述回复工作流参数。
type RepliesConfig struct {
	SearchQueries []string
	PerQueryLimit int
	MaxPosts      int
	MaxLength     int
	Tone          string
	DryRun        bool
}

// ListenerConfig 描述评论监听参数。
type ListenerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	AutoReply    bool
}

// NotionListenerConfig 描述 Notion 页面变更监听参数。
type NotionListenerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	AutoPost     bool
}

// RedisConfig 描述可选的统计缓存。
type RedisConfig struct {
	URL      string
	StatsTTL time.Duration
}

// Enabled 表示是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

// Secrets 汇总来自环境变量的第三方凭据。
type Secrets struct {
	NotionAPIKey        string
	OpenRouterAPIKey    string
	OpenAIAPIKey        string
	GeminiAPIKey        string
	ReplicateAPIToken   string
	TelegramBotToken    string
	TelegramChatID      string
	MastodonInstanceURL string
	MastodonAccessToken string
}

// Load 读取 .env、配置文件与 BITERATE_ 前缀的环境变量，缺失项使用默认值。
// path 为空时在当前目录与 ./config 下查找 config.yaml。
func Load(path string) (Config, error) {
	loadDotEnv(".env", ".env.local")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BITERATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	cfg := fromViper(v)
	cfg.Secrets = loadSecrets()
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" && cfg.Redis.URL == "" {
		cfg.Redis.URL = redisURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(files ...string) {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// 已存在的进程环境变量优先
		_ = godotenv.Load(file)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.trigger_token_hash", "")

	v.SetDefault("database.path", "database/biterate.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("llm.provider", ProviderOpenRouter)
	v.SetDefault("llm.model", "z-ai/glm-4.5-air:free")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.base_url", "")

	v.SetDefault("notion.database_ids", []string{})
	v.SetDefault("notion.page_ids", []string{})
	v.SetDefault("notion.max_reviews", 10)

	v.SetDefault("post_generation.tone", "friendly and engaging")
	v.SetDefault("post_generation.max_length", 500)
	v.SetDefault("post_generation.include_hashtags", true)
	v.SetDefault("post_generation.hashtags", []string{"#BiteRate", "#FoodReview", "#Foodie"})
	v.SetDefault("post_generation.guidelines", "")
	v.SetDefault("post_generation.related_limit", 5)

	v.SetDefault("image_generation.enabled", true)
	v.SetDefault("image_generation.trigger_word", "P3@NUT")
	v.SetDefault("image_generation.model", "sundai-club/rachel_frenchie_mode:b07cb658fe2949e3fa1fa6f1f593f22e6cc62d6190eae8896fdc76ade752765b")
	v.SetDefault("image_generation.max_poll_attempts", 60)
	v.SetDefault("image_generation.poll_interval", "2s")
	v.SetDefault("image_generation.degrade_without_image", true)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.mode", "poll")
	v.SetDefault("telegram.approval_timeout", "5m")
	v.SetDefault("telegram.reason_timeout", "2m")
	v.SetDefault("telegram.webhook_url", "")
	v.SetDefault("telegram.webhook_secret", "")

	v.SetDefault("mastodon.visibility", "public")
	v.SetDefault("mastodon.dry_run", true)

	v.SetDefault("replies.search_queries", []string{"restaurant", "food review", "dining", "foodie", "restaurant review"})
	v.SetDefault("replies.per_query_limit", 2)
	v.SetDefault("replies.max_posts", 5)
	v.SetDefault("replies.max_length", 500)
	v.SetDefault("replies.tone", "friendly and helpful")
	v.SetDefault("replies.dry_run", true)

	v.SetDefault("mastodon_listener.enabled", false)
	v.SetDefault("mastodon_listener.poll_interval", "60s")
	v.SetDefault("mastodon_listener.auto_reply", true)

	v.SetDefault("notion_listener.enabled", false)
	v.SetDefault("notion_listener.poll_interval", "5m")
	v.SetDefault("notion_listener.auto_post", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stats_ttl", "30s")
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Server: ServerConfig{
			Host:             v.GetString("server.host"),
			Port:             v.GetInt("server.port"),
			GinMode:          v.GetString("server.gin_mode"),
			TriggerTokenHash: strings.TrimSpace(v.GetString("server.trigger_token_hash")),
		},
		Database: DatabaseConfig{
			Path: strings.TrimSpace(v.GetString("database.path")),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(strings.TrimSpace(v.GetString("llm.provider"))),
			Model:       strings.TrimSpace(v.GetString("llm.model")),
			Temperature: v.GetFloat64("llm.temperature"),
			MaxTokens:   v.GetInt("llm.max_tokens"),
			BaseURL:     strings.TrimSpace(v.GetString("llm.base_url")),
		},
		Notion: NotionConfig{
			DatabaseIDs: trimAll(v.GetStringSlice("notion.database_ids")),
			PageIDs:     trimAll(v.GetStringSlice("notion.page_ids")),
			MaxReviews:  v.GetInt("notion.max_reviews"),
		},
		Post: PostConfig{
			Tone:            v.GetString("post_generation.tone"),
			MaxLength:       v.GetInt("post_generation.max_length"),
			IncludeHashtags: v.GetBool("post_generation.include_hashtags"),
			Hashtags:        trimAll(v.GetStringSlice("post_generation.hashtags")),
			Guidelines:      v.GetString("post_generation.guidelines"),
			RelatedLimit:    v.GetInt("post_generation.related_limit"),
		},
		Image: ImageConfig{
			Enabled:             v.GetBool("image_generation.enabled"),
			TriggerWord:         v.GetString("image_generation.trigger_word"),
			Model:               strings.TrimSpace(v.GetString("image_generation.model")),
			MaxPollAttempts:     v.GetInt("image_generation.max_poll_attempts"),
			PollInterval:        v.GetDuration("image_generation.poll_interval"),
			DegradeWithoutImage: v.GetBool("image_generation.degrade_without_image"),
		},
		Telegram: TelegramConfig{
			Enabled:         v.GetBool("telegram.enabled"),
			Mode:            strings.ToLower(strings.TrimSpace(v.GetString("telegram.mode"))),
			ApprovalTimeout: v.GetDuration("telegram.approval_timeout"),
			ReasonTimeout:   v.GetDuration("telegram.reason_timeout"),
			WebhookURL:      strings.TrimSpace(v.GetString("telegram.webhook_url")),
			WebhookSecret:   firstNonEmpty(strings.TrimSpace(v.GetString("telegram.webhook_secret")), env("TELEGRAM_WEBHOOK_SECRET")),
		},
		Mastodon: MastodonConfig{
			Visibility: strings.ToLower(strings.TrimSpace(v.GetString("mastodon.visibility"))),
			DryRun:     v.GetBool("mastodon.dry_run"),
		},
		Replies: RepliesConfig{
			SearchQueries: trimAll(v.GetStringSlice("replies.search_queries")),
			PerQueryLimit: v.GetInt("replies.per_query_limit"),
			MaxPosts:      v.GetInt("replies.max_posts"),
			MaxLength:     v.GetInt("replies.max_length"),
			Tone:          v.GetString("replies.tone"),
			DryRun:        v.GetBool("replies.dry_run"),
		},
		Listener: ListenerConfig{
			Enabled:      v.GetBool("mastodon_listener.enabled"),
			PollInterval: v.GetDuration("mastodon_listener.poll_interval"),
			AutoReply:    v.GetBool("mastodon_listener.auto_reply"),
		},
		NotionListener: NotionListenerConfig{
			Enabled:      v.GetBool("notion_listener.enabled"),
			PollInterval: v.GetDuration("notion_listener.poll_interval"),
			AutoPost:     v.GetBool("notion_listener.auto_post"),
		},
		Redis: RedisConfig{
			URL:      strings.TrimSpace(v.GetString("redis.url")),
			StatsTTL: v.GetDuration("redis.stats_ttl"),
		},
	}
}

func loadSecrets() Secrets {
	return Secrets{
		NotionAPIKey:        env("NOTION_API_KEY"),
		OpenRouterAPIKey:    env("OPENROUTER_API_KEY"),
		OpenAIAPIKey:        env("OPENAI_API_KEY"),
		GeminiAPIKey:        env("GEMINI_API_KEY"),
		ReplicateAPIToken:   firstNonEmpty(env("REPLICATE_API_TOKEN"), env("REPLICATE_API_KEY")),
		TelegramBotToken:    env("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:      env("TELEGRAM_CHAT_ID"),
		MastodonInstanceURL: env("MASTODON_INSTANCE_URL"),
		MastodonAccessToken: env("MASTODON_ACCESS_TOKEN"),
	}
}

// LLMAPIKey 返回当前模型供应商对应的 API Key，OpenRouter 未配置时回退到 OpenAI Key。
func (c Config) LLMAPIKey() string {
	switch c.LLM.Provider {
	case ProviderGemini:
		return c.Secrets.GeminiAPIKey
	case ProviderOpenAI:
		return c.Secrets.OpenAIAPIKey
	default:
		return firstNonEmpty(c.Secrets.OpenRouterAPIKey, c.Secrets.OpenAIAPIKey)
	}
}

// Validate 校验取值范围，凭据缺失在组件构造时再报错。
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !contains(supportedProviders, c.LLM.Provider) {
		return fmt.Errorf("llm.provider must be one of %s", strings.Join(supportedProviders, ", "))
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if c.Notion.MaxReviews <= 0 || c.Notion.MaxReviews > 100 {
		return fmt.Errorf("notion.max_reviews must be between 1 and 100")
	}
	if c.Post.MaxLength <= 0 || c.Post.MaxLength > 5000 {
		return fmt.Errorf("post_generation.max_length must be between 1 and 5000")
	}
	if c.Post.RelatedLimit < 0 || c.Post.RelatedLimit > 20 {
		return fmt.Errorf("post_generation.related_limit must be between 0 and 20")
	}
	if c.Replies.MaxLength <= 0 || c.Replies.MaxLength > 5000 {
		return fmt.Errorf("replies.max_length must be between 1 and 5000")
	}
	if c.Image.MaxPollAttempts < 1 {
		return fmt.Errorf("image_generation.max_poll_attempts must be at least 1")
	}
	if c.Image.PollInterval < 0 {
		return fmt.Errorf("image_generation.poll_interval must not be negative")
	}
	if c.Telegram.ApprovalTimeout <= 0 || c.Telegram.ReasonTimeout <= 0 {
		return fmt.Errorf("telegram timeouts must be positive")
	}
	if c.Telegram.Mode != "poll" && c.Telegram.Mode != "webhook" {
		return fmt.Errorf("telegram.mode must be poll or webhook")
	}
	if c.Telegram.Enabled && c.Telegram.Mode == "webhook" && c.Telegram.WebhookSecret == "" {
		return fmt.Errorf("telegram.webhook_secret is required in webhook mode")
	}
	if c.Telegram.WebhookSecret != "" && !webhookSecretPattern.MatchString(c.Telegram.WebhookSecret) {
		return fmt.Errorf("telegram.webhook_secret must be 1-256 characters of A-Z, a-z, 0-9, _ or -")
	}
	if !contains(supportedVisibilites, c.Mastodon.Visibility) {
		return fmt.Errorf("mastodon.visibility must be one of %s", strings.Join(supportedVisibilites, ", "))
	}
	if c.Listener.PollInterval <= 0 {
		return fmt.Errorf("mastodon_listener.poll_interval must be positive")
	}
	if c.NotionListener.PollInterval <= 0 {
		return fmt.Errorf("notion_listener.poll_interval must be positive")
	}
	if c.NotionListener.Enabled && len(c.Notion.PageIDs) == 0 {
		return fmt.Errorf("notion_listener requires notion.page_ids")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
