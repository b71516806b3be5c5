// Package config 负责加载服务配置。
// 使用 viper 读取可选的 YAML 文件，并允许环境变量覆盖任意配置项。
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	AI       AIConfig       `mapstructure:"ai"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	Quiet    QuietConfig    `mapstructure:"quiet"`
	Suggest  SuggestConfig  `mapstructure:"suggest"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig 描述关系型存储连接。
type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	LogLevel     string        `mapstructure:"log_level"` // silent/error/warn/info
}

// RedisConfig 为空地址时不启用跨实例租约。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a redis address was supplied.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// NATSConfig 为空地址时不发布建议事件。
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Enabled reports whether a NATS url was supplied.
func (c NATSConfig) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// AIConfig 描述大模型相关配置。StrongModel 用于低置信度时的重试。
type AIConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	AccessKey   string   `mapstructure:"access_key"`
	SecretKey   string   `mapstructure:"secret_key"`
	Model       string   `mapstructure:"model"`
	StrongModel string   `mapstructure:"strong_model"`
	BaseURL     string   `mapstructure:"base_url"`
	Region      string   `mapstructure:"region"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   *int     `mapstructure:"max_tokens"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例，modelName 为空时使用默认模型。
func (c AIConfig) NewChatModel(ctx context.Context, modelName string) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 AI_API_KEY + AI_MODEL 或 AK/SK 组合")
	}
	if modelName == "" {
		modelName = c.Model
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       modelName,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
}

// SpeechConfig 描述语音识别服务配置。
type SpeechConfig struct {
	AppID       string `mapstructure:"app_id"`
	AccessToken string `mapstructure:"access_token"`
	Endpoint    string `mapstructure:"endpoint"`
	ResourceID  string `mapstructure:"resource_id"`
	Language    string `mapstructure:"language"`
	Format      string `mapstructure:"format"`
	Codec       string `mapstructure:"codec"`
}

// Enabled 表示语音识别凭证是否完整。
func (c SpeechConfig) Enabled() bool {
	return strings.TrimSpace(c.AppID) != "" && strings.TrimSpace(c.AccessToken) != ""
}

// QuietConfig controls the per-conversation debounce.
type QuietConfig struct {
	Window       time.Duration `mapstructure:"window"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SuggestConfig controls claims, context assembly and drafting.
type SuggestConfig struct {
	WindowSize           int               `mapstructure:"window_size"`
	ClaimTTL             time.Duration     `mapstructure:"claim_ttl"`
	Retention            time.Duration     `mapstructure:"retention"`
	SweepInterval        time.Duration     `mapstructure:"sweep_interval"`
	GenerationTimeout    time.Duration     `mapstructure:"generation_timeout"`
	TranscriptionTimeout time.Duration     `mapstructure:"transcription_timeout"`
	HedgePhrases         []string          `mapstructure:"hedge_phrases"`
	LowConfidenceHedges  int               `mapstructure:"low_confidence_hedges"`
	RetryLengthGain      float64           `mapstructure:"retry_length_gain"`
	Timezone             string            `mapstructure:"timezone"`
	GreetingMarkers      []string          `mapstructure:"greeting_markers"`
	ContactReplacements  map[string]string `mapstructure:"contact_replacements"`
	BusinessName         string            `mapstructure:"business_name"`
	BusinessBrief        string            `mapstructure:"business_brief"`
}

// Location resolves Timezone, falling back to UTC.
func (c SuggestConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GatewaysConfig 汇总各消息网关的凭证。
type GatewaysConfig struct {
	Cloud CloudGatewayConfig `mapstructure:"cloud"`
	Green GreenGatewayConfig `mapstructure:"green"`
}

// CloudGatewayConfig 对应 WhatsApp Cloud API。
type CloudGatewayConfig struct {
	VerifyToken   string `mapstructure:"verify_token"`
	AppSecret     string `mapstructure:"app_secret"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	AccessToken   string `mapstructure:"access_token"`
	GraphURL      string `mapstructure:"graph_url"`
}

// Enabled reports whether outbound credentials exist.
func (c CloudGatewayConfig) Enabled() bool {
	return c.PhoneNumberID != "" && c.AccessToken != ""
}

// GreenGatewayConfig 对应 Green-API。
type GreenGatewayConfig struct {
	APIURL       string `mapstructure:"api_url"`
	InstanceID   string `mapstructure:"instance_id"`
	APIToken     string `mapstructure:"api_token"`
	WebhookToken string `mapstructure:"webhook_token"`
}

// Enabled reports whether outbound credentials exist.
func (c GreenGatewayConfig) Enabled() bool {
	return c.InstanceID != "" && c.APIToken != ""
}

// Load 从配置目录与环境变量加载配置。配置文件缺失时使用默认值。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 例如: QUIET_WINDOW -> quiet.window
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Quiet.Window <= 0 {
		return fmt.Errorf("invalid quiet.window %s", c.Quiet.Window)
	}
	if c.Quiet.MaxWait < c.Quiet.Window {
		return fmt.Errorf("quiet.max_wait (%s) must not be shorter than quiet.window (%s)", c.Quiet.MaxWait, c.Quiet.Window)
	}
	if c.Quiet.PollInterval <= 0 {
		return fmt.Errorf("invalid quiet.poll_interval %s", c.Quiet.PollInterval)
	}
	if c.Suggest.WindowSize < 1 {
		c.Suggest.WindowSize = 1
	}
	if c.Suggest.GenerationTimeout <= 0 || c.Suggest.GenerationTimeout >= c.Suggest.ClaimTTL {
		// a stale reclaim must never delete a claim whose generation is still running
		return fmt.Errorf("suggest.generation_timeout (%s) must be positive and shorter than suggest.claim_ttl (%s)",
			c.Suggest.GenerationTimeout, c.Suggest.ClaimTTL)
	}
	if c.Suggest.LowConfidenceHedges < 0 {
		return fmt.Errorf("invalid suggest.low_confidence_hedges %d", c.Suggest.LowConfidenceHedges)
	}
	return nil
}

// bindEnvVariables 绑定不适合按层级命名的环境变量（密钥等）。
func bindEnvVariables(v *viper.Viper) {
	_ = v.BindEnv("server.addr", "SERVER_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN", "DB_CONNECTION_STRING")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR", "REDIS_URL")
	_ = v.BindEnv("nats.url", "NATS_URL")

	_ = v.BindEnv("ai.api_key", "ARK_API_KEY")
	_ = v.BindEnv("ai.access_key", "ARK_ACCESS_KEY")
	_ = v.BindEnv("ai.secret_key", "ARK_SECRET_KEY")
	_ = v.BindEnv("ai.model", "ARK_MODEL", "AI_MODEL")
	_ = v.BindEnv("ai.strong_model", "ARK_STRONG_MODEL", "AI_STRONG_MODEL")

	_ = v.BindEnv("speech.app_id", "SPEECH_APP_ID")
	_ = v.BindEnv("speech.access_token", "SPEECH_ACCESS_TOKEN")

	_ = v.BindEnv("gateways.cloud.verify_token", "WA_CLOUD_VERIFY_TOKEN")
	_ = v.BindEnv("gateways.cloud.app_secret", "WA_CLOUD_APP_SECRET")
	_ = v.BindEnv("gateways.cloud.phone_number_id", "WA_CLOUD_PHONE_NUMBER_ID")
	_ = v.BindEnv("gateways.cloud.access_token", "WA_CLOUD_ACCESS_TOKEN")
	_ = v.BindEnv("gateways.green.instance_id", "GREEN_API_INSTANCE_ID")
	_ = v.BindEnv("gateways.green.api_token", "GREEN_API_TOKEN")
	_ = v.BindEnv("gateways.green.webhook_token", "GREEN_API_WEBHOOK_TOKEN")
}

// setDefaults 设置默认值，所有可调阈值都在这里集中声明。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.dsn", "host=localhost user=replydesk password=replydesk dbname=replydesk port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("nats.subject", "replydesk.suggestions")

	v.SetDefault("ai.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.region", "cn-beijing")

	v.SetDefault("speech.endpoint", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream")
	v.SetDefault("speech.resource_id", "volc.bigasr.sauc.duration")
	v.SetDefault("speech.language", "")
	v.SetDefault("speech.format", "ogg")
	v.SetDefault("speech.codec", "opus")

	v.SetDefault("quiet.window", "30s")
	v.SetDefault("quiet.max_wait", "2m")
	v.SetDefault("quiet.poll_interval", "5s")

	v.SetDefault("suggest.window_size", 20)
	v.SetDefault("suggest.claim_ttl", "2m")
	v.SetDefault("suggest.retention", "30m")
	v.SetDefault("suggest.sweep_interval", "1m")
	v.SetDefault("suggest.generation_timeout", "45s")
	v.SetDefault("suggest.transcription_timeout", "30s")
	v.SetDefault("suggest.hedge_phrases", []string{
		"i'm not sure", "i am not sure", "i don't know", "i do not know",
		"perhaps", "maybe", "it depends", "i think", "probably",
		"please check with", "i cannot confirm", "unclear",
	})
	v.SetDefault("suggest.low_confidence_hedges", 1)
	v.SetDefault("suggest.retry_length_gain", 0.10)
	v.SetDefault("suggest.timezone", "UTC")
	v.SetDefault("suggest.greeting_markers", []string{
		"hello", "hi", "good morning", "good afternoon", "good evening", "welcome",
	})
	v.SetDefault("suggest.business_name", "our school")

	v.SetDefault("gateways.cloud.graph_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("gateways.green.api_url", "https://api.green-api.com")
}
