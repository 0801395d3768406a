package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Persist   PersistConfig
	Session   SessionConfig
	Notify    NotifyConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Simulator SimulatorConfig
	AI        AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	persist, err := loadPersistConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	simulator, err := loadSimulatorConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Upstream: UpstreamConfig{
			BaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL")), "/"),
			APIKey:  strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY")),
			Path:    getEnvOrDefault("UPSTREAM_PATH", "/chat-messages"),
		},
		Persist: persist,
		Session: session,
		Notify: NotifyConfig{
			RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Topic:     getEnvOrDefault("NOTIFY_TOPIC", "conversation.lifecycle"),
		},
		Log: logCfg,
		Telemetry: TelemetryConfig{
			MetricsFile: strings.TrimSpace(os.Getenv("METRICS_FILE")),
		},
		Simulator: simulator,
		AI:        ai,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	addr, err := parseAddrEnv("PORT", "8080")
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Addr: addr, CORSOrigins: parseListEnv("CORS_ORIGINS")}, nil
}

// parseAddrEnv 允许用户直接传入 "8080"、":8080" 或 "127.0.0.1:8080"。
func parseAddrEnv(key, defaultPort string) (string, error) {
	port := strings.TrimSpace(os.Getenv(key))
	if port == "" {
		port = defaultPort
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ":" + port, nil
}

// UpstreamConfig 描述工作流后端。
type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	Path    string
}

// Enabled 表示是否配置了上游地址。
func (c UpstreamConfig) Enabled() bool {
	return c.BaseURL != ""
}

// PersistBackend 选择会话记录的存储方式。
type PersistBackend string

const (
	PersistNone   PersistBackend = "none"
	PersistHTTP   PersistBackend = "http"
	PersistSQLite PersistBackend = "sqlite"
)

// PersistConfig 描述持久化网关。
type PersistConfig struct {
	Backend    PersistBackend
	URL        string
	Token      string
	Retries    uint64
	Timeout    time.Duration
	SQLitePath string
}

func loadPersistConfig() (PersistConfig, error) {
	backend := PersistBackend(strings.ToLower(getEnvOrDefault("PERSIST_BACKEND", string(PersistNone))))
	switch backend {
	case PersistNone, PersistHTTP, PersistSQLite:
	default:
		return PersistConfig{}, fmt.Errorf("invalid PERSIST_BACKEND value %q", backend)
	}

	retries, err := parseOptionalIntEnv("PERSIST_RETRIES")
	if err != nil {
		return PersistConfig{}, err
	}
	var retryCount uint64
	if retries != nil && *retries > 0 {
		retryCount = uint64(*retries)
	}

	timeoutSeconds := 10
	if override, err := parseOptionalIntEnv("PERSIST_TIMEOUT"); err != nil {
		return PersistConfig{}, err
	} else if override != nil && *override > 0 {
		timeoutSeconds = *override
	}

	cfg := PersistConfig{
		Backend:    backend,
		URL:        strings.TrimSpace(os.Getenv("PERSIST_URL")),
		Token:      strings.TrimSpace(os.Getenv("PERSIST_TOKEN")),
		Retries:    retryCount,
		Timeout:    time.Duration(timeoutSeconds) * time.Second,
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "conversations.db"),
	}
	if cfg.Backend == PersistHTTP && cfg.URL == "" {
		return PersistConfig{}, fmt.Errorf("PERSIST_URL is required when PERSIST_BACKEND=http")
	}
	return cfg, nil
}

// SessionConfig 控制空闲会话回收，IdleTimeout 为 0 时关闭。
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	idle, err := parseDurationEnv("SESSION_IDLE_TIMEOUT", 0)
	if err != nil {
		return SessionConfig{}, err
	}
	sweep, err := parseDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{IdleTimeout: idle, SweepInterval: sweep}, nil
}

// NotifyConfig 描述生命周期通知总线，RedisAddr 为空时使用进程内通道。
type NotifyConfig struct {
	RedisAddr string
	Topic     string
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Pretty bool
	File   string
}

func loadLogConfig() (LogConfig, error) {
	pretty, err := parseBoolEnv("LOG_PRETTY", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Pretty: pretty,
		File:   strings.TrimSpace(os.Getenv("LOG_FILE")),
	}, nil
}

// TelemetryConfig 描述指标与链路导出。
type TelemetryConfig struct {
	MetricsFile string
}

// SimulatorConfig 描述本地模拟上游。
type SimulatorConfig struct {
	Addr         string
	APIKey       string
	SystemPrompt string
}

func loadSimulatorConfig() (SimulatorConfig, error) {
	addr, err := parseAddrEnv("SIM_PORT", "8090")
	if err != nil {
		return SimulatorConfig{}, err
	}
	return SimulatorConfig{
		Addr:         addr,
		APIKey:       strings.TrimSpace(os.Getenv("SIM_API_KEY")),
		SystemPrompt: strings.TrimSpace(os.Getenv("SIM_SYSTEM_PROMPT")),
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

// parseListEnv 解析逗号分隔的列表，忽略空项。
func parseListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
