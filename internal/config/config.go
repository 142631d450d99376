package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Mongo    MongoConfig
	Roster   RosterConfig
	Broker   BrokerConfig
	Dispatch DispatchConfig
	Upstream UpstreamConfig
	Sweep    SweepConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	broker, err := loadBrokerConfig()
	if err != nil {
		return nil, err
	}

	dispatch, err := loadDispatchConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	sweep, err := loadSweepConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Redis: RedisConfig{
			URL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			Prefix: getEnvOrDefault("REDIS_PREFIX", "multichat"),
		},
		Mongo: MongoConfig{
			URL:      getEnvOrDefault("MONGO_URL", "mongodb://localhost:27017"),
			Database: getEnvOrDefault("MONGO_DATABASE", "multichat"),
		},
		Roster: RosterConfig{
			Path: getEnvOrDefault("ROSTER_PATH", "./accounts/roster.json"),
		},
		Broker:   broker,
		Dispatch: dispatch,
		Upstream: upstream,
		Sweep:    sweep,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// RedisConfig 描述 Redis 连接配置。
type RedisConfig struct {
	URL    string
	Prefix string
}

// MongoConfig 描述 MongoDB 连接配置。
type MongoConfig struct {
	URL      string
	Database string
}

// RosterConfig 描述账号清单文件位置。
type RosterConfig struct {
	Path string
}

// BrokerConfig 描述凭证代理的刷新与缓存行为。
type BrokerConfig struct {
	// TokenTTLMin/Max 凭证缓存的随机 TTL 区间，防止全池同步过期。
	TokenTTLMin time.Duration
	TokenTTLMax time.Duration
	// LockExpiry 刷新锁的兜底存活时间。
	LockExpiry time.Duration
	// LockMaxWait 抢刷新锁的等待上限。
	LockMaxWait time.Duration
	// RetryBudget 整个取 token 操作的重试预算。
	RetryBudget int
}

func loadBrokerConfig() (BrokerConfig, error) {
	ttlMin, err := parseDurationEnv("BROKER_TOKEN_TTL_MIN", 6*time.Hour)
	if err != nil {
		return BrokerConfig{}, err
	}
	ttlMax, err := parseDurationEnv("BROKER_TOKEN_TTL_MAX", 8*time.Hour)
	if err != nil {
		return BrokerConfig{}, err
	}
	lockExpiry, err := parseDurationEnv("BROKER_LOCK_EXPIRY", 30*time.Minute)
	if err != nil {
		return BrokerConfig{}, err
	}
	lockMaxWait, err := parseDurationEnv("BROKER_LOCK_MAX_WAIT", time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	retry, err := parseIntEnv("BROKER_RETRY_BUDGET", 5)
	if err != nil {
		return BrokerConfig{}, err
	}

	if ttlMax < ttlMin {
		return BrokerConfig{}, fmt.Errorf("BROKER_TOKEN_TTL_MAX must be >= BROKER_TOKEN_TTL_MIN")
	}

	return BrokerConfig{
		TokenTTLMin: ttlMin,
		TokenTTLMax: ttlMax,
		LockExpiry:  lockExpiry,
		LockMaxWait: lockMaxWait,
		RetryBudget: retry,
	}, nil
}

// DispatchConfig 描述调度器的并发与重试行为。
type DispatchConfig struct {
	// PermitCapacity 单账号同时在途交换数上限。
	PermitCapacity int
	// PermitExpiry 交换名额的兜底存活时间。
	PermitExpiry time.Duration
	// PermitMaxWait 抢名额的等待上限，超时视为终态失败。
	PermitMaxWait time.Duration
	// RetryBudget 单次 ask 的重试预算。
	RetryBudget int
	// TransientBackoff 瞬时错误重试前的固定退避。
	TransientBackoff time.Duration
}

func loadDispatchConfig() (DispatchConfig, error) {
	capacity, err := parseIntEnv("DISPATCH_PERMIT_CAPACITY", 1)
	if err != nil {
		return DispatchConfig{}, err
	}
	expiry, err := parseDurationEnv("DISPATCH_PERMIT_EXPIRY", 30*time.Minute)
	if err != nil {
		return DispatchConfig{}, err
	}
	maxWait, err := parseDurationEnv("DISPATCH_PERMIT_MAX_WAIT", 5*time.Second)
	if err != nil {
		return DispatchConfig{}, err
	}
	retry, err := parseIntEnv("DISPATCH_RETRY_BUDGET", 5)
	if err != nil {
		return DispatchConfig{}, err
	}
	transientBackoff, err := parseDurationEnv("DISPATCH_TRANSIENT_BACKOFF", 300*time.Millisecond)
	if err != nil {
		return DispatchConfig{}, err
	}

	return DispatchConfig{
		PermitCapacity:   capacity,
		PermitExpiry:     expiry,
		PermitMaxWait:    maxWait,
		RetryBudget:      retry,
		TransientBackoff: transientBackoff,
	}, nil
}

// UpstreamConfig 描述上游各外部服务的地址与超时。
type UpstreamConfig struct {
	ConversationURL      string
	LoginURL             string
	ChallengeResolverURL string
	// ChallengeTTLMin/Max 挑战产物缓存的随机 TTL 区间。
	ChallengeTTLMin time.Duration
	ChallengeTTLMax time.Duration
	// ExchangeTimeout 单次上游交换的总超时。
	ExchangeTimeout time.Duration
	// CompletionModel 补全客户端使用的模型名。
	CompletionModel string
	CompletionURL   string
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	ttlMin, err := parseDurationEnv("UPSTREAM_CHALLENGE_TTL_MIN", time.Hour)
	if err != nil {
		return UpstreamConfig{}, err
	}
	ttlMax, err := parseDurationEnv("UPSTREAM_CHALLENGE_TTL_MAX", 90*time.Minute)
	if err != nil {
		return UpstreamConfig{}, err
	}
	timeout, err := parseDurationEnv("UPSTREAM_EXCHANGE_TIMEOUT", 6*time.Minute)
	if err != nil {
		return UpstreamConfig{}, err
	}

	return UpstreamConfig{
		ConversationURL:      getEnvOrDefault("UPSTREAM_CONVERSATION_URL", "https://chat.openai.com/backend-api/conversation"),
		LoginURL:             getEnvOrDefault("UPSTREAM_LOGIN_URL", "http://127.0.0.1:8000/login"),
		ChallengeResolverURL: getEnvOrDefault("UPSTREAM_CHALLENGE_RESOLVER_URL", "http://127.0.0.1:8000/challenge"),
		ChallengeTTLMin:      ttlMin,
		ChallengeTTLMax:      ttlMax,
		ExchangeTimeout:      timeout,
		CompletionModel:      getEnvOrDefault("UPSTREAM_COMPLETION_MODEL", "text-davinci-003"),
		CompletionURL:        strings.TrimSpace(os.Getenv("UPSTREAM_COMPLETION_URL")),
	}, nil
}

// SweepConfig 描述账号巡检行为。
type SweepConfig struct {
	// Interval 周期巡检间隔，0 表示只在启动时巡检。
	Interval time.Duration
	// Prompt 巡检用的试探问题。
	Prompt string
	// RefreshPassword 手动触发巡检接口的口令。
	RefreshPassword string
}

func loadSweepConfig() (SweepConfig, error) {
	interval, err := parseDurationEnv("SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return SweepConfig{}, err
	}

	return SweepConfig{
		Interval:        interval,
		Prompt:          getEnvOrDefault("SWEEP_PROMPT", "1+1=?"),
		RefreshPassword: strings.TrimSpace(os.Getenv("SWEEP_REFRESH_PASSWORD")),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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
	return val, nil
}
