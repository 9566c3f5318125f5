package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	// MaxMessageLength 是单条聊天消息允许的最大字符数。
	MaxMessageLength int
	// SendBuffer 是每个连接的出站缓冲区大小，写满即视为慢消费者。
	SendBuffer        int
	MessagesPerSecond int
	// RedisAddr 为空时不启用跨实例转发。
	RedisAddr string
	// AllowedOrigins 是非 dev 环境下额外允许的跨域来源，同源请求总是允许。
	AllowedOrigins        []string
	HTTPRequestsPerSecond int
	HTTPBurst             int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数环境变量，非法或非正数时回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// getenvList 解析逗号分隔的列表，忽略空项。
func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=roomchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", ""),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		MaxMessageLength:      getenvInt("MAX_MESSAGE_LENGTH", 512),
		SendBuffer:            getenvInt("WS_SEND_BUFFER", 256),
		MessagesPerSecond:     getenvInt("WS_MESSAGES_PER_SECOND", 10),
		RedisAddr:             getenv("REDIS_ADDR", ""),
		AllowedOrigins:        getenvList("CORS_ALLOWED_ORIGINS"),
		HTTPRequestsPerSecond: getenvInt("HTTP_REQUESTS_PER_SECOND", 20),
		HTTPBurst:             getenvInt("HTTP_BURST", 40),
	}
}

// Validate 在启动时检查必要配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be set outside dev")
	}
	return nil
}
