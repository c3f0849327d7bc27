package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultJWTSecret 仅用于本地开发，其他环境必须覆盖。
const DefaultJWTSecret = "dev-secret-change-me"

var ErrDefaultSecret = errors.New("JWT_SECRET must be set outside dev")

type Config struct {
	Port                  string `envconfig:"APP_PORT" default:"8080" validate:"required,numeric"`
	Env                   string `envconfig:"APP_ENV" default:"dev" validate:"required"`
	LogLevel              string `envconfig:"LOG_LEVEL" default:"info" validate:"omitempty,oneof=trace debug info warn error"`
	JWTSecret             string `envconfig:"JWT_SECRET" default:"dev-secret-change-me" validate:"required"`
	AccessTokenTTLMinutes int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"15" validate:"gte=0"`

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"postgres" validate:"required,oneof=postgres sqlite mongo"`
	DatabaseDSN   string `envconfig:"DATABASE_DSN" default:"host=localhost user=postgres password=postgres dbname=chatroom port=5432 sslmode=disable TimeZone=UTC" validate:"required_if=StoreDriver postgres"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"relaychat.db" validate:"required_if=StoreDriver sqlite"`
	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017" validate:"required_if=StoreDriver mongo"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"relaychat" validate:"required_if=StoreDriver mongo"`

	// RedisAddr empty disables the history cache.
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	HistoryCacheTTL time.Duration `envconfig:"HISTORY_CACHE_TTL" default:"5m"`

	WsSendBuffer        int      `envconfig:"WS_SEND_BUFFER" default:"256" validate:"gt=0"`
	WsMessagesPerSecond float64  `envconfig:"WS_MESSAGES_PER_SECOND" default:"10" validate:"gt=0"`
	CORSOrigins         []string `envconfig:"CORS_ORIGINS"`
}

// Load 先读取可选的 .env 文件，再从环境变量解析配置。
// 已存在的环境变量不会被 .env 覆盖。
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate 校验配置；非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return ErrDefaultSecret
	}
	return nil
}
