package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Port         int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	StoreBackend string `env:"STORE_BACKEND,default=sqlite" validate:"oneof=sqlite redis memory"`
	DBPath       string `env:"DB_PATH,default=./data/coderoom.db" validate:"required_if=StoreBackend sqlite"`
	RedisAddr    string `env:"REDIS_ADDR,default=localhost:6379" validate:"required_if=StoreBackend redis"`
	// Zero keeps Redis room records forever
	RedisRoomTTL time.Duration `env:"REDIS_ROOM_TTL,default=0s" validate:"min=0s"`

	// Empty means a random per-process secret; tokens then die with the process.
	JWTSecret  string        `env:"JWT_SECRET"`
	TokenTTL   time.Duration `env:"TOKEN_TTL,default=12h" validate:"gt=0s"`
	BcryptCost int           `env:"BCRYPT_COST,default=10" validate:"min=4,max=31"`

	MaxParticipantsLimit int           `env:"MAX_PARTICIPANTS_LIMIT,default=50" validate:"min=1"`
	SnapshotInterval     time.Duration `env:"SNAPSHOT_INTERVAL,default=30s" validate:"gt=0s"`

	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT,default=json" validate:"oneof=json console"`

	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND,default=100" validate:"gt=0"`
	MessageBurst      int     `env:"MESSAGE_BURST,default=200" validate:"min=1"`
	AllowedOrigins    string  `env:"ALLOWED_ORIGINS,default=*"`
}

var validate = validator.New()

// Load reads the environment after loading dotenv files. With no files it
// tries ./.env and ignores its absence.
func Load(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	return lo.FilterMap(strings.Split(c.AllowedOrigins, ","), func(o string, _ int) (string, bool) {
		o = strings.TrimSpace(o)
		return o, o != ""
	})
}
