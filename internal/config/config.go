package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RunMigrations         bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	StoreID               string
	AuthSecret            string
	AccessTokenTTLMinutes int
	LockTTL               time.Duration
	IdempotencyTTL        time.Duration
	LogLevel              string
}

// Load reads the process environment, optionally seeded from a .env file in
// the working directory. Real environment variables win over .env values.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_STORE_ID", "main-store")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOCK_TTL_SECONDS", 15)
	v.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	lockTTL := v.GetInt("LOCK_TTL_SECONDS")
	if lockTTL < 1 {
		lockTTL = 15
	}
	idemTTL := v.GetInt("IDEMPOTENCY_TTL_MINUTES")
	if idemTTL < 1 {
		idemTTL = 1440
	}

	return Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		RunMigrations:         v.GetBool("RUN_MIGRATIONS"),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		StoreID:               v.GetString("DEFAULT_STORE_ID"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LockTTL:               time.Duration(lockTTL) * time.Second,
		IdempotencyTTL:        time.Duration(idemTTL) * time.Minute,
		LogLevel:              v.GetString("LOG_LEVEL"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
