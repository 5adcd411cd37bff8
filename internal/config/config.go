package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StoreName     string
}

// Load reads the configuration from the environment. DATABASE_URL selects
// the postgres backend; when it is unset the durable local store under
// DataDir is used instead. REDIS_ADDR enables the cross-process change feed.
func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       getEnv("DATA_DIR", "data"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		StoreName:     getEnv("STORE_NAME", "Main Street Market"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
