package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr string

	// DatabaseURL selects the Postgres store; RedisURL the Redis store.
	// With neither set, state lives in memory.
	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration

	// Meilisearch - empty URL disables indexing
	MeiliURL       string
	MeiliMasterKey string

	// MinIO snapshot archive - empty endpoint disables the rollback API
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool

	DebounceWait    time.Duration
	DebounceMaxWait time.Duration
	AwarenessTTL    time.Duration
	FrameLimit      int
}

func Load() Config {
	return Config{
		Addr:           getenv("SYNC_ADDR", ":8890"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		RedisTTL:       time.Duration(getenvInt("SYNC_REDIS_TTL_SECONDS", 0)) * time.Second,
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "sync-snapshots"),
		MinioSecure:    getenvBool("MINIO_SECURE", false),
		DebounceWait:   time.Duration(getenvInt("SYNC_DEBOUNCE_WAIT_MS", 2000)) * time.Millisecond,
		DebounceMaxWait: time.Duration(getenvInt("SYNC_DEBOUNCE_MAX_WAIT_MS", 10000)) * time.Millisecond,
		AwarenessTTL:    time.Duration(getenvInt("SYNC_AWARENESS_TTL_SECONDS", 60)) * time.Second,
		FrameLimit:      getenvInt("SYNC_FRAME_LIMIT_BYTES", 0),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
