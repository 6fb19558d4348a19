package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port       string
	DBPath     string
	DocumentID string
	// Storage selects the document backend: "sqlite" or "redis"
	Storage  string
	RedisURL string

	MaxHistory int
	QueueSize  int

	AutosaveInterval time.Duration
	KeepAutoVersions int

	MessagesPerSecond float64
	MessageBurst      int
}

func Load() Config {
	return Config{
		Port:       getenv("PORT", "8080"),
		DBPath:     getenv("PADSYNC_DB_PATH", "./data/padsync.db"),
		DocumentID: getenv("PADSYNC_DOCUMENT_ID", "default"),
		Storage:    getenv("PADSYNC_STORAGE", "sqlite"),
		RedisURL:   getenv("REDIS_URL", "redis://localhost:6379/0"),

		MaxHistory: getenvInt("PADSYNC_MAX_HISTORY", 100),
		QueueSize:  getenvInt("PADSYNC_QUEUE_SIZE", 512),

		AutosaveInterval: getenvDuration("PADSYNC_AUTOSAVE_INTERVAL", 30*time.Second),
		KeepAutoVersions: getenvInt("PADSYNC_KEEP_AUTO_VERSIONS", 20),

		MessagesPerSecond: float64(getenvInt("PADSYNC_MESSAGES_PER_SECOND", 100)),
		MessageBurst:      getenvInt("PADSYNC_MESSAGE_BURST", 200),
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

// Accepts Go durations ("45s") or a bare number of seconds. Zero and negative
// values fall back, since every duration here drives a ticker.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return fallback
	}
	return d
}
