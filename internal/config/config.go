package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort string

	DataDir    string
	UploadsDir string
	OutputsDir string

	// ProcessorDir is the checkout of the external processing tool,
	// containing run.py and its venv.
	ProcessorDir string
	TaskTimeout  time.Duration

	BusyPollInterval time.Duration
	IdlePollInterval time.Duration

	// StoreBackend selects where the shared documents live: "file" or
	// "redis".
	StoreBackend string
	RedisAddr    string
	RedisPass    string
	RedisDB      int

	LogLevel string
}

func Load() *Config {
	return &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		DataDir:          getEnv("DATA_DIR", "data"),
		UploadsDir:       getEnv("UPLOADS_DIR", "uploads"),
		OutputsDir:       getEnv("OUTPUTS_DIR", "outputs"),
		ProcessorDir:     getEnv("PROCESSOR_DIR", ""),
		TaskTimeout:      getEnvDuration("TASK_TIMEOUT", 30*time.Minute),
		BusyPollInterval: getEnvDuration("BUSY_POLL_INTERVAL", 2*time.Second),
		IdlePollInterval: getEnvDuration("IDLE_POLL_INTERVAL", 10*time.Second),
		StoreBackend:     getEnv("STORE_BACKEND", "file"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
