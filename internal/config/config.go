package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"loyalty/internal/notify"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	AdminJWTSecret string

	Queue notify.Config
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	cfg.AdminJWTSecret = mustGetenv("ADMIN_JWT_SECRET")

	q := notify.DefaultConfig()
	q.PollInterval = getdur("QUEUE_POLL_INTERVAL", q.PollInterval)
	q.BatchSize = getint("QUEUE_BATCH_SIZE", q.BatchSize)
	q.DispatchGap = getdur("QUEUE_DISPATCH_GAP", q.DispatchGap)
	q.ProcessingTimeout = getdur("QUEUE_PROCESSING_TIMEOUT", q.ProcessingTimeout)
	q.ReaperInterval = getdur("QUEUE_REAPER_INTERVAL", q.ReaperInterval)
	q.MaxAttempts = getint("QUEUE_MAX_ATTEMPTS", q.MaxAttempts)
	q.RetentionDays = getint("QUEUE_RETENTION_DAYS", q.RetentionDays)
	cfg.Queue = q

	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

func getdur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic("invalid duration for " + key + ": " + v)
	}
	return d
}

func getint(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic("invalid integer for " + key + ": " + v)
	}
	return n
}
