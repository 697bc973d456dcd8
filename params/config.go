package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Addr           string
	AllowedOrigins []string
}

type Store struct {
	// Backend is one of "memory", "pebble", "postgres".
	Backend    string
	PebblePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

type Bus struct {
	// Backend is one of "local", "redis".
	Backend   string
	RedisAddr string
}

type Queue struct {
	Name        string
	Concurrency int
	// RateMax job starts are allowed per RateWindow (rolling).
	RateMax    int
	RateWindow time.Duration

	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// AttemptTimeout bounds one run of the job handler.
	AttemptTimeout time.Duration

	// Journal is one of "memory", "pebble", "redis".
	Journal    string
	PebblePath string
}

type Router struct {
	// QuotePolicy is "all" (every provider must quote) or "best_effort".
	QuotePolicy    string
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
	SlippageProb   float64
	BasePrice      float64
}

type Log struct {
	File  string
	Level string
	// EventsFile receives every published order event as a JSON line.
	// Empty disables the audit trail.
	EventsFile string
}

type Profiling struct {
	// PyroscopeAddr enables continuous profiling when non-empty.
	PyroscopeAddr string
}

type Config struct {
	Server    Server
	Store     Store
	Bus       Bus
	Queue     Queue
	Router    Router
	Log       Log
	Profiling Profiling
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":3000",
			AllowedOrigins: []string{"*"},
		},
		Store: Store{
			Backend:         "memory",
			PebblePath:      "data/orders",
			PostgresHost:    "localhost",
			PostgresPort:    5432,
			PostgresUser:    "postgres",
			PostgresDB:      "postgres",
			PostgresSSLMode: "disable",
		},
		Bus: Bus{
			Backend:   "local",
			RedisAddr: "localhost:6379",
		},
		Queue: Queue{
			Name:           "order-execution",
			Concurrency:    10,
			RateMax:        100,
			RateWindow:     60 * time.Second,
			Attempts:       3,
			BackoffBase:    1000 * time.Millisecond,
			BackoffMax:     60 * time.Second,
			AttemptTimeout: 30 * time.Second,
			Journal:        "memory",
			PebblePath:     "data/jobs",
		},
		Router: Router{
			QuotePolicy:    "all",
			QuoteTimeout:   2 * time.Second,
			ExecuteTimeout: 10 * time.Second,
			SlippageProb:   0.05,
			BasePrice:      100,
		},
		Log: Log{
			File:       "data/executor.log",
			Level:      "info",
			EventsFile: "data/events.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("STORE_PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.PostgresHost = getEnv("POSTGRES_HOST", cfg.Store.PostgresHost)
	cfg.Store.PostgresPort = getEnvInt("POSTGRES_PORT", cfg.Store.PostgresPort)
	cfg.Store.PostgresUser = getEnv("POSTGRES_USER", cfg.Store.PostgresUser)
	cfg.Store.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.Store.PostgresPassword)
	cfg.Store.PostgresDB = getEnv("POSTGRES_DB", cfg.Store.PostgresDB)
	cfg.Store.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.Store.PostgresSSLMode)

	cfg.Bus.Backend = getEnv("BUS_BACKEND", cfg.Bus.Backend)
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Bus.RedisAddr = host + ":" + getEnv("REDIS_PORT", "6379")
	}
	cfg.Bus.RedisAddr = getEnv("REDIS_ADDR", cfg.Bus.RedisAddr)

	cfg.Queue.Concurrency = getEnvInt("QUEUE_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.RateMax = getEnvInt("QUEUE_RATE_MAX", cfg.Queue.RateMax)
	cfg.Queue.RateWindow = getEnvMillis("QUEUE_RATE_WINDOW_MS", cfg.Queue.RateWindow)
	cfg.Queue.Attempts = getEnvInt("QUEUE_ATTEMPTS", cfg.Queue.Attempts)
	cfg.Queue.BackoffBase = getEnvMillis("QUEUE_BACKOFF_MS", cfg.Queue.BackoffBase)
	cfg.Queue.BackoffMax = getEnvMillis("QUEUE_BACKOFF_MAX_MS", cfg.Queue.BackoffMax)
	cfg.Queue.AttemptTimeout = getEnvMillis("QUEUE_ATTEMPT_TIMEOUT_MS", cfg.Queue.AttemptTimeout)
	cfg.Queue.Journal = getEnv("QUEUE_JOURNAL", cfg.Queue.Journal)
	cfg.Queue.PebblePath = getEnv("QUEUE_PEBBLE_PATH", cfg.Queue.PebblePath)

	cfg.Router.QuotePolicy = getEnv("ROUTER_QUOTE_POLICY", cfg.Router.QuotePolicy)
	cfg.Router.QuoteTimeout = getEnvMillis("ROUTER_QUOTE_TIMEOUT_MS", cfg.Router.QuoteTimeout)
	cfg.Router.ExecuteTimeout = getEnvMillis("ROUTER_EXECUTE_TIMEOUT_MS", cfg.Router.ExecuteTimeout)
	if p := os.Getenv("ROUTER_SLIPPAGE_PROB"); p != "" {
		if v, err := strconv.ParseFloat(p, 64); err == nil && v >= 0 && v <= 1 {
			cfg.Router.SlippageProb = v
		}
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	if v, ok := os.LookupEnv("EVENT_LOG_FILE"); ok {
		cfg.Log.EventsFile = v
	}

	cfg.Profiling.PyroscopeAddr = getEnv("PYROSCOPE_ADDR", cfg.Profiling.PyroscopeAddr)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
