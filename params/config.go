package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/exchange"
)

type Ledger struct {
	DataDir string
	// TxTimeout bounds lock wait plus body of one ledger transaction
	TxTimeout time.Duration
}

type Custody struct {
	// URL of the account service; empty runs an in-process custody ledger
	URL     string
	Timeout time.Duration
}

type Feed struct {
	Brokers []string
	Topic   string
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Config struct {
	Ledger      Ledger
	Exchange    exchange.Config
	Custody     Custody
	Feed        Feed
	API         API
	LogFile     string
	EventBuffer int
}

func Default() Config {
	return Config{
		Ledger: Ledger{
			DataDir:   "data/ledger",
			TxTimeout: ledger.DefaultTxTimeout,
		},
		Exchange: exchange.DefaultConfig(),
		Custody: Custody{
			Timeout: 3 * time.Second,
		},
		Feed: Feed{
			Topic: "stockcenter.events",
		},
		API: API{
			Addr: ":8080",
		},
		EventBuffer: events.DefaultBuffer,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// godotenv never overrides variables already set
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Ledger.DataDir = getEnv("DATA_DIR", cfg.Ledger.DataDir)
	cfg.Ledger.TxTimeout = getMillis("LEDGER_TX_TIMEOUT_MS", cfg.Ledger.TxTimeout)

	cfg.Exchange.Shards = getInt("EXCHANGE_SHARDS", cfg.Exchange.Shards)
	cfg.Exchange.MaxPasses = getInt("MATCH_MAX_PASSES", cfg.Exchange.MaxPasses)
	cfg.Exchange.MaxRetries = getInt("MATCH_MAX_RETRIES", cfg.Exchange.MaxRetries)
	cfg.Exchange.RetryBackoff = getMillis("MATCH_RETRY_BACKOFF_MS", cfg.Exchange.RetryBackoff)

	cfg.Custody.URL = getEnv("CUSTODY_URL", cfg.Custody.URL)
	cfg.Custody.Timeout = getMillis("CUSTODY_TIMEOUT_MS", cfg.Custody.Timeout)

	// e.g. "kafka-1:9092,kafka-2:9092"
	cfg.Feed.Brokers = getList("KAFKA_BROKERS", cfg.Feed.Brokers)
	cfg.Feed.Topic = getEnv("KAFKA_TOPIC", cfg.Feed.Topic)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.CORSOrigins = getList("CORS_ORIGINS", cfg.API.CORSOrigins)

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.EventBuffer = getInt("EVENT_BUFFER", cfg.EventBuffer)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
