package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Storage struct {
	// DataDir holds the Pebble database. Empty keeps state in memory only.
	DataDir string
}

type API struct {
	Addr        string
	CORSOrigins []string
	// RequireSignatures rejects POST /positions without a valid EIP-712 signature
	RequireSignatures bool
	ChainID           int64
}

type Log struct {
	File  string // empty logs to stdout only
	Level string
}

type Config struct {
	Storage         Storage
	API             API
	Log             Log
	MarketsFile     string
	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		Storage: Storage{DataDir: "data/clearhouse"},
		API: API{
			Addr:              ":8080",
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:3001"},
			RequireSignatures: true,
			ChainID:           1337,
		},
		Log: Log{
			File:  "logs/clearhouse.log",
			Level: "info",
		},
		MarketsFile:     "markets.toml",
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	setStr(&cfg.Storage.DataDir, "DATA_DIR")
	setStr(&cfg.API.Addr, "API_ADDR")
	setStr(&cfg.Log.File, "LOG_FILE")
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.MarketsFile, "MARKETS_FILE")
	setInt64(&cfg.API.ChainID, "CHAIN_ID")
	setBool(&cfg.API.RequireSignatures, "REQUIRE_SIGNATURES")

	if ms := os.Getenv("SHUTDOWN_TIMEOUT_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			cfg.ShutdownTimeout = time.Duration(n) * time.Millisecond
		}
	}

	// comma-separated, e.g. "https://app.example.com,http://localhost:3000"
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = cfg.API.CORSOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.API.CORSOrigins = append(cfg.API.CORSOrigins, o)
			}
		}
	}

	return cfg
}

// "none" clears a string setting, so DATA_DIR=none runs in memory
func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if v == "none" {
			v = ""
		}
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
