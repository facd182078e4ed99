package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds process-level settings sourced from the environment.
type ServiceConfig struct {
	Addr             string
	DatabaseURL      string
	WalletBaseURL    string
	WalletToken      string
	AdminToken       string
	MarketConfigPath string
	SaveInterval     time.Duration
	StoreTimeout     time.Duration
	Workers          int
}

func LoadServiceFromEnv() (ServiceConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("STOCKD_ADDR", ":8080")
	}

	cfg := ServiceConfig{
		Addr:             addr,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		WalletBaseURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("WALLET_URL")), "/"),
		WalletToken:      strings.TrimSpace(os.Getenv("WALLET_TOKEN")),
		AdminToken:       strings.TrimSpace(os.Getenv("STOCKD_ADMIN_TOKEN")),
		MarketConfigPath: envDefault("STOCKD_MARKET_CONFIG", "market.yml"),
		SaveInterval:     envDurationDefault("STOCKD_SAVE_INTERVAL", time.Hour),
		StoreTimeout:     envDurationDefault("STOCKD_STORE_TIMEOUT", 10*time.Second),
		Workers:          envIntDefault("STOCKD_WORKERS", 4),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WalletBaseURL == "" {
		return cfg, fmt.Errorf("WALLET_URL is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
