package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MarketConfig is the operator-editable market definition file. It carries
// the simulation parameters and every tradable instrument.
type MarketConfig struct {
	TransactionFeePercent        float64 `yaml:"transaction-fee-percent"`
	UpdateIntervalSeconds        int     `yaml:"update-interval-seconds"`
	NotificationThresholdPercent float64 `yaml:"notification-threshold-percent"`
	PriceFloor                   float64 `yaml:"price-floor"`

	Limits TransactionLimits `yaml:"stock-transaction-limits"`

	Stocks map[string]InstrumentConfig `yaml:"stocks"`
}

type TransactionLimits struct {
	Enable     bool `yaml:"enable"`
	Buy        int  `yaml:"buy"`
	Sell       int  `yaml:"sell"`
	ResetHours int  `yaml:"reset-hours"`
}

type InstrumentConfig struct {
	Name         string  `yaml:"name"`
	InitialPrice float64 `yaml:"initial-price"`
	Fluctuation  float64 `yaml:"fluctuation"`
}

// LoadMarket reads a YAML market file, expands environment variables,
// applies defaults and validates.
func LoadMarket(path string) (*MarketConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	// Fee and threshold legitimately accept zero, so the file is decoded
	// with pointers for those two to tell an explicit 0 from unset.
	var raw struct {
		TransactionFeePercent        *float64                    `yaml:"transaction-fee-percent"`
		UpdateIntervalSeconds        int                         `yaml:"update-interval-seconds"`
		NotificationThresholdPercent *float64                    `yaml:"notification-threshold-percent"`
		PriceFloor                   float64                     `yaml:"price-floor"`
		Limits                       TransactionLimits           `yaml:"stock-transaction-limits"`
		Stocks                       map[string]InstrumentConfig `yaml:"stocks"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse market config: %w", err)
	}

	cfg := MarketConfig{
		TransactionFeePercent:        0.5,
		UpdateIntervalSeconds:        raw.UpdateIntervalSeconds,
		NotificationThresholdPercent: 1.0,
		PriceFloor:                   raw.PriceFloor,
		Limits:                       raw.Limits,
		Stocks:                       raw.Stocks,
	}
	if raw.TransactionFeePercent != nil {
		cfg.TransactionFeePercent = *raw.TransactionFeePercent
	}
	if raw.NotificationThresholdPercent != nil {
		cfg.NotificationThresholdPercent = *raw.NotificationThresholdPercent
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate market config: %w", err)
	}
	return &cfg, nil
}

func (c *MarketConfig) applyDefaults() {
	if c.UpdateIntervalSeconds == 0 {
		c.UpdateIntervalSeconds = 60
	}
	if c.PriceFloor == 0 {
		c.PriceFloor = 1.0
	}
	if c.Limits.Buy == 0 && c.Limits.Sell == 0 && c.Limits.ResetHours == 0 {
		c.Limits.Buy = 10
		c.Limits.Sell = 10
	}
	if c.Limits.ResetHours == 0 {
		c.Limits.ResetHours = 24
	}
	for id, st := range c.Stocks {
		if st.Name == "" {
			st.Name = id
		}
		if st.InitialPrice == 0 {
			st.InitialPrice = 1000.0
		}
		if st.Fluctuation == 0 {
			st.Fluctuation = 100.0
		}
		c.Stocks[id] = st
	}
}

func (c *MarketConfig) Validate() error {
	if c.TransactionFeePercent < 0 {
		return fmt.Errorf("transaction-fee-percent must be >= 0")
	}
	if c.UpdateIntervalSeconds < 1 {
		return fmt.Errorf("update-interval-seconds must be >= 1")
	}
	if c.NotificationThresholdPercent < 0 {
		return fmt.Errorf("notification-threshold-percent must be >= 0")
	}
	if c.PriceFloor <= 0 {
		return fmt.Errorf("price-floor must be > 0")
	}
	if c.Limits.Buy < 0 || c.Limits.Sell < 0 {
		return fmt.Errorf("stock-transaction-limits.buy/sell must be >= 0")
	}
	if c.Limits.ResetHours < 1 {
		return fmt.Errorf("stock-transaction-limits.reset-hours must be >= 1")
	}
	if len(c.Stocks) == 0 {
		return fmt.Errorf("at least one stock is required")
	}
	for id, st := range c.Stocks {
		if id == "" {
			return fmt.Errorf("stock id must not be empty")
		}
		if st.InitialPrice <= 0 {
			return fmt.Errorf("stock %q: initial-price must be > 0", id)
		}
		if st.Fluctuation < 0 {
			return fmt.Errorf("stock %q: fluctuation must be >= 0", id)
		}
	}
	return nil
}
