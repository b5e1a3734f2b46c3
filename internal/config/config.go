// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	LNDAddress       string `env:"LND_ADDRESS"`
	LNDTLSCertPath   string `env:"LND_TLS_CERT_PATH"`
	LNDMacaroonPath  string `env:"LND_MACAROON_PATH"`
	GroundControlURL string `env:"GROUNDCONTROL"`
	FeePercent       int64  `env:"FEES_PERCENT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{FeePercent: -1}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLNDAddress := cfg.LNDAddress
	envLNDTLSCertPath := cfg.LNDTLSCertPath
	envLNDMacaroonPath := cfg.LNDMacaroonPath
	envGroundControlURL := cfg.GroundControlURL
	envFeePercent := cfg.FeePercent

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LNDAddress, "l", "127.0.0.1:10009", "lnd gRPC address")
	flag.StringVar(&cfg.LNDTLSCertPath, "c", "", "path to lnd TLS certificate")
	flag.StringVar(&cfg.LNDMacaroonPath, "m", "", "path to lnd admin macaroon")
	flag.StringVar(&cfg.GroundControlURL, "g", "", "GroundControl notification service address")
	flag.Int64Var(&cfg.FeePercent, "f", 1, "fee reserve percent charged on outgoing payments")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLNDAddress != "" {
		cfg.LNDAddress = envLNDAddress
	}
	if envLNDTLSCertPath != "" {
		cfg.LNDTLSCertPath = envLNDTLSCertPath
	}
	if envLNDMacaroonPath != "" {
		cfg.LNDMacaroonPath = envLNDMacaroonPath
	}
	if envGroundControlURL != "" {
		cfg.GroundControlURL = envGroundControlURL
	}
	if envFeePercent >= 0 {
		cfg.FeePercent = envFeePercent
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.FeePercent < 0 {
		cfg.FeePercent = 1
	}

	return cfg, nil
}
