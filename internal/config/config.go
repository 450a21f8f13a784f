// Package config loads the gateway's runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Network selects the Kaspa network the gateway watches.
type Network string

const (
	NetworkMainnet   Network = "mainnet"
	NetworkTestnet10 Network = "testnet-10"
)

// NetworkProfile bundles the network-dependent defaults §6 requires: address
// prefix, indexer base URL, and confirmation threshold.
type NetworkProfile struct {
	AddressPrefix          string
	IndexerURL             string
	ConfirmationThreshold  uint64
	ExplorerBaseURL        string
}

var networkProfiles = map[Network]NetworkProfile{
	NetworkMainnet: {
		AddressPrefix:         "kaspa",
		IndexerURL:            "https://api.kaspa.org",
		ConfirmationThreshold: 10,
		ExplorerBaseURL:       "https://explorer.kaspa.org/addresses",
	},
	NetworkTestnet10: {
		AddressPrefix:         "kaspatest",
		IndexerURL:            "https://api-tn10.kaspa.org",
		ConfirmationThreshold: 10,
		ExplorerBaseURL:       "https://explorer-tn10.kaspa.org/addresses",
	},
}

// Config captures runtime configuration for the gateway service.
type Config struct {
	Env                 string
	Network             Network
	Profile             NetworkProfile
	ListenAddress        string
	DatabasePath         string
	CORSAllowedOrigins   []string
	NodeRPCURL           string
	NodeRPCAuthToken     string
	NodeRPCFallbackURLs  []string
	IndexerURL           string
	SessionTTL           time.Duration
	ConfirmationThreshold uint64
	WebhookQueueCapacity int
	WebhookHistorySize   int
	WebhookQueueTTL      time.Duration
	OTelEndpoint         string
	OTelInsecure         bool
	OTelHeaders          string
}

// LoadFromEnv builds a Config from environment variables, applying per-network
// defaults and validating required fields. Mirrors the flat env-var-driven
// loader style used across the gateway services this module is adapted from.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Env:                   getenvDefault("ENV", "production"),
		Network:               Network(getenvDefault("NETWORK", string(NetworkMainnet))),
		ListenAddress:         getenvDefault("HOST", "0.0.0.0") + ":" + getenvDefault("PORT", "8080"),
		DatabasePath:          getenvDefault("DATABASE_PATH", "kasgate.db"),
		SessionTTL:            15 * time.Minute,
		WebhookQueueCapacity:  4096,
		WebhookHistorySize:    1024,
		WebhookQueueTTL:       24 * time.Hour,
		OTelEndpoint:          getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}

	profile, ok := networkProfiles[cfg.Network]
	if !ok {
		return Config{}, fmt.Errorf("unsupported NETWORK %q", cfg.Network)
	}
	cfg.Profile = profile
	cfg.ConfirmationThreshold = profile.ConfirmationThreshold
	cfg.IndexerURL = getenvDefault("INDEXER_URL", profile.IndexerURL)

	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	cfg.NodeRPCURL = strings.TrimSpace(os.Getenv("NODE_RPC_URL"))
	cfg.NodeRPCAuthToken = strings.TrimSpace(os.Getenv("NODE_RPC_TOKEN"))
	if raw := strings.TrimSpace(os.Getenv("NODE_RPC_FALLBACK_URLS")); raw != "" {
		for _, url := range strings.Split(raw, ",") {
			url = strings.TrimSpace(url)
			if url != "" {
				cfg.NodeRPCFallbackURLs = append(cfg.NodeRPCFallbackURLs, url)
			}
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = dur
	}

	if raw := strings.TrimSpace(os.Getenv("CONFIRMATION_THRESHOLD")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse CONFIRMATION_THRESHOLD: %w", err)
		}
		if val == 0 {
			return Config{}, errors.New("CONFIRMATION_THRESHOLD must be positive")
		}
		cfg.ConfirmationThreshold = val
	}

	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse WEBHOOK_QUEUE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("WEBHOOK_QUEUE_CAP must be positive")
		}
		cfg.WebhookQueueCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse WEBHOOK_QUEUE_TTL: %w", err)
		}
		cfg.WebhookQueueTTL = dur
	}

	cfg.OTelInsecure = strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")), "true")
	cfg.OTelHeaders = os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
