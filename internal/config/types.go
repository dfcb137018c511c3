package config

import (
	"strings"
	"time"
)

// Environment identifies the runtime environment where swapbook operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

func normalizeEnvironment(raw string) Environment {
	return Environment(strings.ToLower(strings.TrimSpace(raw)))
}

// ChainConfig locates the node and the contracts.
type ChainConfig struct {
	RPCURL      string        `yaml:"rpcUrl"`
	Contract    string        `yaml:"contract"`
	Multicall   string        `yaml:"multicall"`
	ABIPath     string        `yaml:"abiPath"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// SchedulerConfig tunes RPC pacing.
type SchedulerConfig struct {
	MaxConcurrent       int           `yaml:"maxConcurrent"`
	MinInterval         time.Duration `yaml:"minInterval"`
	RateLimitCooldown   time.Duration `yaml:"rateLimitCooldown"`
	MaxRateLimitRetries int           `yaml:"maxRateLimitRetries"`
}

// FetcherConfig tunes bulk order reads.
type FetcherConfig struct {
	BatchSize           int           `yaml:"batchSize"`
	BatchDelay          time.Duration `yaml:"batchDelay"`
	MulticallTimeout    time.Duration `yaml:"multicallTimeout"`
	BulkRetryDelay      time.Duration `yaml:"bulkRetryDelay"`
	FallbackConcurrency int           `yaml:"fallbackConcurrency"`
}

// HubConfig tunes the event subscription lifecycle.
type HubConfig struct {
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	BaseDelay            time.Duration `yaml:"baseDelay"`
	MaxDelay             time.Duration `yaml:"maxDelay"`
	ReadyTimeout         time.Duration `yaml:"readyTimeout"`
	HeadStaleAfter       time.Duration `yaml:"headStaleAfter"`
	PollInterval         time.Duration `yaml:"pollInterval"`
}

// ClockConfig tunes the chain time snapshot.
type ClockConfig struct {
	Freshness time.Duration `yaml:"freshness"`
}

// TokenSeed is a token known ahead of time.
type TokenSeed struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Name     string `yaml:"name"`
	Icon     string `yaml:"icon"`
}

// TokensConfig configures the token metadata cache.
type TokensConfig struct {
	IconTemplate        string      `yaml:"iconTemplate"`
	PrefetchConcurrency int         `yaml:"prefetchConcurrency"`
	Seeds               []TokenSeed `yaml:"seeds"`
}

// PricesConfig selects the price source. A URL enables the HTTP oracle;
// otherwise Static prices are served as-is.
type PricesConfig struct {
	URL             string             `yaml:"url"`
	RefreshInterval time.Duration      `yaml:"refreshInterval"`
	Timeout         time.Duration      `yaml:"timeout"`
	Debounce        time.Duration      `yaml:"debounce"`
	Static          map[string]float64 `yaml:"static"`
}

// ServerConfig configures the HTTP and stream surface.
type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	ReadHeaderTimeout  time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
	StreamBuffer       int           `yaml:"streamBuffer"`
	StreamWriteTimeout time.Duration `yaml:"streamWriteTimeout"`
	FilterBudget       time.Duration `yaml:"filterBudget"`
	OriginPatterns     []string      `yaml:"originPatterns"`
	MaxOrders          int           `yaml:"maxOrders"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	OTLPEndpoint     string        `yaml:"otlpEndpoint"`
	OTLPInsecure     bool          `yaml:"otlpInsecure"`
	MetricInterval   time.Duration `yaml:"metricInterval"`
	ServiceName      string        `yaml:"serviceName"`
	ServiceNamespace string        `yaml:"serviceNamespace"`
}

// LoggingConfig configures the zap logger and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}
