package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/engine"
	"github.com/coachpo/swapbook/internal/fetcher"
	"github.com/coachpo/swapbook/internal/hub"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/pricefeed"
	"github.com/coachpo/swapbook/internal/scheduler"
	"github.com/coachpo/swapbook/internal/schema"
	"github.com/coachpo/swapbook/internal/server"
	"github.com/coachpo/swapbook/internal/telemetry"
	"github.com/coachpo/swapbook/internal/tokens"
)

// AppConfig is the unified swapbook configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Chain       ChainConfig     `yaml:"chain"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Fetcher     FetcherConfig   `yaml:"fetcher"`
	Hub         HubConfig       `yaml:"hub"`
	Clock       ClockConfig     `yaml:"clock"`
	Tokens      TokensConfig    `yaml:"tokens"`
	Prices      PricesConfig    `yaml:"prices"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Load loads the configuration with precedence: defaults → YAML → .env → env vars.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	yamlErr := cfg.loadYAML(ctx, configPath)
	if yamlErr != nil && !isConfigNotFoundError(yamlErr) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", yamlErr)
	}

	dotenv, err := readDotenv(os.Getenv("SWAPBOOK_ENV_FILE"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("load env file: %w", err)
	}
	cfg.loadEnv(func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(dotenv[key])
	})

	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// isConfigNotFoundError checks if the error is due to config file not found.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, fs.ErrNotExist)
}

func defaultAppConfig() AppConfig {
	sched := scheduler.DefaultConfig()
	fetch := fetcher.DefaultConfig()
	h := hub.DefaultConfig()
	return AppConfig{
		Environment: EnvProd,
		Chain: ChainConfig{
			Multicall:   chain.DefaultMulticallAddress.Hex(),
			DialTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:       sched.MaxConcurrent,
			MinInterval:         sched.MinInterval,
			RateLimitCooldown:   sched.RateLimitCooldown,
			MaxRateLimitRetries: sched.MaxRateLimitRetries,
		},
		Fetcher: FetcherConfig{
			BatchSize:           fetch.BatchSize,
			BatchDelay:          fetch.BatchDelay,
			MulticallTimeout:    fetch.MulticallTimeout,
			BulkRetryDelay:      fetch.BulkRetryDelay,
			FallbackConcurrency: fetch.FallbackConcurrency,
		},
		Hub: HubConfig{
			MaxReconnectAttempts: h.MaxReconnectAttempts,
			BaseDelay:            h.BaseDelay,
			MaxDelay:             h.MaxDelay,
			ReadyTimeout:         h.ReadyTimeout,
			HeadStaleAfter:       h.HeadStaleAfter,
			PollInterval:         h.PollInterval,
		},
		Clock: ClockConfig{Freshness: 30 * time.Second},
		Tokens: TokensConfig{
			PrefetchConcurrency: 4,
		},
		Prices: PricesConfig{
			RefreshInterval: time.Minute,
			Timeout:         10 * time.Second,
			Debounce:        250 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:               ":8080",
			ReadHeaderTimeout:  5 * time.Second,
			ShutdownTimeout:    5 * time.Second,
			StreamBuffer:       256,
			StreamWriteTimeout: 5 * time.Second,
			FilterBudget:       50 * time.Millisecond,
			MaxOrders:          1000,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "http://localhost:4318",
			MetricInterval: 30 * time.Second,
			ServiceName:    "swapbook",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// loadYAML decodes the file over the current values; absent keys keep their defaults.
func (c *AppConfig) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("SWAPBOOK_CONFIG"))
	}
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	c.Environment = normalizeEnvironment(string(c.Environment))
	return nil
}

// readDotenv reads KEY=VALUE pairs without touching the process environment.
// A missing file yields no values.
func readDotenv(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return values, nil
}

func (c *AppConfig) loadEnv(getenv func(string) string) {
	if v := getenv("SWAPBOOK_ENV"); v != "" {
		c.Environment = normalizeEnvironment(v)
	}
	if v := getenv("SWAPBOOK_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := getenv("SWAPBOOK_CONTRACT"); v != "" {
		c.Chain.Contract = v
	}
	if v := getenv("SWAPBOOK_MULTICALL"); v != "" {
		c.Chain.Multicall = v
	}
	if v := getenv("SWAPBOOK_PRICE_URL"); v != "" {
		c.Prices.URL = v
	}
	if v := getenv("SWAPBOOK_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("SWAPBOOK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate checks the merged configuration.
func (c *AppConfig) Validate(ctx context.Context) error {
	_ = ctx

	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpcUrl required")
	}
	if err := validateURL(c.Chain.RPCURL, "ws", "wss", "http", "https"); err != nil {
		return fmt.Errorf("chain rpcUrl: %w", err)
	}
	if !common.IsHexAddress(c.Chain.Contract) {
		return fmt.Errorf("chain contract %q is not an address", c.Chain.Contract)
	}
	if strings.TrimSpace(c.Chain.Multicall) == "" {
		c.Chain.Multicall = chain.DefaultMulticallAddress.Hex()
	}
	if !common.IsHexAddress(c.Chain.Multicall) {
		return fmt.Errorf("chain multicall %q is not an address", c.Chain.Multicall)
	}
	if c.Chain.DialTimeout <= 0 {
		c.Chain.DialTimeout = 10 * time.Second
	}

	for i, seed := range c.Tokens.Seeds {
		if !common.IsHexAddress(seed.Address) {
			return fmt.Errorf("tokens seed %d: %q is not an address", i, seed.Address)
		}
	}
	for token := range c.Prices.Static {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("prices static: %q is not an address", token)
		}
	}
	if c.Prices.URL != "" {
		if err := validateURL(c.Prices.URL, "http", "https"); err != nil {
			return fmt.Errorf("prices url: %w", err)
		}
	}

	if c.Server.MaxOrders < 0 {
		return fmt.Errorf("server maxOrders must be >=0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "swapbook"
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// EngineConfig builds the engine configuration.
func (c AppConfig) EngineConfig() engine.Config {
	seeds := make([]schema.TokenMetadata, 0, len(c.Tokens.Seeds))
	for _, seed := range c.Tokens.Seeds {
		seeds = append(seeds, schema.TokenMetadata{
			Address:  common.HexToAddress(seed.Address),
			Symbol:   seed.Symbol,
			Decimals: seed.Decimals,
			Name:     seed.Name,
			Icon:     seed.Icon,
		})
	}
	return engine.Config{
		Contract:  common.HexToAddress(c.Chain.Contract),
		Multicall: common.HexToAddress(c.Chain.Multicall),
		ABIPath:   c.Chain.ABIPath,
		Scheduler: scheduler.Config{
			MaxConcurrent:       c.Scheduler.MaxConcurrent,
			MinInterval:         c.Scheduler.MinInterval,
			RateLimitCooldown:   c.Scheduler.RateLimitCooldown,
			MaxRateLimitRetries: c.Scheduler.MaxRateLimitRetries,
		},
		Fetcher: fetcher.Config{
			BatchSize:           c.Fetcher.BatchSize,
			BatchDelay:          c.Fetcher.BatchDelay,
			MulticallTimeout:    c.Fetcher.MulticallTimeout,
			BulkRetryDelay:      c.Fetcher.BulkRetryDelay,
			FallbackConcurrency: c.Fetcher.FallbackConcurrency,
		},
		Hub: hub.Config{
			MaxReconnectAttempts: c.Hub.MaxReconnectAttempts,
			BaseDelay:            c.Hub.BaseDelay,
			MaxDelay:             c.Hub.MaxDelay,
			ReadyTimeout:         c.Hub.ReadyTimeout,
			HeadStaleAfter:       c.Hub.HeadStaleAfter,
			PollInterval:         c.Hub.PollInterval,
		},
		Tokens: tokens.Config{
			IconTemplate:        c.Tokens.IconTemplate,
			Seeds:               seeds,
			PrefetchConcurrency: c.Tokens.PrefetchConcurrency,
		},
		ClockFreshness: c.Clock.Freshness,
	}
}

// ServerConfig builds the HTTP server configuration.
func (c AppConfig) ServerConfig() server.Config {
	return server.Config{
		Addr:               c.Server.Addr,
		ReadHeaderTimeout:  c.Server.ReadHeaderTimeout,
		ShutdownTimeout:    c.Server.ShutdownTimeout,
		StreamBuffer:       c.Server.StreamBuffer,
		StreamWriteTimeout: c.Server.StreamWriteTimeout,
		FilterBudget:       c.Server.FilterBudget,
		OriginPatterns:     append([]string(nil), c.Server.OriginPatterns...),
		MaxOrders:          c.Server.MaxOrders,
	}
}

// PriceFeedConfig builds the HTTP oracle configuration. Static price tokens
// are tracked from the start.
func (c AppConfig) PriceFeedConfig() pricefeed.Config {
	tracked := make([]common.Address, 0, len(c.Prices.Static))
	for token := range c.Prices.Static {
		tracked = append(tracked, common.HexToAddress(token))
	}
	return pricefeed.Config{
		URL:             c.Prices.URL,
		RefreshInterval: c.Prices.RefreshInterval,
		Timeout:         c.Prices.Timeout,
		Debounce:        c.Prices.Debounce,
		Tokens:          tracked,
	}
}

// StaticPrices returns the configured fixed quotes.
func (c AppConfig) StaticPrices() map[common.Address]pricefeed.Quote {
	prices := make(map[common.Address]pricefeed.Quote, len(c.Prices.Static))
	for token, usd := range c.Prices.Static {
		prices[common.HexToAddress(token)] = pricefeed.Quote{USD: usd}
	}
	return prices
}

// TelemetryConfig builds the meter provider configuration.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:          c.Telemetry.Enabled,
		OTLPEndpoint:     c.Telemetry.OTLPEndpoint,
		OTLPInsecure:     c.Telemetry.OTLPInsecure,
		MetricInterval:   c.Telemetry.MetricInterval,
		ServiceName:      c.Telemetry.ServiceName,
		ServiceNamespace: c.Telemetry.ServiceNamespace,
		Environment:      string(c.Environment),
	}
}

// LoggingConfig builds the zap logger configuration.
func (c AppConfig) LoggingConfig() observability.ZapConfig {
	return observability.ZapConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		closeFn    func()
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	for _, fallback := range []string{
		"config/app.yaml",
		"config/app.example.yaml",
	} {
		addCandidate(fallback)
	}

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			closeFn = func() { _ = file.Close() }
			return file, closeFn, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
