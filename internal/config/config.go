// Package config loads the daemon configuration from a YAML file, an optional
// .env file and a handful of environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sentinel/internal/exchange"
	"sentinel/internal/model"
	"sentinel/internal/ofi"
	"sentinel/internal/service"
	"sentinel/internal/stream"
	"sentinel/internal/task"
	"sentinel/internal/watchlist"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvWSURL        = "SENTINEL_WS_URL"
	EnvKafkaBrokers = "SENTINEL_KAFKA_BROKERS"
	EnvLogLevel     = "SENTINEL_LOG_LEVEL"
	EnvSymbols      = "SENTINEL_SYMBOLS"
)

// OFI holds the detection thresholds. Periods are in milliseconds.
type OFI struct {
	ImbalanceRatio             float64 `yaml:"imbalance_ratio" validate:"gt=0"`
	DeltaThreshold             float64 `yaml:"delta_threshold" validate:"gt=0"`
	LookbackPeriodMs           int     `yaml:"lookback_period_ms" validate:"gt=0"`
	TradeStorageLimit          int     `yaml:"trade_storage_limit" validate:"gt=0"`
	AnalysisDurationPerCycleMs int     `yaml:"analysis_duration_per_cycle_ms" validate:"gt=0"`
	StrongSignalConfidence     float64 `yaml:"strong_signal_confidence" validate:"gte=0,lte=1"`
	ReversalSignalConfidence   float64 `yaml:"reversal_signal_confidence" validate:"gte=0,lte=1"`
	ExhaustionSignalConfidence float64 `yaml:"exhaustion_signal_confidence" validate:"gte=0,lte=1"`
	OFILimit                   float64 `yaml:"ofi_limit" validate:"gtefield=ImbalanceRatio"`
	SignalCooldownMs           int     `yaml:"signal_cooldown_ms" validate:"gte=0"`
}

// Watchlist selects where symbols come from.
type Watchlist struct {
	Provider        string        `yaml:"provider" validate:"oneof=static bitget binance"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`
	Symbols         []string      `yaml:"symbols" validate:"required_if=Provider static"`
	TopN            int           `yaml:"top_n" validate:"gt=0"`
	MinQuoteVolume  float64       `yaml:"min_quote_volume" validate:"gte=0"`
	BaseURL         string        `yaml:"base_url" validate:"omitempty,url"`
}

// Stream configures the market data connection of each task.
type Stream struct {
	Exchange             string        `yaml:"exchange" validate:"oneof=bitget binance"`
	URL                  string        `yaml:"url" validate:"omitempty,url"`
	BookDepth            int           `yaml:"book_depth" validate:"gte=0"`
	BackoffBase          time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax           time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" validate:"gt=0"`
	StaleAfter           time.Duration `yaml:"stale_after" validate:"gte=0"`
}

// Supervisor bounds the task set.
type Supervisor struct {
	MaxTasks int `yaml:"max_tasks" validate:"gt=0"`
}

// Aggregator configures the signal queue.
type Aggregator struct {
	Buffer          int           `yaml:"buffer" validate:"gt=0"`
	SendTimeout     time.Duration `yaml:"send_timeout" validate:"gte=0"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" validate:"gt=0"`
	Workers         int           `yaml:"workers" validate:"gt=0"`
}

// Kafka configures the optional Kafka sink.
type Kafka struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic    string   `yaml:"topic" validate:"required_if=Enabled true"`
	ClientID string   `yaml:"client_id"`
}

// Execution lists the downstream sinks. Signals are always logged.
type Execution struct {
	Kafka Kafka `yaml:"kafka"`
}

// Server holds listener addresses.
type Server struct {
	HTTPAddr string `yaml:"http_addr" validate:"required,hostname_port"`
	GRPCAddr string `yaml:"grpc_addr" validate:"required,hostname_port"`
}

// Log configures zerolog.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Config collects every configuration leaf.
type Config struct {
	OFI        OFI        `yaml:"ofi"`
	Watchlist  Watchlist  `yaml:"watchlist"`
	Stream     Stream     `yaml:"stream"`
	Supervisor Supervisor `yaml:"supervisor"`
	Aggregator Aggregator `yaml:"aggregator"`
	Execution  Execution  `yaml:"execution"`
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		OFI: OFI{
			ImbalanceRatio:             3.0,
			DeltaThreshold:             50000,
			LookbackPeriodMs:           5000,
			TradeStorageLimit:          200,
			AnalysisDurationPerCycleMs: 5000,
			StrongSignalConfidence:     0.8,
			ReversalSignalConfidence:   0.6,
			ExhaustionSignalConfidence: 0.5,
			OFILimit:                   10,
			SignalCooldownMs:           5000,
		},
		Watchlist: Watchlist{
			Provider:        "static",
			RefreshInterval: 15 * time.Minute,
			Symbols:         []string{"BTCUSDT", "ETHUSDT"},
			TopN:            10,
		},
		Stream: Stream{
			Exchange:             "bitget",
			BookDepth:            50,
			BackoffBase:          time.Second,
			BackoffMax:           30 * time.Second,
			MaxReconnectAttempts: 10,
			StaleAfter:           120 * time.Second,
		},
		Supervisor: Supervisor{MaxTasks: 20},
		Aggregator: Aggregator{
			Buffer:          100,
			SendTimeout:     250 * time.Millisecond,
			DispatchTimeout: 10 * time.Second,
			Workers:         1,
		},
		Execution: Execution{
			Kafka: Kafka{Topic: "ofi-signals", ClientID: "sentinel"},
		},
		Server: Server{HTTPAddr: ":8080", GRPCAddr: ":50051"},
		Log:    Log{Level: "info", Format: "console"},
	}
}

// Load reads path on top of the defaults, applies .env and environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWSURL); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		c.Execution.Kafka.Brokers = splitAndTrim(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvSymbols); v != "" {
		c.Watchlist.Symbols = splitAndTrim(v)
	}
}

// Validate checks struct tags and the cross-package invariants.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", describe(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.OFIConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: ofi: %w", err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// OFIConfig converts the ofi section.
func (c *Config) OFIConfig() ofi.Config {
	o := c.OFI
	return ofi.Config{
		ImbalanceRatio:       o.ImbalanceRatio,
		DeltaThreshold:       o.DeltaThreshold,
		LookbackPeriod:       time.Duration(o.LookbackPeriodMs) * time.Millisecond,
		TradeStorageLimit:    o.TradeStorageLimit,
		OFILimit:             o.OFILimit,
		StrongConfidence:     o.StrongSignalConfidence,
		ReversalConfidence:   o.ReversalSignalConfidence,
		ExhaustionConfidence: o.ExhaustionSignalConfidence,
	}
}

// SupervisorConfig converts the task related sections.
func (c *Config) SupervisorConfig() task.SupervisorConfig {
	return task.SupervisorConfig{
		Task: task.Config{
			OFI:            c.OFIConfig(),
			CycleInterval:  time.Duration(c.OFI.AnalysisDurationPerCycleMs) * time.Millisecond,
			SignalCooldown: time.Duration(c.OFI.SignalCooldownMs) * time.Millisecond,
		},
		MaxTasks: c.Supervisor.MaxTasks,
	}
}

// StreamConfig converts the stream section.
func (c *Config) StreamConfig() stream.Config {
	s := stream.DefaultConfig()
	s.BookDepth = c.Stream.BookDepth
	s.BackoffBase = c.Stream.BackoffBase
	s.BackoffMax = c.Stream.BackoffMax
	s.MaxReconnectAttempts = c.Stream.MaxReconnectAttempts
	s.StaleAfter = c.Stream.StaleAfter
	return s
}

// ExchangeConfig returns the venue and connector settings.
func (c *Config) ExchangeConfig() (model.Exchange, *exchange.ExchangeConfig, error) {
	venue, ok := model.ParseExchange(c.Stream.Exchange)
	if !ok {
		return 0, nil, fmt.Errorf("unknown exchange %q", c.Stream.Exchange)
	}
	return venue, &exchange.ExchangeConfig{BaseURL: c.Stream.URL}, nil
}

// AggregatorConfig converts the aggregator section.
func (c *Config) AggregatorConfig() service.AggregatorConfig {
	return service.AggregatorConfig{
		Buffer:          c.Aggregator.Buffer,
		SendTimeout:     c.Aggregator.SendTimeout,
		DispatchTimeout: c.Aggregator.DispatchTimeout,
		Workers:         c.Aggregator.Workers,
	}
}

// ScreenerConfig converts the screener part of the watchlist section.
func (c *Config) ScreenerConfig() watchlist.ScreenerConfig {
	return watchlist.ScreenerConfig{
		BaseURL:        c.Watchlist.BaseURL,
		TopN:           c.Watchlist.TopN,
		MinQuoteVolume: decimal.NewFromFloat(c.Watchlist.MinQuoteVolume),
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
