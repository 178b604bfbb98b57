// Package config centralises runtime configuration helpers for execd services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where execd operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// VenueKind distinguishes integrated-driver venues from external-SDK venues.
type VenueKind string

const (
	// VenueIntegrated marks venues served by the in-process driver runtime.
	VenueIntegrated VenueKind = "INTEGRATED"
	// VenueExternalSDK marks venues served through a standalone adapter process or SDK.
	VenueExternalSDK VenueKind = "EXTERNAL_SDK"
)

// Credentials captures API credentials used for authenticated venue requests.
type Credentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// VenueSettings aggregates transport, credential, and throttle configuration
// for one venue adapter.
type VenueSettings struct {
	Kind             VenueKind     `yaml:"kind"`
	RESTBaseURL      string        `yaml:"rest_base_url"`
	WebsocketURL     string        `yaml:"websocket_url"`
	Credentials      Credentials   `yaml:"credentials"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestsPerSec   float64       `yaml:"requests_per_sec"`
	RequestBurst     int           `yaml:"request_burst"`
	QueueDepth       int           `yaml:"queue_depth"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	FeeBps           float64       `yaml:"fee_bps"`
	LatencyEstimate  time.Duration `yaml:"latency_estimate"`
	GasCostEstimate  float64       `yaml:"gas_cost_estimate"`
}

// RiskSettings bounds pre-trade admission. A nil Enabled means the engine
// runs; setting enabled: false bypasses every check.
type RiskSettings struct {
	Enabled               *bool               `yaml:"enabled"`
	MaxOrdersPerSecond    int                 `yaml:"max_orders_per_second"`
	MaxOrdersPerMinute    int                 `yaml:"max_orders_per_minute"`
	InstrumentNotionalCap map[string]string   `yaml:"instrument_notional_cap"`
	DefaultInstrumentCap  string              `yaml:"default_instrument_cap"`
	TotalNotionalCap      string              `yaml:"total_notional_cap"`
	PriceTolerancePct     string              `yaml:"price_tolerance_pct"`
	OperationWhitelist    map[string][]string `yaml:"operation_whitelist"`
	EvaluationBudget      time.Duration       `yaml:"evaluation_budget"`
}

// RouterSettings tunes venue selection and order splitting. A nil
// SmartExecutionEnabled means cross-venue scoring runs; an empty VenuesEnabled
// leaves every profiled venue eligible.
type RouterSettings struct {
	SmartExecutionEnabled *bool         `yaml:"smart_execution_enabled"`
	VenuesEnabled         []string      `yaml:"venues_enabled"`
	DepthCacheTTL         time.Duration `yaml:"depth_cache_ttl"`
	SplitThreshold        string        `yaml:"split_threshold"`
	MaxSplitLegs          int           `yaml:"max_split_legs"`
	SlippageModelBps      float64       `yaml:"slippage_model_bps"`
}

// OMSSettings tunes order state management and reconciliation.
type OMSSettings struct {
	CacheSize         int           `yaml:"cache_size"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout"`
}

// OrchestratorSettings bounds the submission pipeline.
type OrchestratorSettings struct {
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	CancelTimeout  time.Duration `yaml:"cancel_timeout"`
	SubmitRetries  int           `yaml:"submit_retries"`
	EventWorkers   int           `yaml:"event_workers"`
	EventQueueSize int           `yaml:"event_queue_size"`
}

// ServerSettings configures the HTTP API listener.
type ServerSettings struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseSettings configures the Postgres order store.
type DatabaseSettings struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings contains the execd configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment  Environment              `yaml:"environment"`
	LogLevel     string                   `yaml:"log_level"`
	Server       ServerSettings           `yaml:"server"`
	Database     DatabaseSettings         `yaml:"database"`
	Telemetry    TelemetryConfig          `yaml:"telemetry"`
	Risk         RiskSettings             `yaml:"risk"`
	Router       RouterSettings           `yaml:"router"`
	OMS          OMSSettings              `yaml:"oms"`
	Orchestrator OrchestratorSettings     `yaml:"orchestrator"`
	Venues       map[string]VenueSettings `yaml:"venues"`
}

// Default returns the default execd configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		LogLevel:    "info",
		Server: ServerSettings{
			Addr:            ":8085",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseSettings{DSN: ""},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "execd",
		},
		Risk: RiskSettings{
			MaxOrdersPerSecond:    10,
			MaxOrdersPerMinute:    100,
			InstrumentNotionalCap: map[string]string{},
			DefaultInstrumentCap:  "250000",
			TotalNotionalCap:      "1000000",
			PriceTolerancePct:     "0.05",
			OperationWhitelist:    map[string][]string{},
			EvaluationBudget:      50 * time.Millisecond,
		},
		Router: RouterSettings{
			DepthCacheTTL:    time.Second,
			SplitThreshold:   "100000",
			MaxSplitLegs:     3,
			SlippageModelBps: 5,
		},
		OMS: OMSSettings{
			CacheSize:         4096,
			ReconcileInterval: 30 * time.Second,
			SnapshotTimeout:   30 * time.Second,
		},
		Orchestrator: OrchestratorSettings{
			SubmitTimeout:  5 * time.Second,
			CancelTimeout:  5 * time.Second,
			SubmitRetries:  2,
			EventWorkers:   8,
			EventQueueSize: 256,
		},
		Venues: map[string]VenueSettings{
			"BINANCE-SPOT": {
				Kind:             VenueIntegrated,
				RESTBaseURL:      "https://api.binance.com",
				WebsocketURL:     "wss://stream.binance.com:9443/ws",
				HTTPTimeout:      10 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				RequestsPerSec:   20,
				RequestBurst:     40,
				QueueDepth:       128,
				FeeBps:           10,
				LatencyEstimate:  60 * time.Millisecond,
			},
			"DERIBIT": {
				Kind:             VenueExternalSDK,
				RESTBaseURL:      "https://www.deribit.com",
				WebsocketURL:     "wss://www.deribit.com/ws/api/v2",
				HTTPTimeout:      10 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				RequestsPerSec:   10,
				RequestBurst:     20,
				QueueDepth:       128,
				PollInterval:     2 * time.Second,
				FeeBps:           5,
				LatencyEstimate:  90 * time.Millisecond,
			},
		},
	}
}

// Load reads a YAML configuration file layered over the defaults.
func Load(path string) (Settings, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return applyEnv(Default())
}

func applyEnv(cfg Settings) Settings {
	if env := strings.TrimSpace(os.Getenv("EXECD_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_HTTP_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_RISK_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Risk.Enabled = &enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_RISK_MAX_ORDERS_PER_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Risk.MaxOrdersPerSecond = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_RISK_MAX_ORDERS_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Risk.MaxOrdersPerMinute = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EXECD_RISK_TOTAL_NOTIONAL_CAP")); v != "" {
		cfg.Risk.TotalNotionalCap = v
	}

	for name, venue := range cfg.Venues {
		prefix := "EXECD_VENUE_" + envKey(name) + "_"
		if v := strings.TrimSpace(os.Getenv(prefix + "REST_BASE_URL")); v != "" {
			venue.RESTBaseURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "WS_URL")); v != "" {
			venue.WebsocketURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "API_KEY")); v != "" {
			venue.Credentials.APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "API_SECRET")); v != "" {
			venue.Credentials.APISecret = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "HTTP_TIMEOUT")); v != "" {
			if dur, err := time.ParseDuration(v); err == nil {
				venue.HTTPTimeout = dur
			}
		}
		cfg.Venues[name] = venue
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Venue returns the venue-specific configuration if present.
func (s Settings) Venue(name string) (VenueSettings, bool) {
	if len(s.Venues) == 0 {
		return VenueSettings{}, false
	}
	cfg, ok := s.Venues[normalizeVenueName(name)]
	return cfg, ok
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithDatabaseDSN overrides the Postgres connection string.
func WithDatabaseDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(s *Settings) {
		if dsn != "" {
			s.Database.DSN = dsn
		}
	}
}

// WithVenue upserts the configuration for a single venue.
func WithVenue(name string, settings VenueSettings) Option {
	key := normalizeVenueName(name)
	return func(s *Settings) {
		if key == "" {
			return
		}
		if s.Venues == nil {
			s.Venues = make(map[string]VenueSettings)
		}
		s.Venues[key] = settings
	}
}

// WithVenueCredentials overrides the API credentials for the given venue.
func WithVenueCredentials(name, key, secret string) Option {
	venueKey := normalizeVenueName(name)
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(s *Settings) {
		cfg, ok := s.Venues[venueKey]
		if !ok {
			return
		}
		if key != "" {
			cfg.Credentials.APIKey = key
		}
		if secret != "" {
			cfg.Credentials.APISecret = secret
		}
		s.Venues[venueKey] = cfg
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Venues = make(map[string]VenueSettings, len(s.Venues))
	for k, v := range s.Venues {
		out.Venues[k] = v
	}
	out.Risk.InstrumentNotionalCap = make(map[string]string, len(s.Risk.InstrumentNotionalCap))
	for k, v := range s.Risk.InstrumentNotionalCap {
		out.Risk.InstrumentNotionalCap[k] = v
	}
	out.Risk.OperationWhitelist = make(map[string][]string, len(s.Risk.OperationWhitelist))
	for k, v := range s.Risk.OperationWhitelist {
		out.Risk.OperationWhitelist[k] = append([]string(nil), v...)
	}
	out.Router.VenuesEnabled = append([]string(nil), s.Router.VenuesEnabled...)
	return out
}

func normalizeVenueName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func envKey(name string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return strings.ToUpper(replacer.Replace(name))
}
