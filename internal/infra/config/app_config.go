// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/retry"
)

// EventLogBackend selects the storage engine behind the event log.
type EventLogBackend string

const (
	// BackendMemory keeps the log in process memory.
	BackendMemory EventLogBackend = "memory"
	// BackendSQLite stores the log in a local SQLite file.
	BackendSQLite EventLogBackend = "sqlite"
	// BackendPostgres stores the log in PostgreSQL.
	BackendPostgres EventLogBackend = "postgres"
)

// RetryConfig bounds an exponential backoff loop.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

func (c *RetryConfig) applyDefaults(attempts int, initial, maximum time.Duration) {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = attempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = initial
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = maximum
	}
}

// Policy converts the configuration into a retry policy retrying transient errors.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
}

func (c RetryConfig) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be >0")
	}
	if c.InitialInterval <= 0 {
		return fmt.Errorf("initialInterval must be >0")
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("maxInterval must be >= initialInterval")
	}
	return nil
}

// EventLogConfig sizes the durable event log and selects its backend.
type EventLogConfig struct {
	Backend        EventLogBackend `yaml:"backend"`
	SQLitePath     string          `yaml:"sqlitePath"`
	Lanes          int             `yaml:"lanes"`
	BatchSize      int             `yaml:"batchSize"`
	PollInterval   time.Duration   `yaml:"pollInterval"`
	CommitInterval time.Duration   `yaml:"commitInterval"`
	PublishRetry   RetryConfig     `yaml:"publishRetry"`
	HandlerRetry   RetryConfig     `yaml:"handlerRetry"`
}

func (c *EventLogConfig) applyDefaults() {
	c.Backend = EventLogBackend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join("data", "orbit.db")
	}
	if c.Lanes <= 0 {
		c.Lanes = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}
	c.PublishRetry.applyDefaults(5, 50*time.Millisecond, 2*time.Second)
	c.HandlerRetry.applyDefaults(5, 100*time.Millisecond, 5*time.Second)
}

func (c EventLogConfig) validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("backend must be one of memory, sqlite, postgres")
	}
	if c.Backend == BackendSQLite && c.SQLitePath == "" {
		return fmt.Errorf("sqlitePath required for sqlite backend")
	}
	if c.Lanes <= 0 {
		return fmt.Errorf("lanes must be >0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be >0")
	}
	if err := c.PublishRetry.validate(); err != nil {
		return fmt.Errorf("publishRetry: %w", err)
	}
	if err := c.HandlerRetry.validate(); err != nil {
		return fmt.Errorf("handlerRetry: %w", err)
	}
	return nil
}

// SessionConfig defines the trading day used for daily counters and bucket alignment.
type SessionConfig struct {
	Location string `yaml:"location"`
	Close    string `yaml:"close"`
}

// Resolve returns the session location and the close time of day.
func (c SessionConfig) Resolve() (*time.Location, time.Duration, error) {
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return nil, 0, fmt.Errorf("session location %q: %w", c.Location, err)
	}
	closeAt, err := time.Parse("15:04", c.Close)
	if err != nil {
		return nil, 0, fmt.Errorf("session close %q: %w", c.Close, err)
	}
	return loc, time.Duration(closeAt.Hour())*time.Hour + time.Duration(closeAt.Minute())*time.Minute, nil
}

// RiskConfig defines portfolio and strategy circuit breakers.
type RiskConfig struct {
	MaxDailyLoss         string        `yaml:"maxDailyLoss"`
	MaxPositionValue     string        `yaml:"maxPositionValue"`
	ConsecutiveLossLimit int           `yaml:"consecutiveLossLimit"`
	EvaluationInterval   time.Duration `yaml:"evaluationInterval"`
	Session              SessionConfig `yaml:"session"`
}

// Limits parses the configured monetary limits.
func (c RiskConfig) Limits() (maxDailyLoss, maxPositionValue decimal.Decimal, err error) {
	maxDailyLoss, err = decimal.NewFromString(c.MaxDailyLoss)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("maxDailyLoss: %w", err)
	}
	maxPositionValue, err = decimal.NewFromString(c.MaxPositionValue)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("maxPositionValue: %w", err)
	}
	return maxDailyLoss, maxPositionValue, nil
}

func defaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxDailyLoss:         "10000",
		MaxPositionValue:     "1000000",
		ConsecutiveLossLimit: 3,
		EvaluationInterval:   time.Second,
		Session: SessionConfig{
			Location: "Asia/Kolkata",
			Close:    "15:30",
		},
	}
}

func (c *RiskConfig) applyDefaults() {
	def := defaultRiskConfig()
	c.MaxDailyLoss = strings.TrimSpace(c.MaxDailyLoss)
	if c.MaxDailyLoss == "" {
		c.MaxDailyLoss = def.MaxDailyLoss
	}
	c.MaxPositionValue = strings.TrimSpace(c.MaxPositionValue)
	if c.MaxPositionValue == "" {
		c.MaxPositionValue = def.MaxPositionValue
	}
	if c.ConsecutiveLossLimit == 0 {
		c.ConsecutiveLossLimit = def.ConsecutiveLossLimit
	}
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = def.EvaluationInterval
	}
	c.Session.Location = strings.TrimSpace(c.Session.Location)
	if c.Session.Location == "" {
		c.Session.Location = def.Session.Location
	}
	c.Session.Close = strings.TrimSpace(c.Session.Close)
	if c.Session.Close == "" {
		c.Session.Close = def.Session.Close
	}
}

func (c RiskConfig) validate() error {
	maxDailyLoss, maxPositionValue, err := c.Limits()
	if err != nil {
		return err
	}
	if !maxDailyLoss.IsPositive() {
		return fmt.Errorf("maxDailyLoss must be >0")
	}
	if !maxPositionValue.IsPositive() {
		return fmt.Errorf("maxPositionValue must be >0")
	}
	if c.ConsecutiveLossLimit < 0 {
		return fmt.Errorf("consecutiveLossLimit must be >=0")
	}
	if _, _, err := c.Session.Resolve(); err != nil {
		return err
	}
	return nil
}

// OMSConfig tunes order construction and transmission.
type OMSConfig struct {
	DefaultLots     int         `yaml:"defaultLots"`
	MaxSendAttempts int         `yaml:"maxSendAttempts"`
	SendBackoff     RetryConfig `yaml:"sendBackoff"`
	CancelBackoff   RetryConfig `yaml:"cancelBackoff"`
	OrderThrottle   float64     `yaml:"orderThrottle"`
	OrderBurst      int         `yaml:"orderBurst"`
	PersistOrders   bool        `yaml:"persistOrders"`
}

func (c *OMSConfig) applyDefaults() {
	if c.DefaultLots <= 0 {
		c.DefaultLots = 1
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 5
	}
	c.SendBackoff.MaxAttempts = c.MaxSendAttempts
	c.SendBackoff.applyDefaults(c.MaxSendAttempts, 100*time.Millisecond, 2*time.Second)
	if c.OrderThrottle <= 0 {
		c.OrderThrottle = 10
	}
	if c.OrderBurst <= 0 {
		c.OrderBurst = 5
	}
	c.CancelBackoff.applyDefaults(5, 100*time.Millisecond, 2*time.Second)
}

func (c OMSConfig) validate() error {
	if c.DefaultLots <= 0 {
		return fmt.Errorf("defaultLots must be >0")
	}
	if err := c.SendBackoff.validate(); err != nil {
		return fmt.Errorf("sendBackoff: %w", err)
	}
	if err := c.CancelBackoff.validate(); err != nil {
		return fmt.Errorf("cancelBackoff: %w", err)
	}
	if c.OrderThrottle <= 0 {
		return fmt.Errorf("orderThrottle must be >0")
	}
	if c.OrderBurst <= 0 {
		return fmt.Errorf("orderBurst must be >0")
	}
	return nil
}

// PositionsConfig sets default trailing-stop behaviour for new positions.
type PositionsConfig struct {
	TrailingDistance string `yaml:"trailingDistance"`
	TrailingPercent  string `yaml:"trailingPercent"`
}

// Trailing parses the default trailing distance; zero disables trailing.
func (c PositionsConfig) Trailing() (distance decimal.Decimal, percent bool, err error) {
	if c.TrailingDistance != "" && c.TrailingPercent != "" {
		return decimal.Zero, false, fmt.Errorf("trailingDistance and trailingPercent are exclusive")
	}
	raw := c.TrailingDistance
	if c.TrailingPercent != "" {
		raw = c.TrailingPercent
		percent = true
	}
	if raw == "" {
		return decimal.Zero, false, nil
	}
	distance, err = decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("trailing: %w", err)
	}
	if distance.IsNegative() {
		return decimal.Zero, false, fmt.Errorf("trailing must be >=0")
	}
	return distance, percent, nil
}

// CandlesConfig selects the timeframes built by the candle builder.
type CandlesConfig struct {
	Timeframes       []string `yaml:"timeframes"`
	MaxGapFill       int      `yaml:"maxGapFill"`
	CumulativeVolume bool     `yaml:"cumulativeVolume"`
}

// ParsedTimeframes returns the configured higher timeframes; the base 1m timeframe is implied.
func (c CandlesConfig) ParsedTimeframes() ([]schema.Timeframe, error) {
	out := make([]schema.Timeframe, 0, len(c.Timeframes))
	for _, raw := range c.Timeframes {
		tf, err := schema.ParseTimeframe(raw)
		if err != nil {
			return nil, err
		}
		if err := tf.Validate(); err != nil {
			return nil, err
		}
		if tf == schema.Timeframe1m {
			continue
		}
		out = append(out, tf)
	}
	return out, nil
}

func (c *CandlesConfig) applyDefaults() {
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"1m", "5m", "15m", "1h", "1d"}
	}
	seen := make(map[string]struct{}, len(c.Timeframes))
	normalized := make([]string, 0, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		key := strings.ToLower(strings.TrimSpace(tf))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}
	c.Timeframes = normalized
	if c.MaxGapFill <= 0 {
		c.MaxGapFill = 390
	}
}

// BrokerKind selects the gateway implementation.
type BrokerKind string

// BrokerPaper selects the simulated paper broker.
const BrokerPaper BrokerKind = "paper"

// PaperConfig tunes the simulated broker.
type PaperConfig struct {
	FillSlices  int           `yaml:"fillSlices"`
	FillLatency time.Duration `yaml:"fillLatency"`
}

// BrokerConfig configures the broker gateway.
type BrokerConfig struct {
	Kind  BrokerKind  `yaml:"kind"`
	Paper PaperConfig `yaml:"paper"`
}

func (c *BrokerConfig) applyDefaults() {
	c.Kind = BrokerKind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	if c.Kind == "" {
		c.Kind = BrokerPaper
	}
	if c.Paper.FillSlices <= 0 {
		c.Paper.FillSlices = 1
	}
}

// TickFeedConfig configures inbound market data.
type TickFeedConfig struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

// FeedsConfig configures inbound tick and signal sources.
type FeedsConfig struct {
	Ticks       TickFeedConfig `yaml:"ticks"`
	SignalsPath string         `yaml:"signalsPath"`
}

// APIServerConfig configures the engine's HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/orbit"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified Orbit application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment        `yaml:"environment"`
	EventLog    EventLogConfig     `yaml:"eventLog"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Candles     CandlesConfig      `yaml:"candles"`
	Risk        RiskConfig         `yaml:"risk"`
	OMS         OMSConfig          `yaml:"oms"`
	Positions   PositionsConfig    `yaml:"positions"`
	Broker      BrokerConfig       `yaml:"broker"`
	Feeds       FeedsConfig        `yaml:"feeds"`
	APIServer   APIServerConfig    `yaml:"apiServer"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Database    DatabaseConfig     `yaml:"database"`
}

// DefaultAppConfig returns a paper-trading configuration with an in-memory log.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Risk:        defaultRiskConfig(),
		APIServer:   APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{
			ServiceName:   "orbit-engine",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	cloned := c
	cloned.Instruments = append([]InstrumentConfig(nil), c.Instruments...)
	cloned.Candles.Timeframes = append([]string(nil), c.Candles.Timeframes...)
	return cloned
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration back to YAML.
func (c AppConfig) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orbit-engine"
	}
	c.Feeds.Ticks.URL = strings.TrimSpace(c.Feeds.Ticks.URL)
	c.Feeds.Ticks.Path = strings.TrimSpace(c.Feeds.Ticks.Path)
	c.Feeds.SignalsPath = strings.TrimSpace(c.Feeds.SignalsPath)
	c.Positions.TrailingDistance = strings.TrimSpace(c.Positions.TrailingDistance)
	c.Positions.TrailingPercent = strings.TrimSpace(c.Positions.TrailingPercent)

	seen := make(map[string]struct{}, len(c.Instruments))
	for i := range c.Instruments {
		c.Instruments[i].normalise()
		id := c.Instruments[i].ID
		if _, exists := seen[id]; exists && id != "" {
			return fmt.Errorf("duplicate instrument id %q", id)
		}
		seen[id] = struct{}{}
	}

	c.EventLog.applyDefaults()
	c.Candles.applyDefaults()
	c.Risk.applyDefaults()
	c.OMS.applyDefaults()
	c.Broker.applyDefaults()
	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.EventLog.validate(); err != nil {
		return fmt.Errorf("eventLog: %w", err)
	}
	for _, inst := range c.Instruments {
		if _, err := inst.Instrument(); err != nil {
			return fmt.Errorf("instruments: %w", err)
		}
	}
	if _, err := c.Candles.ParsedTimeframes(); err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	if err := c.Risk.validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.OMS.validate(); err != nil {
		return fmt.Errorf("oms: %w", err)
	}
	if _, _, err := c.Positions.Trailing(); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	if c.Broker.Kind != BrokerPaper {
		return fmt.Errorf("broker kind %q not supported", c.Broker.Kind)
	}
	if c.Feeds.Ticks.URL != "" && c.Feeds.Ticks.Path != "" {
		return fmt.Errorf("feeds: ticks url and path are exclusive")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.EventLog.Backend == BackendPostgres || c.OMS.PersistOrders {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// UsesPostgres reports whether any component needs a database pool.
func (c AppConfig) UsesPostgres() bool {
	return c.EventLog.Backend == BackendPostgres || c.OMS.PersistOrders
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
