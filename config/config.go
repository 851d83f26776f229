package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the advisor.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Benchmark BenchmarkConfig `mapstructure:"benchmark"`
	Search    SearchConfig    `mapstructure:"search"`
	Target    PostgresConfig  `mapstructure:"target"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"` // per oracle call
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type              string              `mapstructure:"type"` // openai, gemini
	APIKey            string              `mapstructure:"api_key"`
	BaseURL           string              `mapstructure:"base_url"`
	Models            map[string]LLMModel `mapstructure:"models"`
	Timeout           time.Duration       `mapstructure:"timeout"`
	RequestsPerMinute int                 `mapstructure:"requests_per_minute"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves each kind of call.
type LLMRoutingConfig struct {
	Recommend string `mapstructure:"recommend"`
	Review    string `mapstructure:"review"`
	Search    string `mapstructure:"search"` // keyword generation; defaults to recommend
}

// ResolvedModel is a routed model with its owning provider.
type ResolvedModel struct {
	ProviderName string
	Provider     LLMProvider
	Key          string
	Model        LLMModel
}

// APIName is the model identifier sent on the wire.
func (r ResolvedModel) APIName() string {
	if r.Model.APIName != "" {
		return r.Model.APIName
	}
	if r.Model.Name != "" {
		return r.Model.Name
	}
	return r.Key
}

// Resolve finds the provider that declares model.
func (c LLMConfig) Resolve(model string) (ResolvedModel, error) {
	for name, p := range c.Providers {
		if m, ok := p.Models[model]; ok {
			return ResolvedModel{ProviderName: name, Provider: p, Key: model, Model: m}, nil
		}
	}
	return ResolvedModel{}, fmt.Errorf("llm model %q is not declared by any provider", model)
}

// Normalize fills routing defaults.
func (c LLMConfig) Normalize() LLMConfig {
	if c.Routing.Review == "" {
		c.Routing.Review = c.Routing.Recommend
	}
	if c.Routing.Search == "" {
		c.Routing.Search = c.Routing.Recommend
	}
	return c
}

func (c LLMConfig) Validate() error {
	if strings.TrimSpace(c.Routing.Recommend) == "" {
		return fmt.Errorf("llm.routing.recommend required")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "gemini":
		default:
			return fmt.Errorf("llm.providers.%s.type %q unsupported (openai, gemini)", name, p.Type)
		}
		if p.RequestsPerMinute < 0 {
			return fmt.Errorf("llm.providers.%s.requests_per_minute cannot be negative", name)
		}
	}
	for _, m := range []string{c.Routing.Recommend, c.Routing.Review, c.Routing.Search} {
		if m == "" {
			continue
		}
		if _, err := c.Resolve(m); err != nil {
			return err
		}
	}
	return nil
}

// Benchmark kinds.
const (
	BenchmarkSQL     = "sql"
	BenchmarkCommand = "command"
)

// OptimizerConfig controls the outer loop and the negotiation rounds.
type OptimizerConfig struct {
	Benchmark        string        `mapstructure:"benchmark"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	TotalTimeLimit   time.Duration `mapstructure:"total_time_limit"` // 0 = unbounded
	MemoryWindowSize int           `mapstructure:"memory_window_size"`
	MetricDirection  string        `mapstructure:"metric_direction"` // lower, higher
	MaxRounds        int           `mapstructure:"max_rounds"`
	MaxTokens        int64         `mapstructure:"max_tokens"`
	MaxCost          float64       `mapstructure:"max_cost"`
	HarnessTimeout   time.Duration `mapstructure:"harness_timeout"`
	ResetTarget      bool          `mapstructure:"reset_target"`
	LogDir           string        `mapstructure:"log_dir"`
	PlanLog          string        `mapstructure:"plan_log"`
	ResultLog        string        `mapstructure:"result_log"`
}

// Normalize applies defaults for unset optimizer values.
func (c OptimizerConfig) Normalize() OptimizerConfig {
	if c.Benchmark == "" {
		c.Benchmark = BenchmarkSQL
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = 1
	}
	if c.MemoryWindowSize <= 0 {
		c.MemoryWindowSize = 3
	}
	c.MetricDirection = strings.ToLower(strings.TrimSpace(c.MetricDirection))
	if c.MetricDirection == "" {
		c.MetricDirection = "lower"
	}
	if c.LogDir == "" {
		c.LogDir = "history"
	}
	if c.PlanLog == "" {
		c.PlanLog = "optimization_plan.json"
	}
	if c.ResultLog == "" {
		c.ResultLog = "optimization_result.json"
	}
	return c
}

func (c OptimizerConfig) Validate() error {
	switch c.Benchmark {
	case BenchmarkSQL, BenchmarkCommand:
	default:
		return fmt.Errorf("optimizer.benchmark %q unsupported (sql, command)", c.Benchmark)
	}
	switch c.MetricDirection {
	case "lower", "higher":
	default:
		return fmt.Errorf("optimizer.metric_direction must be lower or higher")
	}
	if c.TotalTimeLimit < 0 {
		return fmt.Errorf("optimizer.total_time_limit cannot be negative")
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("optimizer.max_rounds cannot be negative")
	}
	if c.MaxTokens < 0 || c.MaxCost < 0 {
		return fmt.Errorf("optimizer budget limits cannot be negative")
	}
	return nil
}

// BenchmarkConfig describes how a plan is measured.
type BenchmarkConfig struct {
	QueryDir      string `mapstructure:"query_dir"`
	LogFile       string `mapstructure:"log_file"`
	Repeat        int    `mapstructure:"repeat"`
	Command       string `mapstructure:"command"`
	MetricPattern string `mapstructure:"metric_pattern"`
}

func (c BenchmarkConfig) Normalize() BenchmarkConfig {
	if c.Repeat <= 0 {
		c.Repeat = 1
	}
	return c
}

// Validate checks the fields required by the selected benchmark kind.
func (c BenchmarkConfig) Validate(kind string) error {
	switch kind {
	case BenchmarkSQL:
		if strings.TrimSpace(c.QueryDir) == "" {
			return fmt.Errorf("benchmark.query_dir required for sql benchmark")
		}
	case BenchmarkCommand:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("benchmark.command required for command benchmark")
		}
		if strings.TrimSpace(c.MetricPattern) == "" {
			return fmt.Errorf("benchmark.metric_pattern required for command benchmark")
		}
	}
	return nil
}

// SearchConfig controls web search augmentation of prompts.
type SearchConfig struct {
	Mode              string        `mapstructure:"mode"`     // off, on, auto
	Provider          string        `mapstructure:"provider"` // brave, serper
	APIKey            string        `mapstructure:"api_key"`
	LineLimit         int           `mapstructure:"line_limit"`
	ResultsPerKeyword int           `mapstructure:"results_per_keyword"`
	RenderJS          bool          `mapstructure:"render_js"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	CacheSize         int           `mapstructure:"cache_size"`
}

func (c SearchConfig) Normalize() SearchConfig {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = "off"
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.LineLimit <= 0 {
		c.LineLimit = 20
	}
	if c.ResultsPerKeyword <= 0 {
		c.ResultsPerKeyword = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 128
	}
	return c
}

func (c SearchConfig) Validate() error {
	switch c.Mode {
	case "off":
		return nil
	case "on", "auto":
	default:
		return fmt.Errorf("search.mode %q unsupported (off, on, auto)", c.Mode)
	}
	switch c.Provider {
	case "brave", "serper":
	default:
		return fmt.Errorf("search.provider must be brave or serper when search is enabled")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("search.api_key required when search is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	S3       S3Config       `mapstructure:"s3"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       string        `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Timeout    time.Duration `mapstructure:"timeout"`
	HistoryKey string        `mapstructure:"history_key"`
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a connection is configured at all.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN renders the connection string understood by lib/pq and golang-migrate.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + port,
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(ssl),
	}
	return u.String()
}

// Validate checks the connection settings; section names the config key in errors.
func (p PostgresConfig) Validate(section string) error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%s.host required when url is not provided", section)
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("%s.dbname required when url is not provided", section)
	}
	return nil
}

// S3Config contains object storage configuration.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// Enabled reports whether archival is configured.
func (s S3Config) Enabled() bool { return strings.TrimSpace(s.Endpoint) != "" }

func (s S3Config) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" && strings.TrimSpace(s.Bucket) == "" {
		return nil
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return fmt.Errorf("storage.s3.bucket required when endpoint is provided")
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("storage.s3.endpoint required when bucket is provided")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// ServerConfig contains HTTP server, auth and scheduling settings
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	Schedule       string        `mapstructure:"schedule"` // cron expression, empty disables
	ScheduleRounds int           `mapstructure:"schedule_rounds"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

func (s ServerConfig) Normalize() ServerConfig {
	if s.Address == "" {
		s.Address = ":8080"
	}
	if s.ScheduleRounds <= 0 {
		s.ScheduleRounds = 1
	}
	if s.LockTTL <= 0 {
		s.LockTTL = time.Hour
	}
	return s
}

// Validate checks every section and returns all failures joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(c.LLM.Validate())
	add(c.Optimizer.Validate())
	add(c.Benchmark.Validate(c.Optimizer.Benchmark))
	add(c.Search.Validate())
	add(c.Target.Validate("target"))
	if c.Storage.Postgres.Enabled() {
		add(c.Storage.Postgres.Validate("storage.postgres"))
	}
	add(c.Storage.Redis.Validate())
	add(c.Storage.S3.Validate())
	add(c.Telemetry.Validate())
	return errors.Join(errs...)
}

func (c *Config) normalize() {
	if c.General.DefaultTimeout <= 0 {
		c.General.DefaultTimeout = 2 * time.Minute
	}
	c.LLM = c.LLM.Normalize()
	c.Optimizer = c.Optimizer.Normalize()
	c.Benchmark = c.Benchmark.Normalize()
	c.Search = c.Search.Normalize()
	c.Server = c.Server.Normalize()
	if c.Storage.Redis.HistoryKey == "" {
		c.Storage.Redis.HistoryKey = "dbadvisor:history"
	}
}

// Load reads configuration from path (or the default search paths when empty),
// overlays DBADVISOR_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	// .env only supplies credentials; a missing file is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.default_timeout", "2m")
	v.SetDefault("optimizer.benchmark", BenchmarkSQL)
	v.SetDefault("optimizer.max_iterations", 1)
	v.SetDefault("optimizer.memory_window_size", 3)
	v.SetDefault("optimizer.metric_direction", "lower")
	v.SetDefault("optimizer.total_time_limit", "0s")
	v.SetDefault("optimizer.log_dir", "history")
	v.SetDefault("benchmark.repeat", 1)
	v.SetDefault("search.mode", "off")
	v.SetDefault("search.line_limit", 20)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("telemetry.metrics_port", 9464)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DBADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
