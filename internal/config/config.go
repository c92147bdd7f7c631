package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BROWSERPOOL_POOL_CAPACITY.
const EnvPrefix = "BROWSERPOOL"

// Config holds the entire service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Pool       PoolConfig       `mapstructure:"pool" yaml:"pool"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Monitor    MonitorConfig    `mapstructure:"monitor" yaml:"monitor"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts" yaml:"artifacts"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// PoolConfig bounds the set of live browser sessions.
type PoolConfig struct {
	Capacity       int           `mapstructure:"capacity" yaml:"capacity"`
	MinWarm        int           `mapstructure:"min_warm" yaml:"min_warm"`
	MaxUses        int           `mapstructure:"max_uses" yaml:"max_uses"`
	MaxAge         time.Duration `mapstructure:"max_age" yaml:"max_age"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	CreateTimeout  time.Duration `mapstructure:"create_timeout" yaml:"create_timeout"`
}

// DispatcherConfig tunes admission and dispatch.
type DispatcherConfig struct {
	QueueMax        int           `mapstructure:"queue_max" yaml:"queue_max"`
	TaskDeadline    time.Duration `mapstructure:"task_deadline" yaml:"task_deadline"`
	RetryBudget     int           `mapstructure:"retry_budget" yaml:"retry_budget"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxPerProject   int           `mapstructure:"max_per_project" yaml:"max_per_project"`
	ResultRetention time.Duration `mapstructure:"result_retention" yaml:"result_retention"`
}

// BrowserConfig selects and tunes the browser engine.
type BrowserConfig struct {
	Engine         string             `mapstructure:"engine" yaml:"engine"`
	Headless       bool               `mapstructure:"headless" yaml:"headless"`
	Display        string             `mapstructure:"display" yaml:"display"`
	Args           []string           `mapstructure:"args" yaml:"args"`
	Viewport       map[string]int     `mapstructure:"viewport" yaml:"viewport"`
	UserAgent      string             `mapstructure:"user_agent" yaml:"user_agent"`
	DockerImage    string             `mapstructure:"docker_image" yaml:"docker_image"`
	StepRatios     map[string]float64 `mapstructure:"step_ratios" yaml:"step_ratios"`
	MinStepTimeout time.Duration      `mapstructure:"min_step_timeout" yaml:"min_step_timeout"`
}

// MonitorConfig schedules the health sweep.
type MonitorConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold" yaml:"stale_threshold"`
}

// RateLimitConfig caps request rates per project.
type RateLimitConfig struct {
	RequestsPerHour int `mapstructure:"requests_per_hour" yaml:"requests_per_hour"`
	Burst           int `mapstructure:"burst" yaml:"burst"`
}

// ArtifactsConfig says where saved task output lives.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Server --
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "60s")

	// -- Pool --
	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.min_warm", 1)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.max_age", "30m")
	v.SetDefault("pool.acquire_timeout", "10s")
	v.SetDefault("pool.create_timeout", "60s")

	// -- Dispatcher --
	v.SetDefault("dispatcher.queue_max", 100)
	v.SetDefault("dispatcher.task_deadline", "2m")
	v.SetDefault("dispatcher.retry_budget", 2)
	v.SetDefault("dispatcher.retry_backoff", "250ms")
	v.SetDefault("dispatcher.max_per_project", 10)
	v.SetDefault("dispatcher.result_retention", "10m")

	// -- Browser --
	v.SetDefault("browser.engine", "playwright")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.display", ":99")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 720})
	v.SetDefault("browser.docker_image", "browserless/chrome:latest")
	v.SetDefault("browser.step_ratios", map[string]float64{
		"navigate": 0.6,
		"wait":     0.4,
		"click":    0.25,
		"fill":     0.25,
		"press":    0.25,
		"evaluate": 0.3,
		"extract":  0.25,
	})
	v.SetDefault("browser.min_step_timeout", "1s")

	// -- Monitor --
	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.stale_threshold", "2m")

	// -- Rate limit --
	v.SetDefault("ratelimit.requests_per_hour", 1000)
	v.SetDefault("ratelimit.burst", 20)

	// -- Artifacts --
	v.SetDefault("artifacts.dir", "./storage/artifacts")

	// -- Tracing --
	v.SetDefault("tracing.enabled", false)

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserpool")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
}

// BindEnv wires BROWSERPOOL_* overrides and the conventional PORT variable.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("browser.display", EnvPrefix+"_BROWSER_DISPLAY", "DISPLAY")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads an optional config file, applies env overrides, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return NewConfigFromViper(v)
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be a positive integer")
	}
	if c.Pool.MinWarm < 0 || c.Pool.MinWarm > c.Pool.Capacity {
		return fmt.Errorf("pool.min_warm must be between 0 and pool.capacity")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be a positive duration")
	}
	if c.Dispatcher.QueueMax <= 0 {
		return fmt.Errorf("dispatcher.queue_max must be a positive integer")
	}
	if c.Dispatcher.TaskDeadline <= 0 {
		return fmt.Errorf("dispatcher.task_deadline must be a positive duration")
	}
	if c.Dispatcher.RetryBudget < 0 {
		return fmt.Errorf("dispatcher.retry_budget must not be negative")
	}
	switch c.Browser.Engine {
	case "playwright", "chromedp", "docker":
	default:
		return fmt.Errorf("browser.engine must be one of playwright, chromedp, docker (got %q)", c.Browser.Engine)
	}
	for kind, ratio := range c.Browser.StepRatios {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("browser.step_ratios.%s must be in (0, 1]", kind)
		}
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be a positive duration")
	}
	if c.Monitor.StaleThreshold <= 0 {
		return fmt.Errorf("monitor.stale_threshold must be a positive duration")
	}
	return nil
}
