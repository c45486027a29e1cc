package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the veriflow engine. Values resolve in
// the usual viper order: flags, then VERIFLOW_* environment variables, then
// the config file, then defaults.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Gateway    GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
	Runtime    RuntimeConfig    `mapstructure:"runtime" yaml:"runtime"`
	Surface    SurfaceConfig    `mapstructure:"surface" yaml:"surface"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Compliance ComplianceConfig `mapstructure:"compliance" yaml:"compliance"`
}

// LoggerConfig controls the zap logger built by internal/observability.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the console color per log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig selects the audit store backend.
type DatabaseConfig struct {
	// Mode is "memory" or "postgres".
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int           `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// LLMProvider names a supported model provider.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMModelConfig configures a single model endpoint.
type LLMModelConfig struct {
	Provider   LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// MaxElapsedTime bounds transport-level retries inside the client.
	// Zero disables retrying entirely; the classifier profile relies on that.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
	Temperature    float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP           float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK           int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// LLMRouterConfig maps named model profiles onto the routing tiers. Both tier
// defaults resolve through Models, so one profile can serve both tiers.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// ClassifierConfig configures the decision classifier.
type ClassifierConfig struct {
	LLM LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// GatewayConfig configures the verification gateway client. The gateway is a
// single aggregation service fronting the registry, license and exclusion
// sources.
type GatewayConfig struct {
	// Mode is "live" or "replay".
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	FixturesPath string        `mapstructure:"fixtures_path" yaml:"fixtures_path"`
}

// PacingConfig externalizes the narrative delays between workflow phases and
// primitive sub-actions. Both are zero under test configuration.
type PacingConfig struct {
	Phase  time.Duration `mapstructure:"phase" yaml:"phase"`
	Action time.Duration `mapstructure:"action" yaml:"action"`
}

// RuntimeConfig configures the observable agent runtime state.
type RuntimeConfig struct {
	Examiner         string        `mapstructure:"examiner" yaml:"examiner"`
	ThoughtTTL       time.Duration `mapstructure:"thought_ttl" yaml:"thought_ttl"`
	ThoughtHistory   int           `mapstructure:"thought_history" yaml:"thought_history"`
	PointerAnimation time.Duration `mapstructure:"pointer_animation" yaml:"pointer_animation"`
	PointerSteps     int           `mapstructure:"pointer_steps" yaml:"pointer_steps"`
	Pacing           PacingConfig  `mapstructure:"pacing" yaml:"pacing"`
}

// SurfaceConfig selects and tunes the rendering surface.
type SurfaceConfig struct {
	// Mode is "sim" or "browser".
	Mode           string `mapstructure:"mode" yaml:"mode"`
	ViewportWidth  int    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height" yaml:"viewport_height"`
	// FieldMountDelay is how long the sim surface waits after a panel expands
	// before its fields mount, mirroring real panel render latency.
	FieldMountDelay   time.Duration `mapstructure:"field_mount_delay" yaml:"field_mount_delay"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	FormURL           string        `mapstructure:"form_url" yaml:"form_url"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// CatalogConfig points at the step catalog. An empty path loads the embedded
// default catalog.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ComplianceRule is one configured rule evaluated over a completed
// verification. Check and RiskFlag are expr expressions; RiskFlag may be
// empty when the rule never raises a flag.
type ComplianceRule struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Check    string `mapstructure:"check" yaml:"check"`
	RiskFlag string `mapstructure:"risk_flag" yaml:"risk_flag"`
}

// ComplianceConfig extends the built-in compliance rule set.
type ComplianceConfig struct {
	Rules []ComplianceRule `mapstructure:"rules" yaml:"rules"`
}

// SetDefaults initializes default values for every configuration section.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "veriflow")
	v.SetDefault("logger.log_file", "veriflow.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Database --
	v.SetDefault("database.mode", "memory")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.connect_timeout", "10s")

	// -- Classifier --
	v.SetDefault("classifier.llm.default_fast_model", "flash")
	v.SetDefault("classifier.llm.default_powerful_model", "pro")
	v.SetDefault("classifier.llm.models.flash.provider", "gemini")
	v.SetDefault("classifier.llm.models.flash.model", "gemini-2.0-flash")
	v.SetDefault("classifier.llm.models.flash.api_timeout", "45s")
	// A classification is attempted exactly once; transport retries stay off.
	v.SetDefault("classifier.llm.models.flash.max_elapsed_time", "0s")
	v.SetDefault("classifier.llm.models.flash.temperature", 0.1)
	v.SetDefault("classifier.llm.models.flash.top_p", 0.95)
	v.SetDefault("classifier.llm.models.flash.max_tokens", 2048)
	v.SetDefault("classifier.llm.models.pro.provider", "gemini")
	v.SetDefault("classifier.llm.models.pro.model", "gemini-2.5-pro")
	v.SetDefault("classifier.llm.models.pro.api_timeout", "90s")
	v.SetDefault("classifier.llm.models.pro.max_elapsed_time", "0s")
	v.SetDefault("classifier.llm.models.pro.temperature", 0.1)
	v.SetDefault("classifier.llm.models.pro.top_p", 0.95)
	v.SetDefault("classifier.llm.models.pro.max_tokens", 4096)

	// -- Gateway --
	v.SetDefault("gateway.mode", "replay")
	v.SetDefault("gateway.timeout", "30s")
	v.SetDefault("gateway.rate_limit", 2.0)
	v.SetDefault("gateway.rate_burst", 4)

	// -- Runtime --
	v.SetDefault("runtime.examiner", "veriflow-agent")
	v.SetDefault("runtime.thought_ttl", "6s")
	v.SetDefault("runtime.thought_history", 200)
	v.SetDefault("runtime.pointer_animation", "450ms")
	v.SetDefault("runtime.pointer_steps", 24)
	v.SetDefault("runtime.pacing.phase", "1500ms")
	v.SetDefault("runtime.pacing.action", "250ms")

	// -- Surface --
	v.SetDefault("surface.mode", "sim")
	v.SetDefault("surface.viewport_width", 1440)
	v.SetDefault("surface.viewport_height", 900)
	v.SetDefault("surface.field_mount_delay", "120ms")
	v.SetDefault("surface.headless", true)
	v.SetDefault("surface.navigation_timeout", "90s")
}

// NewDefaultConfig returns a Config populated purely from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing to unmarshal them is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a Config from a fully loaded viper
// instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Secrets arrive through the environment, never the config file.
	v.BindEnv("gateway.api_key", "VERIFLOW_GATEWAY_API_KEY")
	v.BindEnv("database.url", "VERIFLOW_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// One classifier key covers every model profile that lacks its own.
	if key := os.Getenv("VERIFLOW_CLASSIFIER_API_KEY"); key != "" {
		for name, m := range cfg.Classifier.LLM.Models {
			if m.APIKey == "" {
				m.APIKey = key
				cfg.Classifier.LLM.Models[name] = m
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Database.Mode {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when database.mode is postgres")
		}
	default:
		return fmt.Errorf("database.mode must be one of [memory, postgres], got %q", c.Database.Mode)
	}

	switch c.Gateway.Mode {
	case "live":
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway.base_url is required when gateway.mode is live")
		}
	case "replay":
	default:
		return fmt.Errorf("gateway.mode must be one of [live, replay], got %q", c.Gateway.Mode)
	}
	if c.Gateway.RateLimit <= 0 {
		return fmt.Errorf("gateway.rate_limit must be positive")
	}

	switch c.Surface.Mode {
	case "sim":
	case "browser":
		if c.Surface.FormURL == "" {
			return fmt.Errorf("surface.form_url is required when surface.mode is browser")
		}
	default:
		return fmt.Errorf("surface.mode must be one of [sim, browser], got %q", c.Surface.Mode)
	}
	if c.Surface.ViewportWidth <= 0 || c.Surface.ViewportHeight <= 0 {
		return fmt.Errorf("surface viewport dimensions must be positive")
	}

	if c.Runtime.ThoughtHistory <= 0 {
		return fmt.Errorf("runtime.thought_history must be positive")
	}
	if c.Runtime.Pacing.Phase < 0 || c.Runtime.Pacing.Action < 0 {
		return fmt.Errorf("runtime pacing delays cannot be negative")
	}

	for i, r := range c.Compliance.Rules {
		if r.Name == "" || r.Check == "" {
			return fmt.Errorf("compliance.rules[%d] needs both a name and a check expression", i)
		}
	}
	return nil
}
