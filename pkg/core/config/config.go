// Package config loads the service configuration from config/forecaster.yaml,
// an optional .env file and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"fincast/pkg/core/forecast"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "config/forecaster.yaml"

// Config mirrors config/forecaster.yaml. Durations are Go duration strings
// ("60s", "5m").
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Budget struct {
		MaxLLMCalls          int   `yaml:"max_llm_calls"`
		ResearchQueries      *int  `yaml:"research_queries"`
		ExtraResearchQueries *int  `yaml:"extra_research_queries"`
		SearchMaxUses        int   `yaml:"search_max_uses"`
		Redraft              *bool `yaml:"redraft_after_extra_research"`
	} `yaml:"budget"`

	Timeouts struct {
		Call string `yaml:"call"`
		Run  string `yaml:"run"`
	} `yaml:"timeouts"`

	HorizonYears int               `yaml:"horizon_years"`
	CacheTTL     string            `yaml:"cache_ttl"`
	Pricing      *forecast.Pricing `yaml:"pricing"`

	ModelsConfig string `yaml:"models_config"`
	SnapshotsDir string `yaml:"snapshots_dir"`
	ResourcesDir string `yaml:"resources_dir"`

	Insights struct {
		Enabled bool   `yaml:"enabled"`
		Model   string `yaml:"model"`
	} `yaml:"insights"`

	DatabaseURL string `yaml:"database_url"`

	Telemetry struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
		Insecure    bool   `yaml:"insecure"`
	} `yaml:"telemetry"`

	forecast forecast.Config
}

// Load reads path (DefaultPath when empty), then .env, then environment
// overrides. A missing YAML file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = DefaultPath
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.ModelsConfig == "" {
		c.ModelsConfig = "config/models.yaml"
	}
	if c.SnapshotsDir == "" {
		c.SnapshotsDir = "batch_data/snapshots"
	}
	if c.ResourcesDir == "" {
		c.ResourcesDir = "resources"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "fincast"
	}

	c.Server.Addr = envStr("FORECAST_ADDR", c.Server.Addr)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.Telemetry.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
}

// resolve builds the forecast.Config, applying environment overrides on top
// of the file values.
func (c *Config) resolve() error {
	fc := forecast.DefaultConfig()

	if c.Budget.MaxLLMCalls > 0 {
		fc.MaxLLMCalls = c.Budget.MaxLLMCalls
	}
	if c.Budget.ResearchQueries != nil {
		fc.ResearchQueries = *c.Budget.ResearchQueries
	}
	if c.Budget.ExtraResearchQueries != nil {
		fc.ExtraResearchQueries = *c.Budget.ExtraResearchQueries
	}
	if c.Budget.SearchMaxUses > 0 {
		fc.SearchMaxUses = c.Budget.SearchMaxUses
	}
	if c.Budget.Redraft != nil {
		fc.RedraftAfterExtraResearch = *c.Budget.Redraft
	}
	if c.HorizonYears > 0 {
		fc.HorizonYears = c.HorizonYears
	}
	if c.Pricing != nil {
		fc.Pricing = *c.Pricing
	}

	var err error
	if fc.CallTimeout, err = parseDuration("timeouts.call", c.Timeouts.Call, fc.CallTimeout); err != nil {
		return err
	}
	if fc.RunTimeout, err = parseDuration("timeouts.run", c.Timeouts.Run, fc.RunTimeout); err != nil {
		return err
	}
	if fc.CacheTTL, err = parseDuration("cache_ttl", c.CacheTTL, fc.CacheTTL); err != nil {
		return err
	}

	fc.MaxLLMCalls = envInt("FORECAST_MAX_LLM_CALLS", fc.MaxLLMCalls)
	fc.CallTimeout = envDuration("FORECAST_CALL_TIMEOUT", fc.CallTimeout)
	fc.RunTimeout = envDuration("FORECAST_RUN_TIMEOUT", fc.RunTimeout)
	fc.CacheTTL = envDuration("FORECAST_CACHE_TTL", fc.CacheTTL)

	if fc.MaxLLMCalls <= 0 {
		return fmt.Errorf("config: max_llm_calls must be positive")
	}
	if fc.ResearchQueries < 0 || fc.ExtraResearchQueries < 0 {
		return fmt.Errorf("config: research query counts must not be negative")
	}
	c.forecast = fc
	return nil
}

// Forecast returns the resolved orchestrator configuration.
func (c *Config) Forecast() forecast.Config {
	return c.forecast
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
