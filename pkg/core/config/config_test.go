package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fincast/pkg/core/forecast"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forecaster.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, want := cfg.Forecast(), forecast.DefaultConfig()
	if got != want {
		t.Errorf("forecast config = %+v, want %+v", got, want)
	}
	if cfg.Server.Addr != ":8080" || cfg.SnapshotsDir != "batch_data/snapshots" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
budget:
  max_llm_calls: 8
  research_queries: 3
  extra_research_queries: 0
  redraft_after_extra_research: false
timeouts:
  call: 30s
  run: 2m
horizon_years: 7
cache_ttl: 10m
pricing:
  input_token_price: 3
  output_token_price: 15
  web_search_price: 0.01
database_url: postgres://localhost/fincast
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fc := cfg.Forecast()
	if fc.MaxLLMCalls != 8 || fc.ResearchQueries != 3 || fc.ExtraResearchQueries != 0 {
		t.Errorf("budget = %+v", fc)
	}
	if fc.RedraftAfterExtraResearch {
		t.Error("redraft should be disabled")
	}
	if fc.CallTimeout != 30*time.Second || fc.RunTimeout != 2*time.Minute || fc.CacheTTL != 10*time.Minute {
		t.Errorf("durations = %v %v %v", fc.CallTimeout, fc.RunTimeout, fc.CacheTTL)
	}
	if fc.HorizonYears != 7 || fc.Pricing.OutputTokenPrice != 15 {
		t.Errorf("horizon/pricing = %d %+v", fc.HorizonYears, fc.Pricing)
	}
	if fc.SearchMaxUses != 2 {
		t.Errorf("unset search_max_uses should default to 2, got %d", fc.SearchMaxUses)
	}
	if cfg.Server.Addr != ":9090" || cfg.DatabaseURL != "postgres://localhost/fincast" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "budget:\n  max_llm_calls: 8\ntimeouts:\n  call: 30s\n")
	t.Setenv("FORECAST_MAX_LLM_CALLS", "4")
	t.Setenv("FORECAST_CALL_TIMEOUT", "5s")
	t.Setenv("FORECAST_CACHE_TTL", "0s")
	t.Setenv("DATABASE_URL", "postgres://env/fincast")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fc := cfg.Forecast()
	if fc.MaxLLMCalls != 4 || fc.CallTimeout != 5*time.Second || fc.CacheTTL != 0 {
		t.Errorf("env overrides not applied: %+v", fc)
	}
	if cfg.DatabaseURL != "postgres://env/fincast" || cfg.Telemetry.Endpoint != "localhost:4318" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "timeouts:\n  run: soon\n"},
		{"negative queries", "budget:\n  research_queries: -1\n"},
		{"malformed yaml", "budget: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
