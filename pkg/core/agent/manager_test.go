package agent

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"fincast/pkg/core/llm"
)

func namedGateway(name string) llm.Gateway {
	return llm.GatewayFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Model: name, Blocks: []llm.Block{{Type: llm.BlockText, Text: name}}}, nil
	})
}

func TestManager_Routing(t *testing.T) {
	cfg := Config{
		ActiveProvider: "gemini",
		Agents: map[string]AgentConfig{
			"research":   {Provider: "anthropic"},
			"validation": {Provider: "missing"},
		},
	}
	mgr := NewManagerWithProviders(cfg, map[string]llm.Gateway{
		"anthropic": namedGateway("anthropic"),
		"gemini":    namedGateway("gemini"),
	})

	tests := []struct {
		step string
		want string
	}{
		{"analysis", "gemini"},
		{"research_1", "anthropic"},
		{"research_extra_2", "anthropic"},
		{"validation", "gemini"}, // override names an unknown provider
		{"forecast", "gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			resp, err := mgr.Complete(context.Background(), llm.Request{Step: tt.step})
			if err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			if resp.Model != tt.want {
				t.Errorf("step %s routed to %s, want %s", tt.step, resp.Model, tt.want)
			}
		})
	}
}

func TestManager_SetGlobalProvider(t *testing.T) {
	mgr := NewManagerWithProviders(Config{}, map[string]llm.Gateway{
		"anthropic": namedGateway("anthropic"),
		"qwen":      namedGateway("qwen"),
	})

	if got := mgr.GetActiveProvider(); got != DefaultProvider {
		t.Errorf("expected default provider, got %s", got)
	}
	if err := mgr.SetGlobalProvider("nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if err := mgr.SetGlobalProvider("qwen"); err != nil {
		t.Fatalf("SetGlobalProvider failed: %v", err)
	}
	resp, _ := mgr.Complete(context.Background(), llm.Request{Step: "analysis"})
	if resp.Model != "qwen" {
		t.Errorf("expected qwen after switch, got %s", resp.Model)
	}
	if !reflect.DeepEqual(mgr.Available(), []string{"anthropic", "qwen"}) {
		t.Errorf("Available() = %v", mgr.Available())
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	data := []byte(`active_provider: deepseek
agents:
  research:
    provider: gemini
    description: search grounded
providers:
  gemini:
    model: gemini-2.5-pro
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ActiveProvider != "deepseek" || cfg.Agents["research"].Provider != "gemini" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Providers["gemini"].Model != "gemini-2.5-pro" {
		t.Errorf("provider model not parsed: %+v", cfg.Providers)
	}

	empty, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
	if err != nil || empty.ActiveProvider != "" {
		t.Errorf("missing file should yield empty config, got %+v, %v", empty, err)
	}
}
