package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"fincast/pkg/core/llm"

	"gopkg.in/yaml.v2"
)

// Config mirrors config/models.yaml.
type Config struct {
	ActiveProvider string                    `yaml:"active_provider"`
	Agents         map[string]AgentConfig    `yaml:"agents"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

// AgentConfig overrides the provider for one pipeline step family
// ("analysis", "research", "forecast", "validation").
type AgentConfig struct {
	Provider    string `yaml:"provider"` // Optional override
	Description string `yaml:"description"`
}

// ProviderConfig selects the model used by a named provider.
type ProviderConfig struct {
	Model string `yaml:"model"`
}

// LoadConfig reads a models.yaml file. A missing file yields an empty config
// so the default provider is used.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultProvider is used when neither the step nor the config names one.
const DefaultProvider = "anthropic"

// Manager owns the named gateways and routes each request to one of them by
// its step name. It is itself an llm.Gateway.
type Manager struct {
	mu        sync.RWMutex
	config    Config
	providers map[string]llm.Gateway
}

var _ llm.Gateway = (*Manager)(nil)

func NewManager(config Config) *Manager {
	model := func(name string) string { return config.Providers[name].Model }
	return &Manager{
		config: config,
		providers: map[string]llm.Gateway{
			"anthropic":  &llm.AnthropicGateway{Model: model("anthropic")},
			"gemini":     &llm.GeminiGateway{Model: model("gemini")},
			"deepseek":   llm.NewDeepSeekGateway(model("deepseek")),
			"openrouter": llm.NewOpenRouterGateway(model("openrouter")),
			"qwen":       &llm.QwenGateway{Model: model("qwen")},
		},
	}
}

// NewManagerWithProviders builds a manager over an explicit provider set.
func NewManagerWithProviders(config Config, providers map[string]llm.Gateway) *Manager {
	return &Manager{config: config, providers: providers}
}

// stepFamily maps "research_2" or "research_extra_1" to "research".
func stepFamily(step string) string {
	if i := strings.IndexByte(step, '_'); i > 0 {
		return step[:i]
	}
	return step
}

// GetProvider resolves the gateway for a step.
func (m *Manager) GetProvider(step string) llm.Gateway {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// 1. Check for step-specific override
	for _, key := range []string{step, stepFamily(step)} {
		if agentConfig, ok := m.config.Agents[key]; ok && agentConfig.Provider != "" {
			if p, ok := m.providers[agentConfig.Provider]; ok {
				return p
			}
		}
	}

	// 2. Use global active provider
	if p, ok := m.providers[m.config.ActiveProvider]; ok {
		return p
	}

	// 3. Fallback
	return m.providers[DefaultProvider]
}

// GetProviderByName retrieves a provider instance by its name (e.g. "qwen").
func (m *Manager) GetProviderByName(name string) llm.Gateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[name]
}

// Complete routes the request to the provider configured for req.Step.
func (m *Manager) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p := m.GetProvider(req.Step)
	if p == nil {
		return nil, fmt.Errorf("no provider configured for step %q", req.Step)
	}
	slog.Debug("routing model call", "step", req.Step, "provider", fmt.Sprintf("%T", p))
	return p.Complete(ctx, req)
}

func (m *Manager) SetGlobalProvider(newProvider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[newProvider]; !ok {
		return fmt.Errorf("provider %s not found", newProvider)
	}
	m.config.ActiveProvider = newProvider
	slog.Info("global provider switched", "provider", newProvider)
	return nil
}

func (m *Manager) GetActiveProvider() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.providers[m.config.ActiveProvider]; ok {
		return m.config.ActiveProvider
	}
	return DefaultProvider
}

// Available lists registered provider names in sorted order.
func (m *Manager) Available() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
