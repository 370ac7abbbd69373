package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig_Server verifies the websocket endpoint defaults
func TestDefaultConfig_Server(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "0.0.0.0" {
		t.Error("Server host should have default value")
	}
	if cfg.Server.Port != 8003 {
		t.Errorf("Server port = %d, want 8003", cfg.Server.Port)
	}
	if cfg.Server.Path != "/llm/" {
		t.Errorf("Server path = %q, want /llm/", cfg.Server.Path)
	}
}

// TestDefaultConfig_Engine verifies engine defaults
func TestDefaultConfig_Engine(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.Model == "" {
		t.Error("Model should not be empty")
	}
	if cfg.Engine.Memory != MemorySession {
		t.Errorf("Memory = %q, want %q", cfg.Engine.Memory, MemorySession)
	}
	if cfg.Engine.Temperature == 0 {
		t.Error("Temperature should not be zero")
	}
	if cfg.EngineTimeout() != 120*time.Second {
		t.Errorf("EngineTimeout() = %v", cfg.EngineTimeout())
	}
}

// TestDefaultConfig_Protocol verifies legacy tokens are accepted by default
func TestDefaultConfig_Protocol(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Protocol.LegacyControlTokens {
		t.Error("Legacy control tokens should be enabled by default")
	}
}

// TestDefaultConfig_Providers verifies provider keys are empty by default
func TestDefaultConfig_Providers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Providers.OpenAI.APIKey != "" {
		t.Error("OpenAI API key should be empty by default")
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		t.Error("Anthropic API key should be empty by default")
	}
}

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"path", func(c *Config) { c.Server.Path = "llm" }},
		{"memory", func(c *Config) { c.Engine.Memory = "forever" }},
		{"model", func(c *Config) { c.Engine.Model = " " }},
		{"history", func(c *Config) { c.Engine.HistoryTurns = -1 }},
	}
	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8003 {
		t.Fatalf("expected defaults, got port %d", cfg.Server.Port)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"server":{"port":9000,"path":"/chat/"},"engine":{"model":"gpt-4o-mini","memory":"turn"}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Path != "/chat/" {
		t.Fatalf("server not loaded: %+v", cfg.Server)
	}
	if cfg.Engine.Model != "gpt-4o-mini" || cfg.Engine.Memory != MemoryTurn {
		t.Fatalf("engine not loaded: %+v", cfg.Engine)
	}
	// untouched sections keep defaults
	if cfg.Indexer.URL != "http://indexer:8001" {
		t.Fatalf("indexer default lost: %q", cfg.Indexer.URL)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "server:\n  port: 9100\nengine:\n  model: claude-sonnet-4-5\n  provider: anthropic\n  fallback_models:\n    - gpt-4o-mini\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Engine.Provider != "anthropic" || len(cfg.Engine.FallbackModels) != 1 {
		t.Fatalf("engine not loaded: %+v", cfg.Engine)
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MINIMA_SERVER_PORT", "9300")
	t.Setenv("MINIMA_ENGINE_FALLBACK_MODELS", "a,b")
	t.Setenv("MINIMA_PROVIDERS_OPENAI_API_KEY", "openai-env-key")
	t.Setenv("MINIMA_PROVIDERS_ANTHROPIC_API_BASE", "https://example.invalid")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9300 {
		t.Fatalf("port = %d, want 9300", cfg.Server.Port)
	}
	if len(cfg.Engine.FallbackModels) != 2 {
		t.Fatalf("fallback models = %v", cfg.Engine.FallbackModels)
	}
	if cfg.Providers.OpenAI.APIKey != "openai-env-key" {
		t.Fatalf("OpenAI API key not overridden from env")
	}
	if cfg.Providers.Anthropic.APIBase != "https://example.invalid" {
		t.Fatalf("Anthropic API base not overridden from env")
	}
}

func TestResolveProviderEnvRefs(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MY_ANTHROPIC_KEY", "anthropic-env-key")
	cfg.Providers.Anthropic.APIKey = "${MY_ANTHROPIC_KEY}"

	resolveProviderEnvRefs(cfg)

	if cfg.Providers.Anthropic.APIKey != "anthropic-env-key" {
		t.Fatalf("expected env ref to resolve, got %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestResolveEnvRefKeepsOriginalWhenUnset(t *testing.T) {
	_ = os.Unsetenv("MINIMA_TEST_UNSET_KEY")
	raw := "${MINIMA_TEST_UNSET_KEY}"
	if got := resolveEnvRef(raw); got != raw {
		t.Fatalf("expected unresolved ref to stay unchanged, got %q", got)
	}
	if got := resolveEnvRef("plain"); got != "plain" {
		t.Fatalf("plain value changed: %q", got)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"out.json", "out.yaml"} {
		cfg := DefaultConfig()
		cfg.Server.Port = 9400
		path := filepath.Join(dir, "nested", name)
		if err := SaveConfig(path, cfg); err != nil {
			t.Fatalf("SaveConfig(%s): %v", name, err)
		}
		loaded, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig(%s): %v", name, err)
		}
		if loaded.Server.Port != 9400 {
			t.Fatalf("%s: port = %d, want 9400", name, loaded.Server.Port)
		}
	}
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	if got := cfg.ListenAddr(); got != "127.0.0.1:8080" {
		t.Fatalf("ListenAddr() = %q", got)
	}
}

func TestLogFilePath(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.LogFilePath(); got != "" {
		t.Fatalf("disabled file logging should yield empty path, got %q", got)
	}
	cfg.Logging.FileEnabled = true
	cfg.Logging.FilePath = "/var/log/minima.log"
	if got := cfg.LogFilePath(); got != "/var/log/minima.log" {
		t.Fatalf("LogFilePath() = %q", got)
	}
}
