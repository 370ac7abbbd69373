package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Protocol  ProtocolConfig  `json:"protocol" yaml:"protocol"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Indexer   IndexerConfig   `json:"indexer" yaml:"indexer"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Usage     UsageConfig     `json:"usage" yaml:"usage"`
	mu        sync.RWMutex
}

type ServerConfig struct {
	Host               string   `json:"host" yaml:"host" env:"MINIMA_SERVER_HOST"`
	Port               int      `json:"port" yaml:"port" env:"MINIMA_SERVER_PORT"`
	Path               string   `json:"path" yaml:"path" env:"MINIMA_SERVER_PATH"`
	AllowedOrigins     []string `json:"allowed_origins" yaml:"allowed_origins" env:"MINIMA_SERVER_ALLOWED_ORIGINS"`
	ReadLimitBytes     int64    `json:"read_limit_bytes" yaml:"read_limit_bytes" env:"MINIMA_SERVER_READ_LIMIT_BYTES"`
	WriteTimeoutSec    int      `json:"write_timeout_sec" yaml:"write_timeout_sec" env:"MINIMA_SERVER_WRITE_TIMEOUT_SEC"`
	PingIntervalSec    int      `json:"ping_interval_sec" yaml:"ping_interval_sec" env:"MINIMA_SERVER_PING_INTERVAL_SEC"`
	ShutdownTimeoutSec int      `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" env:"MINIMA_SERVER_SHUTDOWN_TIMEOUT_SEC"`
}

type ProtocolConfig struct {
	// LegacyControlTokens accepts bare CHAT_STARTED / CHAT_STOPPED frames.
	LegacyControlTokens bool `json:"legacy_control_tokens" yaml:"legacy_control_tokens" env:"MINIMA_PROTOCOL_LEGACY_CONTROL_TOKENS"`
}

const (
	MemorySession = "session"
	MemoryTurn    = "turn"
)

type EngineConfig struct {
	Provider          string   `json:"provider" yaml:"provider" env:"MINIMA_ENGINE_PROVIDER"`
	Model             string   `json:"model" yaml:"model" env:"MINIMA_ENGINE_MODEL"`
	FallbackModels    []string `json:"fallback_models" yaml:"fallback_models" env:"MINIMA_ENGINE_FALLBACK_MODELS"`
	FallbackHoldMin   int      `json:"fallback_hold_minutes" yaml:"fallback_hold_minutes" env:"MINIMA_ENGINE_FALLBACK_HOLD_MINUTES"`
	Temperature       float64  `json:"temperature" yaml:"temperature" env:"MINIMA_ENGINE_TEMPERATURE"`
	MaxTokens         int      `json:"max_tokens" yaml:"max_tokens" env:"MINIMA_ENGINE_MAX_TOKENS"`
	EnhanceQuery      bool     `json:"enhance_query" yaml:"enhance_query" env:"MINIMA_ENGINE_ENHANCE_QUERY"`
	Memory            string   `json:"memory" yaml:"memory" env:"MINIMA_ENGINE_MEMORY"` // session|turn
	HistoryTurns      int      `json:"history_turns" yaml:"history_turns" env:"MINIMA_ENGINE_HISTORY_TURNS"`
	RequestTimeoutSec int      `json:"request_timeout_sec" yaml:"request_timeout_sec" env:"MINIMA_ENGINE_REQUEST_TIMEOUT_SEC"`
	ContainerPath     string   `json:"container_path" yaml:"container_path" env:"CONTAINER_PATH"`
	LocalFilesPath    string   `json:"local_files_path" yaml:"local_files_path" env:"LOCAL_FILES_PATH"`
}

type IndexerConfig struct {
	URL        string `json:"url" yaml:"url" env:"MINIMA_INDEXER_URL"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec" env:"MINIMA_INDEXER_TIMEOUT_SEC"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai" yaml:"openai" envPrefix:"MINIMA_PROVIDERS_OPENAI_"`
	Anthropic ProviderConfig `json:"anthropic" yaml:"anthropic" envPrefix:"MINIMA_PROVIDERS_ANTHROPIC_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" yaml:"api_base" env:"API_BASE"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" env:"MINIMA_LOGGING_LEVEL"`
	FileEnabled bool   `json:"file_enabled" yaml:"file_enabled" env:"MINIMA_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" yaml:"file_path" env:"MINIMA_LOGGING_FILE_PATH"`
	MaxSizeMB   int    `json:"max_size_mb" yaml:"max_size_mb" env:"MINIMA_LOGGING_MAX_SIZE_MB"`
	MaxAgeDays  int    `json:"max_age_days" yaml:"max_age_days" env:"MINIMA_LOGGING_MAX_AGE_DAYS"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"MINIMA_HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" yaml:"schedule" env:"MINIMA_HEARTBEAT_SCHEDULE"` // cron expression
}

type UsageConfig struct {
	Dir           string `json:"dir" yaml:"dir" env:"MINIMA_USAGE_DIR"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days" env:"MINIMA_USAGE_RETENTION_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8003,
			Path:               "/llm/",
			AllowedOrigins:     []string{},
			ReadLimitBytes:     64 * 1024,
			WriteTimeoutSec:    10,
			PingIntervalSec:    30,
			ShutdownTimeoutSec: 10,
		},
		Protocol: ProtocolConfig{
			LegacyControlTokens: true,
		},
		Engine: EngineConfig{
			Provider:          "openai",
			Model:             "qwen2.5:7b",
			FallbackModels:    []string{},
			FallbackHoldMin:   5,
			Temperature:       0.5,
			MaxTokens:         1024,
			EnhanceQuery:      true,
			Memory:            MemorySession,
			HistoryTurns:      10,
			RequestTimeoutSec: 120,
		},
		Indexer: IndexerConfig{
			URL:        "http://indexer:8001",
			TimeoutSec: 30,
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIBase: "http://ollama:11434/v1",
			},
			Anthropic: ProviderConfig{},
		},
		Logging: LoggingConfig{
			Level:       "info",
			FileEnabled: false,
			FilePath:    "~/.minima/minima.log",
			MaxSizeMB:   50,
			MaxAgeDays:  7,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Usage: UsageConfig{
			Dir:           "",
			RetentionDays: 30,
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	resolveProviderEnvRefs(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/': %q", c.Server.Path)
	}
	switch c.Engine.Memory {
	case MemorySession, MemoryTurn:
	default:
		return fmt.Errorf("engine.memory must be %q or %q, got %q", MemorySession, MemoryTurn, c.Engine.Memory)
	}
	if strings.TrimSpace(c.Engine.Model) == "" {
		return fmt.Errorf("engine.model is required")
	}
	if c.Engine.HistoryTurns < 0 {
		return fmt.Errorf("engine.history_turns must not be negative")
	}
	return nil
}

func resolveProviderEnvRefs(cfg *Config) {
	for _, p := range []*ProviderConfig{&cfg.Providers.OpenAI, &cfg.Providers.Anthropic} {
		p.APIKey = resolveEnvRef(p.APIKey)
		p.APIBase = resolveEnvRef(p.APIBase)
	}
}

// resolveEnvRef expands "${VAR}" and "$VAR" values. Unset variables leave
// the value untouched.
func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	var key string
	switch {
	case strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}"):
		key = strings.TrimSpace(s[2 : len(s)-1])
	case strings.HasPrefix(s, "$") && len(s) > 1:
		key = strings.TrimSpace(s[1:])
	default:
		return v
	}
	if key == "" {
		return v
	}
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (c *Config) EngineTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return seconds(c.Engine.RequestTimeoutSec)
}

func (c *Config) FallbackHold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Engine.FallbackHoldMin <= 0 {
		return time.Minute
	}
	return time.Duration(c.Engine.FallbackHoldMin) * time.Minute
}

func (c *Config) IndexerTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return seconds(c.Indexer.TimeoutSec)
}

func (c *Config) UsagePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Usage.Dir)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// LogFilePath is the expanded log file path, or "" when file logging is off.
func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.Logging.FileEnabled {
		return ""
	}
	return expandHome(c.Logging.FilePath)
}
