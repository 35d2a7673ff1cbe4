package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

// Config is the top-level process configuration.
type Config struct {
	Library      string             `yaml:"library"` // path to the agent library JSON
	Gateway      GatewayConfig      `yaml:"gateway"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	ChatLog      ChatLogConfig      `yaml:"chatlog"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings. An empty token list
// disables authentication.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// AdmissionConfig governs the per-client rate limiter: a token budget
// refilled over a window.
type AdmissionConfig struct {
	Tokens int           `yaml:"tokens"` // bucket capacity per window
	Window time.Duration `yaml:"window"`
}

// ProvidersConfig holds per-provider adapter settings.
type ProvidersConfig struct {
	Ollama  ProviderConfig `yaml:"ollama"`
	Mistral ProviderConfig `yaml:"mistral"`
}

// ProviderConfig holds settings for a single LLM provider adapter.
type ProviderConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// BreakerConfig holds per-provider circuit breaker settings.
type BreakerConfig struct {
	// CheckPeriod is the rolling window over which error ratios are evaluated.
	CheckPeriod time.Duration `yaml:"check_period"`
	// MinRequests is the minimum number of calls in a check period before
	// the trip condition is evaluated.
	MinRequests int `yaml:"min_requests"`
	// NetErrorRatio trips the circuit when the fraction of network-level
	// failures (transport errors, timeouts) exceeds it.
	NetErrorRatio float64 `yaml:"net_error_ratio"`
	// ServerErrorRatio trips the circuit when the fraction of 5xx-equivalent
	// responses exceeds it.
	ServerErrorRatio float64 `yaml:"server_error_ratio"`
	// OpenFor is how long an open circuit fails fast before half-open.
	OpenFor time.Duration `yaml:"open_for"`
	// HalfOpenTrials is the success streak required to close from half-open.
	HalfOpenTrials int `yaml:"half_open_trials"`
}

// OrchestratorConfig bounds per-call and per-request latency.
type OrchestratorConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ResponseTokenLimit is appended to each agent's system message as a
	// conciseness instruction and passed as the request max_tokens.
	ResponseTokenLimit int `yaml:"response_token_limit"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// ChatLogConfig holds session log store settings.
type ChatLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Library: "agent_library.json",
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8800",
		},
		Admission: AdmissionConfig{
			Tokens: 100_000,
			Window: time.Minute,
		},
		Providers: ProvidersConfig{
			Ollama: ProviderConfig{
				BaseURL:     "http://localhost:11434",
				ConnTimeout: 5 * time.Second,
				RespTimeout: 300 * time.Second,
			},
			Mistral: ProviderConfig{
				BaseURL:     "https://api.mistral.ai/v1",
				ConnTimeout: 30 * time.Second,
				RespTimeout: 120 * time.Second,
			},
		},
		Breaker: BreakerConfig{
			CheckPeriod:      60 * time.Second,
			MinRequests:      5,
			NetErrorRatio:    0.5,
			ServerErrorRatio: 0.5,
			OpenFor:          30 * time.Second,
			HalfOpenTrials:   2,
		},
		Orchestrator: OrchestratorConfig{
			CallTimeout:        90 * time.Second,
			RequestTimeout:     120 * time.Second,
			ResponseTokenLimit: 500,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		ChatLog: ChatLogConfig{
			Path: "chatlog.db",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to cfg.
// MISTRAL_API_KEY and RATE_LIMIT_TOKENS keep their historical unprefixed
// names; everything else uses the BIBLESTUDY_ prefix.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BIBLESTUDY_LIBRARY"); v != "" {
		cfg.Library = v
	}
	if v := os.Getenv("BIBLESTUDY_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MISTRAL_API_KEY"); v != "" {
		cfg.Providers.Mistral.APIKey = v
	}
	if v := os.Getenv("BIBLESTUDY_OLLAMA_URL"); v != "" {
		cfg.Providers.Ollama.BaseURL = v
	}
	if v := os.Getenv("RATE_LIMIT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Admission.Tokens = n
		}
	}
	if v := os.Getenv("BIBLESTUDY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BIBLESTUDY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
}

// Validate checks cfg for fatal configuration errors.
func Validate(cfg *Config) error {
	if cfg.Library == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "library path is empty")
	}
	if cfg.Gateway.Addr == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "gateway addr is empty")
	}
	if cfg.Admission.Tokens <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "admission tokens must be positive")
	}
	if cfg.Admission.Window <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "admission window must be positive")
	}
	if cfg.Breaker.NetErrorRatio <= 0 || cfg.Breaker.NetErrorRatio > 1 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "breaker net_error_ratio must be in (0, 1]")
	}
	if cfg.Breaker.ServerErrorRatio <= 0 || cfg.Breaker.ServerErrorRatio > 1 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "breaker server_error_ratio must be in (0, 1]")
	}
	if cfg.Breaker.CheckPeriod <= 0 || cfg.Breaker.OpenFor <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "breaker periods must be positive")
	}
	if cfg.Breaker.MinRequests <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "breaker min_requests must be positive")
	}
	if cfg.Breaker.HalfOpenTrials <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "breaker half_open_trials must be positive")
	}
	if cfg.Orchestrator.CallTimeout <= 0 || cfg.Orchestrator.RequestTimeout <= 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "orchestrator timeouts must be positive")
	}
	if cfg.Orchestrator.RequestTimeout < cfg.Orchestrator.CallTimeout {
		return domain.NewDomainError("config.Validate", domain.ErrConfig,
			"request_timeout must not be shorter than call_timeout")
	}
	if cfg.ChatLog.Enabled && cfg.ChatLog.Path == "" {
		return domain.NewDomainError("config.Validate", domain.ErrConfig, "chatlog path is empty")
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfig,
				fmt.Sprintf("gateway auth token %d is empty", i))
		}
	}
	return nil
}
