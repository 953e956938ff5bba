package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/custodia-app/custodia/pkg/device"
)

type AgentConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Auth     AuthConfig        `yaml:"auth"`
	Lexicon  LexiconConfig     `yaml:"lexicon"`
	Device   device.ExecConfig `yaml:"device"`
	Capture  CaptureConfig     `yaml:"capture"`
	Lockdown LockdownConfig    `yaml:"lockdown"`
	State    StateConfig       `yaml:"state"`
	Control  ControlConfig     `yaml:"control"`
	Health   HealthConfig      `yaml:"health"`
	Logging  LoggingConfig     `yaml:"logging"`
	Tracing  TracingConfig     `yaml:"tracing"`
}

type ServerConfig struct {
	URL             string `yaml:"url"`
	LinkCode        string `yaml:"link_code"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	SyncInterval    int    `yaml:"sync_interval_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type AuthConfig struct {
	KeyPath string `yaml:"key_path"`
}

type LexiconConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type CaptureConfig struct {
	RenderDelayMs  int `yaml:"render_delay_ms"`
	UploadTimeoutS int `yaml:"upload_timeout_s"`
}

type LockdownConfig struct {
	ReassertIntervalMs int `yaml:"reassert_interval_ms"`
}

type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

// ControlConfig is the loopback surface the lock screen talks to: unlock
// and logout code entry, lock status.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: ServerConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			SyncInterval:    60,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Auth: AuthConfig{
			KeyPath: "/var/lib/custodia/device_key",
		},
		Lexicon: LexiconConfig{
			Path:  "/etc/custodia/lexicon.yaml",
			Watch: true,
		},
		Capture: CaptureConfig{
			RenderDelayMs:  500,
			UploadTimeoutS: 30,
		},
		Lockdown: LockdownConfig{
			ReassertIntervalMs: 2000,
		},
		State: StateConfig{
			DBPath: "/var/lib/custodia/state.db",
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:8127",
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if url := os.Getenv("CUSTODIA_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if code := os.Getenv("CUSTODIA_LINK_CODE"); code != "" {
		cfg.Server.LinkCode = code
	}
	if level := os.Getenv("CUSTODIA_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if lexPath := os.Getenv("CUSTODIA_LEXICON_PATH"); lexPath != "" {
		cfg.Lexicon.Path = lexPath
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Lexicon.Path == "" {
		return ErrMissingLexicon
	}
	if c.State.DBPath == "" {
		return ErrMissingStatePath
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.SyncInterval < 10 {
		c.Server.SyncInterval = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Capture.RenderDelayMs < 0 {
		c.Capture.RenderDelayMs = 500
	}
	if c.Capture.UploadTimeoutS <= 0 {
		c.Capture.UploadTimeoutS = 30
	}
	if c.Lockdown.ReassertIntervalMs <= 0 {
		c.Lockdown.ReassertIntervalMs = 2000
	}
	if c.Control.Listen == "" {
		c.Control.Listen = "127.0.0.1:8127"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrMissingLexicon   = &Error{"lexicon path is required"}
	ErrMissingStatePath = &Error{"state db path is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
