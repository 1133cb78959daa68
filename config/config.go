package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the bridged daemon's file configuration. Secrets (API keys,
// collaborator tokens) come from the environment, never from the file.
type Config struct {
	Server        Server        `yaml:"server"`
	AI            AI            `yaml:"ai"`
	Telephony     Telephony     `yaml:"telephony"`
	Bridge        Bridge        `yaml:"bridge"`
	Collaborators Collaborators `yaml:"collaborators"`
	Log           Log           `yaml:"log"`
}

type Server struct {
	Addr string `yaml:"addr"`
	// PublicURL is the externally reachable base URL the telephony
	// provider connects back to, e.g. https://bridge.example.com.
	PublicURL string `yaml:"public_url"`
}

type AI struct {
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	Greeting     string `yaml:"greeting"`
	SampleRate   int    `yaml:"sample_rate"`
}

type Telephony struct {
	Encoding   string `yaml:"encoding"`
	SampleRate int    `yaml:"sample_rate"`
}

type Bridge struct {
	FrameMillis            int `yaml:"frame_millis"`
	QueueFrames            int `yaml:"queue_frames"`
	DrainTimeoutMillis     int `yaml:"drain_timeout_millis"`
	HandshakeTimeoutMillis int `yaml:"handshake_timeout_millis"`
	ToolTimeoutMillis      int `yaml:"tool_timeout_millis"`
}

func (b Bridge) FrameDuration() time.Duration {
	return time.Duration(b.FrameMillis) * time.Millisecond
}

func (b Bridge) DrainTimeout() time.Duration {
	return time.Duration(b.DrainTimeoutMillis) * time.Millisecond
}

func (b Bridge) HandshakeTimeout() time.Duration {
	return time.Duration(b.HandshakeTimeoutMillis) * time.Millisecond
}

func (b Bridge) ToolTimeout() time.Duration {
	return time.Duration(b.ToolTimeoutMillis) * time.Millisecond
}

type Collaborators struct {
	VerificationURL string `yaml:"verification_url"`
	OptionsURL      string `yaml:"options_url"`
	PaymentsURL     string `yaml:"payments_url"`
	CallRecordsURL  string `yaml:"call_records_url"`
}

type Log struct {
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Addr: ":8080",
		},
		AI: AI{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-realtime",
			Voice:      "ash",
			SampleRate: 24000,
		},
		Telephony: Telephony{
			Encoding:   "audio/x-mulaw",
			SampleRate: 8000,
		},
		Bridge: Bridge{
			FrameMillis:            20,
			QueueFrames:            256,
			DrainTimeoutMillis:     5000,
			HandshakeTimeoutMillis: 10000,
			ToolTimeoutMillis:      10000,
		},
		Log: Log{
			MaxSize:    10, // MB
			MaxBackups: 2,
			MaxAge:     3,
		},
	}
}

// Load reads the YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	if c.AI.SampleRate <= 0 {
		return fmt.Errorf("ai.sample_rate must be positive")
	}
	if c.Telephony.SampleRate <= 0 {
		return fmt.Errorf("telephony.sample_rate must be positive")
	}
	if c.Bridge.FrameMillis <= 0 {
		return fmt.Errorf("bridge.frame_millis must be positive")
	}
	if c.Bridge.QueueFrames <= 0 {
		return fmt.Errorf("bridge.queue_frames must be positive")
	}
	return nil
}
