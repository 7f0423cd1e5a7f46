// Package config loads YAML configuration for the two ghostwork binaries:
// ghostd, the server that ingests secure events, detects patterns, and runs
// approved automations, and ghostedge, the on-device capture client.
//
// Secrets may live in the file or arrive through the environment; the
// binaries overlay GHOSTWORK_* variables after the file is parsed.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the full ghostd configuration.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	DBPath          string `yaml:"db_path"`
	ObservabilityDB string `yaml:"observability_db"`
	LogLevel        string `yaml:"log_level"`
	ServiceToken    string `yaml:"service_token"` // bearer token required on API routes; open when empty
	TraceSQL        bool   `yaml:"trace_sql"`     // record SQL timings into the observability DB

	Detect    DetectConfig    `yaml:"detect"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	LLM       LLMConfig       `yaml:"llm"`
	MCP       MCPConfig       `yaml:"mcp"`
	Redis     RedisConfig     `yaml:"redis"`
	Retention RetentionConfig `yaml:"retention"`
}

// DetectConfig controls the pattern-scan queue consumers.
type DetectConfig struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`
}

// ScheduleConfig controls the cron runner for schedule-triggered ghosts.
type ScheduleConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FireTimeout     time.Duration `yaml:"fire_timeout"`
}

// LLMConfig selects the completion provider shared by pattern lifting and
// the execution engine. An empty provider runs without completions: scans
// cluster but emit no patterns, and unplanned ghosts escalate to a human.
type LLMConfig struct {
	Provider string        `yaml:"provider"` // openai | gemini | empty to disable
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"` // chat-completions server; api.openai.com when empty
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MCPConfig exposes the governance tools over the model context protocol.
// Stdio serves one session on the process's stdin/stdout; quic listens for
// concurrent dashboard sessions on a UDP port.
type MCPConfig struct {
	Transport string `yaml:"transport"` // stdio | quic | empty to disable
	Addr      string `yaml:"addr"`      // quic listen address
	TLSCert   string `yaml:"tls_cert"`  // PEM pair for quic; self-signed when empty
	TLSKey    string `yaml:"tls_key"`
}

// RedisConfig points the device rate limiter at a shared counter so several
// ghostd replicas agree on budgets. An empty addr keeps the in-process
// counter, which is correct for a single instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RetentionConfig bounds the audit and observability tables. Zero days
// disables cleanup for that table.
type RetentionConfig struct {
	AuditDays     int           `yaml:"audit_days"`
	MetricsDays   int           `yaml:"metrics_days"`
	EventLogDays  int           `yaml:"event_log_days"`
	HeartbeatDays int           `yaml:"heartbeat_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultServerConfig returns sane defaults for a single-instance ghostd.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:          ":8090",
		DBPath:          "db/ghostwork.db",
		ObservabilityDB: "db/observability.db",
		LogLevel:        "info",
		Detect: DetectConfig{
			Workers:   2,
			BatchSize: 4,
		},
		Schedule: ScheduleConfig{
			RefreshInterval: time.Minute,
			FireTimeout:     5 * time.Minute,
		},
		LLM: LLMConfig{
			Timeout: 30 * time.Second,
		},
		MCP: MCPConfig{
			Addr: ":9444",
		},
		Retention: RetentionConfig{
			AuditDays:     90,
			MetricsDays:   30,
			EventLogDays:  30,
			HeartbeatDays: 7,
			SweepInterval: 24 * time.Hour,
		},
	}
}

// LoadServerConfig reads and parses a YAML config file. Returns
// DefaultServerConfig merged with the file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ObservabilityDB == "" {
		return fmt.Errorf("observability_db is required")
	}
	if c.Detect.Workers <= 0 {
		return fmt.Errorf("detect.workers must be > 0")
	}
	if c.Detect.BatchSize <= 0 {
		return fmt.Errorf("detect.batch_size must be > 0")
	}
	if c.Schedule.RefreshInterval <= 0 {
		return fmt.Errorf("schedule.refresh_interval must be > 0")
	}
	switch c.LLM.Provider {
	case "":
		// Disabled: detection emits nothing and unplanned ghosts escalate.
	case "openai":
		// Hosted OpenAI checks the key; local vLLM and Ollama servers
		// reached through base_url do not.
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			return fmt.Errorf("llm.api_key is required for hosted openai (set llm.base_url for a local server)")
		}
	case "gemini":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for gemini")
		}
	default:
		return fmt.Errorf("unsupported llm.provider %q (use openai or gemini)", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	switch c.MCP.Transport {
	case "", "stdio":
	case "quic":
		if c.MCP.Addr == "" {
			return fmt.Errorf("mcp.addr is required for the quic transport")
		}
	default:
		return fmt.Errorf("unsupported mcp.transport %q (use stdio or quic)", c.MCP.Transport)
	}
	if (c.MCP.TLSCert == "") != (c.MCP.TLSKey == "") {
		return fmt.Errorf("mcp.tls_cert and mcp.tls_key must be set together")
	}
	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be > 0")
	}
	for name, days := range map[string]int{
		"retention.audit_days":     c.Retention.AuditDays,
		"retention.metrics_days":   c.Retention.MetricsDays,
		"retention.event_log_days": c.Retention.EventLogDays,
		"retention.heartbeat_days": c.Retention.HeartbeatDays,
	} {
		if days < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

// EdgeConfig holds the full ghostedge configuration. One edge process
// captures for exactly one (org, device, user) triple.
type EdgeConfig struct {
	OrgID        string  `yaml:"org_id"`
	DeviceID     string  `yaml:"device_id"`
	UserID       string  `yaml:"user_id"`
	DeviceSecret string  `yaml:"device_secret"` // HMAC key material; device_id keys alone when empty
	Epsilon      float64 `yaml:"epsilon"`
	LogLevel     string  `yaml:"log_level"`

	Transmit TransmitConfig `yaml:"transmit"`
}

// TransmitConfig controls batching and delivery to the ingest endpoint.
type TransmitConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	PerMinuteLimit int           `yaml:"per_minute_limit"`
	SpoolPath      string        `yaml:"spool_path"`
}

// DefaultEdgeConfig returns sane defaults; identity fields and the ingest
// endpoint have no default and must come from the file.
func DefaultEdgeConfig() *EdgeConfig {
	return &EdgeConfig{
		Epsilon:  1.0,
		LogLevel: "info",
		Transmit: TransmitConfig{
			MaxBatchSize:   100,
			FlushInterval:  10 * time.Second,
			MaxRetries:     3,
			RetryBase:      time.Second,
			PerMinuteLimit: 1000,
			SpoolPath:      "spool/failed_batches.json",
		},
	}
}

// LoadEdgeConfig reads and parses a YAML config file. Returns
// DefaultEdgeConfig merged with the file.
func LoadEdgeConfig(path string) (*EdgeConfig, error) {
	cfg := DefaultEdgeConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *EdgeConfig) Validate() error {
	if c.OrgID == "" {
		return fmt.Errorf("org_id is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be > 0")
	}
	if c.Transmit.Endpoint == "" {
		return fmt.Errorf("transmit.endpoint is required")
	}
	u, err := url.Parse(c.Transmit.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("transmit.endpoint %q must be an http(s) URL", c.Transmit.Endpoint)
	}
	if c.Transmit.MaxBatchSize <= 0 || c.Transmit.MaxBatchSize > 100 {
		return fmt.Errorf("transmit.max_batch_size must be 1..100 (the ingest API rejects larger batches)")
	}
	if c.Transmit.FlushInterval <= 0 {
		return fmt.Errorf("transmit.flush_interval must be > 0")
	}
	if c.Transmit.PerMinuteLimit <= 0 {
		return fmt.Errorf("transmit.per_minute_limit must be > 0")
	}
	return nil
}
