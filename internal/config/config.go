package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GatewayConfig configures the NATS connection to the protocol gateway.
type GatewayConfig struct {
	NATSURL        string `yaml:"nats_url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	RequestTimeout string `yaml:"request_timeout"`
}

// TelemetryConfig configures the port-stats collector.
type TelemetryConfig struct {
	SamplingInterval string `yaml:"sampling_interval"`
	// StaleAfter is the grace period after the last accepted sample
	// before a link is excluded from path computation.
	StaleAfter string `yaml:"stale_after"`
}

// LinkOverride pins capacity or queue depth for a specific link.
type LinkOverride struct {
	Src           uint64 `yaml:"src"`
	SrcPort       uint32 `yaml:"src_port"`
	Dst           uint64 `yaml:"dst"`
	CapacityBps   uint64 `yaml:"capacity_bps"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// LinksConfig holds the delay-model parameters shared by all links.
type LinksConfig struct {
	DefaultCapacityBps   uint64         `yaml:"default_capacity_bps"`
	DefaultQueueCapacity int            `yaml:"default_queue_capacity"`
	MeanPacketBytes      int            `yaml:"mean_packet_bytes"`
	BaseDelay            string         `yaml:"base_delay"`
	Overrides            []LinkOverride `yaml:"overrides"`
}

// FlowsConfig holds rule-lifetime policy.
type FlowsConfig struct {
	IdleTimeout   string `yaml:"idle_timeout"`
	HardTimeout   string `yaml:"hard_timeout"`
	SweepInterval string `yaml:"sweep_interval"`
	// MaxPending bounds concurrent path computations; packet-ins beyond
	// it are dropped instead of spawning more work.
	MaxPending int `yaml:"max_pending"`
}

// ClickHouseConfig holds connection parameters for the decision journal.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// JournalConfig configures the routing-event journal writer.
type JournalConfig struct {
	Enabled       bool             `yaml:"enabled"`
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
	FlushInterval string           `yaml:"flush_interval"`
	BatchSize     int              `yaml:"batch_size"`
	BufferSize    int              `yaml:"buffer_size"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration for the controller.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Links     LinksConfig     `yaml:"links"`
	Flows     FlowsConfig     `yaml:"flows"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file, fills in defaults
// and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.NATSURL == "" {
		c.Gateway.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Gateway.SubjectPrefix == "" {
		c.Gateway.SubjectPrefix = "netsteer"
	}
	if c.Gateway.RequestTimeout == "" {
		c.Gateway.RequestTimeout = "500ms"
	}
	if c.Telemetry.SamplingInterval == "" {
		c.Telemetry.SamplingInterval = "1s"
	}
	if c.Telemetry.StaleAfter == "" {
		c.Telemetry.StaleAfter = "3s"
	}
	if c.Links.DefaultCapacityBps == 0 {
		c.Links.DefaultCapacityBps = 10_000_000
	}
	if c.Links.DefaultQueueCapacity == 0 {
		c.Links.DefaultQueueCapacity = 50
	}
	if c.Links.MeanPacketBytes == 0 {
		c.Links.MeanPacketBytes = 1500
	}
	if c.Links.BaseDelay == "" {
		c.Links.BaseDelay = "50us"
	}
	if c.Flows.IdleTimeout == "" {
		c.Flows.IdleTimeout = "5s"
	}
	if c.Flows.HardTimeout == "" {
		c.Flows.HardTimeout = "15s"
	}
	if c.Flows.SweepInterval == "" {
		c.Flows.SweepInterval = "1s"
	}
	if c.Flows.MaxPending == 0 {
		c.Flows.MaxPending = 1024
	}
	if c.Journal.FlushInterval == "" {
		c.Journal.FlushInterval = "2s"
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = 256
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = 4096
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
}
