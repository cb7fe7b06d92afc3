package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Telemetry.SamplingInterval != "1s" {
		t.Errorf("sampling_interval default = %q, want 1s", cfg.Telemetry.SamplingInterval)
	}
	if cfg.Links.DefaultCapacityBps != 10_000_000 {
		t.Errorf("default_capacity_bps default = %d, want 10000000", cfg.Links.DefaultCapacityBps)
	}
	if cfg.Links.MeanPacketBytes != 1500 {
		t.Errorf("mean_packet_bytes default = %d, want 1500", cfg.Links.MeanPacketBytes)
	}
	if cfg.Flows.IdleTimeout != "5s" || cfg.Flows.HardTimeout != "15s" {
		t.Errorf("flow timeout defaults = %q/%q, want 5s/15s", cfg.Flows.IdleTimeout, cfg.Flows.HardTimeout)
	}
	if cfg.Flows.MaxPending != 1024 {
		t.Errorf("max_pending default = %d, want 1024", cfg.Flows.MaxPending)
	}
	if cfg.Gateway.SubjectPrefix != "netsteer" {
		t.Errorf("subject_prefix default = %q, want netsteer", cfg.Gateway.SubjectPrefix)
	}
	if cfg.Journal.Enabled {
		t.Error("journal must default to disabled")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
telemetry:
  sampling_interval: "250ms"
  stale_after: "2s"
links:
  default_capacity_bps: 100000000
  default_queue_capacity: 20
  overrides:
    - src: 1
      src_port: 2
      dst: 3
      capacity_bps: 1000000
flows:
  idle_timeout: "3s"
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Telemetry.SamplingInterval != "250ms" {
		t.Errorf("sampling_interval = %q, want 250ms", cfg.Telemetry.SamplingInterval)
	}
	if cfg.Links.DefaultQueueCapacity != 20 {
		t.Errorf("default_queue_capacity = %d, want 20", cfg.Links.DefaultQueueCapacity)
	}
	if len(cfg.Links.Overrides) != 1 || cfg.Links.Overrides[0].CapacityBps != 1_000_000 {
		t.Errorf("overrides = %+v, want one entry with capacity 1000000", cfg.Links.Overrides)
	}
	if cfg.Flows.IdleTimeout != "3s" {
		t.Errorf("idle_timeout = %q, want 3s", cfg.Flows.IdleTimeout)
	}
	if cfg.Flows.HardTimeout != "15s" {
		t.Errorf("hard_timeout default = %q, want 15s", cfg.Flows.HardTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "telemetry: [")); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
