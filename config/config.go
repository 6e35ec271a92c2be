package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration.
type Config struct {
	NodeName        string        `yaml:"node_name"`
	Role            string        `yaml:"role"` // device role, e.g. "sensor", "gateway"
	Hardware        string        `yaml:"hardware"`
	FirmwareVersion string        `yaml:"firmware_version"`
	FirmwareMD5     string        `yaml:"firmware_md5"`
	TickInterval    time.Duration `yaml:"tick_interval"`

	Mesh      MeshConfig      `yaml:"mesh"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Sync      SyncConfig      `yaml:"sync"`
	RCP       RCPConfig       `yaml:"rcp"`
	OTA       OTAConfig       `yaml:"ota"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// MeshConfig defines the transport backend.
type MeshConfig struct {
	Backend string      `yaml:"backend"` // "mqtt" or "kafka"
	Prefix  string      `yaml:"prefix"`
	NodeID  uint32      `yaml:"node_id"` // 0 = derive from node name
	MQTT    MQTTConfig  `yaml:"mqtt"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Port   int    `yaml:"port"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// HeartbeatConfig defines liveness timing.
type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	// EvictAfter removes a dead peer from the directory entirely.
	// 0 keeps dead peers forever (demoted, never deleted).
	EvictAfter time.Duration `yaml:"evict_after"`
}

// SyncConfig defines periodic full-state exchange.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RCPConfig defines command routing behavior.
type RCPConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// RequirePrivileged gates set/reboot to coordinator or gateway origin.
	RequirePrivileged bool `yaml:"require_privileged"`
}

// OTAConfig defines firmware transfer behavior.
type OTAConfig struct {
	PartSize     int           `yaml:"part_size"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	ImageDir     string        `yaml:"image_dir"`
}

// GatewayConfig enables the distribution bridge and HTTP API. Only the
// gateway node sets Enabled.
type GatewayConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BackendURL   string        `yaml:"backend_url"`
	APIKey       string        `yaml:"api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DatabasePath string        `yaml:"database_path"`
	Web          WebConfig     `yaml:"web"`
}

// WebConfig defines the gateway HTTP API listener.
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		NodeName:        "",
		Role:            "node",
		Hardware:        "generic",
		FirmwareVersion: "dev",
		TickInterval:    50 * time.Millisecond,
		Mesh: MeshConfig{
			Backend: "mqtt",
			Prefix:  "hivemesh",
			MQTT: MQTTConfig{
				Broker: "localhost",
				Port:   1883,
			},
		},
		Heartbeat: HeartbeatConfig{
			Interval:        5 * time.Second,
			LivenessTimeout: 15 * time.Second,
			EvictAfter:      150 * time.Second,
		},
		Sync: SyncConfig{
			Interval: 10 * time.Second,
		},
		RCP: RCPConfig{
			DefaultTimeout: 5 * time.Second,
		},
		OTA: OTAConfig{
			PartSize:     1024,
			ChunkTimeout: 30 * time.Second,
			MaxRetries:   10,
			StallTimeout: 2 * time.Minute,
			ImageDir:     "firmware",
		},
		Gateway: GatewayConfig{
			PollInterval: 15 * time.Second,
			DatabasePath: "hivegw.db",
			Web: WebConfig{
				Host: "0.0.0.0",
				Port: 8080,
			},
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations that must never reach the mesh.
func (c *Config) Validate() error {
	if c.Role == "" {
		return fmt.Errorf("config: role must not be empty")
	}
	if c.Mesh.Backend != "mqtt" && c.Mesh.Backend != "kafka" {
		return fmt.Errorf("config: unknown mesh backend %q", c.Mesh.Backend)
	}
	if c.OTA.PartSize <= 0 {
		return fmt.Errorf("config: ota part_size must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: tick_interval must be positive")
	}
	return nil
}

// ClientID derives the transport client identifier.
func (c *Config) ClientID() string {
	if c.NodeName != "" {
		return "hivemesh-" + c.NodeName
	}
	host, _ := os.Hostname()
	return "hivemesh-" + host
}
