package config

import (
	"fmt"
	"os"

	"github.com/cuemby/bigset/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration for a bigset node.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Replication ReplicationConfig `yaml:"replication"`
	Storage     StorageConfig     `yaml:"storage"`
}

// ServerConfig identifies this node and its listen addresses.
type ServerConfig struct {
	NodeID          uint16 `yaml:"node_id"`
	Epoch           uint8  `yaml:"epoch"`
	APIAddr         string `yaml:"api_addr"`
	ReplicationAddr string `yaml:"replication_addr"`
	// MetricsAddr is optional; empty disables the metrics/health listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	DBPath      string `yaml:"db_path"`
}

// ClusterConfig lists the replication peers.
type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig identifies one peer replica.
type PeerConfig struct {
	NodeID uint16 `yaml:"node_id"`
	Epoch  uint8  `yaml:"epoch"`
	Addr   string `yaml:"addr"`
}

// ReplicationConfig tunes the fan-out and buffering behavior.
type ReplicationConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	BufferSize     int `yaml:"buffer_size"`
	SendTimeoutMs  int `yaml:"send_timeout_ms"`
}

// StorageConfig tunes the SQLite backend.
type StorageConfig struct {
	CacheSize     int `yaml:"cache_size"`
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Replication.MaxRetries == 0 {
		c.Replication.MaxRetries = 5
	}
	if c.Replication.RetryBackoffMs == 0 {
		c.Replication.RetryBackoffMs = 500
	}
	if c.Replication.BufferSize == 0 {
		c.Replication.BufferSize = 1024
	}
	if c.Replication.SendTimeoutMs == 0 {
		c.Replication.SendTimeoutMs = 5000
	}
	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = -64000 // 64000 KiB (62.5 MiB), in SQLite -KiB convention
	}
	if c.Storage.BusyTimeoutMs == 0 {
		c.Storage.BusyTimeoutMs = 5000
	}
}

// Validate rejects configurations that cannot identify the node or its peers.
func (c *Config) Validate() error {
	if c.Server.APIAddr == "" {
		return fmt.Errorf("config: server.api_addr is required")
	}
	if c.Server.ReplicationAddr == "" {
		return fmt.Errorf("config: server.replication_addr is required")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("config: server.db_path is required")
	}
	seen := make(map[uint16]bool)
	for _, p := range c.Cluster.Peers {
		if p.Addr == "" {
			return fmt.Errorf("config: peer %d has no address", p.NodeID)
		}
		if p.NodeID == c.Server.NodeID {
			return fmt.Errorf("config: peer %d duplicates this node's id", p.NodeID)
		}
		if seen[p.NodeID] {
			return fmt.Errorf("config: duplicate peer node id %d", p.NodeID)
		}
		seen[p.NodeID] = true
	}
	return nil
}

// ActorID returns this node's actor identity.
func (c *Config) ActorID() types.ActorID {
	return types.NewActorID(c.Server.NodeID, c.Server.Epoch)
}

// ActorID returns the peer's actor identity.
func (p PeerConfig) ActorID() types.ActorID {
	return types.NewActorID(p.NodeID, p.Epoch)
}
