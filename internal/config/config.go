// Package config loads server configuration from a YAML file with
// environment-variable overrides. Every knob has a default, so an empty
// config starts a usable single-node server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration tree.
type Config struct {
	Network   Network   `yaml:"network"`
	Identity  Identity  `yaml:"identity"`
	Bootstrap Bootstrap `yaml:"bootstrap"`
	Gossip    Gossip    `yaml:"gossip"`
	DHT       DHT       `yaml:"dht"`
	Storage   Storage   `yaml:"storage"`
	Client    Client    `yaml:"client"`
	Cleanup   Cleanup   `yaml:"cleanup"`
}

type Network struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PublicEndpoint string `yaml:"publicEndpoint"`
	Region         string `yaml:"region"`
}

type Identity struct {
	KeyPath           string `yaml:"keyPath"`
	EphemeralIDPrefix string `yaml:"ephemeralIdPrefix"`
}

type Bootstrap struct {
	ServerURL         string        `yaml:"serverUrl"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	RetryInterval     time.Duration `yaml:"retryInterval"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

type Gossip struct {
	Interval              time.Duration `yaml:"interval"`
	ProbeTimeout          time.Duration `yaml:"probeTimeout"`
	SuspicionTimeout      time.Duration `yaml:"suspicionTimeout"`
	FailureTimeout        time.Duration `yaml:"failureTimeout"`
	IndirectPingCount     int           `yaml:"indirectPingCount"`
	StateExchangeInterval time.Duration `yaml:"stateExchangeInterval"`
	HandshakeTimeout      time.Duration `yaml:"handshakeTimeout"`
	PingInterval          time.Duration `yaml:"pingInterval"`
	ReconnectBase         time.Duration `yaml:"reconnectBase"`
	ReconnectMaxInterval  time.Duration `yaml:"reconnectMaxInterval"`
	RPCTimeout            time.Duration `yaml:"rpcTimeout"`
}

type DHT struct {
	ReplicationFactor int `yaml:"replicationFactor"`
	WriteQuorum       int `yaml:"writeQuorum"`
	ReadQuorum        int `yaml:"readQuorum"`
	VirtualNodes      int `yaml:"virtualNodes"`
}

type Storage struct {
	Type string `yaml:"type"` // "memory" or "leveldb"
	Path string `yaml:"path"`
}

type Client struct {
	MaxConnectionsPerPeer  int           `yaml:"maxConnectionsPerPeer"`
	HeartbeatInterval      time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeatTimeout"`
	PairRequestTimeout     time.Duration `yaml:"pairRequestTimeout"`
	PairRequestWarningTime time.Duration `yaml:"pairRequestWarningTime"`
	MaxPendingPerTarget    int           `yaml:"maxPendingPerTarget"`
	RateLimitPerMinute     int           `yaml:"rateLimitPerMinute"`
	MaxFrameBytes          int64         `yaml:"maxFrameBytes"`
	SendQueueSize          int           `yaml:"sendQueueSize"`
}

type Cleanup struct {
	Interval       time.Duration `yaml:"interval"`
	DailyPointTTL  time.Duration `yaml:"dailyPointTtl"`
	HourlyTokenTTL time.Duration `yaml:"hourlyTokenTtl"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() *Config {
	return &Config{
		Network: Network{
			Host: "0.0.0.0",
			Port: 8420,
		},
		Identity: Identity{
			KeyPath:           "data/identity.json",
			EphemeralIDPrefix: "zajel",
		},
		Bootstrap: Bootstrap{
			HeartbeatInterval: 60 * time.Second,
			RetryInterval:     2 * time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Gossip: Gossip{
			Interval:              time.Second,
			ProbeTimeout:          1500 * time.Millisecond,
			SuspicionTimeout:      5 * time.Second,
			FailureTimeout:        10 * time.Second,
			IndirectPingCount:     2,
			StateExchangeInterval: 15 * time.Second,
			HandshakeTimeout:      8 * time.Second,
			PingInterval:          30 * time.Second,
			ReconnectBase:         time.Second,
			ReconnectMaxInterval:  60 * time.Second,
			RPCTimeout:            5 * time.Second,
		},
		DHT: DHT{
			ReplicationFactor: 3,
			WriteQuorum:       2,
			ReadQuorum:        1,
			VirtualNodes:      150,
		},
		Storage: Storage{
			Type: "memory",
			Path: "data/store",
		},
		Client: Client{
			MaxConnectionsPerPeer:  20,
			HeartbeatInterval:      30 * time.Second,
			HeartbeatTimeout:       60 * time.Second,
			PairRequestTimeout:     120 * time.Second,
			PairRequestWarningTime: 30 * time.Second,
			MaxPendingPerTarget:    10,
			RateLimitPerMinute:     100,
			MaxFrameBytes:          64 * 1024,
			SendQueueSize:          256,
		},
		Cleanup: Cleanup{
			Interval:       5 * time.Minute,
			DailyPointTTL:  48 * time.Hour,
			HourlyTokenTTL: 3 * time.Hour,
		},
	}
}

// Load reads the YAML file at path (if path is non-empty) on top of the
// defaults, then applies ZAJEL_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables used in container
// deployments, where mounting a config file is inconvenient.
func (c *Config) applyEnv() {
	if v := os.Getenv("ZAJEL_HOST"); v != "" {
		c.Network.Host = v
	}
	if v := os.Getenv("ZAJEL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Network.Port = p
		}
	}
	if v := os.Getenv("ZAJEL_PUBLIC_ENDPOINT"); v != "" {
		c.Network.PublicEndpoint = v
	}
	if v := os.Getenv("ZAJEL_REGION"); v != "" {
		c.Network.Region = v
	}
	if v := os.Getenv("ZAJEL_KEY_PATH"); v != "" {
		c.Identity.KeyPath = v
	}
	if v := os.Getenv("ZAJEL_BOOTSTRAP_URL"); v != "" {
		c.Bootstrap.ServerURL = v
	}
	if v := os.Getenv("ZAJEL_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("ZAJEL_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
}

// Validate rejects configurations that could desync the cluster.
func (c *Config) Validate() error {
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Network.Port)
	}
	if c.DHT.ReplicationFactor < 1 {
		return fmt.Errorf("config: replicationFactor must be >= 1")
	}
	if c.DHT.WriteQuorum < 1 || c.DHT.WriteQuorum > c.DHT.ReplicationFactor {
		return fmt.Errorf("config: writeQuorum %d outside [1, replicationFactor=%d]",
			c.DHT.WriteQuorum, c.DHT.ReplicationFactor)
	}
	if c.DHT.ReadQuorum < 1 || c.DHT.ReadQuorum > c.DHT.ReplicationFactor {
		return fmt.Errorf("config: readQuorum %d outside [1, replicationFactor=%d]",
			c.DHT.ReadQuorum, c.DHT.ReplicationFactor)
	}
	if c.DHT.VirtualNodes < 1 {
		return fmt.Errorf("config: virtualNodes must be >= 1")
	}
	switch c.Storage.Type {
	case "memory", "leveldb":
	default:
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	if c.Client.PairRequestWarningTime >= c.Client.PairRequestTimeout {
		return fmt.Errorf("config: pairRequestWarningTime must be below pairRequestTimeout")
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Network.Host, c.Network.Port)
}

// Endpoint is the externally advertised WebSocket endpoint.
func (c *Config) Endpoint() string {
	if c.Network.PublicEndpoint != "" {
		return c.Network.PublicEndpoint
	}
	return fmt.Sprintf("ws://%s:%d", c.Network.Host, c.Network.Port)
}
