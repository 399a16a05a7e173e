// Package config aggregates the per-subsystem settings of a meshvault
// daemon into one YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"meshvault/pkg/api"
	"meshvault/pkg/catalog"
	"meshvault/pkg/coordinator"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/storage"
	"meshvault/pkg/tracing"
)

// Config is the complete daemon configuration.
type Config struct {
	NodeID string   `yaml:"node_id"`
	Tags   []string `yaml:"tags"`

	// BlockedPeers are node IDs whose inbound mesh traffic is refused.
	BlockedPeers []string `yaml:"blocked_peers"`

	Logging     logging.Config     `yaml:"logging"`
	Mesh        mesh.Config        `yaml:"mesh"`
	Catalog     catalog.Config     `yaml:"catalog"`
	Storage     storage.Config     `yaml:"storage"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	API         api.Config         `yaml:"api"`
	Tracing     tracing.Config     `yaml:"tracing"`
}

// Default returns the configuration a daemon starts with when no file is
// given. The node ID is derived from the hostname so restarts keep the
// same mesh identity.
func Default() Config {
	return Config{
		NodeID:      defaultNodeID(),
		Logging:     logging.DefaultConfig(),
		Mesh:        mesh.DefaultConfig(),
		Catalog:     catalog.Config{Type: "sqlite", Path: "meshvault.db"},
		Storage:     storage.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		API:         api.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults, so omitted
// keys keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize back-fills derived fields after flag or file overrides. The
// coordinator shares the storage data directory and the node tags.
func (c *Config) Normalize() {
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}
	c.Coordinator.DataDir = c.Storage.DataDir
	c.Coordinator.Tags = c.Tags
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Storage.CapacityBytes <= 0 {
		return fmt.Errorf("storage.capacity_bytes must be positive")
	}
	if c.Coordinator.ReplicationFactor < 1 {
		return fmt.Errorf("coordinator.replication_factor must be at least 1")
	}
	switch c.Catalog.Type {
	case "", "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("catalog.type %q is not supported", c.Catalog.Type)
	}
	if c.API.TLS.Enabled && c.API.TLS.CertFile == "" {
		return fmt.Errorf("api.tls.cert_file must be set when TLS is enabled")
	}
	return nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-" + uuid.NewString()[:8]
	}
	return host
}

// ExampleConfig documents every setting with its default value.
const ExampleConfig = `# meshvault daemon configuration

# Mesh identity of this node. Defaults to the hostname.
node_id: ""

# Capability tags announced to peers, e.g. "gpu" or "ssd".
tags: []

# Node IDs whose inbound mesh traffic is refused.
blocked_peers: []

logging:
  level: info        # debug, info, warn, error
  format: console    # console or json
  output: stderr     # stdout, stderr, or a file path

mesh:
  url: nats://127.0.0.1:4222
  request_timeout: 15s
  peer_ttl: 90s      # peers silent longer than this are dropped
  inbound_rps: 200   # rate limit for requests arriving from peers
  inbound_burst: 400

catalog:
  type: sqlite       # memory, sqlite or postgres
  path: meshvault.db # SQLite database file
  dsn: ""            # PostgreSQL connection string
  max_open_conns: 0
  max_idle_conns: 0
  conn_max_lifetime: 0s

storage:
  data_dir: ./data
  capacity_bytes: 10737418240  # 10 GiB
  retention_age: 168h          # evict blobs unread for 7 days
  popularity_floor: 5          # accesses that exempt a blob from eviction
  replication_timeout: 30s
  cache_on_retrieve: true      # keep remotely fetched blobs locally

coordinator:
  statistics_interval: 30s
  cleanup_interval: 10m
  maintenance_interval: 1h
  stale_operation_age: 1h
  shutdown_grace: 10s
  replication_factor: 2

api:
  listen_addr: :8440
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 120s
  rate_limit_rps: 50
  rate_limit_burst: 100
  api_key_hashes: []           # bcrypt hashes from "meshvaultd keygen"
  tls:
    enabled: false
    cert_file: ""
    key_file: ""
    client_ca_file: ""
    require_client_cert: false

tracing:
  enabled: false
  otlp_endpoint: ""            # e.g. localhost:4318
  environment: ""
`
