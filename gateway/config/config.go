// Package config loads the gateway configuration from YAML and applies
// environment overrides. Validation failures are fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Edge      EdgeConfig      `yaml:"edge"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Token     TokenConfig     `yaml:"token"`
	Registry  RegistryConfig  `yaml:"registry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	P2P       P2PConfig       `yaml:"p2p"`
	Store     StoreConfig     `yaml:"store"`
}

type EdgeConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	PublicURL       string `yaml:"public_url"`
	WSURL           string `yaml:"ws_url"`
	SharedSecret    string `yaml:"shared_secret"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	TokenRatePerMin int    `yaml:"token_rate_per_min"`
	DrainTimeoutSec int    `yaml:"drain_timeout_sec"`
}

type EscrowConfig struct {
	BaseURL            string `yaml:"base_url"`
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	TimeoutSec         int    `yaml:"timeout_sec"`
	DatabaseURL        string `yaml:"database_url"`
	PollIntervalSec    int    `yaml:"poll_interval_sec"`
	ClientCA           string `yaml:"client_ca"`
	ClientCert         string `yaml:"client_cert"`
	ClientKey          string `yaml:"client_key"`
	RejectUnauthorized *bool  `yaml:"reject_unauthorized"`
}

type TokenConfig struct {
	DefaultTTLSec    int     `yaml:"default_ttl_sec"`
	RefreshFraction  float64 `yaml:"refresh_fraction"`
	HTTPTimeoutSec   int     `yaml:"http_timeout_sec"`
	RevocationFanout bool    `yaml:"revocation_fanout"`
}

type RegistryConfig struct {
	StalenessSec int `yaml:"staleness_sec"`
}

type DispatchConfig struct {
	MaxConcurrentJobsPerPeer int     `yaml:"max_concurrent_jobs_per_peer"`
	MaxFailureRate           float64 `yaml:"max_failure_rate"`
	ReassignOnLagBlocks      int64   `yaml:"reassign_on_lag_blocks"`
	CircuitBreakerThreshold  int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerDurationMS int64   `yaml:"circuit_breaker_duration_ms"`
}

type MirrorConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	StorageDir              string `yaml:"storage_dir"`
	TrustedPeersPersistPath string `yaml:"trusted_peers_persist_path"`
	StatusDetail            bool   `yaml:"status_detail"`
	StatusOwners            int    `yaml:"status_owners"`
	StatusCoresPerOwner     int    `yaml:"status_cores_per_owner"`
}

type DiscoveryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	OpenAccess         bool   `yaml:"open_access"`
	KeySeed            string `yaml:"key_seed"` // hex, 32 bytes; empty = random
	DisplayName        string `yaml:"display_name"`
	Region             string `yaml:"region"`
	RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
	TTLSec             int    `yaml:"ttl_sec"`
	SecretURL          string `yaml:"secret_url"`
}

type P2PConfig struct {
	Port       int      `yaml:"port"`
	Bootstraps []string `yaml:"bootstraps"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"` // pebble root for token/registry state
}

// Default returns a config usable on a developer machine.
func Default() *Config {
	return &Config{
		Edge: EdgeConfig{
			ListenAddr:      ":4040",
			PublicURL:       "http://localhost:4040",
			WSURL:           "ws://localhost:4040/relay",
			TokenRatePerMin: 60,
			DrainTimeoutSec: 10,
		},
		Escrow: EscrowConfig{
			TimeoutSec:      10,
			PollIntervalSec: 15,
		},
		Token: TokenConfig{
			DefaultTTLSec:   3600,
			RefreshFraction: 0.2,
			HTTPTimeoutSec:  5,
		},
		Registry: RegistryConfig{StalenessSec: 45},
		Dispatch: DispatchConfig{
			MaxConcurrentJobsPerPeer: 3,
			MaxFailureRate:           0.4,
			ReassignOnLagBlocks:      500,
			CircuitBreakerThreshold:  5,
			CircuitBreakerDurationMS: 60_000,
		},
		Mirror: MirrorConfig{
			StorageDir:              "data/mirror",
			TrustedPeersPersistPath: "data/trusted-peers.json",
			StatusOwners:            10,
			StatusCoresPerOwner:     5,
		},
		Discovery: DiscoveryConfig{
			RefreshIntervalSec: 30,
			TTLSec:             60,
		},
		P2P:   P2PConfig{Port: 4041},
		Store: StoreConfig{Dir: "data/state"},
	}
}

// Load reads path (optional) over Default and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ESCROW_DATABASE_URL"); v != "" {
		c.Escrow.DatabaseURL = v
	}
	// Compose a URL from discrete POSTGRES_* vars when no explicit URL is set.
	if c.Escrow.DatabaseURL == "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		if user != "" && db != "" {
			host := os.Getenv("POSTGRES_HOST")
			if host == "" {
				host = "localhost"
			}
			c.Escrow.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, host, db)
		}
	}
	if v := os.Getenv("ESCROW_BASE_URL"); v != "" {
		c.Escrow.BaseURL = v
	}
	if v := os.Getenv("ESCROW_CLIENT_ID"); v != "" {
		c.Escrow.ClientID = v
	}
	if v := os.Getenv("ESCROW_CLIENT_SECRET"); v != "" {
		c.Escrow.ClientSecret = v
	}
	if v := os.Getenv("GATEWAY_SHARED_SECRET"); v != "" {
		c.Edge.SharedSecret = v
	}
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		c.Edge.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_PUBLIC_URL"); v != "" {
		c.Edge.PublicURL = v
	}
	if v := os.Getenv("BLIND_PEER_STATUS_DETAIL"); v != "" {
		c.Mirror.StatusDetail = v == "true" || v == "1"
	}
	if v, ok := envInt("BLIND_PEER_STATUS_OWNERS"); ok {
		c.Mirror.StatusOwners = v
	}
	if v, ok := envInt("BLIND_PEER_STATUS_CORES_PER_OWNER"); ok {
		c.Mirror.StatusCoresPerOwner = v
	}
	if v := os.Getenv("DISCOVERY_KEY_SEED"); v != "" {
		c.Discovery.KeySeed = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) Validate() error {
	if c.Edge.ListenAddr == "" {
		return fmt.Errorf("config: edge.listen_addr is required")
	}
	if c.Token.RefreshFraction <= 0 || c.Token.RefreshFraction >= 1 {
		return fmt.Errorf("config: token.refresh_fraction must be in (0,1)")
	}
	if c.Dispatch.MaxConcurrentJobsPerPeer <= 0 {
		return fmt.Errorf("config: dispatch.max_concurrent_jobs_per_peer must be positive")
	}
	if c.Escrow.BaseURL != "" && c.Escrow.ClientID == "" {
		return fmt.Errorf("config: escrow.client_id required when escrow.base_url is set")
	}
	if c.Discovery.KeySeed != "" && len(c.Discovery.KeySeed) != 64 {
		return fmt.Errorf("config: discovery.key_seed must be 32 hex-encoded bytes")
	}
	return nil
}

func (c *EscrowConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}
