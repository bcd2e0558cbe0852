package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	ClusterID  string `yaml:"cluster_id"`

	Backends   BackendsConfig   `yaml:"backends"`
	PolicyPath string           `yaml:"policy_path"`
	SigningKey SigningKeyConfig `yaml:"signing_key"`
	Auth       AuthConfig       `yaml:"auth"`
	Quorum     QuorumConfig     `yaml:"quorum"`
	Verify     VerifyConfig     `yaml:"verify"`
	Notify     NotifyConfig     `yaml:"notify"`

	// ApprovalTimeoutHours bounds how long a proposal stays actionable.
	ApprovalTimeoutHours int `yaml:"approval_timeout_hours"`
}

// BackendsConfig names the three stores every decision lands in.
type BackendsConfig struct {
	Vault      BackendConfig `yaml:"vault"`
	Stream     BackendConfig `yaml:"stream"`
	Relational DBConfig      `yaml:"relational"`
}

type BackendConfig struct {
	DSN string `yaml:"dsn"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type AuthConfig struct {
	// Tokens maps a bearer value to the actor it authenticates.
	Tokens   map[string]string `yaml:"tokens"`
	DevToken string            `yaml:"dev_token"`

	HOTP HOTPConfig `yaml:"hotp"`

	// StaticProofs accepts a fixed proof per actor. Dev and test use only.
	StaticProofs map[string]string `yaml:"static_proofs"`
}

type HOTPConfig struct {
	Enabled     bool                           `yaml:"enabled"`
	CounterPath string                         `yaml:"counter_path"`
	Window      int                            `yaml:"window"`
	Secrets     map[string][]TokenSecretConfig `yaml:"secrets"`
}

// TokenSecretConfig enrolls one physical token. Key takes a hex: or base64:
// prefixed string.
type TokenSecretConfig struct {
	ID  string `yaml:"id"`
	Key string `yaml:"key"`
}

type QuorumConfig struct {
	Peers                []PeerConfig `yaml:"peers"`
	VoteTimeoutSeconds   int          `yaml:"vote_timeout_seconds"`
	ProbeIntervalSeconds int          `yaml:"probe_interval_seconds"`
	MaxSkewSeconds       int          `yaml:"max_skew_seconds"`
}

// PeerConfig identifies a remote cluster. PublicKey takes a hex: or base64:
// prefixed string and verifies that peer's votes.
type PeerConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	PublicKey string `yaml:"public_key"`
}

type VerifyConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	Window          int `yaml:"window"`
}

type NotifyConfig struct {
	Enabled             bool   `yaml:"enabled"`
	WebhookURL          string `yaml:"webhook_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.ClusterID == "" {
		return fmt.Errorf("cluster_id is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}
	if c.Backends.Vault.DSN == "" {
		return fmt.Errorf("backends.vault.dsn is required")
	}
	if c.Backends.Stream.DSN == "" {
		return fmt.Errorf("backends.stream.dsn is required")
	}
	if c.Backends.Relational.DSN == "" {
		return fmt.Errorf("backends.relational.dsn is required")
	}
	switch c.Backends.Relational.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("backends.relational.driver must be sqlite or postgres, got %q", c.Backends.Relational.Driver)
	}
	if c.SigningKey.KeyID == "" {
		return fmt.Errorf("signing_key.key_id is required")
	}
	if c.SigningKey.PrivateKeyPath == "" {
		return fmt.Errorf("signing_key.private_key_path is required")
	}

	for i, p := range c.Quorum.Peers {
		if p.ID == "" || p.URL == "" || p.PublicKey == "" {
			return fmt.Errorf("quorum.peers[%d] needs id, url and public_key", i)
		}
		if p.ID == c.ClusterID {
			return fmt.Errorf("quorum.peers[%d] reuses this cluster's id %q", i, p.ID)
		}
	}

	if c.Auth.HOTP.Enabled && len(c.Auth.HOTP.Secrets) == 0 {
		return fmt.Errorf("auth.hotp.secrets is required when auth.hotp.enabled=true")
	}
	if c.Auth.HOTP.Enabled && c.Auth.HOTP.CounterPath == "" {
		return fmt.Errorf("auth.hotp.counter_path is required when auth.hotp.enabled=true")
	}
	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notify.enabled=true")
	}

	return nil
}

// RelationalDriver defaults to sqlite so a single-binary run needs no
// external database.
func (c Config) RelationalDriver() string {
	if c.Backends.Relational.Driver == "" {
		return "sqlite"
	}
	return c.Backends.Relational.Driver
}

func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutHours) * time.Hour
}

func (q QuorumConfig) VoteTimeout() time.Duration {
	return time.Duration(q.VoteTimeoutSeconds) * time.Second
}

func (q QuorumConfig) ProbeInterval() time.Duration {
	return time.Duration(q.ProbeIntervalSeconds) * time.Second
}

func (q QuorumConfig) MaxSkew() time.Duration {
	return time.Duration(q.MaxSkewSeconds) * time.Second
}

func (v VerifyConfig) Interval() time.Duration {
	return time.Duration(v.IntervalSeconds) * time.Second
}

func (n NotifyConfig) PollInterval() time.Duration {
	return time.Duration(n.PollIntervalSeconds) * time.Second
}
