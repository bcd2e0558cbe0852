package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ListenAddr: ":8080",
		ClusterID:  "alpha",
		Backends: BackendsConfig{
			Vault:      BackendConfig{DSN: "file:vault.db"},
			Stream:     BackendConfig{DSN: "file:stream.db"},
			Relational: DBConfig{Driver: "sqlite", DSN: "file:ledger.db"},
		},
		PolicyPath: "./policies/triumvir.yaml",
		SigningKey: SigningKeyConfig{KeyID: "alpha-2026", PrivateKeyPath: "./keys/alpha.key"},
	}
}

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triumvir.yaml")

	os.Setenv("TRIUMVIR_PG_DSN", "postgres://triumvir@localhost/ledger")
	defer os.Unsetenv("TRIUMVIR_PG_DSN")

	data := `
listen_addr: ":8080"
cluster_id: "alpha"
policy_path: "./policies/triumvir.yaml"
backends:
  vault:
    dsn: "file:vault.db"
  stream:
    dsn: "file:stream.db"
  relational:
    driver: "postgres"
    dsn: "${TRIUMVIR_PG_DSN}"
signing_key:
  key_id: "alpha-2026"
  private_key_path: "./keys/alpha.key"
quorum:
  vote_timeout_seconds: 10
  peers:
    - id: "beta"
      url: "https://beta.example.test"
      public_key: "hex:aa"
verify:
  interval_seconds: 60
  window: 50
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backends.Relational.DSN != "postgres://triumvir@localhost/ledger" {
		t.Fatalf("expected expanded dsn, got %q", cfg.Backends.Relational.DSN)
	}
	if cfg.Quorum.VoteTimeout() != 10*time.Second {
		t.Fatalf("vote timeout: %v", cfg.Quorum.VoteTimeout())
	}
	if cfg.Verify.Interval() != time.Minute {
		t.Fatalf("verify interval: %v", cfg.Verify.Interval())
	}
	if len(cfg.Quorum.Peers) != 1 || cfg.Quorum.Peers[0].ID != "beta" {
		t.Fatalf("peers: %+v", cfg.Quorum.Peers)
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateRequiresAllThreeBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Backends.Stream.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing stream dsn")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Backends.Relational.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestValidateRejectsPeerWithOwnClusterID(t *testing.T) {
	cfg := validConfig()
	cfg.Quorum.Peers = []PeerConfig{{ID: "alpha", URL: "https://alpha.example.test", PublicKey: "hex:aa"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for self-referential peer")
	}
}

func TestValidateNotifyRequiresWebhook(t *testing.T) {
	cfg := validConfig()
	cfg.Notify.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateHOTPRequiresSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.HOTP.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRelationalDriverDefaultsToSQLite(t *testing.T) {
	cfg := validConfig()
	cfg.Backends.Relational.Driver = ""
	if got := cfg.RelationalDriver(); got != "sqlite" {
		t.Fatalf("driver default: %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error")
	}
}
