// Package config loads CoreConfig, the aggregate configuration struct
// cmd/corebusd wires against. Its shape (MongoDB/Postgres/HTTP/Leader
// sub-structs) mirrors the fields the teacher's cmd/outbox/main.go reads
// off its own config.Load() result; loading is done from a TOML file via
// BurntSushi/toml instead of the teacher's env-var binding, per this
// module's own Design Notes.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"go.corebus.dev/internal/secrets"
)

// MongoDBConfig configures the MongoDB-backed storage implementations.
type MongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// PostgresConfig configures the Postgres-backed storage implementations.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// HTTPConfig configures internal/adminapi's listener.
type HTTPConfig struct {
	Port int `toml:"port"`
}

// LeaderConfig configures internal/leaderelect.RedisElector.
type LeaderConfig struct {
	Enabled         bool          `toml:"enabled"`
	RedisAddr       string        `toml:"redis_addr"`
	LockName        string        `toml:"lock_name"`
	TTL             time.Duration `toml:"ttl"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// OutboxConfig holds internal/outbox.Processor settings. cmd/corebusd
// loads it but builds no outbox processor from it.
type OutboxConfig struct {
	PollInterval     time.Duration `toml:"poll_interval"`
	PollBatchSize    int           `toml:"poll_batch_size"`
	MaxRetries       int           `toml:"max_retries"`
	StuckRecoveryAge time.Duration `toml:"stuck_recovery_age"`
}

// VaultConfig configures optional resolution of "vault:" reference
// strings in MongoDB.URI, Postgres.DSN, and Leader.RedisAddr against a
// HashiCorp Vault KV v2 mount. Left zero-valued, those fields are used
// as literal strings.
type VaultConfig struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

// CoreConfig is the aggregate configuration cmd/corebusd loads. The binary
// builds components from its HTTP and Leader sections and uses Vault to
// resolve references; the MongoDB, Postgres and Outbox sections are loaded
// (and resolved) but no component is built from them.
type CoreConfig struct {
	MongoDB  MongoDBConfig  `toml:"mongodb"`
	Postgres PostgresConfig `toml:"postgres"`
	HTTP     HTTPConfig     `toml:"http"`
	Leader   LeaderConfig   `toml:"leader"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Vault    VaultConfig    `toml:"vault"`
}

// DefaultCoreConfig returns sane defaults for local/single-node use,
// following the teacher's Default*Config convention.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		HTTP: HTTPConfig{Port: 8080},
		Leader: LeaderConfig{
			Enabled:         false,
			LockName:        "corebus:leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Outbox: OutboxConfig{
			PollInterval:     time.Second,
			PollBatchSize:    100,
			MaxRetries:       3,
			StuckRecoveryAge: 30 * time.Second,
		},
	}
}

// Load reads a CoreConfig from the TOML file at path, starting from
// DefaultCoreConfig so an absent section simply keeps its default.
func Load(path string) (CoreConfig, error) {
	cfg := DefaultCoreConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveSecrets replaces any "vault:<path>#<key>" reference among
// MongoDB.URI, Postgres.DSN, and Leader.RedisAddr with the value read
// from cfg.Vault. It is a no-op (and needs no Vault reachability) when
// none of those fields carry a vault: reference.
func ResolveSecrets(ctx context.Context, cfg *CoreConfig) error {
	refs := map[string]*string{
		"mongodb.uri":      &cfg.MongoDB.URI,
		"postgres.dsn":     &cfg.Postgres.DSN,
		"leader.redisAddr": &cfg.Leader.RedisAddr,
	}

	needsVault := false
	for _, field := range refs {
		if secrets.IsRef(*field) {
			needsVault = true
			break
		}
	}
	if !needsVault {
		return nil
	}

	client, err := secrets.NewClient(secrets.Config{Addr: cfg.Vault.Addr, Token: cfg.Vault.Token})
	if err != nil {
		return err
	}
	return client.ResolveAll(ctx, refs)
}
