package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
)

// Direction selects the conflict handling mode for a run.
type Direction string

const (
	DirectionOneWay Direction = "one_way" // source overwrites target
	DirectionTwoWay Direction = "two_way" // reconcile with conflict strategy
)

// ConflictStrategy decides which side wins when both changed.
type ConflictStrategy string

const (
	ConflictLastWriteWins ConflictStrategy = "last_write_wins"
	ConflictSourceWins    ConflictStrategy = "source_wins"
	ConflictTargetWins    ConflictStrategy = "target_wins"
	ConflictManual        ConflictStrategy = "manual"
)

type Config struct {
	// Sync settings
	Direction          Direction        `env:"SYNC_DIRECTION" envDefault:"one_way"`
	ConflictStrategy   ConflictStrategy `env:"CONFLICT_STRATEGY" envDefault:"last_write_wins"`
	Tables             []string         `env:"SYNC_TABLES" envSeparator:","` // empty = all syncable tables
	BatchSize          int              `env:"BATCH_SIZE" envDefault:"100"`
	BulkChunkSize      int              `env:"BULK_CHUNK_SIZE" envDefault:"50"`
	CheckpointInterval int              `env:"CHECKPOINT_INTERVAL" envDefault:"50"`
	Parallel           bool             `env:"PARALLEL_SYNC" envDefault:"false"`
	MaxConcurrency     int              `env:"MAX_CONCURRENCY" envDefault:"3"`
	JobTimeout         time.Duration    `env:"JOB_TIMEOUT" envDefault:"2h"`
	FetchTimeout       time.Duration    `env:"FETCH_TIMEOUT" envDefault:"2m"`

	// Checkpoint persistence (the CLI is the durable-store side of the
	// checkpoint contract).
	CheckpointFile string `env:"CHECKPOINT_FILE" envDefault:".sync-checkpoint.json"`
	Resume         bool   `env:"RESUME" envDefault:"false"`

	// Database connections. URLs may be left empty when Vault is enabled and
	// secret paths are configured.
	SourceURL       string        `env:"SOURCE_DATABASE_URL"`
	TargetURL       string        `env:"TARGET_DATABASE_URL"`
	ConnPoolSize    int           `env:"CONN_POOL_SIZE" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`

	// Retry policy for network-facing calls
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`

	// Safety-net backup
	BackupEnabled   bool          `env:"BACKUP_ENABLED" envDefault:"false"`
	BackupBucket    string        `env:"BACKUP_BUCKET" envDefault:"sync-backups"`
	BackupRetention time.Duration `env:"BACKUP_RETENTION" envDefault:"168h"`
	BackupEndpoint  string        `env:"BACKUP_S3_ENDPOINT"`
	BackupAccessKey string        `env:"BACKUP_S3_ACCESS_KEY"`
	BackupSecretKey string        `env:"BACKUP_S3_SECRET_KEY"`
	BackupUseSSL    bool          `env:"BACKUP_S3_USE_SSL" envDefault:"true"`
	UserID          string        `env:"SYNC_USER_ID" envDefault:"local"`

	// Health monitoring
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// Observability & debugging
	EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
	EnablePprof       bool `env:"ENABLE_PPROF" envDefault:"false"`
	MetricsPort       int  `env:"METRICS_PORT" envDefault:"9091"`
	DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`

	// Vault (database URL decryption collaborator)
	VaultEnabled     bool   `env:"VAULT_ENABLED" envDefault:"false"`
	VaultAddr        string `env:"VAULT_ADDR"`
	VaultToken       string `env:"VAULT_TOKEN"`
	VaultCACert      string `env:"VAULT_CACERT"`
	VaultSkipVerify  bool   `env:"VAULT_SKIP_VERIFY" envDefault:"false"`
	SourceSecretPath string `env:"SOURCE_SECRET_PATH"`
	TargetSecretPath string `env:"TARGET_SECRET_PATH"`
	SecretURLKey     string `env:"SECRET_URL_KEY" envDefault:"url"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Validate(cfg *Config) error {
	switch Direction(strings.ToLower(string(cfg.Direction))) {
	case DirectionOneWay, DirectionTwoWay:
	default:
		return fmt.Errorf("invalid sync direction: %s (valid: %s, %s)", cfg.Direction, DirectionOneWay, DirectionTwoWay)
	}

	if !ValidStrategy(cfg.ConflictStrategy) {
		return fmt.Errorf("invalid conflict strategy: %s (valid: %s, %s, %s, %s)",
			cfg.ConflictStrategy, ConflictLastWriteWins, ConflictSourceWins, ConflictTargetWins, ConflictManual)
	}

	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if cfg.BulkChunkSize <= 0 {
		return fmt.Errorf("bulk chunk size must be positive")
	}
	if cfg.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if cfg.ConnPoolSize <= 0 {
		return fmt.Errorf("connection pool size must be positive")
	}
	// Every table worker holds its own transaction. Concurrency at or above
	// the pool size deadlocks the pool under load.
	if cfg.Parallel && cfg.MaxConcurrency >= cfg.ConnPoolSize {
		return fmt.Errorf("max concurrency (%d) must be below connection pool size (%d)", cfg.MaxConcurrency, cfg.ConnPoolSize)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if cfg.JobTimeout <= 0 || cfg.FetchTimeout <= 0 {
		return fmt.Errorf("job and fetch timeouts must be positive")
	}
	if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.SourceURL == "" && !(cfg.VaultEnabled && cfg.SourceSecretPath != "") {
		return fmt.Errorf("SOURCE_DATABASE_URL is required (or enable Vault with SOURCE_SECRET_PATH)")
	}
	if cfg.TargetURL == "" && !(cfg.VaultEnabled && cfg.TargetSecretPath != "") {
		return fmt.Errorf("TARGET_DATABASE_URL is required (or enable Vault with TARGET_SECRET_PATH)")
	}
	if cfg.VaultEnabled && cfg.VaultAddr == "" {
		return fmt.Errorf("VAULT_ADDR is required when VAULT_ENABLED=true")
	}
	if cfg.BackupEnabled && cfg.BackupEndpoint != "" && (cfg.BackupAccessKey == "" || cfg.BackupSecretKey == "") {
		return fmt.Errorf("BACKUP_S3_ACCESS_KEY and BACKUP_S3_SECRET_KEY are required when a backup endpoint is configured")
	}
	return nil
}

// ValidStrategy reports whether s is one of the four supported strategies.
func ValidStrategy(s ConflictStrategy) bool {
	switch ConflictStrategy(strings.ToLower(string(s))) {
	case ConflictLastWriteWins, ConflictSourceWins, ConflictTargetWins, ConflictManual:
		return true
	}
	return false
}
