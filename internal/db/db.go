// Package db is the connection factory: it opens pooled, timeout-bounded
// GORM connections to PostgreSQL URLs and owns their lifecycle.
package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/logger"
)

// Connector wraps a GORM handle for one database. Ownership is scoped to the
// job that opened it; every exit path must Close it.
type Connector struct {
	DB   *gorm.DB
	Name string // source / target label, used in logs and metrics
}

// Connect opens a pooled connection to a postgres:// URL. The URL is parsed
// before dialing so malformed or non-Postgres URLs fail fast instead of
// reaching the driver.
func Connect(rawURL, name string, gl logger.GormLoggerInterface) (*Connector, error) {
	dsn, err := normalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s database URL: %w", name, err)
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s database: %w", name, err)
	}
	return &Connector{DB: gdb, Name: name}, nil
}

// normalizeURL validates the URL shape and guarantees a connect timeout is
// present, defaulting to 10 seconds.
func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
	default:
		return "", fmt.Errorf("unsupported scheme %q (expected postgres://)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("database URL has no host")
	}
	q := u.Query()
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", "10")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Optimize configures the pool. maxConcurrency callers must stay below
// poolSize or workers will starve waiting for connections.
func (c *Connector) Optimize(poolSize int, maxLifetime time.Duration) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB for optimization: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	if maxLifetime <= 0 {
		maxLifetime = time.Hour
	}
	sqlDB.SetMaxIdleConns(poolSize / 2)
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetConnMaxLifetime(maxLifetime)
	return nil
}

func (c *Connector) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB for ping: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

func (c *Connector) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB handle to close: %w", err)
	}
	if logger.Log != nil {
		logger.Log.Info("Closing database connection pool", zap.String("db", c.Name))
	}
	return sqlDB.Close()
}
