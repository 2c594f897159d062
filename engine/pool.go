package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnParams are the resolved (decrypted) connection parameters for an
// upstream data source. They carry no proxy-user identity.
type ConnParams struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

// DSN renders the params as a libpq keyword/value connection string.
func (p ConnParams) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=30",
		quoteDSNValue(p.Host), p.Port, quoteDSNValue(p.Database),
		quoteDSNValue(p.Username), quoteDSNValue(p.Password), sslMode)
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// LazyPool is the shared upstream connection pool handle for a datasource.
// The underlying pgx pool is not constructed until the first user-table
// query, so catalog-only queries (pg_catalog, information_schema) complete
// without an upstream connection. The handle survives engine-context
// invalidation; it is torn down only by InvalidateAll.
type LazyPool struct {
	params ConnParams

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewLazyPool creates an unstarted pool handle.
func NewLazyPool(params ConnParams) *LazyPool {
	return &LazyPool{params: params}
}

// Get returns the shared pgx pool, creating it on first call.
func (l *LazyPool) Get(ctx context.Context) (*pgxpool.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool != nil {
		return l.pool, nil
	}

	slog.Debug("Creating upstream pool (first user-table query)")
	cfg, err := pgxpool.ParseConfig(l.params.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse upstream config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create upstream pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("upstream ping: %w", err)
	}
	l.pool = pool
	return pool, nil
}

// Started reports whether the underlying pool has been constructed.
func (l *LazyPool) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool != nil
}

// Close tears down the underlying pool if it was ever started.
func (l *LazyPool) Close() {
	l.mu.Lock()
	pool := l.pool
	l.pool = nil
	l.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
