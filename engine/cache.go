package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DataSourceInfo is the resolved view of a datasource the cache needs:
// identity plus decrypted connection parameters.
type DataSourceInfo struct {
	ID     uuid.UUID
	Name   string
	Type   string
	Active bool
	Conn   ConnParams
}

// CatalogSource loads persisted datasource and catalog state. Implemented
// by the catalog store.
type CatalogSource interface {
	DataSourceByName(ctx context.Context, name string) (*DataSourceInfo, error)
	SelectedTables(ctx context.Context, dataSourceID uuid.UUID) ([]TableDef, error)
}

// NotFoundError reports a missing or inactive datasource.
type NotFoundError struct {
	Name     string
	Inactive bool
}

func (e *NotFoundError) Error() string {
	if e.Inactive {
		return fmt.Sprintf("data source %q is inactive", e.Name)
	}
	return fmt.Sprintf("data source %q not found", e.Name)
}

// Cache memoizes one engine context and one lazy pool per datasource name.
//
// The two entries have different lifetimes: Invalidate drops only the
// context (catalog edits — connection parameters unchanged, the pool is
// reused), while InvalidateAll drops both (connection-parameter edits or
// deletion — pooled connections would be stale). The mutex guards only the
// in-memory maps; catalog loading happens outside it.
type Cache struct {
	src CatalogSource

	mu       sync.Mutex
	contexts map[string]*Context
	pools    map[string]*LazyPool
}

// NewCache creates an empty engine cache over a catalog source.
func NewCache(src CatalogSource) *Cache {
	return &Cache{
		src:      src,
		contexts: make(map[string]*Context),
		pools:    make(map[string]*LazyPool),
	}
}

// Get returns the engine context for a datasource, building it from the
// persisted catalog on first use. Pool construction is not triggered here.
func (c *Cache) Get(ctx context.Context, name string) (*Context, error) {
	c.mu.Lock()
	if ec, ok := c.contexts[name]; ok {
		c.mu.Unlock()
		return ec, nil
	}
	c.mu.Unlock()

	ds, err := c.src.DataSourceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ds.Active {
		return nil, &NotFoundError{Name: name, Inactive: true}
	}

	defs, err := c.src.SelectedTables(ctx, ds.ID)
	if err != nil {
		return nil, fmt.Errorf("load catalog for %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another session may have built the context while we loaded.
	if ec, ok := c.contexts[name]; ok {
		return ec, nil
	}
	pool, ok := c.pools[name]
	if !ok {
		pool = NewLazyPool(ds.Conn)
		c.pools[name] = pool
	}
	ec := NewContext(name, defs, pool)
	c.contexts[name] = ec
	slog.Debug("Engine context ready", "datasource", name, "tables", len(defs))
	return ec, nil
}

// Invalidate drops the cached context only. Called after catalog edits;
// the shared pool is retained so subsequent queries reuse its connections.
// In-flight queries keep their detached context until completion.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.contexts, name)
	c.mu.Unlock()
	slog.Info("Engine context invalidated", "datasource", name)
}

// InvalidateAll drops both the context and the pool. Called after
// connection-parameter edits or datasource deletion.
func (c *Cache) InvalidateAll(name string) {
	c.mu.Lock()
	delete(c.contexts, name)
	pool := c.pools[name]
	delete(c.pools, name)
	c.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
	slog.Info("Engine context and pool invalidated", "datasource", name)
}

// Warmup eagerly builds the context and starts the pool. Called from a
// background task after authentication; failures are non-fatal.
func (c *Cache) Warmup(ctx context.Context, name string) {
	ec, err := c.Get(ctx, name)
	if err != nil {
		slog.Debug("Context warmup failed (non-fatal)", "datasource", name, "error", err)
		return
	}
	ec.Warmup(ctx)
}

// PoolStarted reports whether the datasource's pool entry exists and its
// underlying pgx pool has been constructed.
func (c *Cache) PoolStarted(name string) bool {
	c.mu.Lock()
	pool, ok := c.pools[name]
	c.mu.Unlock()
	return ok && pool.Started()
}

// PoolHandle exposes the lazy pool handle for a datasource, if present.
func (c *Cache) PoolHandle(name string) (*LazyPool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.pools[name]
	return pool, ok
}
