package engine

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
)

type fakeSource struct {
	ds    map[string]*DataSourceInfo
	defs  map[uuid.UUID][]TableDef
	loads int
}

func (f *fakeSource) DataSourceByName(_ context.Context, name string) (*DataSourceInfo, error) {
	ds, ok := f.ds[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return ds, nil
}

func (f *fakeSource) SelectedTables(_ context.Context, id uuid.UUID) ([]TableDef, error) {
	f.loads++
	return f.defs[id], nil
}

func newFakeSource() *fakeSource {
	id := uuid.New()
	return &fakeSource{
		ds: map[string]*DataSourceInfo{
			"warehouse": {ID: id, Name: "warehouse", Type: "postgres", Active: true,
				Conn: ConnParams{Host: "localhost", Port: 5432, Database: "wh"}},
			"dormant": {ID: uuid.New(), Name: "dormant", Type: "postgres", Active: false},
		},
		defs: map[uuid.UUID][]TableDef{
			id: {{Schema: "public", Table: "orders", Type: "TABLE",
				ArrowSchema: arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int32}}, nil)}},
		},
	}
}

func TestCacheGetMemoizes(t *testing.T) {
	src := newFakeSource()
	cache := NewCache(src)

	ec1, err := cache.Get(context.Background(), "warehouse")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ec2, err := cache.Get(context.Background(), "warehouse")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ec1 != ec2 {
		t.Error("second Get should return the cached context")
	}
	if src.loads != 1 {
		t.Errorf("catalog loaded %d times, want 1", src.loads)
	}
}

func TestCacheGetInactive(t *testing.T) {
	cache := NewCache(newFakeSource())
	_, err := cache.Get(context.Background(), "dormant")
	nf, ok := err.(*NotFoundError)
	if !ok || !nf.Inactive {
		t.Errorf("expected inactive NotFoundError, got %v", err)
	}
}

func TestCacheGetUnknown(t *testing.T) {
	cache := NewCache(newFakeSource())
	if _, err := cache.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error")
	}
}

// Invalidate drops the context but keeps the pool handle: after a catalog
// save the next Get observes the new selections over the same pool.
func TestCacheInvalidateKeepsPool(t *testing.T) {
	src := newFakeSource()
	cache := NewCache(src)

	ec1, err := cache.Get(context.Background(), "warehouse")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pool1, ok := cache.PoolHandle("warehouse")
	if !ok {
		t.Fatal("pool handle missing after Get")
	}

	cache.Invalidate("warehouse")

	if _, ok := cache.PoolHandle("warehouse"); !ok {
		t.Fatal("Invalidate must retain the pool entry")
	}

	ec2, err := cache.Get(context.Background(), "warehouse")
	if err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	if ec1 == ec2 {
		t.Error("Invalidate should force a context rebuild")
	}
	pool2, _ := cache.PoolHandle("warehouse")
	if pool1 != pool2 {
		t.Error("pool identity must be unchanged across Invalidate")
	}
	if ec2.Pool() != pool1 {
		t.Error("rebuilt context must share the retained pool")
	}
	if src.loads != 2 {
		t.Errorf("catalog loaded %d times, want 2", src.loads)
	}

	// The detached context stays usable for in-flight queries.
	if _, ok := ec1.LookupTable("public", "orders"); !ok {
		t.Error("detached context lost its catalog")
	}
}

// InvalidateAll drops both entries: after a connection-parameter edit the
// pool would hold stale upstream connections.
func TestCacheInvalidateAllDropsPool(t *testing.T) {
	cache := NewCache(newFakeSource())

	if _, err := cache.Get(context.Background(), "warehouse"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	pool1, _ := cache.PoolHandle("warehouse")

	cache.InvalidateAll("warehouse")

	if _, ok := cache.PoolHandle("warehouse"); ok {
		t.Fatal("InvalidateAll must drop the pool entry")
	}

	if _, err := cache.Get(context.Background(), "warehouse"); err != nil {
		t.Fatalf("Get after InvalidateAll: %v", err)
	}
	pool2, ok := cache.PoolHandle("warehouse")
	if !ok || pool1 == pool2 {
		t.Error("InvalidateAll should force a fresh pool handle")
	}
}

func TestPoolStarted(t *testing.T) {
	cache := NewCache(newFakeSource())
	if cache.PoolStarted("warehouse") {
		t.Error("pool should not exist before Get")
	}
	if _, err := cache.Get(context.Background(), "warehouse"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Get creates the handle but never the underlying pool.
	if cache.PoolStarted("warehouse") {
		t.Error("Get must not construct the upstream pool")
	}
}
