package discovery

import (
	"testing"

	"github.com/queryproxy/queryproxy/engine"
)

func TestNewProviderUnknownType(t *testing.T) {
	if _, err := NewProvider("mysql", engine.ConnParams{}); err == nil {
		t.Fatal("expected error for unsupported datasource type")
	}
	p, err := NewProvider("postgres", engine.ConnParams{Host: "localhost", Port: 5432})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	p.Close()
}

func TestChunks(t *testing.T) {
	refs := make([]TableRef, 0, 120)
	for i := 0; i < 120; i++ {
		refs = append(refs, TableRef{Schema: "public", Table: "t"})
	}

	var sizes []int
	for chunk := range chunks(refs, columnChunkSize) {
		sizes = append(sizes, len(chunk))
	}
	if len(sizes) != 3 || sizes[0] != 50 || sizes[1] != 50 || sizes[2] != 20 {
		t.Errorf("chunk sizes = %v", sizes)
	}

	sizes = nil
	for chunk := range chunks(refs[:10], columnChunkSize) {
		sizes = append(sizes, len(chunk))
	}
	if len(sizes) != 1 || sizes[0] != 10 {
		t.Errorf("small input chunk sizes = %v", sizes)
	}

	for range chunks(nil, columnChunkSize) {
		t.Error("empty input must yield no chunks")
	}
}
