package embedding

import (
	"context"
	"fmt"
	"testing"
)

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := NewMemoryCache(4)
	ctx := context.Background()

	c.Set(ctx, "k1", []float32{1, 2, 3})

	vec, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("Get(k1) = miss, want hit")
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("vec = %v, want [1 2 3]", vec)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("Get(missing) = hit, want miss")
	}
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	c := NewMemoryCache(3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), []float32{float32(i)})
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get(ctx, "k0"); ok {
		t.Error("k0 should have been evicted")
	}
	if _, ok := c.Get(ctx, "k3"); !ok {
		t.Error("k3 should be present")
	}
}

func TestMemoryCache_OverwriteDoesNotGrow(t *testing.T) {
	c := NewMemoryCache(3)
	ctx := context.Background()

	c.Set(ctx, "k", []float32{1})
	c.Set(ctx, "k", []float32{2})

	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	vec, _ := c.Get(ctx, "k")
	if vec[0] != 2 {
		t.Errorf("vec[0] = %f, want 2 (latest value)", vec[0])
	}
}
