package cache

import (
	"testing"
	"time"

	"github.com/openobserve/swisspipe/workflow"
)

func TestCacheGetMiss(t *testing.T) {
	c := New(time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCachePutGet(t *testing.T) {
	c := New(time.Minute)
	wf := workflow.Workflow{ID: "wf-1", Name: "test"}
	c.Put(wf)

	got, ok := c.Get("wf-1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got.ID != "wf-1" || got.Name != "test" {
		t.Fatalf("got wrong entry: %+v", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(time.Minute)
	wf := workflow.Workflow{ID: "wf-1"}
	c.PutWithTTL(wf, 10*time.Millisecond)

	if _, ok := c.Get("wf-1"); !ok {
		t.Fatal("expected hit immediately after put")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("wf-1"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := New(time.Minute)
	c.Put(workflow.Workflow{ID: "wf-1"})
	if !c.Contains("wf-1") {
		t.Fatal("expected contains true after put")
	}
	c.Invalidate("wf-1")
	if c.Contains("wf-1") {
		t.Fatal("expected contains false after invalidate")
	}
}

func TestCacheCleanupExpired(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Put(workflow.Workflow{ID: "wf-1"})
	c.Put(workflow.Workflow{ID: "wf-2"})

	time.Sleep(20 * time.Millisecond)

	removed := c.CleanupExpired()
	if removed != 2 {
		t.Fatalf("want 2 removed, got %d", removed)
	}
	stats := c.Stats()
	if stats.TotalEntries != 0 {
		t.Fatalf("expected empty cache after cleanup, got %+v", stats)
	}
}

func TestCacheStatsSplitsValidAndExpired(t *testing.T) {
	c := New(time.Minute)
	c.Put(workflow.Workflow{ID: "fresh"})
	c.PutWithTTL(workflow.Workflow{ID: "stale"}, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	stats := c.Stats()
	if stats.TotalEntries != 2 || stats.ValidEntries != 1 || stats.ExpiredEntries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCacheClear(t *testing.T) {
	c := New(time.Minute)
	c.Put(workflow.Workflow{ID: "wf-1"})
	c.Put(workflow.Workflow{ID: "wf-2"})
	c.Clear()
	if c.Stats().TotalEntries != 0 {
		t.Fatal("expected empty cache after Clear")
	}
}
