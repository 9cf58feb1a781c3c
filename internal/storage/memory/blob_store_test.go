package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"hosts":[]}`)
	uri, err := store.PutObject(context.Background(), "reports/tracker.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://reports/tracker.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = '['
	stored, ok := store.Object("reports/tracker.json")
	if !ok || string(stored) != `{"hosts":[]}` {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	stored[0] = 'x'
	again, _ := store.Object("reports/tracker.json")
	if again[0] != '{' {
		t.Fatal("expected Object to return a copy")
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.json", "a.json"} {
		if _, err := store.PutObject(context.Background(), p, "application/json", bytes.NewReader(nil)); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	paths := store.Paths()
	if len(paths) != 2 || paths[0] != "a.json" || paths[1] != "b.json" {
		t.Fatalf("unexpected paths %v", paths)
	}
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
