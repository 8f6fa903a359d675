package storage

import (
	"bytes"
	"context"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	key, err := store.Put(ctx, "generated/user_u1/variant.png", []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "generated/user_u1/variant.png" {
		t.Fatalf("key = %q", key)
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("data = %q", data)
	}

	size, err := store.Size(ctx, key)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("payload")) {
		t.Fatalf("size = %d", size)
	}
}

func TestFileStoreDeleteIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	key, err := store.Put(ctx, "uploads/user_u1/a.png", []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := store.Delete(ctx, key)
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}

	removed, err = store.Delete(ctx, key)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if removed {
		t.Fatalf("second delete reported a removal")
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	if _, err := sanitizeKey("../outside"); err == nil {
		t.Fatalf("traversal key accepted")
	}
	if _, err := sanitizeKey("  "); err == nil {
		t.Fatalf("empty key accepted")
	}
	cleaned, err := sanitizeKey("/uploads//user_u1/../user_u1/a.png")
	if err != nil {
		t.Fatalf("sanitizeKey: %v", err)
	}
	if cleaned != "uploads/user_u1/a.png" {
		t.Fatalf("cleaned = %q", cleaned)
	}
}
