package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "replays"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()

	hash, err := store.Put(ctx, "runs/abc", []byte("hello"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if want := "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"; hash != want {
		t.Fatalf("Put() hash = %s, want %s", hash, want)
	}

	got, err := store.Get(ctx, "runs/abc")
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Get() = %q, %v, want hello", got, err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "replays", "runs"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("blob dir holds %d entries (%v), want only the blob", len(entries), err)
	}

	if err := store.Delete(ctx, "runs/abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "runs/abc"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
	if _, err := store.Get(ctx, "runs/abc"); err == nil {
		t.Fatal("Get() after delete succeeded")
	}
}

func TestKeysStayInsideRoot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "replays"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := store.Put(context.Background(), "../../escape", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "replays", "escape")); err != nil {
		t.Fatalf("escaping key not confined to root: %v", err)
	}

	for _, key := range []string{"", "/", "runs/"} {
		if _, err := store.Put(context.Background(), key, nil); err == nil {
			t.Fatalf("Put(%q) succeeded, want error", key)
		}
	}
}
