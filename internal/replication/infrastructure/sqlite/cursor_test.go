package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *CursorStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cursors.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadMissingDestination(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Load(context.Background(), "warehouse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Error("cursor reported for destination that was never stored")
	}
}

func TestStoreAndLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2009, time.February, 17, 22, 57, 20, 0, time.UTC)

	if err := store.Store(ctx, "warehouse", ts); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := store.Load(ctx, "warehouse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok || !got.Equal(ts) {
		t.Errorf("loaded %s ok=%t, want %s", got, ok, ts)
	}
}

func TestStoreNeverMovesBackwards(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	newer := time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	if err := store.Store(ctx, "warehouse", newer); err != nil {
		t.Fatalf("store: %v", err)
	}
	// A look-back batch can legitimately end below the stored cursor.
	if err := store.Store(ctx, "warehouse", older); err != nil {
		t.Fatalf("store older: %v", err)
	}
	got, _, err := store.Load(ctx, "warehouse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(newer) {
		t.Errorf("cursor moved backwards: %s, want %s", got, newer)
	}
}

func TestDestinationsAreIndependent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC)
	b := a.Add(30 * time.Minute)

	if err := store.Store(ctx, "warehouse", a); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Store(ctx, "warehouse-staging", b); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, _, err := store.Load(ctx, "warehouse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("warehouse cursor %s, want %s", got, a)
	}
}
