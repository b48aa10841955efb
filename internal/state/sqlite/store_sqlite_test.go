package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || string(val) != "value" {
		t.Fatalf("unexpected value: %q (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestCommandLogOrderedAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credit.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for _, payload := range []string{"a", "b", "c"} {
		if _, err := store.Append(ctx, []byte(payload)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	var got []string
	var seqs []uint64
	err = reopened.Scan(ctx, 2, func(seq uint64, payload []byte) error {
		seqs = append(seqs, seq)
		got = append(got, string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected payloads %v", got)
	}
	if seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("unexpected seqs %v", seqs)
	}
}
