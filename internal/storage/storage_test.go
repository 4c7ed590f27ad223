package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for sqlite driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q) error: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestVarsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetVars(ctx, 42); err != nil || ok {
		t.Fatalf("GetVars on empty store = ok=%v err=%v", ok, err)
	}

	if err := st.PutVars(ctx, 42, []string{"John", "20OFF"}); err != nil {
		t.Fatalf("PutVars error: %v", err)
	}
	vars, ok, err := st.GetVars(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("GetVars = ok=%v err=%v", ok, err)
	}
	if len(vars) != 2 || vars[0] != "John" || vars[1] != "20OFF" {
		t.Fatalf("vars = %v", vars)
	}

	// Upsert replaces.
	if err := st.PutVars(ctx, 42, []string{"Jane"}); err != nil {
		t.Fatalf("PutVars error: %v", err)
	}
	vars, _, _ = st.GetVars(ctx, 42)
	if len(vars) != 1 || vars[0] != "Jane" {
		t.Fatalf("vars after upsert = %v", vars)
	}
}

func TestSendHistoryPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := SendRecord{At: now.Add(-48 * time.Hour), ChatID: 1, Recipient: "+1", Status: "delivered"}
	fresh := SendRecord{At: now, ChatID: 1, Recipient: "+2", Status: "failed", Error: "boom"}
	for _, rec := range []SendRecord{old, fresh} {
		if err := st.AppendSend(ctx, rec); err != nil {
			t.Fatalf("AppendSend error: %v", err)
		}
	}

	removed, err := st.PruneSends(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSends error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	// A second prune with the same cutoff removes nothing.
	removed, err = st.PruneSends(ctx, now.Add(-24*time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("second prune = %d/%v, want 0/nil", removed, err)
	}
}
