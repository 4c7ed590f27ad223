package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	s := New(Config{Enabled: true, Schedule: "not a cron"}, st, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.Stop(context.Background())
}

func TestRunOncePrunesOldRows(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	_ = st.AppendSend(ctx, storage.SendRecord{At: now.Add(-72 * time.Hour), Recipient: "+1", Status: "delivered"})
	_ = st.AppendSend(ctx, storage.SendRecord{At: now, Recipient: "+2", Status: "delivered"})

	s := New(Config{Enabled: true, Retention: 24 * time.Hour}, st, logx.Nop())
	s.RunOnce(ctx)

	// The fresh row must survive: pruning again up to the same cutoff
	// removes nothing.
	removed, err := st.PruneSends(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSends: %v", err)
	}
	if removed != 0 {
		t.Fatalf("RunOnce left %d prunable rows, want 0", removed)
	}
}
