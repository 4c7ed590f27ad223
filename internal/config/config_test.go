package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [42], "poll_timeout": "15s"},
  "logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}},
  "bird": {"access_key": "k", "workspace_id": "ws", "channel_id": "ch"},
  "template": {"id": "tpl-1"},
  "rate_limit": {"per_second": 5, "per_minute": 50}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.RateLimit.PerSecond != 5 || cfg.RateLimit.PerMinute != 50 {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Template.Locale != "en" {
		t.Fatalf("template locale default = %q, want en", cfg.Template.Locale)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	yaml := `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
logging:
  level: INFO
  console: true
bird:
  access_key: k
  workspace_id: ws
  channel_id: ch
template:
  id: tpl-1
  locale: de
rate_limit:
  per_second: 3
  per_minute: 30
`
	m := NewManager(writeFile(t, "config.yaml", yaml))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Template.Locale != "de" || cfg.RateLimit.PerSecond != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestRateLimitDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"t"},"logging":{"level":"INFO","console":true,"file":{"enabled":false,"path":""}},"bird":{"access_key":"k","workspace_id":"w","channel_id":"c"},"template":{"id":"x"},"rate_limit":{}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.RateLimit.PerSecond != DefaultPerSecond || cfg.RateLimit.PerMinute != DefaultPerMinute {
		t.Fatalf("defaults = %+v, want %d/%d", cfg.RateLimit, DefaultPerSecond, DefaultPerMinute)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"t","typo_field":1}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{}{}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected error for junk duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", sampleJSON))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := m.Get()
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber received wrong config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive config")
	}
}
