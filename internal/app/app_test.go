package app

import (
	"testing"

	"relaybot/internal/config"
)

func validBase() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc", OwnerUserIDs: []int64{1}},
		Bird: config.BirdConfig{
			AccessKey:   "key",
			WorkspaceID: "ws",
			ChannelID:   "ch",
		},
		Template:  config.TemplateConfig{ID: "tpl", Locale: "en"},
		RateLimit: config.RateLimitConfig{PerSecond: 10, PerMinute: 100},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "empty token", mutate: func(c *config.Config) { c.Telegram.Token = " " }, wantErr: true},
		{name: "negative per second", mutate: func(c *config.Config) { c.RateLimit.PerSecond = -1 }, wantErr: true},
		{name: "zero per minute", mutate: func(c *config.Config) { c.RateLimit.PerMinute = -1 }, wantErr: true},
		{name: "bad poll timeout", mutate: func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, wantErr: true},
		{name: "bad bird timeout", mutate: func(c *config.Config) { c.Bird.Timeout = "-5s" }, wantErr: true},
		{name: "bad retention", mutate: func(c *config.Config) {
			c.Cleanup = &config.CleanupConfig{Enabled: true, Retention: "yesterday"}
		}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validBase()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateConfig() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestChangedStorage(t *testing.T) {
	t.Parallel()

	withStore := func(path string) *config.Config {
		c := validBase()
		c.Storage = &config.StorageConfig{Driver: "sqlite", Path: path}
		return c
	}

	if changedStorage(validBase(), validBase()) {
		t.Error("nil storage on both sides reported as changed")
	}
	if !changedStorage(validBase(), withStore("./a.db")) {
		t.Error("storage enabled not reported as changed")
	}
	if !changedStorage(withStore("./a.db"), withStore("./b.db")) {
		t.Error("path change not reported")
	}
	if changedStorage(withStore("./a.db"), withStore("./a.db")) {
		t.Error("identical storage reported as changed")
	}
}
