package config

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestLoad_EmbeddedDefaults(t *testing.T) {
	cfg := mustLoad(t)

	if cfg.Recognition.MatchThreshold != 0.40 {
		t.Errorf("expected default match threshold 0.40, got %g", cfg.Recognition.MatchThreshold)
	}
	if cfg.Debounce.Count != 8 {
		t.Errorf("expected default debounce count 8, got %d", cfg.Debounce.Count)
	}
	if cfg.Debounce.Window != 10*time.Second {
		t.Errorf("expected default debounce window 10s, got %s", cfg.Debounce.Window)
	}
	if cfg.Capture.QueueSize != 8 {
		t.Errorf("expected default queue size 8, got %d", cfg.Capture.QueueSize)
	}
	if cfg.Sync.MaxAttempts != 6 {
		t.Errorf("expected default max attempts 6, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BackoffCap != 30*time.Second {
		t.Errorf("expected default backoff cap 30s, got %s", cfg.Sync.BackoffCap)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "0.55")
	t.Setenv("DEBOUNCE_COUNT", "3")
	t.Setenv("DEBOUNCE_WINDOW", "5s")
	t.Setenv("FRAME_QUEUE_SIZE", "16")

	cfg := mustLoad(t)

	if cfg.Recognition.MatchThreshold != 0.55 {
		t.Errorf("expected threshold 0.55, got %g", cfg.Recognition.MatchThreshold)
	}
	if cfg.Debounce.Count != 3 {
		t.Errorf("expected debounce count 3, got %d", cfg.Debounce.Count)
	}
	if cfg.Debounce.Window != 5*time.Second {
		t.Errorf("expected debounce window 5s, got %s", cfg.Debounce.Window)
	}
	if cfg.Capture.QueueSize != 16 {
		t.Errorf("expected queue size 16, got %d", cfg.Capture.QueueSize)
	}
}

func TestLoad_UnparseableEnvFails(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"int", "DEBOUNCE_COUNT", "not-a-number"},
		{"duration", "DEBOUNCE_WINDOW", "soon"},
		{"float", "MATCH_THRESHOLD", "high"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected Load to fail for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoad_OutOfRangeEnvRejectedByValidate(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"debounce count zero", "DEBOUNCE_COUNT", "0"},
		{"queue size zero", "FRAME_QUEUE_SIZE", "0"},
		{"max attempts zero", "SYNC_MAX_ATTEMPTS", "0"},
		{"fps zero", "CAPTURE_FPS", "0"},
		{"negative debounce count", "DEBOUNCE_COUNT", "-4"},
	}

	// An out-of-range value must reach Validate, not silently turn into the
	// default.
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := mustLoad(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold zero", func(c *Config) { c.Recognition.MatchThreshold = 0 }},
		{"threshold above one", func(c *Config) { c.Recognition.MatchThreshold = 1.2 }},
		{"debounce count zero", func(c *Config) { c.Debounce.Count = 0 }},
		{"debounce window negative", func(c *Config) { c.Debounce.Window = -time.Second }},
		{"queue size zero", func(c *Config) { c.Capture.QueueSize = 0 }},
		{"fps out of range", func(c *Config) { c.Capture.FramesPerSecond = 90 }},
		{"max attempts zero", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"backoff cap below base", func(c *Config) { c.Sync.BackoffCap = c.Sync.BackoffBase / 2 }},
		{"sink timeout zero", func(c *Config) { c.Sync.SinkTimeout = 0 }},
		{"web port zero", func(c *Config) { c.Web.Port = 0 }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := mustLoad(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := mustLoad(t)
	cfg.Timezone = "Europe/Prague"

	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.String() != "Europe/Prague" {
		t.Errorf("expected Europe/Prague, got %s", loc)
	}
}
