package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Streak.MilestoneInterval != DefaultMilestoneInterval {
		t.Fatalf("interval=%d, want %d", cfg.Streak.MilestoneInterval, DefaultMilestoneInterval)
	}
	if cfg.Reminder.Hour != 6 || cfg.Reminder.Minute != 20 {
		t.Fatalf("reminder=%02d:%02d, want 06:20", cfg.Reminder.Hour, cfg.Reminder.Minute)
	}
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		t.Fatalf("db path not resolved: %s", cfg.Storage.DBPath)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")
	want := Default()
	want.Streak.MilestoneInterval = 5
	want.Notify.Enabled = false
	want.AI.OpenAI.APIKey = "${BPROGRESS_TEST_KEY}"
	t.Setenv("BPROGRESS_TEST_KEY", "sk-test")

	if err := WriteFile(path, want); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.Streak.MilestoneInterval != 5 {
		t.Fatalf("interval=%d, want 5", got.Streak.MilestoneInterval)
	}
	if got.Notify.Enabled {
		t.Fatalf("notify.enabled should be false")
	}
	if got.AI.OpenAI.APIKey != "sk-test" {
		t.Fatalf("api key=%q, want expanded env", got.AI.OpenAI.APIKey)
	}
}

func TestInvalidIntervalFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("streak:\n  milestone_interval: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Streak.MilestoneInterval != DefaultMilestoneInterval {
		t.Fatalf("interval=%d, want default", cfg.Streak.MilestoneInterval)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BPROGRESS_STREAK_MILESTONE_INTERVAL", "7")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Streak.MilestoneInterval != 7 {
		t.Fatalf("interval=%d, want 7 from env", cfg.Streak.MilestoneInterval)
	}
}
