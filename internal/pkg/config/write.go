package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

func DefaultConfigPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("获取可执行文件路径失败: %w", err)
	}
	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, "config", "config.yaml"), nil
}

func WriteFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("cfg 不能为空")
	}
	if path == "" {
		return fmt.Errorf("path 不能为空")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	payload := map[string]any{
		"app": map[string]any{
			"name":      cfg.App.Name,
			"version":   cfg.App.Version,
			"log_level": cfg.App.LogLevel,
			"log_path":  cfg.App.LogPath,
		},
		"storage": map[string]any{
			"db_path":       cfg.Storage.DBPath,
			"watch_poll_ms": cfg.Storage.WatchPollMs,
		},
		"streak": map[string]any{
			"milestone_interval": cfg.Streak.MilestoneInterval,
		},
		"ai": map[string]any{
			"openai": map[string]any{
				"api_key":  cfg.AI.OpenAI.APIKey,
				"base_url": cfg.AI.OpenAI.BaseURL,
				"model":    cfg.AI.OpenAI.Model,
			},
			"temperature": cfg.AI.Temperature,
			"timeout_sec": cfg.AI.TimeoutSec,
		},
		"scheduler": map[string]any{
			"poll_interval_ms":  cfg.Scheduler.PollIntervalMs,
			"max_attempts":      cfg.Scheduler.MaxAttempts,
			"retry_backoff_sec": cfg.Scheduler.RetryBackoffSec,
		},
		"reminder": map[string]any{
			"enabled": cfg.Reminder.Enabled,
			"hour":    cfg.Reminder.Hour,
			"minute":  cfg.Reminder.Minute,
		},
		"notify": map[string]any{
			"enabled": cfg.Notify.Enabled,
		},
		"seed": map[string]any{
			"dir":      cfg.Seed.Dir,
			"language": cfg.Seed.Language,
		},
		"http": map[string]any{
			"enabled":     cfg.HTTP.Enabled,
			"listen_addr": cfg.HTTP.ListenAddr,
		},
	}

	b, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
