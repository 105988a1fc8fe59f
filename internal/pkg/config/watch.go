package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变更，变更后重新解析并回调。
// 仅当配置文件真实存在时才会生效。
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	used := v.ConfigFileUsed()
	if used == "" {
		return fmt.Errorf("未找到可监听的配置文件")
	}
	if _, err := os.Stat(used); err != nil {
		return fmt.Errorf("配置文件不可监听: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("配置热更新失败", "path", e.Name, "error", err)
			return
		}
		slog.Info("配置已更新", "path", e.Name, "op", e.Op.String())
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}
