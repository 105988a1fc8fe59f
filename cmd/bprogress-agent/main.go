package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/yuqie6/bprogress/internal/bootstrap"
	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/pkg/config"
	"github.com/yuqie6/bprogress/internal/pkg/singleinstance"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgPath, cfgErr := config.DefaultConfigPath()
	if cfgErr == nil {
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			_ = config.WriteFile(cfgPath, config.Default())
		}
	}
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	// 单实例：进度记录只能有一个写入进程
	lock, err := singleinstance.Acquire(filepath.Dir(cfg.Storage.DBPath), "bprogress-agent")
	if err != nil {
		if errors.Is(err, singleinstance.ErrAlreadyRunning) {
			slog.Warn("Agent 已在运行")
			return
		}
		slog.Error("获取单实例锁失败", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	rt, err := bootstrap.NewAgentRuntime(ctx, cfgPath)
	if err != nil {
		slog.Error("启动 Agent 失败", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	slog.Info("BProgress Agent 已启动", "name", rt.Cfg.App.Name, "version", rt.Cfg.App.Version, "milestone_interval", rt.Cfg.Streak.MilestoneInterval)

	go logEvents(ctx, rt.Hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("收到系统退出信号，正在关闭...")

	cancel()
	slog.Info("BProgress Agent 已退出")
}

// logEvents 把应用事件写入日志（里程碑弹窗由 CLI watch 消费）
func logEvents(ctx context.Context, hub *eventbus.Hub) {
	for evt := range hub.Subscribe(ctx, 64) {
		switch evt.Type {
		case eventbus.TypeMilestonePrompt:
			slog.Info("到达里程碑，可执行 bprogress feel 记录感受", "milestone", evt.Data["milestone"])
		default:
			slog.Debug("事件", "type", evt.Type, "data", evt.Data)
		}
	}
}
