package bootstrap

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/httpapi"
	"github.com/yuqie6/bprogress/internal/pkg/config"
	"github.com/yuqie6/bprogress/internal/schema"
	"github.com/yuqie6/bprogress/internal/service"
)

// AgentRuntime Agent 二进制需要启动的后台组件
type AgentRuntime struct {
	*Core
	CfgPath   string
	Milestone *service.MilestoneNotifier
	HTTP      *httpapi.LocalServer
}

// NewAgentRuntime 构建 Agent 运行时并启动调度与里程碑监听
func NewAgentRuntime(ctx context.Context, cfgPath string) (*AgentRuntime, error) {
	core, err := NewCore(cfgPath)
	if err != nil {
		return nil, err
	}

	rt := &AgentRuntime{Core: core, CfgPath: cfgPath}
	rt.Milestone = service.NewMilestoneNotifier(core.Repos.Progress, core.Hub, core.Cfg.Streak.MilestoneInterval)

	if core.DB != nil && core.DB.SafeMode {
		// 安全模式：只读，不启动任何写库链路
		slog.Warn("数据库处于安全模式，后台任务未启动")
		return rt, nil
	}

	if err := core.Init(ctx); err != nil {
		core.Close()
		return nil, err
	}

	if err := core.RequireAIConfigured(); err != nil {
		slog.Warn("AI 未配置，里程碑与每日提醒将使用默认文案", "error", err)
	}
	if err := core.Scheduler.Start(ctx); err != nil {
		core.Close()
		return nil, err
	}

	go rt.Milestone.Run(ctx)
	go relayChanges(ctx, core.Hub, core.Services.Progress.WatchProgress(ctx), core.Services.Progress.WatchActivities(ctx))

	if core.Cfg.Reminder.Enabled {
		if _, err := service.ScheduleDailyReminder(ctx, core.Scheduler, core.Cfg.Reminder.Hour, core.Cfg.Reminder.Minute, time.Now()); err != nil {
			slog.Error("登记每日提醒失败", "error", err)
		}
	}

	if core.Cfg.HTTP.Enabled {
		srv, err := httpapi.Start(ctx, httpapi.Deps{
			Progress:      core.Services.Progress,
			Tasks:         core.Repos.Task,
			Notifications: core.Repos.Notification,
			Hub:           core.Hub,
		}, httpapi.Options{
			ListenAddr:  core.Cfg.HTTP.ListenAddr,
			BaseURLFile: filepath.Join(filepath.Dir(core.Cfg.Storage.DBPath), "http_base_url.txt"),
			Name:        core.Cfg.App.Name,
			Version:     core.Cfg.App.Version,
		})
		if err != nil {
			slog.Error("启动本地 HTTP 失败", "error", err)
		} else {
			rt.HTTP = srv
		}
	}

	// 配置热更新：日志级别与通知权限
	if cfgPath != "" {
		if err := config.Watch(cfgPath, rt.applyConfig); err != nil {
			slog.Warn("监听配置失败", "path", cfgPath, "error", err)
		}
	}

	return rt, nil
}

func (rt *AgentRuntime) applyConfig(cfg *config.Config) {
	config.SetLogLevel(cfg.App.LogLevel)
	rt.Notify.SetPermission(cfg.Notify.Enabled)
	rt.Hub.Publish(eventbus.Event{
		Type: eventbus.TypeSettingsUpdated,
		Data: map[string]any{"log_level": cfg.App.LogLevel, "notify": cfg.Notify.Enabled},
	})
}

// relayChanges 把进度与活动变更（含 CLI 进程的写入）转成 hub 事件，供 SSE 推送
func relayChanges(ctx context.Context, hub *eventbus.Hub, progress <-chan *schema.UserProgress, activities <-chan []schema.ActivityItem) {
	for progress != nil || activities != nil {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if p == nil {
				continue
			}
			hub.Publish(eventbus.Event{
				Type: eventbus.TypeProgressChanged,
				Data: map[string]any{
					"total_checks":  p.TotalChecksCount,
					"last_notified": p.LastMilestoneNotificationCount,
					"last_shown":    p.LastStreakDialogShownAtCount,
				},
			})
		case items, ok := <-activities:
			if !ok {
				activities = nil
				continue
			}
			checked := 0
			for _, it := range items {
				if it.IsChecked {
					checked++
				}
			}
			hub.Publish(eventbus.Event{
				Type: eventbus.TypeActivitiesChanged,
				Data: map[string]any{"count": len(items), "checked": checked},
			})
		}
	}
}

// Close 关闭 Agent 运行时资源
func (rt *AgentRuntime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.HTTP != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.HTTP.Shutdown(shutdownCtx)
		cancel()
	}
	if rt.Scheduler != nil {
		rt.Scheduler.Stop()
	}
	return rt.Core.Close()
}
