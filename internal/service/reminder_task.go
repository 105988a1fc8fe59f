package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuqie6/bprogress/internal/notify"
	"github.com/yuqie6/bprogress/internal/scheduler"
	"github.com/yuqie6/bprogress/internal/schema"
)

// 每日提醒任务
const (
	KindDailyReminder     = "daily_reminder"
	DailyReminderTaskName = "DailyReminderPeriodicWorker"

	DefaultDailyTip = "Small steps every day add up. Pick one task and get it done!"

	reminderTitle      = "Daily Reminder"
	reminderMaxTasks   = 3
	reminderUnnamedTip = "a task"
)

// UncheckedLister 每日提醒只需要未打卡列表
type UncheckedLister interface {
	ListUnchecked(ctx context.Context) ([]schema.ActivityItem, error)
}

// DailyReminderTask 提醒尚未完成的活动
type DailyReminderTask struct {
	activities UncheckedLister
	gen        TextGenerator
	notifier   PermissionNotifier
}

// NewDailyReminderTask 创建任务处理器
func NewDailyReminderTask(activities UncheckedLister, gen TextGenerator, notifier PermissionNotifier) *DailyReminderTask {
	return &DailyReminderTask{activities: activities, gen: gen, notifier: notifier}
}

// Run 无权限或没有未打卡活动时直接完成；读取失败时请求重试
func (t *DailyReminderTask) Run(ctx context.Context, task scheduler.Task) scheduler.Result {
	if !t.notifier.PermissionGranted() {
		slog.Warn("未授予通知权限，跳过每日提醒")
		return scheduler.Success
	}

	unchecked, err := t.activities.ListUnchecked(ctx)
	if err != nil {
		slog.Error("查询未打卡活动失败", "error", err)
		return scheduler.Retry
	}
	if len(unchecked) == 0 {
		slog.Info("没有未打卡活动，不发送提醒")
		return scheduler.Success
	}

	names := make([]string, 0, reminderMaxTasks)
	for _, it := range unchecked {
		if len(names) == reminderMaxTasks {
			break
		}
		name := strings.TrimSpace(it.Name)
		if name == "" {
			name = reminderUnnamedTip
		}
		names = append(names, name)
	}

	tip := DefaultDailyTip
	prompt := fmt.Sprintf("Give a very short, encouraging tip (1-2 sentences) about the benefits of completing tasks like: %s. Focus on progress and well-being.", strings.Join(names, ", "))
	if t.gen != nil {
		text, err := t.gen.Generate(ctx, "", prompt, 0)
		if err != nil {
			slog.Warn("生成每日提醒失败，使用默认提示", "error", err)
		} else if s := strings.TrimSpace(text); s != "" {
			tip = s
		}
	}

	err = t.notifier.Send(ctx, notify.Notification{
		ID:     notify.DailyReminderID,
		Source: notify.SourceDailyReminder,
		Title:  reminderTitle,
		Body:   tip,
	})
	if err != nil && !errors.Is(err, notify.ErrPermissionDenied) {
		slog.Error("发送每日提醒失败", "error", err)
		return scheduler.Retry
	}
	return scheduler.Success
}

// ScheduleDailyReminder 以 KEEP 策略登记每日提醒（首次在下一个 hh:mm 执行）
func ScheduleDailyReminder(ctx context.Context, tasks PeriodicScheduler, hour, minute int, now time.Time) (bool, error) {
	first := scheduler.NextDailyAt(now, hour, minute)
	return tasks.EnqueueUniquePeriodic(ctx, DailyReminderTaskName, KindDailyReminder, scheduler.Keep, 24*time.Hour, nil,
		scheduler.WithRunAt(first), scheduler.WithTag(KindDailyReminder))
}
