// Package notify 投递系统通知：权限检查、本地留档与事件广播
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/schema"
)

// 通知 ID
const (
	DailyReminderID = 101
	StreakBaseID    = 102 // 实际 ID = StreakBaseID + 里程碑
)

// 通知来源
const (
	SourceDailyReminder = "daily_reminder"
	SourceStreak        = "streak_notification"
)

const shortTextLimit = 120

// ErrPermissionDenied 未授予通知权限
var ErrPermissionDenied = errors.New("notification permission not granted")

// Notification 待投递的通知
type Notification struct {
	ID        int
	Source    string
	Title     string
	Body      string
	Milestone int
}

// Store 通知留档
type Store interface {
	Create(ctx context.Context, n *schema.Notification) error
}

// Center 通知中心
type Center struct {
	store   Store
	hub     *eventbus.Hub
	granted atomic.Bool
}

// NewCenter 创建通知中心；granted 对应配置 notify.enabled
func NewCenter(store Store, hub *eventbus.Hub, granted bool) *Center {
	c := &Center{store: store, hub: hub}
	c.granted.Store(granted)
	return c
}

// SetPermission 运行时更新通知权限（配置热更新）
func (c *Center) SetPermission(granted bool) {
	c.granted.Store(granted)
}

// PermissionGranted 当前是否允许投递
func (c *Center) PermissionGranted() bool {
	return c.granted.Load()
}

// Send 投递通知；无权限时返回 ErrPermissionDenied 且不留档
func (c *Center) Send(ctx context.Context, n Notification) error {
	if !c.PermissionGranted() {
		slog.Warn("未授予通知权限，跳过投递", "notification_id", n.ID, "source", n.Source)
		return ErrPermissionDenied
	}

	rec := &schema.Notification{
		NotificationID: n.ID,
		Source:         n.Source,
		Title:          n.Title,
		ShortText:      ShortText(n.Body),
		Body:           n.Body,
		Milestone:      n.Milestone,
		Timestamp:      time.Now().UnixMilli(),
	}
	if c.store != nil {
		if err := c.store.Create(ctx, rec); err != nil {
			return fmt.Errorf("保存通知失败: %w", err)
		}
	}

	c.hub.Publish(eventbus.Event{
		Type: eventbus.TypeNotificationPosted,
		Data: map[string]any{
			"notification_id": n.ID,
			"source":          n.Source,
			"title":           n.Title,
			"text":            rec.ShortText,
			"milestone":       n.Milestone,
		},
	})
	slog.Info("通知已发送", "notification_id", n.ID, "title", n.Title, "milestone", n.Milestone)
	return nil
}

// ShortText 折叠态展示文本：超过 120 个字符截断并追加 "..."
func ShortText(s string) string {
	r := []rune(s)
	if len(r) <= shortTextLimit {
		return s
	}
	return string(r[:shortTextLimit]) + "..."
}
