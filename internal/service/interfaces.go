package service

import (
	"context"
	"time"

	"github.com/yuqie6/bprogress/internal/notify"
	"github.com/yuqie6/bprogress/internal/scheduler"
	"github.com/yuqie6/bprogress/internal/schema"
)

// 仓储/外部依赖的最小接口集合（ISP）

type ActivityStore interface {
	Count(ctx context.Context) (int64, error)
	InsertAll(ctx context.Context, items []schema.ActivityItem) error
	List(ctx context.Context) ([]schema.ActivityItem, error)
	Modify(ctx context.Context, id string, fn func(item *schema.ActivityItem) error) (*schema.ActivityItem, error)
	MostRecentlyChecked(ctx context.Context) (*schema.ActivityItem, error)
	ListUnchecked(ctx context.Context) ([]schema.ActivityItem, error)
	Watch(ctx context.Context) <-chan []schema.ActivityItem
}

type ProgressStore interface {
	Get(ctx context.Context) (*schema.UserProgress, error)
	EnsureExists(ctx context.Context) (bool, error)
	Update(ctx context.Context, fn func(p *schema.UserProgress) error) (*schema.UserProgress, error)
	ApplyCheckToggle(ctx context.Context, itemID string, fn func(item *schema.ActivityItem, p *schema.UserProgress) error) (*schema.ActivityItem, *schema.UserProgress, error)
	Reset(ctx context.Context) error
	Watch(ctx context.Context) <-chan *schema.UserProgress
}

// ProgressWatcher 只需要进度订阅的消费者
type ProgressWatcher interface {
	Watch(ctx context.Context) <-chan *schema.UserProgress
}

type TaskScheduler interface {
	EnqueueUnique(ctx context.Context, name, kind string, policy scheduler.Policy, payload scheduler.Payload, opts ...scheduler.EnqueueOption) (bool, error)
}

type PeriodicScheduler interface {
	EnqueueUniquePeriodic(ctx context.Context, name, kind string, policy scheduler.Policy, period time.Duration, payload scheduler.Payload, opts ...scheduler.EnqueueOption) (bool, error)
}

// TextGenerator 文本生成：成功返回文本，失败返回 error（可能是 *ai.APIError）
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

// PermissionNotifier 投递前需要检查权限的通知方
type PermissionNotifier interface {
	Notifier
	PermissionGranted() bool
}
