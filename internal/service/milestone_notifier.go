package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/pkg/config"
	"github.com/yuqie6/bprogress/internal/schema"
)

// noMilestone 会话内尚未处理过任何里程碑
const noMilestone = -1

// MilestoneNotifier 把进度变更翻译成一次性的“里程碑弹窗”事件
// lastProcessed 只在本进程内有效，重启后以持久化水位线为准。
type MilestoneNotifier struct {
	progress ProgressWatcher
	hub      *eventbus.Hub
	interval int

	prompts *eventbus.Live[*eventbus.OneShot[int]]

	mu            sync.Mutex
	lastProcessed int
}

// NewMilestoneNotifier 创建通知器（每个会话一个实例）
func NewMilestoneNotifier(progress ProgressWatcher, hub *eventbus.Hub, interval int) *MilestoneNotifier {
	if interval <= 0 {
		interval = config.DefaultMilestoneInterval
	}
	return &MilestoneNotifier{
		progress:      progress,
		hub:           hub,
		interval:      interval,
		prompts:       eventbus.NewLive[*eventbus.OneShot[int]](),
		lastProcessed: noMilestone,
	}
}

// Run 订阅进度变更直到 ctx 结束
func (n *MilestoneNotifier) Run(ctx context.Context) {
	for p := range n.progress.Watch(ctx) {
		n.Observe(p)
	}
}

// Observe 处理一次进度变更；返回是否发出了弹窗事件
func (n *MilestoneNotifier) Observe(p *schema.UserProgress) (int, bool) {
	if p == nil {
		return 0, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	c := p.TotalChecksCount
	shown := p.LastStreakDialogShownAtCount
	if !IsMilestone(c, n.interval) || c <= shown || c == n.lastProcessed {
		return 0, false
	}

	n.lastProcessed = c
	n.prompts.Set(eventbus.NewOneShot(c))
	n.hub.Publish(eventbus.Event{
		Type: eventbus.TypeMilestonePrompt,
		Data: map[string]any{"milestone": c, "total_checks": c},
	})
	slog.Info("到达里程碑，等待记录感受", "milestone", c, "shown", shown)
	return c, true
}

// Prompts 弹窗事件流：订阅时会重放最近一次事件，消费方需通过 Take 取值
func (n *MilestoneNotifier) Prompts(ctx context.Context) <-chan *eventbus.OneShot[int] {
	return n.prompts.Subscribe(ctx)
}

// LastProcessed 本会话最近处理的里程碑（-1 表示没有）
func (n *MilestoneNotifier) LastProcessed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastProcessed
}
