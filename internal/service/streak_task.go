package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuqie6/bprogress/internal/ai"
	"github.com/yuqie6/bprogress/internal/notify"
	"github.com/yuqie6/bprogress/internal/scheduler"
)

// 里程碑通知任务
const (
	KindStreakNotification = "streak_ai_notification"
	TagStreakNotification  = "StreakAiNotification"

	PayloadFeeling         = "feeling"
	PayloadActivityContext = "activity_context"
	PayloadMilestoneCount  = "milestone_count"

	streakMaxTokens    = 90
	streakTitle        = "Streak Milestone!"
	defaultFeeling     = "great"
	defaultStreakFocus = "making progress"
)

// StreakTaskName 里程碑任务的唯一名称
func StreakTaskName(milestone int) string {
	return fmt.Sprintf("milestone_%d", milestone)
}

// StreakTask 生成里程碑祝贺文本并发送通知
type StreakTask struct {
	gen      TextGenerator
	notifier Notifier
}

// NewStreakTask 创建任务处理器
func NewStreakTask(gen TextGenerator, notifier Notifier) *StreakTask {
	return &StreakTask{gen: gen, notifier: notifier}
}

// Run 生成失败使用兜底文案；无通知权限时同样视为完成，避免无意义重试
func (t *StreakTask) Run(ctx context.Context, task scheduler.Task) scheduler.Result {
	milestone := task.Payload.Int(PayloadMilestoneCount, 0)
	if milestone <= 0 {
		slog.Error("里程碑通知缺少里程碑参数", "task", task.Name)
		return scheduler.Failure
	}
	feeling := strings.TrimSpace(task.Payload.String(PayloadFeeling, ""))
	if feeling == "" {
		feeling = defaultFeeling
	}
	focus := strings.TrimSpace(task.Payload.String(PayloadActivityContext, ""))
	if focus == "" {
		focus = defaultStreakFocus
	}

	text := t.generate(ctx, milestone, feeling, focus)

	err := t.notifier.Send(ctx, notify.Notification{
		ID:        notify.StreakBaseID + milestone,
		Source:    notify.SourceStreak,
		Title:     streakTitle,
		Body:      text,
		Milestone: milestone,
	})
	switch {
	case errors.Is(err, notify.ErrPermissionDenied):
		slog.Warn("无通知权限，里程碑通知未展示", "milestone", milestone)
	case err != nil:
		slog.Error("发送里程碑通知失败", "milestone", milestone, "error", err)
	}
	return scheduler.Success
}

func (t *StreakTask) generate(ctx context.Context, milestone int, feeling, focus string) string {
	fallback := StreakFallbackText(milestone, focus)
	if t.gen == nil {
		return fallback
	}

	systemPrompt := fmt.Sprintf("You are an AI assistant specialized in behavioral psychology and motivation. "+
		"Provide a short, insightful, and encouraging message (1-2 sentences) based on the user's current achievement, "+
		"their feeling, and their recent activity focus. Include a subtle best practice or tip for maintaining momentum "+
		"or dealing with challenges related to tasks like '%s'.", focus)
	userPrompt := fmt.Sprintf("I've just hit a %d-check streak on tasks, including focusing on '%s', and I'm feeling '%s'. "+
		"What's one key insight or best practice I can use to keep this momentum going or improve further, "+
		"considering how I feel and my work on '%s'?", milestone, focus, feeling, focus)

	text, err := t.gen.Generate(ctx, systemPrompt, userPrompt, streakMaxTokens)
	if err != nil {
		var apiErr *ai.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("生成里程碑文案失败，使用兜底文案", "milestone", milestone, "error", apiErr.Message, "code", apiErr.Code)
		} else {
			slog.Warn("生成里程碑文案失败，使用兜底文案", "milestone", milestone, "error", err)
		}
		return fallback
	}
	if strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}

// StreakFallbackText 生成失败时的兜底文案
func StreakFallbackText(milestone int, focus string) string {
	return fmt.Sprintf("You've hit %d checks, especially with '%s'! Keep up the fantastic work!", milestone, focus)
}
