package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuqie6/bprogress/internal/pkg/config"
	"github.com/yuqie6/bprogress/internal/repository"
	"github.com/yuqie6/bprogress/internal/scheduler"
	"github.com/yuqie6/bprogress/internal/schema"
)

var (
	// ErrProgressMissing 记录感受时进度单例不存在
	ErrProgressMissing = errors.New("progress record missing")
	// ErrInvalidMilestone 里程碑参数不合法
	ErrInvalidMilestone = errors.New("invalid milestone")
)

// DefaultActivityContext 没有最近打卡活动时的提示词上下文
const DefaultActivityContext = "your current focus"

// ProgressService 打卡进度的唯一写入方：计数、首次打卡时间与里程碑水位线
type ProgressService struct {
	activities ActivityStore
	progress   ProgressStore
	tasks      TaskScheduler
	seeder     *Seeder
	interval   int
	now        func() time.Time

	// 感受提交需要 读水位线 -> 写水位线 -> 入队 串行执行
	mu sync.Mutex
}

// NewProgressService 创建进度服务；interval<=0 时使用默认间隔
func NewProgressService(activities ActivityStore, progress ProgressStore, tasks TaskScheduler, seeder *Seeder, interval int) *ProgressService {
	if interval <= 0 {
		interval = config.DefaultMilestoneInterval
	}
	return &ProgressService{
		activities: activities,
		progress:   progress,
		tasks:      tasks,
		seeder:     seeder,
		interval:   interval,
		now:        time.Now,
	}
}

// Interval 里程碑间隔
func (s *ProgressService) Interval() int {
	return s.interval
}

// IsMilestone c 是否为里程碑（间隔的正整数倍）
func IsMilestone(c, interval int) bool {
	return interval > 0 && c > 0 && c%interval == 0
}

// EnsureInitialized 创建进度单例（幂等）；活动表为空时导入种子数据
func (s *ProgressService) EnsureInitialized(ctx context.Context) error {
	created, err := s.progress.EnsureExists(ctx)
	if err != nil {
		return fmt.Errorf("初始化进度失败: %w", err)
	}
	if created {
		slog.Info("已创建进度记录")
	}

	n, err := s.activities.Count(ctx)
	if err != nil {
		return fmt.Errorf("统计活动失败: %w", err)
	}
	if n > 0 || s.seeder == nil {
		return nil
	}

	items, err := s.seeder.Load()
	if err != nil {
		// 种子缺失不影响使用
		slog.Warn("加载种子数据失败", "error", err)
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	if err := s.activities.InsertAll(ctx, items); err != nil {
		return fmt.Errorf("导入种子数据失败: %w", err)
	}
	slog.Info("种子数据已导入", "count", len(items), "file", s.seeder.FileName())
	return nil
}

// ToggleCheck 切换打卡状态，并在同一事务内更新总打卡数
func (s *ProgressService) ToggleCheck(ctx context.Context, itemID string) (*schema.ActivityItem, *schema.UserProgress, error) {
	nowMs := s.now().UnixMilli()

	item, p, err := s.progress.ApplyCheckToggle(ctx, itemID, func(item *schema.ActivityItem, p *schema.UserProgress) error {
		item.IsChecked = !item.IsChecked
		if item.IsChecked {
			ts := nowMs
			item.LastCheckedDate = &ts
			p.TotalChecksCount++
			if p.FirstCheckTimestamp == nil {
				first := nowMs
				p.FirstCheckTimestamp = &first
			}
			return nil
		}
		if p.TotalChecksCount > 0 {
			p.TotalChecksCount--
		}
		return nil
	})
	if err != nil {
		slog.Error("切换打卡失败", "item", itemID, "error", err)
		return nil, nil, fmt.Errorf("切换打卡失败: %w", err)
	}

	slog.Debug("打卡已切换", "item", itemID, "checked", item.IsChecked, "total_checks", p.TotalChecksCount)
	return item, p, nil
}

// ToggleImportant 切换重要标记
func (s *ProgressService) ToggleImportant(ctx context.Context, itemID string) (*schema.ActivityItem, error) {
	item, err := s.activities.Modify(ctx, itemID, func(item *schema.ActivityItem) error {
		item.IsImportant = !item.IsImportant
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("切换重要标记失败: %w", err)
	}
	return item, nil
}

// SubmitMilestoneFeeling 记录里程碑感受；首次到达该里程碑时入队一次 AI 通知任务
// 返回是否入队了新任务。
func (s *ProgressService) SubmitMilestoneFeeling(ctx context.Context, feeling string, milestone int) (bool, error) {
	if milestone < 0 {
		slog.Error("里程碑参数不合法", "milestone", milestone)
		return false, fmt.Errorf("%d: %w", milestone, ErrInvalidMilestone)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	activityContext := s.ActivityContext(ctx)

	var fire bool
	_, err := s.progress.Update(ctx, func(p *schema.UserProgress) error {
		// 从未达到过的计数不能被确认，否则水位线会越过真实进度
		if ceiling := p.MilestoneCeiling(); milestone > ceiling {
			return fmt.Errorf("%d 超过历史最高打卡数 %d: %w", milestone, ceiling, ErrInvalidMilestone)
		}

		// 守卫使用本次写入之前的值
		prevNotified := p.LastMilestoneNotificationCount

		f := feeling
		p.FiftyStreakFeeling = &f
		p.LastStreakDialogShownAtCount = max(p.LastStreakDialogShownAtCount, milestone)
		p.FiftyStreakAchieved = p.FiftyStreakAchieved || milestone >= s.interval

		fire = IsMilestone(milestone, s.interval) && prevNotified < milestone
		if fire {
			p.LastMilestoneNotificationCount = milestone
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			slog.Error("记录感受时进度记录不存在", "milestone", milestone)
			return false, ErrProgressMissing
		}
		if errors.Is(err, ErrInvalidMilestone) {
			slog.Error("里程碑参数不合法", "milestone", milestone, "error", err)
			return false, err
		}
		return false, fmt.Errorf("保存里程碑感受失败: %w", err)
	}
	if !fire {
		slog.Info("里程碑已处理，跳过通知", "milestone", milestone)
		return false, nil
	}

	payload := scheduler.Payload{
		PayloadFeeling:         feeling,
		PayloadActivityContext: activityContext,
		PayloadMilestoneCount:  milestone,
	}
	enqueued, err := s.tasks.EnqueueUnique(ctx, StreakTaskName(milestone), KindStreakNotification, scheduler.Keep, payload, scheduler.WithTag(TagStreakNotification))
	if err != nil {
		slog.Error("入队里程碑通知失败", "milestone", milestone, "error", err)
		return false, fmt.Errorf("入队里程碑通知失败: %w", err)
	}
	slog.Info("里程碑通知已入队", "milestone", milestone, "enqueued", enqueued, "activity", activityContext)
	return enqueued, nil
}

// ActivityContext 最近打卡活动的名称，用作提示词上下文
func (s *ProgressService) ActivityContext(ctx context.Context) string {
	item, err := s.activities.MostRecentlyChecked(ctx)
	if err != nil {
		slog.Warn("查询最近打卡活动失败", "error", err)
		return DefaultActivityContext
	}
	if item == nil || item.Name == "" {
		return DefaultActivityContext
	}
	return item.Name
}

// Progress 当前进度（可能为 nil）
func (s *ProgressService) Progress(ctx context.Context) (*schema.UserProgress, error) {
	return s.progress.Get(ctx)
}

// Activities 当前活动列表
func (s *ProgressService) Activities(ctx context.Context) ([]schema.ActivityItem, error) {
	return s.activities.List(ctx)
}

// Reset 清空打卡计数（水位线保留）
func (s *ProgressService) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.progress.Reset(ctx); err != nil {
		return fmt.Errorf("重置进度失败: %w", err)
	}
	slog.Warn("进度已重置")
	return nil
}

// WatchProgress 进度实时视图
func (s *ProgressService) WatchProgress(ctx context.Context) <-chan *schema.UserProgress {
	return s.progress.Watch(ctx)
}

// WatchActivities 活动列表实时视图
func (s *ProgressService) WatchActivities(ctx context.Context) <-chan []schema.ActivityItem {
	return s.activities.Watch(ctx)
}
