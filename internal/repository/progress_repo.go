package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultWatchPollInterval 订阅期间检查其他进程写入的间隔
const DefaultWatchPollInterval = 500 * time.Millisecond

// ProgressRepository 单例进度仓储
// 写操作串行执行（mu），提交后在锁内发布，保证变更流按提交顺序送达。
// 其他进程（Agent/CLI 共用同一库文件）的提交通过轮询 revision 发现。
type ProgressRepository struct {
	db         *gorm.DB
	activities *ActivityRepository
	mu         sync.Mutex
	live       *eventbus.Live[*schema.UserProgress]
	primed     bool

	// 最近一次发布的修订号；hasRow=false 表示发布的是 nil
	rev    int64
	hasRow bool

	pollInterval time.Duration
}

// NewProgressRepository 创建进度仓储；activities 用于打卡切换时同事务写入活动
func NewProgressRepository(db *gorm.DB, activities *ActivityRepository) *ProgressRepository {
	return &ProgressRepository{
		db:         db,
		activities: activities,
		live:       eventbus.NewLive[*schema.UserProgress](),

		pollInterval: DefaultWatchPollInterval,
	}
}

// SetPollInterval 调整跨进程变更的轮询间隔；<=0 关闭轮询
func (r *ProgressRepository) SetPollInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollInterval = d
}

// Get 读取进度，不存在返回 nil
func (r *ProgressRepository) Get(ctx context.Context) (*schema.UserProgress, error) {
	return getProgress(r.db.WithContext(ctx))
}

// EnsureExists 幂等创建全零进度；返回是否新建
func (r *ProgressRepository) EnsureExists(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(schema.NewUserProgress())
	if res.Error != nil {
		return false, fmt.Errorf("创建进度失败: %w", res.Error)
	}
	created := res.RowsAffected > 0
	if created {
		r.publishLocked(ctx)
	}
	return created, nil
}

// Put 覆盖写入进度；历史最高计数与修订号沿用库中已有值继续推进
func (r *ProgressRepository) Put(ctx context.Context, p *schema.UserProgress) error {
	if p == nil {
		return fmt.Errorf("progress is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row := p.Clone()
	row.ID = schema.UserProgressID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := getProgress(tx)
		if err != nil {
			return err
		}
		if cur != nil {
			row.Revision = cur.Revision
			row.MaxTotalChecksObserved = max(row.MaxTotalChecksObserved, cur.MaxTotalChecksObserved)
		}
		row.Stamp()
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("写入进度失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.setLocked(row)
	return nil
}

// Update 在事务中读取-修改-写回进度；进度不存在返回 ErrNotFound
func (r *ProgressRepository) Update(ctx context.Context, fn func(p *schema.UserProgress) error) (*schema.UserProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out *schema.UserProgress
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := mustGetProgress(tx)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.Stamp()
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("更新进度失败: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.setLocked(out)
	return out.Clone(), nil
}

// ApplyCheckToggle 在同一事务中修改活动与进度（打卡/取消打卡）
// 任一记录不存在时整体不生效并返回 ErrNotFound。
func (r *ProgressRepository) ApplyCheckToggle(
	ctx context.Context,
	itemID string,
	fn func(item *schema.ActivityItem, p *schema.UserProgress) error,
) (*schema.ActivityItem, *schema.UserProgress, error) {
	// 加锁顺序固定：进度 -> 活动
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities.mu.Lock()
	defer r.activities.mu.Unlock()

	var (
		outItem     schema.ActivityItem
		outProgress *schema.UserProgress
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadActivity(tx, itemID)
		if err != nil {
			return err
		}
		p, err := mustGetProgress(tx)
		if err != nil {
			return err
		}
		if err := fn(item, p); err != nil {
			return err
		}
		p.Stamp()
		if err := saveActivity(tx, item); err != nil {
			return err
		}
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("更新进度失败: %w", err)
		}
		outItem = *item
		outProgress = p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	r.activities.publishLocked(ctx)
	r.setLocked(outProgress)
	return &outItem, outProgress.Clone(), nil
}

// Reset 清空打卡计数、首次打卡时间与感受；里程碑水位线保持不变（只增不减）
func (r *ProgressRepository) Reset(ctx context.Context) error {
	_, err := r.Update(ctx, func(p *schema.UserProgress) error {
		p.FirstCheckTimestamp = nil
		p.TotalChecksCount = 0
		p.FiftyStreakAchieved = false
		p.FiftyStreakFeeling = nil
		return nil
	})
	return err
}

// Watch 订阅进度：立即收到当前值（可能为 nil），之后按提交顺序收到每次变更。
// 本进程的提交即时送达；其他进程的提交在下一次轮询时送达（期间的中间值可能被合并）。
func (r *ProgressRepository) Watch(ctx context.Context) <-chan *schema.UserProgress {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed {
		r.publishLocked(ctx)
	}
	ch := r.live.Subscribe(ctx)
	if r.pollInterval > 0 {
		go r.pollExternal(ctx, r.pollInterval)
	}
	return ch
}

// Refresh 重新读取进度，若修订号与最近发布的不同（其他进程写入）则发布；返回是否发布
func (r *ProgressRepository) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := getProgress(r.db.WithContext(ctx))
	if err != nil {
		return false, err
	}
	if p == nil {
		if !r.hasRow {
			return false, nil
		}
		r.hasRow = false
		r.live.Set(nil)
		return true, nil
	}
	if r.hasRow && p.Revision == r.rev {
		return false, nil
	}
	r.setLocked(p)
	return true, nil
}

func (r *ProgressRepository) pollExternal(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Debug("轮询进度失败", "error", err)
			}
		}
	}
}

// setLocked 发布一次提交结果；调用方需持有 mu
func (r *ProgressRepository) setLocked(p *schema.UserProgress) {
	r.rev = p.Revision
	r.hasRow = true
	r.primed = true
	r.live.Set(p.Clone())
}

// publishLocked 重新读取并发布；调用方需持有 mu
func (r *ProgressRepository) publishLocked(ctx context.Context) {
	p, err := getProgress(r.db.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		slog.Warn("发布进度失败", "error", err)
		return
	}
	if p == nil {
		r.primed = true
		r.hasRow = false
		r.live.Set(nil)
		return
	}
	r.setLocked(p)
}

func getProgress(db *gorm.DB) (*schema.UserProgress, error) {
	var p schema.UserProgress
	err := db.Where("id = ?", schema.UserProgressID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询进度失败: %w", err)
	}
	return &p, nil
}

func mustGetProgress(tx *gorm.DB) (*schema.UserProgress, error) {
	p, err := getProgress(tx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("进度记录: %w", ErrNotFound)
	}
	return p, nil
}
