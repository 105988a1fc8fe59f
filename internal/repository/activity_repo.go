package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var activityUpdatableColumns = []string{"name", "description", "is_checked", "is_important", "order_index", "last_checked_date"}

// ActivityRepository 活动仓储
// 所有写操作在 mu 内提交并发布，订阅者看到的顺序与提交顺序一致。
type ActivityRepository struct {
	db     *gorm.DB
	mu     sync.Mutex
	live   *eventbus.Live[[]schema.ActivityItem]
	primed bool
	last   []schema.ActivityItem

	pollInterval time.Duration
}

// NewActivityRepository 创建活动仓储
func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{
		db:           db,
		live:         eventbus.NewLive[[]schema.ActivityItem](),
		pollInterval: DefaultWatchPollInterval,
	}
}

// SetPollInterval 调整跨进程变更的轮询间隔；<=0 关闭轮询
func (r *ActivityRepository) SetPollInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollInterval = d
}

// Count 活动总数
func (r *ActivityRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&schema.ActivityItem{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计活动失败: %w", err)
	}
	return count, nil
}

// InsertAll 批量写入（主键冲突时覆盖）
func (r *ActivityRepository) InsertAll(ctx context.Context, items []schema.ActivityItem) error {
	if len(items) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).CreateInBatches(items, 100).Error
	if err != nil {
		return fmt.Errorf("批量写入活动失败: %w", err)
	}
	r.publishLocked(ctx)
	return nil
}

// List 按展示顺序列出全部活动
func (r *ActivityRepository) List(ctx context.Context) ([]schema.ActivityItem, error) {
	return r.list(ctx, r.db)
}

func (r *ActivityRepository) list(ctx context.Context, db *gorm.DB) ([]schema.ActivityItem, error) {
	var items []schema.ActivityItem
	if err := db.WithContext(ctx).Order("order_index ASC, id ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询活动失败: %w", err)
	}
	return items, nil
}

// GetByID 按 ID 查询，不存在返回 nil
func (r *ActivityRepository) GetByID(ctx context.Context, id string) (*schema.ActivityItem, error) {
	var item schema.ActivityItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询活动失败: %w", err)
	}
	return &item, nil
}

// Update 覆盖已有活动（必须已存在）
func (r *ActivityRepository) Update(ctx context.Context, item *schema.ActivityItem) error {
	if item == nil {
		return fmt.Errorf("item is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := saveActivity(r.db.WithContext(ctx), item); err != nil {
		return err
	}
	r.publishLocked(ctx)
	return nil
}

// Modify 在事务中读取-修改-写回单个活动
func (r *ActivityRepository) Modify(ctx context.Context, id string, fn func(item *schema.ActivityItem) error) (*schema.ActivityItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out schema.ActivityItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadActivity(tx, id)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
		if err := saveActivity(tx, item); err != nil {
			return err
		}
		out = *item
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.publishLocked(ctx)
	return &out, nil
}

// MostRecentlyChecked 最近一次打卡且仍处于打卡状态的活动
func (r *ActivityRepository) MostRecentlyChecked(ctx context.Context) (*schema.ActivityItem, error) {
	var item schema.ActivityItem
	err := r.db.WithContext(ctx).
		Where("is_checked = ? AND last_checked_date IS NOT NULL", true).
		Order("last_checked_date DESC, order_index DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最近打卡活动失败: %w", err)
	}
	return &item, nil
}

// ListUnchecked 未打卡的活动（按展示顺序）
func (r *ActivityRepository) ListUnchecked(ctx context.Context) ([]schema.ActivityItem, error) {
	var items []schema.ActivityItem
	err := r.db.WithContext(ctx).
		Where("is_checked = ?", false).
		Order("order_index ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("查询未打卡活动失败: %w", err)
	}
	return items, nil
}

// Watch 订阅活动列表：立即收到当前列表，之后每次提交后收到新列表
// 其他进程的修改在轮询时与上次发布的列表比对后送达。
func (r *ActivityRepository) Watch(ctx context.Context) <-chan []schema.ActivityItem {
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

// Refresh 重新读取列表，内容与最近发布的不同则发布；返回是否发布
func (r *ActivityRepository) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items, err := r.list(ctx, r.db)
	if err != nil {
		return false, err
	}
	if r.primed && slices.EqualFunc(r.last, items, sameActivity) {
		return false, nil
	}
	r.setLocked(items)
	return true, nil
}

func (r *ActivityRepository) pollExternal(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Debug("轮询活动列表失败", "error", err)
			}
		}
	}
}

// publishLocked 重新读取列表并发布；调用方需持有 mu
func (r *ActivityRepository) publishLocked(ctx context.Context) {
	items, err := r.list(context.WithoutCancel(ctx), r.db)
	if err != nil {
		slog.Warn("发布活动列表失败", "error", err)
		return
	}
	r.setLocked(items)
}

func (r *ActivityRepository) setLocked(items []schema.ActivityItem) {
	r.primed = true
	r.last = items
	r.live.Set(items)
}

// sameActivity 比较用户可见字段（时间戳列不参与）
func sameActivity(a, b schema.ActivityItem) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.IsChecked == b.IsChecked &&
		a.IsImportant == b.IsImportant &&
		a.OrderIndex == b.OrderIndex &&
		equalMillis(a.LastCheckedDate, b.LastCheckedDate)
}

func equalMillis(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func loadActivity(tx *gorm.DB, id string) (*schema.ActivityItem, error) {
	var item schema.ActivityItem
	if err := tx.Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("活动 %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("查询活动失败: %w", err)
	}
	return &item, nil
}

func saveActivity(tx *gorm.DB, item *schema.ActivityItem) error {
	res := tx.Model(&schema.ActivityItem{}).
		Where("id = ?", item.ID).
		Select(activityUpdatableColumns).
		Updates(item)
	if res.Error != nil {
		return fmt.Errorf("更新活动失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("活动 %s: %w", item.ID, ErrNotFound)
	}
	return nil
}
