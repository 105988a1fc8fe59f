package repository

import (
	"context"
	"fmt"

	"github.com/yuqie6/bprogress/internal/schema"
	"gorm.io/gorm"
)

// NotificationRepository 通知留档仓储
type NotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository 创建仓储
func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create 写入通知
func (r *NotificationRepository) Create(ctx context.Context, n *schema.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("写入通知失败: %w", err)
	}
	return nil
}

// GetRecent 最近的通知
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]schema.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []schema.Notification
	if err := r.db.WithContext(ctx).Order("timestamp DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询通知失败: %w", err)
	}
	return out, nil
}

// CountByMilestone 某里程碑已投递的通知数
func (r *NotificationRepository) CountByMilestone(ctx context.Context, milestone int) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&schema.Notification{}).
		Where("source = ? AND milestone = ?", "streak_notification", milestone).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计通知失败: %w", err)
	}
	return n, nil
}
