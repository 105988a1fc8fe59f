package schema

import "time"

// ActivityItem 可打卡的习惯/活动
// 数据量级：百级（来自本地化种子 CSV）
type ActivityItem struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	Name            string    `gorm:"size:255" json:"name"`         // 展示名称，同时作为 AI 提示词上下文
	Description     string    `gorm:"type:text" json:"description"` // 展示说明
	IsChecked       bool      `gorm:"default:false;index" json:"is_checked"`
	IsImportant     bool      `gorm:"default:false" json:"is_important"`
	OrderIndex      int       `gorm:"index" json:"order_index"`       // 展示顺序，也是“最近打卡”的次级排序
	LastCheckedDate *int64    `gorm:"index" json:"last_checked_date"` // Unix ms；取消打卡时保持不变
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (ActivityItem) TableName() string {
	return "activity_items"
}
