package schema

import "time"

// Notification 已投递的系统通知（本地留档）
type Notification struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	NotificationID int       `gorm:"index;not null" json:"notification_id"` // 101 每日提醒，102+里程碑 连续打卡
	Source         string    `gorm:"size:32;index" json:"source"`
	Title          string    `gorm:"size:255" json:"title"`
	ShortText      string    `gorm:"size:512" json:"short_text"`
	Body           string    `gorm:"type:text" json:"body"`
	Milestone      int       `gorm:"default:0" json:"milestone"`
	Timestamp      int64     `gorm:"index" json:"timestamp"` // Unix ms
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (Notification) TableName() string {
	return "notifications"
}
