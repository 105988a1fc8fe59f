package schema

import "time"

// UserProgressID 进度记录的固定主键（表内永远只有这一行）
const UserProgressID = "USER_PROGRESS_ID"

// UserProgress 全局打卡进度（单例）
// LastMilestoneNotificationCount 与 LastStreakDialogShownAtCount 只增不减，且不超过 MaxTotalChecksObserved。
type UserProgress struct {
	ID                             string    `gorm:"primaryKey;size:32" json:"id"`
	FirstCheckTimestamp            *int64    `json:"first_check_timestamp"` // Unix ms；首次从 0 变为正数时写入
	TotalChecksCount               int       `gorm:"not null;default:0" json:"total_checks_count"`
	LastMilestoneNotificationCount int       `gorm:"not null;default:0" json:"last_milestone_notification_count"` // 已入队通知任务的最高里程碑
	LastStreakDialogShownAtCount   int       `gorm:"not null;default:0" json:"last_streak_dialog_shown_at_count"` // 已确认弹窗（感受已记录）的最高里程碑
	FiftyStreakAchieved            bool      `gorm:"not null;default:false" json:"fifty_streak_achieved"`
	FiftyStreakFeeling             *string   `gorm:"type:text" json:"fifty_streak_feeling"`
	MaxTotalChecksObserved         int       `gorm:"not null;default:0" json:"max_total_checks_observed"` // 历史最高打卡计数，Reset 不清零
	Revision                       int64     `gorm:"not null;default:0" json:"revision"`                  // 每次提交 +1，用于发现其他进程的写入
	UpdatedAt                      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (UserProgress) TableName() string {
	return "user_progress"
}

// NewUserProgress 创建全零的初始进度
func NewUserProgress() *UserProgress {
	return &UserProgress{ID: UserProgressID, Revision: 1}
}

// Stamp 写入前调用：推进历史最高计数与修订号
func (p *UserProgress) Stamp() {
	p.MaxTotalChecksObserved = max(p.MaxTotalChecksObserved, p.TotalChecksCount)
	p.Revision++
}

// MilestoneCeiling 可被确认的最大里程碑
func (p *UserProgress) MilestoneCeiling() int {
	return max(p.TotalChecksCount, p.MaxTotalChecksObserved)
}

// Clone 返回副本（订阅者拿到的值不与仓储共享指针）
func (p *UserProgress) Clone() *UserProgress {
	if p == nil {
		return nil
	}
	out := *p
	if p.FirstCheckTimestamp != nil {
		ts := *p.FirstCheckTimestamp
		out.FirstCheckTimestamp = &ts
	}
	if p.FiftyStreakFeeling != nil {
		f := *p.FiftyStreakFeeling
		out.FiftyStreakFeeling = &f
	}
	return &out
}
