package schema

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// 延迟任务状态
const (
	TaskStatusEnqueued  = "enqueued"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
)

// DeferredTask 持久化的后台任务（进程重启后仍可执行）
// Name 全局唯一，用于去重。
type DeferredTask struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	Kind      string    `gorm:"size:64;index;not null" json:"kind"`
	Tag       string    `gorm:"size:64;index" json:"tag"`
	RunID     string    `gorm:"size:36" json:"run_id"` // 每次入队/替换生成新的 uuid
	Payload   JSONMap   `gorm:"type:text" json:"payload"`
	Status    string    `gorm:"size:16;index;not null" json:"status"`
	Attempts  int       `gorm:"not null;default:0" json:"attempts"`
	RunAt     int64     `gorm:"index;not null" json:"run_at"` // Unix ms
	PeriodSec int64     `gorm:"not null;default:0" json:"period_sec"`
	LastError string    `gorm:"type:text" json:"last_error"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (DeferredTask) TableName() string {
	return "deferred_tasks"
}

// IsTerminal 任务是否已结束
func (t *DeferredTask) IsTerminal() bool {
	return t.Status == TaskStatusSucceeded || t.Status == TaskStatusFailed
}

// JSONMap 用于存储 JSON 格式的元数据
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONMap)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("invalid type for JSONMap")
	}

	return json.Unmarshal(bytes, j)
}
