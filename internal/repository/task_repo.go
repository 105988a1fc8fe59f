package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/yuqie6/bprogress/internal/schema"
	"gorm.io/gorm"
)

// TaskRepository 延迟任务仓储
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建任务仓储
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// GetByName 按唯一名称查询，不存在返回 nil
func (r *TaskRepository) GetByName(ctx context.Context, name string) (*schema.DeferredTask, error) {
	var task schema.DeferredTask
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &task, nil
}

// EnqueueUnique 按名称去重入队
//   - replace=false：已存在且未失败的同名任务时不做任何事（返回 false）
//   - replace=true：覆盖同名任务并重置为待执行
func (r *TaskRepository) EnqueueUnique(ctx context.Context, task *schema.DeferredTask, replace bool) (bool, error) {
	if task == nil || task.Name == "" {
		return false, fmt.Errorf("任务名称不能为空")
	}

	enqueued := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing schema.DeferredTask
		err := tx.Where("name = ?", task.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			task.Status = schema.TaskStatusEnqueued
			task.Attempts = 0
			if err := tx.Create(task).Error; err != nil {
				return fmt.Errorf("创建任务失败: %w", err)
			}
			enqueued = true
			return nil
		case err != nil:
			return fmt.Errorf("查询任务失败: %w", err)
		}

		if !replace && existing.Status != schema.TaskStatusFailed {
			*task = existing
			return nil
		}

		updates := map[string]interface{}{
			"kind":       task.Kind,
			"tag":        task.Tag,
			"run_id":     task.RunID,
			"payload":    task.Payload,
			"status":     schema.TaskStatusEnqueued,
			"attempts":   0,
			"run_at":     task.RunAt,
			"period_sec": task.PeriodSec,
			"last_error": "",
		}
		if err := tx.Model(&schema.DeferredTask{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("替换任务失败: %w", err)
		}
		task.ID = existing.ID
		task.Status = schema.TaskStatusEnqueued
		task.Attempts = 0
		enqueued = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return enqueued, nil
}

// ClaimDue 领取到期任务：enqueued -> running，attempts+1
func (r *TaskRepository) ClaimDue(ctx context.Context, nowMs int64, limit int) ([]schema.DeferredTask, error) {
	if limit <= 0 {
		limit = 10
	}

	var claimed []schema.DeferredTask
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []schema.DeferredTask
		if err := tx.
			Where("status = ? AND run_at <= ?", schema.TaskStatusEnqueued, nowMs).
			Order("run_at ASC, id ASC").
			Limit(limit).
			Find(&due).Error; err != nil {
			return fmt.Errorf("查询到期任务失败: %w", err)
		}

		for _, t := range due {
			res := tx.Model(&schema.DeferredTask{}).
				Where("id = ? AND status = ? AND run_id = ?", t.ID, schema.TaskStatusEnqueued, t.RunID).
				Updates(map[string]interface{}{
					"status":   schema.TaskStatusRunning,
					"attempts": gorm.Expr("attempts + 1"),
				})
			if res.Error != nil {
				return fmt.Errorf("领取任务失败: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			t.Status = schema.TaskStatusRunning
			t.Attempts++
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TaskFinish 一次执行的写回内容
type TaskFinish struct {
	Status        string
	NextRunAt     int64 // >0 时更新 run_at（重试/周期任务）
	LastError     string
	ResetAttempts bool // 周期任务重新武装时清零
}

// Finish 写回执行结果；仅当 run_id 未被替换时生效
func (r *TaskRepository) Finish(ctx context.Context, id int64, runID string, fin TaskFinish) (bool, error) {
	updates := map[string]interface{}{
		"status":     fin.Status,
		"last_error": fin.LastError,
	}
	if fin.NextRunAt > 0 {
		updates["run_at"] = fin.NextRunAt
	}
	if fin.ResetAttempts {
		updates["attempts"] = 0
	}
	res := r.db.WithContext(ctx).Model(&schema.DeferredTask{}).
		Where("id = ? AND run_id = ? AND status = ?", id, runID, schema.TaskStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("更新任务状态失败: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecoverRunning 进程异常退出后，把遗留的 running 任务恢复为待执行
func (r *TaskRepository) RecoverRunning(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&schema.DeferredTask{}).
		Where("status = ?", schema.TaskStatusRunning).
		Update("status", schema.TaskStatusEnqueued)
	if res.Error != nil {
		return 0, fmt.Errorf("恢复任务失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// List 最近更新的任务
func (r *TaskRepository) List(ctx context.Context, limit int) ([]schema.DeferredTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []schema.DeferredTask
	if err := r.db.WithContext(ctx).Order("updated_at DESC, id DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return tasks, nil
}

// CountByTag 统计某个标签下的任务数
func (r *TaskRepository) CountByTag(ctx context.Context, tag string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&schema.DeferredTask{}).Where("tag = ?", tag).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计任务失败: %w", err)
	}
	return n, nil
}
