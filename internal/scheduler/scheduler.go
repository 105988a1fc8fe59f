// Package scheduler 持久化的延迟任务调度：唯一名称去重、KEEP/REPLACE 策略、重试与周期任务
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/repository"
	"github.com/yuqie6/bprogress/internal/schema"
)

// Store 任务持久化
type Store interface {
	EnqueueUnique(ctx context.Context, task *schema.DeferredTask, replace bool) (bool, error)
	ClaimDue(ctx context.Context, nowMs int64, limit int) ([]schema.DeferredTask, error)
	Finish(ctx context.Context, id int64, runID string, fin repository.TaskFinish) (bool, error)
	RecoverRunning(ctx context.Context) (int64, error)
}

// Config 调度配置
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	BatchSize    int
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		PollInterval: time.Second,
		MaxAttempts:  3,
		RetryBackoff: 30 * time.Second,
		BatchSize:    10,
	}
}

// EnqueueOption 入队选项
type EnqueueOption func(*schema.DeferredTask)

// WithDelay 延迟执行
func WithDelay(d time.Duration) EnqueueOption {
	return func(t *schema.DeferredTask) {
		t.RunAt += d.Milliseconds()
	}
}

// WithRunAt 指定首次执行时间
func WithRunAt(at time.Time) EnqueueOption {
	return func(t *schema.DeferredTask) {
		t.RunAt = at.UnixMilli()
	}
}

// WithTag 任务标签
func WithTag(tag string) EnqueueOption {
	return func(t *schema.DeferredTask) {
		t.Tag = tag
	}
}

// Scheduler 延迟任务调度器（单 worker 顺序执行）
type Scheduler struct {
	store Store
	hub   *eventbus.Hub
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	running  atomic.Bool
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New 创建调度器
func New(store Store, hub *eventbus.Hub, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return &Scheduler{
		store:    store,
		hub:      hub,
		cfg:      c,
		now:      time.Now,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register 注册任务类型的处理器
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// EnqueueUnique 按唯一名称入队一次性任务；返回是否真正入队
func (s *Scheduler) EnqueueUnique(ctx context.Context, name, kind string, policy Policy, payload Payload, opts ...EnqueueOption) (bool, error) {
	return s.enqueue(ctx, name, kind, policy, payload, 0, opts...)
}

// EnqueueUniquePeriodic 按唯一名称入队周期任务
func (s *Scheduler) EnqueueUniquePeriodic(ctx context.Context, name, kind string, policy Policy, period time.Duration, payload Payload, opts ...EnqueueOption) (bool, error) {
	if period <= 0 {
		return false, fmt.Errorf("周期必须大于 0")
	}
	return s.enqueue(ctx, name, kind, policy, payload, period, opts...)
}

func (s *Scheduler) enqueue(ctx context.Context, name, kind string, policy Policy, payload Payload, period time.Duration, opts ...EnqueueOption) (bool, error) {
	if name == "" || kind == "" {
		return false, fmt.Errorf("任务名称与类型不能为空")
	}

	task := &schema.DeferredTask{
		Name:      name,
		Kind:      kind,
		RunID:     uuid.NewString(),
		Payload:   schema.JSONMap(payload),
		RunAt:     s.now().UnixMilli(),
		PeriodSec: int64(period / time.Second),
	}
	for _, opt := range opts {
		opt(task)
	}

	enqueued, err := s.store.EnqueueUnique(ctx, task, policy == Replace)
	if err != nil {
		return false, err
	}
	if enqueued {
		slog.Info("任务已入队", "task", name, "kind", kind, "policy", policy.String(), "run_at", time.UnixMilli(task.RunAt).Format(time.RFC3339))
		s.kick()
	} else {
		slog.Debug("同名任务已存在，保持原任务", "task", name, "status", task.Status)
	}
	return enqueued, nil
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start 启动 worker；先把上次异常退出遗留的 running 任务恢复为待执行
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	recovered, err := s.store.RecoverRunning(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Warn("恢复未完成的任务", "count", recovered)
	}

	s.stopChan = make(chan struct{})
	s.running.Store(true)
	slog.Info("任务调度启动", "poll_interval", s.cfg.PollInterval, "max_attempts", s.cfg.MaxAttempts)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop 停止 worker，等待当前任务执行完毕
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.running.Store(false)
	slog.Info("任务调度已停止")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunDue(ctx); err != nil {
			slog.Error("执行到期任务失败", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RunDue 领取并同步执行所有到期任务，返回执行数量
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	total := 0
	for {
		tasks, err := s.store.ClaimDue(ctx, s.now().UnixMilli(), s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(tasks) == 0 {
			return total, nil
		}
		for _, t := range tasks {
			s.execute(ctx, t)
			total++
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t schema.DeferredTask) {
	start := s.now()
	result, runErr := s.invoke(ctx, t)

	fin := s.outcome(t, result, runErr)
	// 写回使用独立 ctx，避免外部 cancel 导致任务状态卡在 running
	applied, err := s.store.Finish(context.WithoutCancel(ctx), t.ID, t.RunID, fin)
	if err != nil {
		slog.Error("写回任务状态失败", "task", t.Name, "error", err)
		return
	}
	if !applied {
		slog.Warn("任务执行期间已被替换，忽略本次结果", "task", t.Name, "run_id", t.RunID)
		return
	}

	slog.Info("任务执行完成",
		"task", t.Name,
		"kind", t.Kind,
		"attempt", t.Attempts,
		"result", result.String(),
		"status", fin.Status,
		"cost", s.now().Sub(start),
	)
	s.hub.Publish(eventbus.Event{
		Type: eventbus.TypeTaskFinished,
		Data: map[string]any{
			"name":    t.Name,
			"kind":    t.Kind,
			"result":  result.String(),
			"status":  fin.Status,
			"attempt": t.Attempts,
		},
	})
}

func (s *Scheduler) invoke(ctx context.Context, t schema.DeferredTask) (result Result, err error) {
	h, ok := s.handler(t.Kind)
	if !ok {
		return Failure, fmt.Errorf("%s: %w", t.Kind, ErrUnknownKind)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("任务处理器 panic", "task", t.Name, "panic", r)
			result, err = Failure, fmt.Errorf("panic: %v", r)
		}
	}()

	return h.Run(ctx, Task{
		ID:      t.ID,
		Name:    t.Name,
		Kind:    t.Kind,
		RunID:   t.RunID,
		Attempt: t.Attempts,
		Payload: Payload(t.Payload),
	}), nil
}

// outcome 把执行结果映射为状态迁移
func (s *Scheduler) outcome(t schema.DeferredTask, result Result, runErr error) repository.TaskFinish {
	now := s.now()
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	periodic := t.PeriodSec > 0
	if result == Retry && t.Attempts < s.cfg.MaxAttempts {
		backoff := s.cfg.RetryBackoff * time.Duration(1<<uint(max(t.Attempts-1, 0)))
		return repository.TaskFinish{
			Status:    schema.TaskStatusEnqueued,
			NextRunAt: now.Add(backoff).UnixMilli(),
			LastError: "retry requested",
		}
	}
	if result == Retry {
		errText = fmt.Sprintf("达到最大重试次数 (%d)", s.cfg.MaxAttempts)
	}

	if periodic {
		// 周期任务：无论成败都按周期重新武装
		return repository.TaskFinish{
			Status:        schema.TaskStatusEnqueued,
			NextRunAt:     nextPeriod(t.RunAt, t.PeriodSec, now),
			LastError:     errText,
			ResetAttempts: true,
		}
	}
	if result == Success {
		return repository.TaskFinish{Status: schema.TaskStatusSucceeded}
	}
	if errText == "" {
		errText = "task reported failure"
	}
	return repository.TaskFinish{Status: schema.TaskStatusFailed, LastError: errText}
}

// nextPeriod 下一次执行时间：从原计划时间按周期推进到 now 之后
func nextPeriod(runAtMs, periodSec int64, now time.Time) int64 {
	period := periodSec * 1000
	next := runAtMs + period
	nowMs := now.UnixMilli()
	if next <= nowMs {
		skipped := (nowMs-next)/period + 1
		next += skipped * period
	}
	return next
}

// NextDailyAt 下一个 hh:mm（本地时间）；已过则为明天
func NextDailyAt(now time.Time, hour, minute int) time.Time {
	due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !due.After(now) {
		due = due.AddDate(0, 0, 1)
	}
	return due
}
