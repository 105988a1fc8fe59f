package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuqie6/bprogress/internal/repository"
	"github.com/yuqie6/bprogress/internal/schema"
	"github.com/yuqie6/bprogress/internal/testutil"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(t *testing.T, cfg *Config) (*Scheduler, *repository.TaskRepository, *fakeClock) {
	t.Helper()
	repo := repository.NewTaskRepository(testutil.OpenTestDB(t))
	s := New(repo, nil, cfg)
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)}
	s.now = clock.Now
	return s, repo, clock
}

func mustTask(t *testing.T, repo *repository.TaskRepository, name string) *schema.DeferredTask {
	t.Helper()
	task, err := repo.GetByName(context.Background(), name)
	if err != nil || task == nil {
		t.Fatalf("GetByName(%s) = %v, %v", name, task, err)
	}
	return task
}

func TestRunDueSuccess(t *testing.T) {
	s, repo, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	var gotMilestone int
	var gotFeeling string
	s.Register("streak", HandlerFunc(func(ctx context.Context, task Task) Result {
		gotMilestone = task.Payload.Int("milestone_count", 0)
		gotFeeling = task.Payload.String("feeling", "")
		return Success
	}))

	ok, err := s.EnqueueUnique(ctx, "milestone_3", "streak", Keep, Payload{"milestone_count": 3, "feeling": "proud"})
	if err != nil || !ok {
		t.Fatalf("enqueue ok=%v err=%v", ok, err)
	}

	n, err := s.RunDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunDue = %d, %v; want 1", n, err)
	}
	if gotMilestone != 3 || gotFeeling != "proud" {
		t.Fatalf("payload milestone=%d feeling=%q", gotMilestone, gotFeeling)
	}
	if st := mustTask(t, repo, "milestone_3").Status; st != schema.TaskStatusSucceeded {
		t.Fatalf("status=%s, want succeeded", st)
	}

	// 已成功的同名任务 KEEP 不再入队
	ok, _ = s.EnqueueUnique(ctx, "milestone_3", "streak", Keep, nil)
	if ok {
		t.Fatalf("KEEP should not re-enqueue a finished task")
	}
	if n, _ := s.RunDue(ctx); n != 0 {
		t.Fatalf("RunDue after keep = %d, want 0", n)
	}
}

func TestKeepDoesNotDuplicatePendingTask(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	var runs atomic.Int32
	s.Register("streak", HandlerFunc(func(context.Context, Task) Result {
		runs.Add(1)
		return Success
	}))

	for i := 0; i < 3; i++ {
		_, _ = s.EnqueueUnique(ctx, "milestone_6", "streak", Keep, Payload{"milestone_count": 6})
	}
	_, _ = s.RunDue(ctx)
	if runs.Load() != 1 {
		t.Fatalf("runs=%d, want 1", runs.Load())
	}
}

func TestRetryBackoffThenFail(t *testing.T) {
	s, repo, clock := newTestScheduler(t, &Config{MaxAttempts: 2, RetryBackoff: time.Minute})
	ctx := context.Background()

	var runs int
	s.Register("flaky", HandlerFunc(func(context.Context, Task) Result {
		runs++
		return Retry
	}))
	_, _ = s.EnqueueUnique(ctx, "flaky", "flaky", Keep, nil)

	_, _ = s.RunDue(ctx)
	task := mustTask(t, repo, "flaky")
	if task.Status != schema.TaskStatusEnqueued {
		t.Fatalf("status after first retry = %s", task.Status)
	}
	if want := clock.Now().Add(time.Minute).UnixMilli(); task.RunAt != want {
		t.Fatalf("run_at=%d, want %d", task.RunAt, want)
	}

	// 未到重试时间不执行
	if n, _ := s.RunDue(ctx); n != 0 {
		t.Fatalf("ran before backoff elapsed")
	}

	clock.Advance(time.Minute)
	_, _ = s.RunDue(ctx)
	task = mustTask(t, repo, "flaky")
	if task.Status != schema.TaskStatusFailed || runs != 2 {
		t.Fatalf("status=%s runs=%d, want failed after 2", task.Status, runs)
	}
	if !strings.Contains(task.LastError, "2") {
		t.Fatalf("last_error=%q", task.LastError)
	}

	// 失败的任务允许 KEEP 重新入队
	ok, _ := s.EnqueueUnique(ctx, "flaky", "flaky", Keep, nil)
	if !ok {
		t.Fatalf("failed task should be re-enqueueable")
	}
}

func TestUnknownKindAndPanicFail(t *testing.T) {
	s, repo, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	s.Register("boom", HandlerFunc(func(context.Context, Task) Result {
		panic("boom")
	}))
	_, _ = s.EnqueueUnique(ctx, "a", "missing", Keep, nil)
	_, _ = s.EnqueueUnique(ctx, "b", "boom", Keep, nil)

	if n, _ := s.RunDue(ctx); n != 2 {
		t.Fatalf("RunDue = %d, want 2", n)
	}

	a := mustTask(t, repo, "a")
	if a.Status != schema.TaskStatusFailed || !strings.Contains(a.LastError, ErrUnknownKind.Error()) {
		t.Fatalf("unknown kind task = %+v", a)
	}
	b := mustTask(t, repo, "b")
	if b.Status != schema.TaskStatusFailed || !strings.Contains(b.LastError, "panic") {
		t.Fatalf("panicking task = %+v", b)
	}
}

func TestPeriodicRearms(t *testing.T) {
	s, repo, clock := newTestScheduler(t, nil)
	ctx := context.Background()

	var runs int
	s.Register("daily", HandlerFunc(func(context.Context, Task) Result {
		runs++
		return Success
	}))

	start := clock.Now().UnixMilli()
	ok, err := s.EnqueueUniquePeriodic(ctx, "daily_reminder", "daily", Keep, 24*time.Hour, nil)
	if err != nil || !ok {
		t.Fatalf("periodic enqueue ok=%v err=%v", ok, err)
	}
	_, _ = s.RunDue(ctx)

	task := mustTask(t, repo, "daily_reminder")
	if task.Status != schema.TaskStatusEnqueued || task.Attempts != 0 {
		t.Fatalf("periodic task not re-armed: %+v", task)
	}
	if want := start + (24 * time.Hour).Milliseconds(); task.RunAt != want {
		t.Fatalf("run_at=%d, want %d", task.RunAt, want)
	}

	// 错过多个周期只补跑一次
	clock.Advance(72*time.Hour + time.Minute)
	_, _ = s.RunDue(ctx)
	if runs != 2 {
		t.Fatalf("runs=%d, want 2", runs)
	}
	task = mustTask(t, repo, "daily_reminder")
	if !time.UnixMilli(task.RunAt).After(clock.Now()) {
		t.Fatalf("next run %v not after now %v", time.UnixMilli(task.RunAt), clock.Now())
	}
}

func TestReplaceDuringRunIgnoresStaleResult(t *testing.T) {
	s, repo, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	s.Register("slow", HandlerFunc(func(ctx context.Context, task Task) Result {
		if task.Attempt == 1 && task.Payload.Int("v", 0) == 1 {
			_, _ = s.EnqueueUnique(ctx, "job", "slow", Replace, Payload{"v": 2}, WithDelay(time.Hour))
		}
		return Success
	}))
	_, _ = s.EnqueueUnique(ctx, "job", "slow", Keep, Payload{"v": 1})
	_, _ = s.RunDue(ctx)

	task := mustTask(t, repo, "job")
	if task.Status != schema.TaskStatusEnqueued || Payload(task.Payload).Int("v", 0) != 2 {
		t.Fatalf("replacement lost: %+v", task)
	}
}

func TestStartRecoversRunningTasks(t *testing.T) {
	s, repo, clock := newTestScheduler(t, &Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	s.Register("streak", HandlerFunc(func(context.Context, Task) Result {
		close(done)
		return Success
	}))

	_, _ = s.EnqueueUnique(ctx, "milestone_9", "streak", Keep, nil)
	// 模拟上次进程在执行中退出
	if claimed, _ := repo.ClaimDue(ctx, clock.Now().UnixMilli(), 10); len(claimed) != 1 {
		t.Fatalf("claim = %d", len(claimed))
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("recovered task was not executed")
	}
}

func TestNextDailyAt(t *testing.T) {
	loc := time.Local
	before := time.Date(2024, 5, 1, 6, 0, 0, 0, loc)
	if got := NextDailyAt(before, 6, 20); !got.Equal(time.Date(2024, 5, 1, 6, 20, 0, 0, loc)) {
		t.Fatalf("before: %v", got)
	}
	after := time.Date(2024, 5, 1, 6, 20, 0, 0, loc)
	if got := NextDailyAt(after, 6, 20); !got.Equal(time.Date(2024, 5, 2, 6, 20, 0, 0, loc)) {
		t.Fatalf("after: %v", got)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("REPLACE"); err != nil || p != Replace {
		t.Fatalf("replace: %v %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != Keep {
		t.Fatalf("empty: %v %v", p, err)
	}
	if _, err := ParsePolicy("append"); err == nil {
		t.Fatalf("append should be rejected")
	}
}
