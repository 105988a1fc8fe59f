package service

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/yuqie6/bprogress/internal/repository"
	"github.com/yuqie6/bprogress/internal/scheduler"
	"github.com/yuqie6/bprogress/internal/schema"
	"github.com/yuqie6/bprogress/internal/testutil"
)

// ===== Fakes =====

type enqueuedTask struct {
	name    string
	kind    string
	policy  scheduler.Policy
	payload scheduler.Payload
}

// fakeScheduler 按名称去重（KEEP），记录每次调用
type fakeScheduler struct {
	mu    sync.Mutex
	calls int
	tasks map[string]enqueuedTask
	err   error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: make(map[string]enqueuedTask)}
}

func (f *fakeScheduler) EnqueueUnique(ctx context.Context, name, kind string, policy scheduler.Policy, payload scheduler.Payload, opts ...scheduler.EnqueueOption) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.tasks[name]; ok && policy == scheduler.Keep {
		return false, nil
	}
	f.tasks[name] = enqueuedTask{name: name, kind: kind, policy: policy, payload: payload}
	return true, nil
}

func (f *fakeScheduler) snapshot() (int, map[string]enqueuedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]enqueuedTask, len(f.tasks))
	for k, v := range f.tasks {
		out[k] = v
	}
	return f.calls, out
}

type trackerEnv struct {
	svc        *ProgressService
	activities *repository.ActivityRepository
	progress   *repository.ProgressRepository
	tasks      *fakeScheduler
}

func seedItems() []schema.ActivityItem {
	return []schema.ActivityItem{
		{ID: "a", Name: "Drink water", OrderIndex: 0},
		{ID: "b", Name: "Walk", OrderIndex: 1},
		{ID: "c", Name: "Read", OrderIndex: 2},
		{ID: "d", Name: "Stretch", OrderIndex: 3},
	}
}

func newTrackerEnv(t *testing.T, initialize bool) *trackerEnv {
	t.Helper()
	db := testutil.OpenTestDB(t)
	acts := repository.NewActivityRepository(db)
	prog := repository.NewProgressRepository(db, acts)
	tasks := newFakeScheduler()

	if err := acts.InsertAll(context.Background(), seedItems()); err != nil {
		t.Fatalf("insert items: %v", err)
	}
	svc := NewProgressService(acts, prog, tasks, nil, 3)
	if initialize {
		if err := svc.EnsureInitialized(context.Background()); err != nil {
			t.Fatalf("EnsureInitialized: %v", err)
		}
	}
	return &trackerEnv{svc: svc, activities: acts, progress: prog, tasks: tasks}
}

func (e *trackerEnv) mustProgress(t *testing.T) *schema.UserProgress {
	t.Helper()
	p, err := e.progress.Get(context.Background())
	if err != nil || p == nil {
		t.Fatalf("progress = %v, %v", p, err)
	}
	return p
}

func (e *trackerEnv) checkAll(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, _, err := e.svc.ToggleCheck(context.Background(), id); err != nil {
			t.Fatalf("ToggleCheck(%s): %v", id, err)
		}
	}
}

// setTotal 直接写入打卡计数（超过活动数量的场景）
func (e *trackerEnv) setTotal(t *testing.T, n int) {
	t.Helper()
	if _, err := e.progress.Update(context.Background(), func(p *schema.UserProgress) error {
		p.TotalChecksCount = n
		return nil
	}); err != nil {
		t.Fatalf("set total: %v", err)
	}
}

// ===== Tests =====

func TestEnsureInitializedIsIdempotent(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()

	env.checkAll(t, "a")
	if err := env.svc.EnsureInitialized(ctx); err != nil {
		t.Fatalf("second EnsureInitialized: %v", err)
	}
	if p := env.mustProgress(t); p.TotalChecksCount != 1 {
		t.Fatalf("EnsureInitialized must not reset progress, total=%d", p.TotalChecksCount)
	}
}

func TestEnsureInitializedSeedsEmptyTable(t *testing.T) {
	db := testutil.OpenTestDB(t)
	acts := repository.NewActivityRepository(db)
	prog := repository.NewProgressRepository(db, acts)
	fsys := fstest.MapFS{
		"activities-eng.csv": {Data: []byte("id;name;description;order\n1;Meditate;Ten minutes;0\n;Journal;;1\n")},
	}
	svc := NewProgressService(acts, prog, newFakeScheduler(), NewSeeder(fsys, "en"), 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.EnsureInitialized(ctx); err != nil {
			t.Fatalf("EnsureInitialized #%d: %v", i, err)
		}
	}
	items, _ := acts.List(ctx)
	if len(items) != 2 || items[0].Name != "Meditate" || items[1].ID == "" {
		t.Fatalf("seeded items = %+v", items)
	}
	if p, _ := prog.Get(ctx); p == nil || p.TotalChecksCount != 0 {
		t.Fatalf("progress = %+v", p)
	}
}

// Scenario A
func TestThreeChecksFirePromptOnce(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := NewMilestoneNotifier(env.progress, nil, 3)
	changes := env.progress.Watch(ctx)

	env.checkAll(t, "a", "b", "c")

	var counts []int
	var fired []int
	// 初始值 + 三次提交
	for i := 0; i < 4; i++ {
		select {
		case p := <-changes:
			counts = append(counts, p.TotalChecksCount)
			if m, ok := notifier.Observe(p); ok {
				fired = append(fired, m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for change %d", i)
		}
	}
	if want := []int{0, 1, 2, 3}; !equalInts(counts, want) {
		t.Fatalf("counts=%v, want %v", counts, want)
	}
	if !equalInts(fired, []int{3}) {
		t.Fatalf("fired=%v, want [3]", fired)
	}

	// 同一会话内重复观察不再触发
	if _, ok := notifier.Observe(env.mustProgress(t)); ok {
		t.Fatalf("prompt fired twice in one session")
	}

	prompts := notifier.Prompts(ctx)
	evt := <-prompts
	if m, ok := evt.Take(); !ok || m != 3 {
		t.Fatalf("Take = %d, %v; want 3, true", m, ok)
	}

	// 迟到的订阅者仍会收到重放值，但无法再次消费
	late := notifier.Prompts(ctx)
	if _, ok := (<-late).Take(); ok {
		t.Fatalf("late subscriber consumed an already handled prompt")
	}
}

func TestNotifierRespectsPersistedShownCount(t *testing.T) {
	n := NewMilestoneNotifier(nil, nil, 3)

	cases := []struct {
		name  string
		total int
		shown int
		want  bool
	}{
		{"not a boundary", 4, 0, false},
		{"zero", 0, 0, false},
		{"already shown", 3, 3, false},
		{"shown higher", 6, 9, false},
		{"new milestone", 6, 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := n.Observe(&schema.UserProgress{TotalChecksCount: tc.total, LastStreakDialogShownAtCount: tc.shown})
			if got != tc.want {
				t.Fatalf("Observe(total=%d shown=%d) = %v, want %v", tc.total, tc.shown, got, tc.want)
			}
		})
	}

	// 新会话（新实例）在未记录感受时会再次提示
	fresh := NewMilestoneNotifier(nil, nil, 3)
	if fresh.LastProcessed() != -1 {
		t.Fatalf("fresh notifier lastProcessed=%d", fresh.LastProcessed())
	}
	if _, ok := fresh.Observe(&schema.UserProgress{TotalChecksCount: 6, LastStreakDialogShownAtCount: 3}); !ok {
		t.Fatalf("restart should re-prompt an unacknowledged milestone")
	}
}

func TestNotifierRunDeliversPrompt(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := NewMilestoneNotifier(env.progress, nil, 3)
	prompts := notifier.Prompts(ctx)
	go notifier.Run(ctx)

	env.checkAll(t, "a", "b", "c")

	select {
	case evt := <-prompts:
		if m, ok := evt.Take(); !ok || m != 3 {
			t.Fatalf("Take = %d, %v", m, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no prompt delivered")
	}
}

// CLI 与 Agent 是两个进程：通知器需要看到另一个连接上的打卡
func TestNotifierSeesCheckInsFromAnotherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bprogress.db")
	open := func() (*repository.ActivityRepository, *repository.ProgressRepository) {
		d, err := repository.NewDatabase(path)
		if err != nil {
			t.Fatalf("NewDatabase: %v", err)
		}
		t.Cleanup(func() { _ = d.Close() })
		acts := repository.NewActivityRepository(d.DB)
		return acts, repository.NewProgressRepository(d.DB, acts)
	}
	cliActs, cliProgress := open()
	_, agentProgress := open()
	agentProgress.SetPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cliActs.InsertAll(ctx, seedItems()); err != nil {
		t.Fatalf("insert items: %v", err)
	}
	cli := NewProgressService(cliActs, cliProgress, newFakeScheduler(), nil, 3)
	if err := cli.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	notifier := NewMilestoneNotifier(agentProgress, nil, 3)
	prompts := notifier.Prompts(ctx)
	go notifier.Run(ctx)

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := cli.ToggleCheck(ctx, id); err != nil {
			t.Fatalf("ToggleCheck(%s): %v", id, err)
		}
	}

	select {
	case evt := <-prompts:
		if m, ok := evt.Take(); !ok || m != 3 {
			t.Fatalf("Take = %d, %v", m, ok)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("notifier never saw check-ins committed by the other connection")
	}
}

// Scenario B + C
func TestSubmitFeelingEnqueuesOnce(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()
	env.checkAll(t, "a", "b", "c")

	ok, err := env.svc.SubmitMilestoneFeeling(ctx, "proud", 3)
	if err != nil || !ok {
		t.Fatalf("first submit = %v, %v", ok, err)
	}

	after := env.mustProgress(t)
	if after.LastStreakDialogShownAtCount != 3 || after.LastMilestoneNotificationCount != 3 {
		t.Fatalf("watermarks = %d/%d, want 3/3", after.LastStreakDialogShownAtCount, after.LastMilestoneNotificationCount)
	}
	if after.FiftyStreakFeeling == nil || *after.FiftyStreakFeeling != "proud" || !after.FiftyStreakAchieved {
		t.Fatalf("feeling not recorded: %+v", after)
	}

	calls, tasks := env.tasks.snapshot()
	task, found := tasks["milestone_3"]
	if calls != 1 || len(tasks) != 1 || !found {
		t.Fatalf("calls=%d tasks=%v", calls, tasks)
	}
	if task.kind != KindStreakNotification || task.policy != scheduler.Keep {
		t.Fatalf("task = %+v", task)
	}
	if task.payload.Int(PayloadMilestoneCount, 0) != 3 || task.payload.String(PayloadFeeling, "") != "proud" {
		t.Fatalf("payload = %v", task.payload)
	}
	if got := task.payload.String(PayloadActivityContext, ""); got != "Read" {
		t.Fatalf("activity context = %q, want Read", got)
	}

	// 重复提交
	ok, err = env.svc.SubmitMilestoneFeeling(ctx, "proud", 3)
	if err != nil || ok {
		t.Fatalf("duplicate submit = %v, %v", ok, err)
	}
	again := env.mustProgress(t)
	if again.LastStreakDialogShownAtCount != 3 || again.LastMilestoneNotificationCount != 3 ||
		*again.FiftyStreakFeeling != "proud" || again.TotalChecksCount != 3 {
		t.Fatalf("state changed after duplicate: %+v", again)
	}
	if calls, tasks := env.tasks.snapshot(); calls != 1 || len(tasks) != 1 {
		t.Fatalf("duplicate enqueued work: calls=%d tasks=%d", calls, len(tasks))
	}
}

func TestConcurrentSubmitEnqueuesOnce(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()
	env.checkAll(t, "a", "b", "c")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.svc.SubmitMilestoneFeeling(ctx, "excited", 3)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if calls, _ := env.tasks.snapshot(); wins != 1 || calls != 1 {
		t.Fatalf("wins=%d calls=%d, want 1/1", wins, calls)
	}
}

func TestWatermarksNeverDecrease(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()
	env.setTotal(t, 7)

	if _, err := env.svc.SubmitMilestoneFeeling(ctx, "tired", 6); err != nil {
		t.Fatalf("submit 6: %v", err)
	}
	ok, err := env.svc.SubmitMilestoneFeeling(ctx, "late", 3)
	if err != nil || ok {
		t.Fatalf("older milestone = %v, %v; want no enqueue", ok, err)
	}
	p := env.mustProgress(t)
	if p.LastStreakDialogShownAtCount != 6 || p.LastMilestoneNotificationCount != 6 {
		t.Fatalf("watermarks decreased: %d/%d", p.LastStreakDialogShownAtCount, p.LastMilestoneNotificationCount)
	}
	if *p.FiftyStreakFeeling != "late" {
		t.Fatalf("feeling = %q, want latest", *p.FiftyStreakFeeling)
	}

	// 非里程碑只记录感受
	ok, _ = env.svc.SubmitMilestoneFeeling(ctx, "ok", 7)
	if ok {
		t.Fatalf("non-multiple milestone enqueued work")
	}
	if p := env.mustProgress(t); p.LastMilestoneNotificationCount != 6 || p.LastStreakDialogShownAtCount != 7 {
		t.Fatalf("after 7: %+v", p)
	}

	// Reset 不回退水位线
	if err := env.svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if p := env.mustProgress(t); p.LastMilestoneNotificationCount != 6 || p.LastStreakDialogShownAtCount != 7 || p.TotalChecksCount != 0 {
		t.Fatalf("after reset: %+v", p)
	}
}

func TestSubmitFeelingErrors(t *testing.T) {
	env := newTrackerEnv(t, false)
	ctx := context.Background()

	if _, err := env.svc.SubmitMilestoneFeeling(ctx, "proud", 3); !errors.Is(err, ErrProgressMissing) {
		t.Fatalf("missing progress err = %v", err)
	}
	if _, err := env.svc.SubmitMilestoneFeeling(ctx, "proud", -3); !errors.Is(err, ErrInvalidMilestone) {
		t.Fatalf("negative milestone err = %v", err)
	}
	if calls, _ := env.tasks.snapshot(); calls != 0 {
		t.Fatalf("enqueued on error path")
	}

	// 入队失败需要返回给调用方
	if err := env.svc.EnsureInitialized(ctx); err != nil {
		t.Fatal(err)
	}
	env.checkAll(t, "a", "b", "c")
	env.tasks.err = errors.New("scheduler down")
	if _, err := env.svc.SubmitMilestoneFeeling(ctx, "proud", 3); err == nil {
		t.Fatalf("enqueue failure swallowed")
	}
}

// Scenario D
func TestSubmitFeelingRejectsUnreachedMilestone(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()
	before := env.mustProgress(t)

	ok, err := env.svc.SubmitMilestoneFeeling(ctx, "x", 300)
	if !errors.Is(err, ErrInvalidMilestone) || ok {
		t.Fatalf("unreached milestone = %v, %v; want ErrInvalidMilestone", ok, err)
	}
	after := env.mustProgress(t)
	if after.LastMilestoneNotificationCount != 0 || after.LastStreakDialogShownAtCount != 0 ||
		after.FiftyStreakFeeling != nil || after.Revision != before.Revision {
		t.Fatalf("rejected submit wrote progress: %+v", after)
	}
	if calls, _ := env.tasks.snapshot(); calls != 0 {
		t.Fatalf("rejected submit enqueued work")
	}

	// 真实到达的里程碑不受影响
	env.checkAll(t, "a", "b", "c")
	if ok, err := env.svc.SubmitMilestoneFeeling(ctx, "proud", 3); err != nil || !ok {
		t.Fatalf("submit 3 = %v, %v; want enqueued", ok, err)
	}

	// Reset 之后历史最高计数仍然有效
	if err := env.svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ok, err := env.svc.SubmitMilestoneFeeling(ctx, "again", 3); err != nil || ok {
		t.Fatalf("submit 3 after reset = %v, %v; want no enqueue, no error", ok, err)
	}
	if _, err := env.svc.SubmitMilestoneFeeling(ctx, "early", 6); !errors.Is(err, ErrInvalidMilestone) {
		t.Fatalf("submit 6 after reset err = %v, want ErrInvalidMilestone", err)
	}
	if p := env.mustProgress(t); p.MaxTotalChecksObserved != 3 || p.LastMilestoneNotificationCount != 3 {
		t.Fatalf("progress after reset = %+v", p)
	}
}

func TestUncheckKeepsFirstCheckTimestamp(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	env.svc.now = func() time.Time { return clock }

	item, p, err := env.svc.ToggleCheck(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !item.IsChecked || p.TotalChecksCount != 1 || p.FirstCheckTimestamp == nil || *p.FirstCheckTimestamp != clock.UnixMilli() {
		t.Fatalf("after check: item=%+v progress=%+v", item, p)
	}
	first := *p.FirstCheckTimestamp

	clock = clock.Add(time.Hour)
	item, p, err = env.svc.ToggleCheck(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if item.IsChecked || p.TotalChecksCount != 0 {
		t.Fatalf("after uncheck: item=%+v total=%d", item, p.TotalChecksCount)
	}
	if p.FirstCheckTimestamp == nil || *p.FirstCheckTimestamp != first {
		t.Fatalf("first check timestamp changed: %v", p.FirstCheckTimestamp)
	}
	if item.LastCheckedDate == nil || *item.LastCheckedDate != first {
		t.Fatalf("uncheck must keep last checked date: %v", item.LastCheckedDate)
	}

	// 再次打卡不改写首次打卡时间
	clock = clock.Add(time.Hour)
	_, p, _ = env.svc.ToggleCheck(ctx, "b")
	if *p.FirstCheckTimestamp != first {
		t.Fatalf("first check timestamp rewritten")
	}
}

func TestRandomTogglesKeepCountConsistent(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d"}

	for i := 0; i < 60; i++ {
		id := ids[rng.Intn(len(ids))]
		_, p, err := env.svc.ToggleCheck(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if p.TotalChecksCount < 0 {
			t.Fatalf("negative total after %d toggles", i)
		}

		items, _ := env.activities.List(ctx)
		checked := 0
		for _, it := range items {
			if it.IsChecked {
				checked++
			}
		}
		if checked != p.TotalChecksCount {
			t.Fatalf("total=%d checked=%d", p.TotalChecksCount, checked)
		}
	}
}

func TestToggleUnknownItem(t *testing.T) {
	env := newTrackerEnv(t, true)
	_, _, err := env.svc.ToggleCheck(context.Background(), "missing")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if p := env.mustProgress(t); p.TotalChecksCount != 0 {
		t.Fatalf("progress changed on failed toggle")
	}
}

func TestToggleImportant(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()

	item, err := env.svc.ToggleImportant(ctx, "b")
	if err != nil || !item.IsImportant {
		t.Fatalf("ToggleImportant = %+v, %v", item, err)
	}
	item, _ = env.svc.ToggleImportant(ctx, "b")
	if item.IsImportant {
		t.Fatalf("second toggle should clear the flag")
	}
	if p := env.mustProgress(t); p.TotalChecksCount != 0 {
		t.Fatalf("important flag touched progress")
	}
}

func TestActivityContextDefault(t *testing.T) {
	env := newTrackerEnv(t, true)
	ctx := context.Background()

	if got := env.svc.ActivityContext(ctx); got != DefaultActivityContext {
		t.Fatalf("context = %q", got)
	}
	env.checkAll(t, "d")
	if got := env.svc.ActivityContext(ctx); got != "Stretch" {
		t.Fatalf("context = %q, want Stretch", got)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
