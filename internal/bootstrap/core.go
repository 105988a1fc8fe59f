package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yuqie6/bprogress/internal/ai"
	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/notify"
	"github.com/yuqie6/bprogress/internal/pkg/config"
	"github.com/yuqie6/bprogress/internal/repository"
	"github.com/yuqie6/bprogress/internal/scheduler"
	"github.com/yuqie6/bprogress/internal/service"
)

// Core 持有跨二进制共享的核心依赖
type Core struct {
	Cfg       *config.Config
	DB        *repository.Database
	LogCloser io.Closer
	Hub       *eventbus.Hub

	Repos struct {
		Activity     *repository.ActivityRepository
		Progress     *repository.ProgressRepository
		Task         *repository.TaskRepository
		Notification *repository.NotificationRepository
	}

	Clients struct {
		OpenAI *ai.OpenAIClient
	}

	Notify    *notify.Center
	Scheduler *scheduler.Scheduler

	Services struct {
		Progress *service.ProgressService
	}
}

// NewCore 构建核心依赖（不启动后台任务）
func NewCore(cfgPath string) (*Core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logCloser, _ := config.SetupLogger(config.LoggerOptions{
		Level:     cfg.App.LogLevel,
		Path:      cfg.App.LogPath,
		Component: filepath.Base(os.Args[0]),
	})

	db, err := repository.NewDatabase(cfg.Storage.DBPath)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, err
	}

	c := &Core{Cfg: cfg, DB: db, LogCloser: logCloser, Hub: eventbus.NewHub()}

	// Repos
	c.Repos.Activity = repository.NewActivityRepository(db.DB)
	c.Repos.Progress = repository.NewProgressRepository(db.DB, c.Repos.Activity)
	c.Repos.Task = repository.NewTaskRepository(db.DB)
	c.Repos.Notification = repository.NewNotificationRepository(db.DB)
	watchPoll := time.Duration(cfg.Storage.WatchPollMs) * time.Millisecond
	c.Repos.Activity.SetPollInterval(watchPoll)
	c.Repos.Progress.SetPollInterval(watchPoll)

	// Clients / Generator
	c.Clients.OpenAI = ai.NewOpenAIClient(&ai.OpenAIConfig{
		APIKey:  cfg.AI.OpenAI.APIKey,
		BaseURL: cfg.AI.OpenAI.BaseURL,
		Model:   cfg.AI.OpenAI.Model,
		Timeout: time.Duration(cfg.AI.TimeoutSec) * time.Second,
	})
	generator := ai.NewMotivationGenerator(c.Clients.OpenAI, cfg.AI.Temperature)

	// Notify / Scheduler
	c.Notify = notify.NewCenter(c.Repos.Notification, c.Hub, cfg.Notify.Enabled)
	c.Scheduler = scheduler.New(c.Repos.Task, c.Hub, &scheduler.Config{
		PollInterval: time.Duration(cfg.Scheduler.PollIntervalMs) * time.Millisecond,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBackoff: time.Duration(cfg.Scheduler.RetryBackoffSec) * time.Second,
	})
	c.Scheduler.Register(service.KindStreakNotification, service.NewStreakTask(generator, c.Notify))
	c.Scheduler.Register(service.KindDailyReminder, service.NewDailyReminderTask(c.Repos.Activity, generator, c.Notify))

	// Services
	seeder := service.NewSeeder(os.DirFS(cfg.Seed.Dir), cfg.Seed.Language)
	c.Services.Progress = service.NewProgressService(
		c.Repos.Activity,
		c.Repos.Progress,
		c.Scheduler,
		seeder,
		cfg.Streak.MilestoneInterval,
	)

	return c, nil
}

// Init 创建进度单例并导入种子；安全模式下跳过写库
func (c *Core) Init(ctx context.Context) error {
	if c.DB != nil && c.DB.SafeMode {
		return fmt.Errorf("数据库处于安全模式，拒绝写入")
	}
	return c.Services.Progress.EnsureInitialized(ctx)
}

// Close 关闭核心依赖资源
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	var dbErr error
	if c.DB != nil {
		dbErr = c.DB.Close()
	}
	if c.LogCloser != nil {
		_ = c.LogCloser.Close()
	}
	return dbErr
}

// RequireAIConfigured 检查 AI 是否已配置
func (c *Core) RequireAIConfigured() error {
	if c.Clients.OpenAI == nil || !c.Clients.OpenAI.IsConfigured() {
		return fmt.Errorf("OpenAI API 未配置")
	}
	return nil
}
