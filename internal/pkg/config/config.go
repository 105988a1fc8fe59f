package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/yuqie6/bprogress/internal/pkg/buildinfo"
)

// DefaultMilestoneInterval 默认里程碑间隔（每 3 次打卡）
const DefaultMilestoneInterval = 3

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Streak    StreakConfig    `mapstructure:"streak"`
	AI        AIConfig        `mapstructure:"ai"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Seed      SeedConfig      `mapstructure:"seed"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	DBPath      string `mapstructure:"db_path"`
	WatchPollMs int    `mapstructure:"watch_poll_ms"` // 发现其他进程写入的轮询间隔
}

// StreakConfig 连续打卡配置
type StreakConfig struct {
	MilestoneInterval int `mapstructure:"milestone_interval"`
}

// AIConfig AI 配置
type AIConfig struct {
	OpenAI      OpenAIConfig `mapstructure:"openai"`
	Temperature float64      `mapstructure:"temperature"`
	TimeoutSec  int          `mapstructure:"timeout_sec"`
}

// OpenAIConfig OpenAI 兼容接口配置
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// SchedulerConfig 后台任务配置
type SchedulerConfig struct {
	PollIntervalMs  int `mapstructure:"poll_interval_ms"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	RetryBackoffSec int `mapstructure:"retry_backoff_sec"`
}

// ReminderConfig 每日提醒配置
type ReminderConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Hour    int  `mapstructure:"hour"`
	Minute  int  `mapstructure:"minute"`
}

// NotifyConfig 通知配置（Enabled=false 视为未授予通知权限）
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SeedConfig 种子数据配置
type SeedConfig struct {
	Dir      string `mapstructure:"dir"`
	Language string `mapstructure:"language"`
}

// HTTPConfig Agent 本地 HTTP 接口
type HTTPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper 构建带默认值与环境变量映射的 viper 实例并读取配置文件
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认查找路径
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 支持环境变量
	v.SetEnvPrefix("BPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 显式指定路径但文件不存在时 viper 返回 *fs.PathError
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			slog.Warn("配置文件未找到，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		slog.Info("加载配置文件", "path", v.ConfigFileUsed())
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 处理环境变量占位符
	cfg.AI.OpenAI.APIKey = expandEnv(cfg.AI.OpenAI.APIKey)

	// 处理相对路径
	cfg.Storage.DBPath = resolvePath(cfg.Storage.DBPath)
	cfg.Seed.Dir = resolvePath(cfg.Seed.Dir)
	if cfg.App.LogPath != "" {
		cfg.App.LogPath = resolvePath(cfg.App.LogPath)
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize 修正非法取值
func (c *Config) normalize() {
	if c.Streak.MilestoneInterval <= 0 {
		slog.Warn("milestone_interval 非法，使用默认值", "value", c.Streak.MilestoneInterval, "default", DefaultMilestoneInterval)
		c.Streak.MilestoneInterval = DefaultMilestoneInterval
	}
	if c.Storage.WatchPollMs <= 0 {
		c.Storage.WatchPollMs = 500
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		c.Scheduler.PollIntervalMs = 1000
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.RetryBackoffSec < 0 {
		c.Scheduler.RetryBackoffSec = 0
	}
	if c.Reminder.Hour < 0 || c.Reminder.Hour > 23 {
		c.Reminder.Hour = 6
	}
	if c.Reminder.Minute < 0 || c.Reminder.Minute > 59 {
		c.Reminder.Minute = 20
	}
	if strings.TrimSpace(c.HTTP.ListenAddr) == "" {
		c.HTTP.ListenAddr = "127.0.0.1:0"
	}
	if c.AI.TimeoutSec <= 0 {
		c.AI.TimeoutSec = 30
	}
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	d := Default()

	// App
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.version", d.App.Version)
	v.SetDefault("app.log_level", d.App.LogLevel)
	v.SetDefault("app.log_path", d.App.LogPath)

	// Storage
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("storage.watch_poll_ms", d.Storage.WatchPollMs)

	// Streak
	v.SetDefault("streak.milestone_interval", d.Streak.MilestoneInterval)

	// AI
	v.SetDefault("ai.openai.api_key", d.AI.OpenAI.APIKey)
	v.SetDefault("ai.openai.base_url", d.AI.OpenAI.BaseURL)
	v.SetDefault("ai.openai.model", d.AI.OpenAI.Model)
	v.SetDefault("ai.temperature", d.AI.Temperature)
	v.SetDefault("ai.timeout_sec", d.AI.TimeoutSec)

	// Scheduler
	v.SetDefault("scheduler.poll_interval_ms", d.Scheduler.PollIntervalMs)
	v.SetDefault("scheduler.max_attempts", d.Scheduler.MaxAttempts)
	v.SetDefault("scheduler.retry_backoff_sec", d.Scheduler.RetryBackoffSec)

	// Reminder
	v.SetDefault("reminder.enabled", d.Reminder.Enabled)
	v.SetDefault("reminder.hour", d.Reminder.Hour)
	v.SetDefault("reminder.minute", d.Reminder.Minute)

	// Notify
	v.SetDefault("notify.enabled", d.Notify.Enabled)

	// Seed
	v.SetDefault("seed.dir", d.Seed.Dir)
	v.SetDefault("seed.language", d.Seed.Language)

	// HTTP
	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.listen_addr", d.HTTP.ListenAddr)
}

// Default 默认配置
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:     "bprogress",
			Version:  buildinfo.Version,
			LogLevel: "info",
		},
		Storage: StorageConfig{DBPath: "./data/bprogress.db", WatchPollMs: 500},
		Streak:  StreakConfig{MilestoneInterval: DefaultMilestoneInterval},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				APIKey:  "${OPENAI_API_KEY}",
				BaseURL: "https://api.openai.com",
				Model:   "gpt-3.5-turbo",
			},
			Temperature: 0.7,
			TimeoutSec:  30,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs:  1000,
			MaxAttempts:     3,
			RetryBackoffSec: 30,
		},
		Reminder: ReminderConfig{Enabled: true, Hour: 6, Minute: 20},
		Notify:   NotifyConfig{Enabled: true},
		Seed:     SeedConfig{Dir: "./data/seed", Language: "en"},
		HTTP:     HTTPConfig{Enabled: true, ListenAddr: "127.0.0.1:0"},
	}
}

// expandEnv 展开环境变量占位符 ${VAR}
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := s[2 : len(s)-1]
		return os.Getenv(envVar)
	}
	return s
}

// resolvePath 解析相对路径为绝对路径
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	// 获取可执行文件目录
	exe, err := os.Executable()
	if err != nil {
		return path
	}

	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, path)
}
