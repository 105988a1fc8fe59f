package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Policy 同名任务已存在时的处理策略
type Policy int

const (
	// Keep 已有同名任务（未失败）时不做任何事
	Keep Policy = iota
	// Replace 覆盖同名任务
	Replace
)

func (p Policy) String() string {
	if p == Replace {
		return "replace"
	}
	return "keep"
}

// ParsePolicy 解析 keep/replace
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep", "keep-if-exists", "":
		return Keep, nil
	case "replace":
		return Replace, nil
	default:
		return Keep, fmt.Errorf("未知策略: %s", s)
	}
}

// Result 单次执行结果
type Result int

const (
	Success Result = iota
	Retry
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "failure"
	}
}

// ErrUnknownKind 未注册处理器的任务类型
var ErrUnknownKind = errors.New("unknown task kind")

// Payload 任务参数（标量）
type Payload map[string]any

// String 读取字符串参数
func (p Payload) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int 读取整数参数；JSON 往返后数字为 float64
func (p Payload) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

// Task 交给处理器的任务视图
type Task struct {
	ID      int64
	Name    string
	Kind    string
	RunID   string
	Attempt int
	Payload Payload
}

// Handler 任务处理器
type Handler interface {
	Run(ctx context.Context, task Task) Result
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, task Task) Result

func (f HandlerFunc) Run(ctx context.Context, task Task) Result {
	return f(ctx, task)
}
