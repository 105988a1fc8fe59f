// Package singleinstance 保证同一数据目录只有一个 Agent 进程持有进度记录
package singleinstance

import "errors"

// ErrAlreadyRunning 已有实例在运行
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock 进程级互斥锁
type Lock interface {
	Release() error
}
