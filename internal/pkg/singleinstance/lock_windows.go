//go:build windows

package singleinstance

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

type mutexLock struct {
	h windows.Handle
}

// Acquire 使用 Local\ 命名互斥量，范围限制在当前会话
func Acquire(dir, name string) (Lock, error) {
	key := strings.NewReplacer(`\`, "_", "/", "_", ":", "_").Replace(filepath.Clean(dir))
	mutexName := `Local\BProgress_` + name + "_" + key
	h, err := windows.CreateMutex(nil, false, windows.StringToUTF16Ptr(mutexName))
	if err != nil {
		if err == windows.ERROR_ALREADY_EXISTS {
			_ = windows.CloseHandle(h)
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("创建互斥量失败: %w", err)
	}
	return &mutexLock{h: h}, nil
}

func (l *mutexLock) Release() error {
	if l == nil || l.h == 0 {
		return nil
	}
	return windows.CloseHandle(l.h)
}
