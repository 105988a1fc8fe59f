package eventbus

import "sync/atomic"

// OneShot 只能被成功消费一次的事件。
// 经由 Live 回放给多个订阅者时，所有订阅者拿到的是同一个指针，
// 只有第一个调用 Take 的一方能拿到内容。
type OneShot[T any] struct {
	content T
	handled atomic.Bool
}

func NewOneShot[T any](content T) *OneShot[T] {
	return &OneShot[T]{content: content}
}

// Take 读取内容并标记为已消费；已消费时返回 false
func (e *OneShot[T]) Take() (T, bool) {
	if e == nil || !e.handled.CompareAndSwap(false, true) {
		var zero T
		return zero, false
	}
	return e.content, true
}

// Peek 读取内容但不改变消费状态
func (e *OneShot[T]) Peek() T {
	return e.content
}

func (e *OneShot[T]) Handled() bool {
	return e.handled.Load()
}
