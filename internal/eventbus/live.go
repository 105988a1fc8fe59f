package eventbus

import (
	"context"
	"sync"
)

// Live 持有“当前值”的可订阅流：
//   - 订阅时立即收到当前值（若已有值）
//   - 之后按 Set 的调用顺序收到每一次变更，不丢弃、不重排
//
// 与 Hub 不同，Live 不丢弃慢消费者的数据：每个订阅者有独立的无界队列。
type Live[T any] struct {
	mu    sync.Mutex
	has   bool
	value T
	subs  map[*liveSub[T]]struct{}
}

type liveSub[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	out   chan T
}

func NewLive[T any]() *Live[T] {
	return &Live[T]{subs: make(map[*liveSub[T]]struct{})}
}

// Set 更新当前值并按顺序投递给所有订阅者
func (l *Live[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.value = v
	l.has = true
	for s := range l.subs {
		s.push(v)
	}
}

// Value 返回当前值
func (l *Live[T]) Value() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.has
}

// Subscribe 订阅变更；ctx 结束后通道关闭
func (l *Live[T]) Subscribe(ctx context.Context) <-chan T {
	s := &liveSub[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}

	l.mu.Lock()
	if l.has {
		s.push(l.value)
	}
	l.subs[s] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, s)
		l.mu.Unlock()
	}()
	go s.pump(ctx)

	return s.out
}

// Subscribers 当前订阅者数量
func (l *Live[T]) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (s *liveSub[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *liveSub[T]) pump(ctx context.Context) {
	defer close(s.out)

	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
