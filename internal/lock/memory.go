package lock

import (
	"context"
	"sync"
)

// MemoryRegistry 进程内锁，没有持有者和等待者的槽位会被回收
type MemoryRegistry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int // 持有者与等待者的数量
}

// NewMemoryRegistry 创建进程内锁
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{slots: make(map[string]*slot)}
}

func (r *MemoryRegistry) take(id string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		r.slots[id] = s
	}
	s.refs++
	return s
}

func (r *MemoryRegistry) drop(id string, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(r.slots, id)
	}
}

// TryAcquire 尝试加锁
func (r *MemoryRegistry) TryAcquire(ctx context.Context, id string) (Lease, error) {
	s := r.take(id)
	select {
	case s.ch <- struct{}{}:
		return &memoryLease{registry: r, id: id, slot: s}, nil
	default:
		r.drop(id, s)
		return nil, ErrAlreadyInProgress
	}
}

// Acquire 等待加锁
func (r *MemoryRegistry) Acquire(ctx context.Context, id string) (Lease, error) {
	s := r.take(id)
	select {
	case s.ch <- struct{}{}:
		return &memoryLease{registry: r, id: id, slot: s}, nil
	case <-ctx.Done():
		r.drop(id, s)
		return nil, ctx.Err()
	}
}

// held 当前占用的槽位数
func (r *MemoryRegistry) held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

type memoryLease struct {
	once     sync.Once
	registry *MemoryRegistry
	id       string
	slot     *slot
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		<-l.slot.ch
		l.registry.drop(l.id, l.slot)
	})
	return nil
}
