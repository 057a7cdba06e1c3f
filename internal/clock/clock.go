// Package clock 提供可替换的时间源，轮询与退避等待都通过它进行，测试中使用虚拟时间。
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock 时间源
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real 系统时钟
type Real struct{}

// Now 当前时间
func (Real) Now() time.Time { return time.Now() }

// After 等待 d 后触发
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep 可取消的等待，ctx 取消时返回 ctx.Err()
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Fake 自动推进的虚拟时钟：每次 After 调用立即把时间向前推进 d 并触发
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	start time.Time
	waits []time.Duration
}

// NewFake 创建虚拟时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, start: start}
}

// Now 当前虚拟时间
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After 推进虚拟时间并返回已就绪的通道
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.waits = append(f.waits, d)
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance 手动推进时间
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Elapsed 自创建以来经过的虚拟时间
func (f *Fake) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Sub(f.start)
}

// Waits 记录的每次等待时长
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}
