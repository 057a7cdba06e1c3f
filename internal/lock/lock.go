// Package lock 保证同一托管证书同一时间只有一次签发在运行。
package lock

import (
	"context"
	"errors"
)

// ErrAlreadyInProgress 该证书已有运行在进行
var ErrAlreadyInProgress = errors.New("request already in progress")

// Lease 持有的锁，Release 可重复调用
type Lease interface {
	Release(ctx context.Context) error
}

// Registry 按托管证书 ID 加锁
type Registry interface {
	// TryAcquire 立即返回，被占用时返回 ErrAlreadyInProgress
	TryAcquire(ctx context.Context, id string) (Lease, error)
	// Acquire 排队等待，直到获得锁或 ctx 结束
	Acquire(ctx context.Context, id string) (Lease, error)
}
