package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerRejectsInvalidSpec(t *testing.T) {
	_, err := NewScheduler("every day", func(context.Context) error { return nil }, nil)
	assert.Error(t, err)

	_, err = NewScheduler("@daily", func(context.Context) error { return nil }, nil)
	assert.NoError(t, err)
}

func TestSchedulerRunsImmediatelyAndStops(t *testing.T) {
	var runs atomic.Int32
	s, err := NewScheduler("0 3 * * *", func(context.Context) error {
		runs.Add(1)
		return errors.New("失败也继续调度")
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("调度器没有退出")
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerSkipsWhenCancelled(t *testing.T) {
	var runs atomic.Int32
	s, err := NewScheduler("@hourly", func(context.Context) error {
		runs.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, runs.Load())
}
