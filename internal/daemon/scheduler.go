package daemon

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job 定时执行的任务
type Job func(ctx context.Context) error

// Scheduler 按 cron 表达式执行续期检查，上一轮未结束时跳过本轮
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	job    Job
	logger *zap.Logger
}

// NewScheduler 创建调度器，spec 为标准五段式表达式，也支持 @daily 等描述符
func NewScheduler(spec string, job Job, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("无效的调度表达式 %q: %w", spec, err)
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec:   spec,
		job:    job,
		logger: logger,
	}, nil
}

// Run 立即执行一次，然后按计划执行，直到 ctx 取消。返回前等待正在运行的任务结束。
func (s *Scheduler) Run(ctx context.Context) error {
	s.runOnce(ctx)

	if _, err := s.cron.AddFunc(s.spec, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("调度器已启动", zap.String("schedule", s.spec))

	<-ctx.Done()
	s.logger.Info("调度器正在退出，等待当前任务结束")
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.job(ctx); err != nil {
		s.logger.Error("定时检查出错", zap.Error(err))
	}
}

// cronLogger 将 cron 的日志接到 zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
