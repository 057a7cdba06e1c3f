package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// EnvDaemonized 标记进程是否已后台化
	EnvDaemonized = "CERTIFY_DAEMONIZED"

	stopPollInterval = 100 * time.Millisecond
	stopWait         = 3 * time.Second
)

// ErrNotRunning 守护进程未运行
var ErrNotRunning = errors.New("守护进程未运行")

// Daemon 守护进程管理器
type Daemon struct {
	PidFile    string
	LogFile    string
	ConfigPath string

	Out io.Writer // 面向用户的提示输出
}

// NewDaemon 创建守护进程管理器，PID 与日志文件放在配置文件同目录
func NewDaemon(configPath string) *Daemon {
	dir := filepath.Dir(configPath)
	if dir == "." {
		dir, _ = os.Getwd()
	}

	return &Daemon{
		PidFile:    filepath.Join(dir, "certify.pid"),
		LogFile:    filepath.Join(dir, "certify.log"),
		ConfigPath: configPath,
		Out:        os.Stdout,
	}
}

// Start 启动守护进程。当前进程已经是后台子进程时直接返回 nil，由调用方继续执行业务逻辑
func (d *Daemon) Start() error {
	if IsDaemonized() {
		return nil
	}
	if pid, running := d.IsRunning(); running {
		return fmt.Errorf("守护进程已在运行，PID: %d", pid)
	}
	return d.daemonize()
}

// daemonize 以新会话启动子进程，标准输出重定向到日志文件
func (d *Daemon) daemonize() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("获取可执行文件路径失败: %w", err)
	}

	logFile, err := os.OpenFile(d.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("无法打开日志文件 %s: %w", d.LogFile, err)
	}
	defer logFile.Close()

	cmd := exec.Command(executable, "--config", d.ConfigPath, "start")
	cmd.Env = append(os.Environ(), EnvDaemonized+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动守护进程失败: %w", err)
	}

	fmt.Fprintf(d.Out, "守护进程已启动，PID: %d\n", cmd.Process.Pid)
	fmt.Fprintf(d.Out, "日志文件: %s\n", d.LogFile)
	fmt.Fprintf(d.Out, "PID文件: %s\n", d.PidFile)
	return nil
}

// Stop 发送 SIGTERM，等待退出，超时后强制终止
func (d *Daemon) Stop(ctx context.Context) error {
	pid, running := d.IsRunning()
	if !running {
		return ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("找不到进程 %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("发送停止信号失败: %w", err)
	}
	fmt.Fprintf(d.Out, "已发送停止信号到进程 %d\n", pid)

	waitCtx, cancel := context.WithTimeout(ctx, stopWait)
	defer cancel()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, running := d.IsRunning(); !running {
				fmt.Fprintln(d.Out, "守护进程已停止")
				return nil
			}
		case <-waitCtx.Done():
			fmt.Fprintln(d.Out, "进程未响应，尝试强制终止...")
			if err := process.Signal(syscall.SIGKILL); err != nil {
				return fmt.Errorf("强制终止失败: %w", err)
			}
			d.RemovePid()
			fmt.Fprintln(d.Out, "守护进程已强制停止")
			return nil
		}
	}
}

// Restart 重启守护进程
func (d *Daemon) Restart(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("停止守护进程失败: %w", err)
	}
	return d.Start()
}

// Status 输出守护进程状态
func (d *Daemon) Status() {
	pid, running := d.IsRunning()
	if !running {
		fmt.Fprintln(d.Out, "守护进程未运行")
		return
	}
	fmt.Fprintf(d.Out, "守护进程运行中，PID: %d\n", pid)
	fmt.Fprintf(d.Out, "PID文件: %s\n", d.PidFile)
	fmt.Fprintf(d.Out, "日志文件: %s\n", d.LogFile)
}

// IsRunning 读取 PID 文件并用信号 0 检查进程是否存在
func (d *Daemon) IsRunning() (int, bool) {
	data, err := os.ReadFile(d.PidFile)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	return pid, process.Signal(syscall.Signal(0)) == nil
}

// WritePid 写入 PID 文件
func (d *Daemon) WritePid() error {
	return os.WriteFile(d.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePid 删除 PID 文件
func (d *Daemon) RemovePid() {
	_ = os.Remove(d.PidFile)
}

// IsDaemonized 当前进程是否是后台子进程
func IsDaemonized() bool {
	return os.Getenv(EnvDaemonized) == "1"
}
