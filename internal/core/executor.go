package core

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/model"
)

// Executor 命令执行器
type Executor struct {
	logger *zap.Logger
}

// NewExecutor 创建执行器
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger}
}

// RunCommand 替换变量后通过 sh -c 执行命令
func (e *Executor) RunCommand(ctx context.Context, command string, vars map[string]string) error {
	if command == "" {
		return nil
	}

	// 替换命令中的变量
	for key, value := range vars {
		command = strings.ReplaceAll(command, "${"+key+"}", value)
	}

	e.logger.Info("执行命令", zap.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("执行命令失败: %w (%s)", err, strings.TrimSpace(string(output)))
	}

	e.logger.Info("命令执行成功", zap.String("output", strings.TrimSpace(string(output))))
	return nil
}

// commandVars 后置命令与部署重载命令可用的变量
func commandVars(domain string, a *model.CertificateArtifact) map[string]string {
	return map[string]string{
		"DOMAIN":         domain,
		"CERT_DIR":       filepath.Dir(a.Path),
		"CERT_FILE":      a.Path,
		"KEY_FILE":       a.KeyPath,
		"FULLCHAIN_FILE": a.FullchainPath,
	}
}
