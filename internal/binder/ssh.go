package binder

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// SSHDeployer 通过 SFTP 上传到远程主机并执行重载命令
type SSHDeployer struct {
	logger *zap.Logger
}

// NewSSHDeployer 创建远程部署
func NewSSHDeployer(logger *zap.Logger) *SSHDeployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHDeployer{logger: logger}
}

// Deploy 上传证书文件
func (d *SSHDeployer) Deploy(ctx context.Context, site *config.SiteConfig, bundle *provider.CertificateBundle) error {
	if site.Dir == "" {
		return fmt.Errorf("站点 %s 未配置远程目录", site.Name)
	}

	client, err := d.dial(ctx, site)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("创建 SFTP 客户端失败: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(site.Dir); err != nil {
		return fmt.Errorf("创建远程目录失败: %w", err)
	}

	files := []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{CertFileName, bundle.Certificate, 0o644},
		{FullchainFileName, bundle.Fullchain, 0o644},
		{KeyFileName, bundle.PrivateKey, 0o600},
	}
	for _, f := range files {
		if f.content == "" {
			continue
		}
		if err := uploadFile(sftpClient, path.Join(site.Dir, f.name), []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("上传 %s 失败: %w", f.name, err)
		}
	}
	d.logger.Info("证书文件上传成功", zap.String("host", site.Host), zap.String("dir", site.Dir))

	if site.ReloadCommand == "" {
		return nil
	}
	command := expandVars(site.ReloadCommand, map[string]string{
		"DOMAIN":         bundle.Domain,
		"CERT_DIR":       site.Dir,
		"CERT_FILE":      path.Join(site.Dir, CertFileName),
		"KEY_FILE":       path.Join(site.Dir, KeyFileName),
		"FULLCHAIN_FILE": path.Join(site.Dir, FullchainFileName),
	})
	output, err := runRemote(client, command)
	if err != nil {
		return fmt.Errorf("执行远程重载命令失败: %w (%s)", err, output)
	}
	d.logger.Info("远程重载命令执行成功", zap.String("host", site.Host), zap.String("output", output))
	return nil
}

func (d *SSHDeployer) dial(ctx context.Context, site *config.SiteConfig) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if site.PrivateKeyPath != "" {
		key, err := os.ReadFile(site.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("读取 SSH 私钥失败: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("解析 SSH 私钥失败: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if site.Password != "" {
		auth = append(auth, ssh.Password(site.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("站点 %s 未配置 SSH 认证方式", site.Name)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if site.KnownHostsPath != "" {
		cb, err := knownhosts.New(site.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("读取 known_hosts 失败: %w", err)
		}
		hostKeyCallback = cb
	} else {
		d.logger.Warn("未配置 known_hosts，不校验主机密钥", zap.String("host", site.Host))
	}

	port := site.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(site.Host, strconv.Itoa(port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接 SSH 服务器失败: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            site.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH 握手失败: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func uploadFile(client *sftp.Client, remotePath string, content []byte, perm os.FileMode) error {
	tmp := remotePath + ".tmp"
	file, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建远程文件失败: %w", err)
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		return fmt.Errorf("写入远程文件失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := client.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("设置远程文件权限失败: %w", err)
	}
	return client.PosixRename(tmp, remotePath)
}

func runRemote(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("创建 SSH 会话失败: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	return strings.TrimSpace(string(output)), err
}

func expandVars(command string, vars map[string]string) string {
	for key, value := range vars {
		command = strings.ReplaceAll(command, "${"+key+"}", value)
	}
	return command
}
