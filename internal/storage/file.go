package storage

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/provider"
)

// FileStorage 证书文件存储，每个证书一个目录
type FileStorage struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileStorage 创建文件存储
func NewFileStorage(baseDir string, logger *zap.Logger) *FileStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStorage{baseDir: baseDir, logger: logger}
}

// SaveCertificate 保存证书到文件，返回证书引用
func (s *FileStorage) SaveCertificate(domain string, cert *provider.CertificateBundle) (*model.CertificateArtifact, error) {
	if cert == nil || cert.Certificate == "" {
		return nil, fmt.Errorf("证书内容为空")
	}

	leaf, err := certcrypto.ParsePEMCertificate([]byte(cert.Certificate))
	if err != nil {
		return nil, fmt.Errorf("解析证书失败: %w", err)
	}

	outputDir := s.GetCertDir(domain)

	// 创建输出目录
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建目录失败: %w", err)
	}

	artifact := &model.CertificateArtifact{
		Path:      s.GetCertPath(domain),
		Domains:   certDomains(leaf),
		NotBefore: leaf.NotBefore.UTC(),
		NotAfter:  leaf.NotAfter.UTC(),
	}

	files := []pendingFile{}
	if cert.PrivateKey != "" {
		artifact.KeyPath = s.GetKeyPath(domain)
		files = append(files, pendingFile{path: artifact.KeyPath, data: []byte(cert.PrivateKey), perm: 0o600})
	} else {
		s.logger.Warn("私钥不可用", zap.String("domain", domain))
	}
	files = append(files, pendingFile{path: artifact.Path, data: []byte(cert.Certificate), perm: 0o644})

	chain := cert.Fullchain
	if chain == "" {
		chain = cert.Certificate + cert.Chain
	}
	artifact.FullchainPath = s.GetFullchainPath(domain)
	files = append(files, pendingFile{path: artifact.FullchainPath, data: []byte(chain), perm: 0o644})

	// 私钥、证书、证书链作为一组替换，任何一步失败都保留旧文件
	if err := replaceFiles(files); err != nil {
		return nil, fmt.Errorf("保存证书失败: %w", err)
	}

	s.logger.Info("证书已保存",
		zap.String("dir", outputDir),
		zap.Time("not_after", artifact.NotAfter),
	)
	return artifact, nil
}

// ReadBundle 读取证书文件，用于部署
func ReadBundle(artifact *model.CertificateArtifact) (*provider.CertificateBundle, error) {
	if artifact == nil {
		return nil, fmt.Errorf("证书引用为空")
	}
	cert, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("读取证书失败: %w", err)
	}
	bundle := &provider.CertificateBundle{
		Certificate: string(cert),
		Fullchain:   string(cert),
		NotAfter:    artifact.NotAfter,
	}
	if len(artifact.Domains) > 0 {
		bundle.Domain = artifact.Domains[0]
	}
	if artifact.FullchainPath != "" {
		if full, err := os.ReadFile(artifact.FullchainPath); err == nil {
			bundle.Fullchain = string(full)
			bundle.Chain = strings.TrimPrefix(string(full), string(cert))
		}
	}
	if artifact.KeyPath != "" {
		key, err := os.ReadFile(artifact.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		bundle.PrivateKey = string(key)
	}
	return bundle, nil
}

// GetCertDir 获取证书目录
func (s *FileStorage) GetCertDir(domain string) string {
	return filepath.Join(s.baseDir, dirName(domain))
}

// GetCertPath 获取证书路径
func (s *FileStorage) GetCertPath(domain string) string {
	return filepath.Join(s.GetCertDir(domain), "cert.pem")
}

// GetKeyPath 获取私钥路径
func (s *FileStorage) GetKeyPath(domain string) string {
	return filepath.Join(s.GetCertDir(domain), "key.pem")
}

// GetFullchainPath 获取完整证书链路径
func (s *FileStorage) GetFullchainPath(domain string) string {
	return filepath.Join(s.GetCertDir(domain), "fullchain.pem")
}

// dirName 通配符域名 *.example.com 保存到 _.example.com
func dirName(domain string) string {
	name := strings.ToLower(strings.TrimSpace(domain))
	name = strings.ReplaceAll(name, "*", "_")
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
}

func certDomains(cert *x509.Certificate) []string {
	domains := append([]string(nil), cert.DNSNames...)
	if len(domains) == 0 && cert.Subject.CommonName != "" {
		domains = []string{cert.Subject.CommonName}
	}
	return domains
}

// WriteFileAtomic 先写临时文件再重命名，读者不会看到半截内容
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpName, err := stageFile(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// renameFile 测试中替换以模拟重命名失败
var renameFile = os.Rename

type pendingFile struct {
	path string
	data []byte
	perm os.FileMode

	tmp  string
	prev []byte // nil 表示原先不存在
	done bool
}

// replaceFiles 先写好全部临时文件再依次重命名；重命名中途失败时恢复已替换的文件
func replaceFiles(files []pendingFile) (err error) {
	defer func() {
		for i := range files {
			if files[i].tmp != "" && !files[i].done {
				os.Remove(files[i].tmp)
			}
		}
	}()

	for i := range files {
		f := &files[i]
		if f.tmp, err = stageFile(f.path, f.data, f.perm); err != nil {
			return err
		}
		if old, readErr := os.ReadFile(f.path); readErr == nil {
			f.prev = old
		} else if !os.IsNotExist(readErr) {
			return readErr
		}
	}

	for i := range files {
		f := &files[i]
		if err = renameFile(f.tmp, f.path); err != nil {
			rollback(files[:i])
			return err
		}
		f.done = true
	}
	return nil
}

func rollback(files []pendingFile) {
	for _, f := range files {
		if f.prev == nil {
			os.Remove(f.path)
			continue
		}
		_ = WriteFileAtomic(f.path, f.prev, f.perm)
	}
}

// stageFile 在目标目录写入临时文件并返回其路径
func stageFile(path string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, perm)
	}
	if err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}
