package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/egbonrelu/certify/internal/model"
)

type storeDocument struct {
	Certificates []*model.ManagedCertificate `yaml:"certificates"`
}

// FileStore 基于 YAML 文件的记录存储，path 为空时只保存在内存中。
//
// 守护进程与命令行是不同的进程，共用同一个文件：每次操作都在 <path>.lock 上
// 加 flock，并在锁内重新读取文件，写入基于最新内容。
type FileStore struct {
	mu    sync.Mutex
	path  string
	items map[string]*model.ManagedCertificate
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *FileStore {
	return &FileStore{items: make(map[string]*model.ManagedCertificate)}
}

// OpenFileStore 打开（或新建）YAML 存储文件
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	s := &FileStore{path: path, items: make(map[string]*model.ManagedCertificate)}
	if err := s.withLock(unix.LOCK_SH, func() error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

// Get 获取记录
func (s *FileStore) Get(ctx context.Context, id string) (*model.ManagedCertificate, error) {
	var found *model.ManagedCertificate
	err := s.withLock(unix.LOCK_SH, func() error {
		mc, ok := s.items[id]
		if !ok {
			return ErrNotFound
		}
		found = mc.Clone()
		return nil
	})
	return found, err
}

// List 列出全部记录
func (s *FileStore) List(ctx context.Context) ([]*model.ManagedCertificate, error) {
	var items []*model.ManagedCertificate
	err := s.withLock(unix.LOCK_SH, func() error {
		items = make([]*model.ManagedCertificate, 0, len(s.items))
		for _, mc := range s.items {
			items = append(items, mc.Clone())
		}
		return nil
	})
	sortByName(items)
	return items, err
}

// Upsert 新增或覆盖记录
func (s *FileStore) Upsert(ctx context.Context, mc *model.ManagedCertificate) error {
	if mc == nil || mc.ID == "" {
		return fmt.Errorf("记录缺少 ID")
	}
	return s.withLock(unix.LOCK_EX, func() error {
		prev, existed := s.items[mc.ID]
		s.items[mc.ID] = mc.Clone()
		if err := s.flush(); err != nil {
			if existed {
				s.items[mc.ID] = prev
			} else {
				delete(s.items, mc.ID)
			}
			return err
		}
		return nil
	})
}

// Update 读-改-写单条记录
func (s *FileStore) Update(ctx context.Context, id string, fn func(mc *model.ManagedCertificate) error) error {
	return s.withLock(unix.LOCK_EX, func() error {
		prev, ok := s.items[id]
		if !ok {
			return ErrNotFound
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		s.items[id] = next
		if err := s.flush(); err != nil {
			s.items[id] = prev
			return err
		}
		return nil
	})
}

// Delete 删除记录
func (s *FileStore) Delete(ctx context.Context, id string) error {
	return s.withLock(unix.LOCK_EX, func() error {
		prev, ok := s.items[id]
		if !ok {
			return ErrNotFound
		}
		delete(s.items, id)
		if err := s.flush(); err != nil {
			s.items[id] = prev
			return err
		}
		return nil
	})
}

// withLock 持有进程内锁与文件锁，重新加载后执行 fn
func (s *FileStore) withLock(how int, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return fn()
	}

	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("打开存储锁文件失败: %w", err)
	}
	defer f.Close()

	if err := flock(f, how); err != nil {
		return fmt.Errorf("锁定存储文件失败: %w", err)
	}
	defer flock(f, unix.LOCK_UN)

	if err := s.reload(); err != nil {
		return err
	}
	return fn()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

// reload 调用方持有锁
func (s *FileStore) reload() error {
	items := make(map[string]*model.ManagedCertificate)

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.items = items
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取存储文件失败: %w", err)
	}

	var doc storeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("解析存储文件失败: %w", err)
	}
	for _, mc := range doc.Certificates {
		if mc != nil && mc.ID != "" {
			items[mc.ID] = mc
		}
	}
	s.items = items
	return nil
}

// flush 调用方持有锁
func (s *FileStore) flush() error {
	if s.path == "" {
		return nil
	}
	doc := storeDocument{Certificates: make([]*model.ManagedCertificate, 0, len(s.items))}
	for _, mc := range s.items {
		doc.Certificates = append(doc.Certificates, mc)
	}
	sortByName(doc.Certificates)

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("序列化存储失败: %w", err)
	}
	if err := WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("写入存储文件失败: %w", err)
	}
	return nil
}
