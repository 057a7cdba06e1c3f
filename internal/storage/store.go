package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/egbonrelu/certify/internal/model"
)

var (
	// ErrNotFound 托管证书不存在
	ErrNotFound = errors.New("managed certificate not found")
	// ErrCorruptRecord 记录存在但内容无法还原
	ErrCorruptRecord = errors.New("managed certificate record is corrupt")
)

// Store 托管证书记录存储
//
// Update 在存储内部完成读-改-写，fn 收到的是副本；记录不存在时返回 ErrNotFound。
type Store interface {
	Get(ctx context.Context, id string) (*model.ManagedCertificate, error)
	List(ctx context.Context) ([]*model.ManagedCertificate, error)
	Upsert(ctx context.Context, mc *model.ManagedCertificate) error
	Update(ctx context.Context, id string, fn func(mc *model.ManagedCertificate) error) error
	Delete(ctx context.Context, id string) error
}

func sortByName(items []*model.ManagedCertificate) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})
}
