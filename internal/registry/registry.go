// Package registry はリソースキーから同期サービスを解決するレジストリを提供する。
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hitoshi/syncman/internal/model"
)

// SyncService は1リソース種別の同期処理。LinkedUser × プロバイダー1組分を同期する。
type SyncService interface {
	Key() model.ResourceKey
	SyncForLinkedUser(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error)
}

// ErrRegistryFrozen は起動完了後に登録しようとした場合のエラー。
var ErrRegistryFrozen = errors.New("レジストリは凍結済みです")

// Registry はリソースキーごとの同期サービスを保持する。
// 起動時に1度だけ登録し、Freeze後は読み取り専用として並行に参照される。
type Registry struct {
	mu       sync.RWMutex
	services map[model.ResourceKey]SyncService
	frozen   bool
}

// New は空のRegistryを生成する。
func New() *Registry {
	return &Registry{services: make(map[model.ResourceKey]SyncService)}
}

// Register は同期サービスを登録する。同じキーの二重登録はエラーになる。
func (r *Registry) Register(key model.ResourceKey, svc SyncService) error {
	if svc == nil {
		return fmt.Errorf("%s の同期サービスがnilです", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.services[key]; exists {
		return fmt.Errorf("%s は既に登録されています", key)
	}
	r.services[key] = svc
	return nil
}

// Freeze は以降の登録を禁止する。
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve はキーに対応する同期サービスを返す。未登録の場合は*model.NotFoundErrorを返す。
func (r *Registry) Resolve(key model.ResourceKey) (SyncService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[key]
	if !ok {
		return nil, &model.NotFoundError{Kind: "sync service", Key: key.String()}
	}
	return svc, nil
}

// Keys は登録済みのキーを文字列順で返す。
func (r *Registry) Keys() []model.ResourceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]model.ResourceKey, 0, len(r.services))
	for k := range r.services {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
