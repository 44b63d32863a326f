// Package fieldmapping はテナントが定義したカスタムフィールドの定義と値を管理する。
package fieldmapping

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/repository"
)

// Store はカスタムフィールドの定義と値の保存を行う。
// トランザクション内ではトランザクションに束縛したリポジトリでStoreを生成して使う。
type Store struct {
	repo repository.FieldMappingRepository
	now  func() time.Time
}

// New はStoreを生成する。
func New(repo repository.FieldMappingRepository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// WithClock は現在時刻の取得関数を差し替えたStoreを返す。
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{repo: s.repo, now: now}
}

// Persist はレコードのカスタムフィールド値を保存する。
// 定義が存在しないslugは定義を作成してから値を書き込む。値は(定義, レコード)ごとに1件へ上書きされる。
func (s *Store) Persist(ctx context.Context, projectID string, key model.ResourceKey, recordID string, values model.FieldMappings) error {
	if len(values) == 0 {
		return nil
	}

	// 同じ定義行へのロック順序を揃えるためslug順に処理する
	slugs := make([]string, 0, len(values))
	for slug := range values {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	now := s.now().UTC()
	for _, slug := range slugs {
		def, err := s.repo.EnsureDefinition(ctx, projectID, key, slug)
		if err != nil {
			return err
		}
		err = s.repo.UpsertValue(ctx, &model.FieldMappingValue{
			ID:           uuid.New().String(),
			DefinitionID: def.ID,
			Slug:         slug,
			RecordID:     recordID,
			Value:        values[slug],
			CreatedAt:    now,
			ModifiedAt:   now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoteDefs はプロバイダーに渡すslugと属性名の組を返す。
func (s *Store) RemoteDefs(ctx context.Context, projectID string, key model.ResourceKey, provider string) ([]model.FieldMappingRemote, error) {
	defs, err := s.repo.ListRemote(ctx, projectID, key, provider)
	if err != nil {
		return nil, fmt.Errorf("カスタムフィールド対応の取得に失敗しました: %w", err)
	}
	return defs, nil
}

// Define はカスタムフィールドを定義し、プロバイダー側の属性名を紐付ける。
// 既に定義済みのslugは再利用し、属性名のみ上書きする。
func (s *Store) Define(ctx context.Context, projectID string, key model.ResourceKey, slug, provider, remoteField string) (*model.FieldMappingDefinition, error) {
	if slug == "" || provider == "" || remoteField == "" {
		return nil, fmt.Errorf("slug, provider, remote_field は必須です")
	}
	def, err := s.repo.EnsureDefinition(ctx, projectID, key, slug)
	if err != nil {
		return nil, err
	}
	if err := s.repo.LinkRemoteField(ctx, def.ID, provider, remoteField); err != nil {
		return nil, err
	}
	return def, nil
}

// Values はレコードに紐づくカスタムフィールド値をslugをキーにして返す。
func (s *Store) Values(ctx context.Context, recordID string) (model.FieldMappings, error) {
	vals, err := s.repo.ListValuesByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	out := make(model.FieldMappings, len(vals))
	for _, v := range vals {
		out[v.Slug] = v.Value
	}
	return out, nil
}
