package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresRemoteDataRepo はPostgreSQLを使用した生ペイロードのリポジトリ。
type PostgresRemoteDataRepo struct {
	db DBTX
}

// NewPostgresRemoteDataRepo はPostgresRemoteDataRepoを生成する。
func NewPostgresRemoteDataRepo(db DBTX) *PostgresRemoteDataRepo {
	return &PostgresRemoteDataRepo{db: db}
}

// Upsert はレコードのスナップショットを丸ごと上書きする。履歴は保持しない。
func (r *PostgresRemoteDataRepo) Upsert(ctx context.Context, s *model.RemoteDataSnapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO remote_data (id_record, category, resource_type, payload, modified_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id_record) DO UPDATE SET
		    payload = EXCLUDED.payload,
		    modified_at = EXCLUDED.modified_at`,
		s.RecordID, string(s.Key.Category), string(s.Key.ResourceType), []byte(s.Payload), s.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("生データの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByRecordID はスナップショットを取得する。見つからない場合はnilを返す。
func (r *PostgresRemoteDataRepo) FindByRecordID(ctx context.Context, recordID string) (*model.RemoteDataSnapshot, error) {
	s := &model.RemoteDataSnapshot{}
	var category, resourceType string
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id_record, category, resource_type, payload, modified_at FROM remote_data WHERE id_record = $1`,
		recordID,
	).Scan(&s.RecordID, &category, &resourceType, &payload, &s.ModifiedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("生データの取得に失敗しました: %w", err)
	}

	s.Key = model.ResourceKey{Category: model.Category(category), ResourceType: model.ResourceType(resourceType)}
	s.Payload = payload
	return s, nil
}

// compile-time interface check
var _ RemoteDataRepository = (*PostgresRemoteDataRepo)(nil)
