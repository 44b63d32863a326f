package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresConnectionRepo はPostgreSQLを使用した接続情報のリポジトリ。
type PostgresConnectionRepo struct {
	db DBTX
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db DBTX) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

// FindActive はLinkedUserのプロバイダーへの有効な接続を取得する。
// 複数存在する場合は最も新しい接続を返す。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindActive(ctx context.Context, linkedUserID, provider string, category model.Category) (*model.Connection, error) {
	c := &model.Connection{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, linked_user_id, project_id, provider, category, account_url, access_token, status, created_at
		 FROM connections
		 WHERE linked_user_id = $1 AND provider = $2 AND category = $3 AND status = $4
		 ORDER BY created_at DESC
		 LIMIT 1`,
		linkedUserID, provider, string(category), model.ConnectionStatusValid,
	).Scan(
		&c.ID, &c.LinkedUserID, &c.ProjectID, &c.Provider, &c.Category,
		&c.AccountURL, &c.AccessToken, &c.Status, &c.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("接続情報の取得に失敗しました: %w", err)
	}
	return c, nil
}

// compile-time interface check
var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)
