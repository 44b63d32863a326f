package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresScopeRepo はPostgreSQLを使用した同期スコープのリポジトリ。
type PostgresScopeRepo struct {
	db DBTX
}

// NewPostgresScopeRepo はPostgresScopeRepoを生成する。
func NewPostgresScopeRepo(db DBTX) *PostgresScopeRepo {
	return &PostgresScopeRepo{db: db}
}

// ListLinkedUsers はユーザー → プロジェクト → LinkedUserの順に辿った一覧を返す。
// userIDが空でない場合はそのユーザーのプロジェクト配下に絞り込む。
func (r *PostgresScopeRepo) ListLinkedUsers(ctx context.Context, userID string) ([]model.LinkedUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT lu.id, lu.project_id, p.user_id, lu.origin_id
		 FROM users u
		 INNER JOIN projects p ON p.user_id = u.id
		 INNER JOIN linked_users lu ON lu.project_id = p.id
		 WHERE ($1 = '' OR u.id::text = $1)
		 ORDER BY u.created_at ASC, p.created_at ASC, lu.created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("LinkedUser一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []model.LinkedUser
	for rows.Next() {
		var lu model.LinkedUser
		if err := rows.Scan(&lu.ID, &lu.ProjectID, &lu.UserID, &lu.OriginID); err != nil {
			return nil, fmt.Errorf("LinkedUserの読み取りに失敗しました: %w", err)
		}
		users = append(users, lu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LinkedUser一覧の走査に失敗しました: %w", err)
	}

	return users, nil
}

// FindLinkedUser は指定IDのLinkedUserを取得する。見つからない場合はnilを返す。
func (r *PostgresScopeRepo) FindLinkedUser(ctx context.Context, id string) (*model.LinkedUser, error) {
	lu := &model.LinkedUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT lu.id, lu.project_id, p.user_id, lu.origin_id
		 FROM linked_users lu
		 INNER JOIN projects p ON p.id = lu.project_id
		 WHERE lu.id = $1`,
		id,
	).Scan(&lu.ID, &lu.ProjectID, &lu.UserID, &lu.OriginID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LinkedUserの取得に失敗しました: %w", err)
	}
	return lu, nil
}

// compile-time interface check
var _ ScopeRepository = (*PostgresScopeRepo)(nil)
