package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// TxManager はトランザクションの開始・コミット・ロールバックを管理する。
type TxManager struct {
	db TxBeginner
}

// NewTxManager はTxManagerを生成する。
func NewTxManager(db TxBeginner) *TxManager {
	return &TxManager{db: db}
}

// WithinTx はfnをトランザクション内で実行する。
// fnがエラーを返した場合やパニックした場合はロールバックし、それ以外はコミットする。
func (m *TxManager) WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
