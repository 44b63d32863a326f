package repository

import (
	"context"
	"database/sql"
)

// Stores は1つのトランザクションに束縛されたリポジトリの組。
// 同じStoresを通した書き込みは全て同時にコミットまたはロールバックされる。
type Stores[R any] struct {
	Records       RecordRepository[R]
	FieldMappings FieldMappingRepository
	RemoteData    RemoteDataRepository
}

// UnitOfWork はレコード・カスタムフィールド値・スナップショットを1トランザクションで書き込む。
type UnitOfWork[R any] interface {
	// Read はトランザクション外の参照用Storesを返す。
	Read() Stores[R]

	// WithinTx はfnをトランザクション内で実行する。fnがエラーを返すと全ての書き込みが破棄される。
	WithinTx(ctx context.Context, fn func(s Stores[R]) error) error
}

// PostgresUnitOfWork はTxManagerを使用したUnitOfWorkの実装。
type PostgresUnitOfWork[R any] struct {
	db      *sql.DB
	tm      *TxManager
	records func(db DBTX) RecordRepository[R]
}

// NewPostgresUnitOfWork はPostgresUnitOfWorkを生成する。
// recordsにはDBTXからリソース種別のリポジトリを生成する関数を渡す。
func NewPostgresUnitOfWork[R any](db *sql.DB, records func(db DBTX) RecordRepository[R]) *PostgresUnitOfWork[R] {
	return &PostgresUnitOfWork[R]{
		db:      db,
		tm:      NewTxManager(db),
		records: records,
	}
}

func (u *PostgresUnitOfWork[R]) stores(db DBTX) Stores[R] {
	return Stores[R]{
		Records:       u.records(db),
		FieldMappings: NewPostgresFieldMappingRepo(db),
		RemoteData:    NewPostgresRemoteDataRepo(db),
	}
}

// Read はトランザクション外の参照用Storesを返す。
func (u *PostgresUnitOfWork[R]) Read() Stores[R] {
	return u.stores(u.db)
}

// WithinTx はfnを1つのトランザクション内で実行する。
func (u *PostgresUnitOfWork[R]) WithinTx(ctx context.Context, fn func(s Stores[R]) error) error {
	return u.tm.WithinTx(ctx, func(tx *sql.Tx) error {
		return fn(u.stores(tx))
	})
}
