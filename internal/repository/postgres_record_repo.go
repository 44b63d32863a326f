package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/syncman/internal/model"
)

// recordTable はリソーステーブルごとの固有カラムとマッピング。
// 共通カラム(id, remote_id, id_connection, created_at, modified_at)は含まない。
type recordTable[R any] struct {
	name string
	// naturalKey はremote_idを持たないレコードを照合するカラム。空の場合は照合しない。
	naturalKey string
	columns    []string
	newRecord  func() R
	meta       func(R) *model.RecordMeta
	values     func(R) []any
	dest       func(R) []any
}

// PostgresRecordRepo はPostgreSQLを使用した正規化レコードのリポジトリ。
// 1つの実装で全リソーステーブルを扱う。
type PostgresRecordRepo[R any] struct {
	db    DBTX
	table *recordTable[R]
}

// NewPostgresJobRepo はats_jobsテーブルのリポジトリを生成する。
func NewPostgresJobRepo(db DBTX) *PostgresRecordRepo[*model.UnifiedJob] {
	return &PostgresRecordRepo[*model.UnifiedJob]{db: db, table: jobTable}
}

// NewPostgresDriveRepo はfilestorage_drivesテーブルのリポジトリを生成する。
func NewPostgresDriveRepo(db DBTX) *PostgresRecordRepo[*model.UnifiedDrive] {
	return &PostgresRecordRepo[*model.UnifiedDrive]{db: db, table: driveTable}
}

// NewPostgresCustomerRepo はecommerce_customersテーブルのリポジトリを生成する。
func NewPostgresCustomerRepo(db DBTX) *PostgresRecordRepo[*model.UnifiedCustomer] {
	return &PostgresRecordRepo[*model.UnifiedCustomer]{db: db, table: customerTable}
}

// NewPostgresContactRepo はticketing_contactsテーブルのリポジトリを生成する。
func NewPostgresContactRepo(db DBTX) *PostgresRecordRepo[*model.UnifiedContact] {
	return &PostgresRecordRepo[*model.UnifiedContact]{db: db, table: contactTable}
}

var jobTable = &recordTable[*model.UnifiedJob]{
	name: "ats_jobs",
	columns: []string{
		"name", "description", "code", "status", "type", "confidential",
		"departments", "offices", "managers", "recruiters",
		"remote_created_at", "remote_updated_at",
	},
	newRecord: func() *model.UnifiedJob { return &model.UnifiedJob{} },
	meta:      func(j *model.UnifiedJob) *model.RecordMeta { return &j.RecordMeta },
	values: func(j *model.UnifiedJob) []any {
		return []any{
			j.Name, j.Description, j.Code, string(j.Status), j.Type, j.Confidential,
			pq.Array(nonNilStrings(j.Departments)), pq.Array(nonNilStrings(j.Offices)),
			pq.Array(nonNilStrings(j.Managers)), pq.Array(nonNilStrings(j.Recruiters)),
			j.RemoteCreatedAt, j.RemoteUpdatedAt,
		}
	},
	dest: func(j *model.UnifiedJob) []any {
		return []any{
			&j.Name, &j.Description, &j.Code, &j.Status, &j.Type, &j.Confidential,
			pq.Array(&j.Departments), pq.Array(&j.Offices),
			pq.Array(&j.Managers), pq.Array(&j.Recruiters),
			&j.RemoteCreatedAt, &j.RemoteUpdatedAt,
		}
	},
}

var driveTable = &recordTable[*model.UnifiedDrive]{
	name:      "filestorage_drives",
	columns:   []string{"name", "drive_url", "remote_created_at"},
	newRecord: func() *model.UnifiedDrive { return &model.UnifiedDrive{} },
	meta:      func(d *model.UnifiedDrive) *model.RecordMeta { return &d.RecordMeta },
	values:    func(d *model.UnifiedDrive) []any { return []any{d.Name, d.DriveURL, d.RemoteCreatedAt} },
	dest:      func(d *model.UnifiedDrive) []any { return []any{&d.Name, &d.DriveURL, &d.RemoteCreatedAt} },
}

var customerTable = &recordTable[*model.UnifiedCustomer]{
	name:       "ecommerce_customers",
	naturalKey: "name",
	columns:    []string{"name", "email", "phone_number"},
	newRecord:  func() *model.UnifiedCustomer { return &model.UnifiedCustomer{} },
	meta:       func(c *model.UnifiedCustomer) *model.RecordMeta { return &c.RecordMeta },
	values:     func(c *model.UnifiedCustomer) []any { return []any{c.Name, c.Email, c.PhoneNumber} },
	dest:       func(c *model.UnifiedCustomer) []any { return []any{&c.Name, &c.Email, &c.PhoneNumber} },
}

var contactTable = &recordTable[*model.UnifiedContact]{
	name:      "ticketing_contacts",
	columns:   []string{"name", "email_address", "phone_number", "details"},
	newRecord: func() *model.UnifiedContact { return &model.UnifiedContact{} },
	meta:      func(c *model.UnifiedContact) *model.RecordMeta { return &c.RecordMeta },
	values: func(c *model.UnifiedContact) []any {
		return []any{c.Name, c.EmailAddress, c.PhoneNumber, c.Details}
	},
	dest: func(c *model.UnifiedContact) []any {
		return []any{&c.Name, &c.EmailAddress, &c.PhoneNumber, &c.Details}
	},
}

func (r *PostgresRecordRepo[R]) selectSQL(where string) string {
	return fmt.Sprintf(
		`SELECT id, remote_id, id_connection, created_at, modified_at, %s FROM %s WHERE %s`,
		strings.Join(r.table.columns, ", "), r.table.name, where,
	)
}

func (r *PostgresRecordRepo[R]) findOne(ctx context.Context, query string, args ...any) (R, bool, error) {
	rec := r.table.newRecord()
	meta := r.table.meta(rec)
	var remoteID sql.NullString

	dest := append([]any{&meta.ID, &remoteID, &meta.ConnectionID, &meta.CreatedAt, &meta.ModifiedAt}, r.table.dest(rec)...)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(dest...)

	var zero R
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("%s の取得に失敗しました: %w", r.table.name, err)
	}

	meta.RemoteID = nullStringValue(remoteID)
	return rec, true, nil
}

// FindByRemoteID は(id_connection, remote_id)でレコードを検索する。
func (r *PostgresRecordRepo[R]) FindByRemoteID(ctx context.Context, connectionID, remoteID string) (R, bool, error) {
	return r.findOne(ctx, r.selectSQL("id_connection = $1 AND remote_id = $2"), connectionID, remoteID)
}

// FindByNaturalKey はremote_idを持たないレコードを自然キーで検索する。
// 自然キーを持たないテーブルでは常に見つからない。
func (r *PostgresRecordRepo[R]) FindByNaturalKey(ctx context.Context, connectionID, key string) (R, bool, error) {
	if r.table.naturalKey == "" {
		var zero R
		return zero, false, nil
	}
	where := fmt.Sprintf("id_connection = $1 AND remote_id IS NULL AND %s = $2 ORDER BY created_at ASC LIMIT 1", r.table.naturalKey)
	return r.findOne(ctx, r.selectSQL(where), connectionID, key)
}

// Create はレコードを作成する。IDと作成日時は呼び出し側で設定する。
func (r *PostgresRecordRepo[R]) Create(ctx context.Context, record R) error {
	meta := r.table.meta(record)
	cols := append([]string{"id", "remote_id", "id_connection", "created_at", "modified_at"}, r.table.columns...)
	args := append([]any{meta.ID, nullString(meta.RemoteID), meta.ConnectionID, meta.CreatedAt, meta.ModifiedAt}, r.table.values(record)...)

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.table.name, strings.Join(cols, ", "), placeholders(1, len(cols)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s の作成に失敗しました: %w", r.table.name, err)
	}
	return nil
}

// Update は正規化フィールドとmodified_atを上書きする。created_atは変更しない。
func (r *PostgresRecordRepo[R]) Update(ctx context.Context, record R) error {
	meta := r.table.meta(record)
	sets := []string{"remote_id = $2", "modified_at = $3"}
	for i, col := range r.table.columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+4))
	}
	args := append([]any{meta.ID, nullString(meta.RemoteID), meta.ModifiedAt}, r.table.values(record)...)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, r.table.name, strings.Join(sets, ", "))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s の更新に失敗しました: %w", r.table.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s の更新対象が存在しません: %s", r.table.name, meta.ID)
	}
	return nil
}

// placeholders は "$from, $from+1, ..." 形式のプレースホルダをn個生成する。
func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// compile-time interface check
var (
	_ RecordRepository[*model.UnifiedJob]      = (*PostgresRecordRepo[*model.UnifiedJob])(nil)
	_ RecordRepository[*model.UnifiedDrive]    = (*PostgresRecordRepo[*model.UnifiedDrive])(nil)
	_ RecordRepository[*model.UnifiedCustomer] = (*PostgresRecordRepo[*model.UnifiedCustomer])(nil)
	_ RecordRepository[*model.UnifiedContact]  = (*PostgresRecordRepo[*model.UnifiedContact])(nil)
)
