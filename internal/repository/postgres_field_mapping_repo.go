package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/syncman/internal/model"
)

// PostgresFieldMappingRepo はPostgreSQLを使用したカスタムフィールドのリポジトリ。
type PostgresFieldMappingRepo struct {
	db DBTX
}

// NewPostgresFieldMappingRepo はPostgresFieldMappingRepoを生成する。
func NewPostgresFieldMappingRepo(db DBTX) *PostgresFieldMappingRepo {
	return &PostgresFieldMappingRepo{db: db}
}

// EnsureDefinition は定義をINSERT ON CONFLICT DO NOTHINGで作成し、既存または新規の行を返す。
// 同時に2つのタスクが同じslugを作成しても一意制約により1件に収束する。
func (r *PostgresFieldMappingRepo) EnsureDefinition(ctx context.Context, projectID string, key model.ResourceKey, slug string) (*model.FieldMappingDefinition, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO field_mapping_definitions (id, project_id, category, resource_type, slug, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (project_id, category, resource_type, slug) DO NOTHING`,
		uuid.New().String(), projectID, string(key.Category), string(key.ResourceType), slug, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("フィールド定義の作成に失敗しました: %w", err)
	}

	def := &model.FieldMappingDefinition{Key: key}
	err = r.db.QueryRowContext(ctx,
		`SELECT id, project_id, slug, created_at
		 FROM field_mapping_definitions
		 WHERE project_id = $1 AND category = $2 AND resource_type = $3 AND slug = $4`,
		projectID, string(key.Category), string(key.ResourceType), slug,
	).Scan(&def.ID, &def.ProjectID, &def.Slug, &def.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("フィールド定義の取得に失敗しました: %w", err)
	}
	return def, nil
}

// UpsertValue は(id_definition, id_record)の値をINSERT ON CONFLICTで作成または上書きする。
func (r *PostgresFieldMappingRepo) UpsertValue(ctx context.Context, v *model.FieldMappingValue) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO field_mapping_values (id, id_definition, id_record, value, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id_definition, id_record) DO UPDATE SET
		    value = EXCLUDED.value,
		    modified_at = EXCLUDED.modified_at`,
		v.ID, v.DefinitionID, v.RecordID, []byte(v.Value), v.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("フィールド値の保存に失敗しました: %w", err)
	}
	return nil
}

// LinkRemoteField は定義とプロバイダー側の属性名の対応を作成または上書きする。
func (r *PostgresFieldMappingRepo) LinkRemoteField(ctx context.Context, definitionID, provider, remoteField string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO field_mapping_links (id, id_definition, provider, remote_field, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id_definition, provider) DO UPDATE SET remote_field = EXCLUDED.remote_field`,
		uuid.New().String(), definitionID, provider, remoteField, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("フィールド対応の保存に失敗しました: %w", err)
	}
	return nil
}

// ListRemote はslugとプロバイダー側の属性名の組をslug順で返す。
func (r *PostgresFieldMappingRepo) ListRemote(ctx context.Context, projectID string, key model.ResourceKey, provider string) ([]model.FieldMappingRemote, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT d.slug, l.remote_field
		 FROM field_mapping_definitions d
		 INNER JOIN field_mapping_links l ON l.id_definition = d.id
		 WHERE d.project_id = $1 AND d.category = $2 AND d.resource_type = $3 AND l.provider = $4
		 ORDER BY d.slug ASC`,
		projectID, string(key.Category), string(key.ResourceType), provider,
	)
	if err != nil {
		return nil, fmt.Errorf("フィールド対応一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var defs []model.FieldMappingRemote
	for rows.Next() {
		var d model.FieldMappingRemote
		if err := rows.Scan(&d.Slug, &d.RemoteField); err != nil {
			return nil, fmt.Errorf("フィールド対応の読み取りに失敗しました: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィールド対応一覧の走査に失敗しました: %w", err)
	}
	return defs, nil
}

// ListValuesByRecord はレコードに紐づく値をslug順で返す。
func (r *PostgresFieldMappingRepo) ListValuesByRecord(ctx context.Context, recordID string) ([]model.FieldMappingValue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT v.id, v.id_definition, d.slug, v.id_record, v.value, v.created_at, v.modified_at
		 FROM field_mapping_values v
		 INNER JOIN field_mapping_definitions d ON d.id = v.id_definition
		 WHERE v.id_record = $1
		 ORDER BY d.slug ASC`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("フィールド値一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var values []model.FieldMappingValue
	for rows.Next() {
		var v model.FieldMappingValue
		var raw []byte
		if err := rows.Scan(&v.ID, &v.DefinitionID, &v.Slug, &v.RecordID, &raw, &v.CreatedAt, &v.ModifiedAt); err != nil {
			return nil, fmt.Errorf("フィールド値の読み取りに失敗しました: %w", err)
		}
		v.Value = raw
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィールド値一覧の走査に失敗しました: %w", err)
	}
	return values, nil
}

// compile-time interface check
var _ FieldMappingRepository = (*PostgresFieldMappingRepo)(nil)
