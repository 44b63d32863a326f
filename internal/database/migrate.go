package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、手動での修復が必要な状態を表す。
var ErrDirtySchema = errors.New("スキーマがdirty状態です")

// SchemaVersion は適用済みマイグレーションの状態。
type SchemaVersion struct {
	Version uint
	Dirty   bool
	// Latest は埋め込まれたマイグレーションの最新バージョン。
	Latest uint
}

// UpToDate は最新バージョンまで適用済みかを返す。
func (v SchemaVersion) UpToDate() bool {
	return !v.Dirty && v.Version == v.Latest
}

func newSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return src, nil
}

// NewMigrator は埋め込みSQLを読み込むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// LatestVersion は埋め込まれたマイグレーションの最大バージョンを返す。
func LatestVersion() (uint, error) {
	src, err := newSource()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("failed to read first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read migration after %d: %w", v, err)
		}
		v = next
	}
}

// Status はデータベースに適用済みのバージョンを返す。未適用の場合 Version は0。
func Status(databaseURL string) (SchemaVersion, error) {
	latest, err := LatestVersion()
	if err != nil {
		return SchemaVersion{}, err
	}
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return SchemaVersion{}, err
	}
	defer m.Close()

	return currentVersion(m, latest)
}

func currentVersion(m *migrate.Migrate, latest uint) (SchemaVersion, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaVersion{Latest: latest}, nil
	}
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	return SchemaVersion{Version: v, Dirty: dirty, Latest: latest}, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用する。
// dirty状態のスキーマには適用せず ErrDirtySchema を返す。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(databaseURL)
	return err
}

// Migrate は RunMigrations と同じ処理を行い、適用後のバージョンを返す。
func Migrate(databaseURL string) (SchemaVersion, error) {
	latest, err := LatestVersion()
	if err != nil {
		return SchemaVersion{}, err
	}
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return SchemaVersion{}, err
	}
	defer m.Close()

	before, err := currentVersion(m, latest)
	if err != nil {
		return SchemaVersion{}, err
	}
	if before.Dirty {
		return before, fmt.Errorf("version %d: %w", before.Version, ErrDirtySchema)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaVersion{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	return currentVersion(m, latest)
}
