// Package resources はリソース種別ごとの同期サービスを組み立ててレジストリに登録する。
package resources

import (
	"database/sql"
	"fmt"

	"github.com/hitoshi/syncman/internal/ingest"
	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/provider"
	"github.com/hitoshi/syncman/internal/provider/googledrive"
	"github.com/hitoshi/syncman/internal/provider/greenhouse"
	"github.com/hitoshi/syncman/internal/provider/jobfeed"
	"github.com/hitoshi/syncman/internal/provider/shopify"
	"github.com/hitoshi/syncman/internal/provider/zendesk"
	"github.com/hitoshi/syncman/internal/registry"
	"github.com/hitoshi/syncman/internal/repository"
	"github.com/hitoshi/syncman/internal/security"
)

// ClientFactory はプロバイダーごとのHTTPクライアントを生成する。
// リクエスト数の制限をプロバイダー単位にするため、呼び出しごとに新しいClientを返す。
type ClientFactory func(providerName string) *provider.Client

// Services はリソース種別ごとの同期サービス。
type Services struct {
	Jobs      *ingest.Service[*model.UnifiedJob]
	Drives    *ingest.Service[*model.UnifiedDrive]
	Customers *ingest.Service[*model.UnifiedCustomer]
	Contacts  *ingest.Service[*model.UnifiedContact]
}

// Units はリソース種別ごとのUnitOfWork。テストではインメモリ実装に差し替える。
type Units struct {
	Jobs      repository.UnitOfWork[*model.UnifiedJob]
	Drives    repository.UnitOfWork[*model.UnifiedDrive]
	Customers repository.UnitOfWork[*model.UnifiedCustomer]
	Contacts  repository.UnitOfWork[*model.UnifiedContact]
}

// PostgresUnits はPostgreSQLのリソーステーブルを使うUnitsを返す。
func PostgresUnits(db *sql.DB) Units {
	return Units{
		Jobs: repository.NewPostgresUnitOfWork(db, func(tx repository.DBTX) repository.RecordRepository[*model.UnifiedJob] {
			return repository.NewPostgresJobRepo(tx)
		}),
		Drives: repository.NewPostgresUnitOfWork(db, func(tx repository.DBTX) repository.RecordRepository[*model.UnifiedDrive] {
			return repository.NewPostgresDriveRepo(tx)
		}),
		Customers: repository.NewPostgresUnitOfWork(db, func(tx repository.DBTX) repository.RecordRepository[*model.UnifiedCustomer] {
			return repository.NewPostgresCustomerRepo(tx)
		}),
		Contacts: repository.NewPostgresUnitOfWork(db, func(tx repository.DBTX) repository.RecordRepository[*model.UnifiedContact] {
			return repository.NewPostgresContactRepo(tx)
		}),
	}
}

// Build は同期サービスを生成し、各プロバイダーのアダプタを登録する。
// ドライブ・求人・連絡先はremote_idを必須とし、顧客は名前による照合を併用する。
func Build(units Units, deps ingest.Deps, clients ClientFactory, sanitizer security.FieldSanitizer) (*Services, error) {
	s := &Services{
		Jobs:      ingest.NewService(model.KeyATSJob, units.Jobs, ingest.RequireRemoteID[*model.UnifiedJob](), deps),
		Drives:    ingest.NewService(model.KeyFileStorageDrive, units.Drives, ingest.RequireRemoteID[*model.UnifiedDrive](), deps),
		Customers: ingest.NewService(model.KeyEcommerceCustomer, units.Customers, ingest.DedupPolicy[*model.UnifiedCustomer]{NaturalKey: shopify.NaturalKey}, deps),
		Contacts:  ingest.NewService(model.KeyTicketingContact, units.Contacts, ingest.RequireRemoteID[*model.UnifiedContact](), deps),
	}

	errs := []error{
		s.Jobs.RegisterAdapter(greenhouse.NewJobAdapter(clients(greenhouse.Name), sanitizer)),
		s.Jobs.RegisterAdapter(jobfeed.NewJobAdapter(clients(jobfeed.Name), sanitizer)),
		s.Drives.RegisterAdapter(googledrive.NewDriveAdapter(clients(googledrive.Name))),
		s.Customers.RegisterAdapter(shopify.NewCustomerAdapter(clients(shopify.Name), sanitizer)),
		s.Contacts.RegisterAdapter(zendesk.NewContactAdapter(clients(zendesk.Name), sanitizer)),
	}
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("アダプタの登録に失敗しました: %w", err)
		}
	}
	return s, nil
}

// Register は全ての同期サービスをレジストリに登録する。
func (s *Services) Register(reg *registry.Registry) error {
	for _, svc := range s.all() {
		if err := reg.Register(svc.Key(), svc); err != nil {
			return err
		}
	}
	return nil
}

// Adapters はリソースキーごとの登録済みプロバイダーを返す。
func (s *Services) Adapters() map[model.ResourceKey][]string {
	return map[model.ResourceKey][]string{
		s.Jobs.Key():      s.Jobs.Providers(),
		s.Drives.Key():    s.Drives.Providers(),
		s.Customers.Key(): s.Customers.Providers(),
		s.Contacts.Key():  s.Contacts.Providers(),
	}
}

func (s *Services) all() []registry.SyncService {
	return []registry.SyncService{s.Jobs, s.Drives, s.Customers, s.Contacts}
}
