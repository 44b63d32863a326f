// Package model はドメインモデルを定義する。
package model

import "fmt"

// Category はプロバイダー連携の業種カテゴリ（ats, filestorage など）。
type Category string

const (
	CategoryATS         Category = "ats"
	CategoryFileStorage Category = "filestorage"
	CategoryEcommerce   Category = "ecommerce"
	CategoryTicketing   Category = "ticketing"
)

// ResourceType はカテゴリ内のリソース種別（job, drive など）。
type ResourceType string

const (
	ResourceJob      ResourceType = "job"
	ResourceDrive    ResourceType = "drive"
	ResourceCustomer ResourceType = "customer"
	ResourceContact  ResourceType = "contact"
)

// ResourceKey はレジストリ・スケジューラ・ロックで共通に使う(カテゴリ, リソース種別)の組。
type ResourceKey struct {
	Category     Category
	ResourceType ResourceType
}

// 登録済みリソースのキー。
var (
	KeyATSJob            = ResourceKey{Category: CategoryATS, ResourceType: ResourceJob}
	KeyFileStorageDrive  = ResourceKey{Category: CategoryFileStorage, ResourceType: ResourceDrive}
	KeyEcommerceCustomer = ResourceKey{Category: CategoryEcommerce, ResourceType: ResourceCustomer}
	KeyTicketingContact  = ResourceKey{Category: CategoryTicketing, ResourceType: ResourceContact}
)

// AllResourceKeys は実装済みリソースの一覧を返す。
func AllResourceKeys() []ResourceKey {
	return []ResourceKey{KeyATSJob, KeyFileStorageDrive, KeyEcommerceCustomer, KeyTicketingContact}
}

// String は "ats.job" 形式の文字列を返す。
func (k ResourceKey) String() string {
	return fmt.Sprintf("%s.%s", k.Category, k.ResourceType)
}

// TableName は正規化レコードを格納するテーブル名（"ats_jobs" など）を返す。
func (k ResourceKey) TableName() string {
	return fmt.Sprintf("%s_%ss", k.Category, k.ResourceType)
}

// EventName はバッチ永続化後に発行するWebhookイベント名を返す。
func (k ResourceKey) EventName() string {
	return k.String() + ".synced"
}

// ParseResourceKey は "ats.job" 形式の文字列をResourceKeyに変換する。
func ParseResourceKey(s string) (ResourceKey, error) {
	for _, k := range AllResourceKeys() {
		if k.String() == s {
			return k, nil
		}
	}
	return ResourceKey{}, &NotFoundError{Kind: "resource", Key: s}
}
