package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/syncman/internal/model"
)

// DefaultCron は全リソース共通のデフォルト同期間隔（8時間ごと）。
const DefaultCron = "0 */8 * * *"

// Catalog はカテゴリごとの対応プロバイダーの静的な一覧と、リソースごとのcron式を保持する。
// カタログに載っていてもアダプタ未実装のプロバイダーは同期時に何もせずスキップされる。
type Catalog struct {
	Providers map[model.Category][]string
	Crons     map[model.ResourceKey]string
}

// catalogFile はYAMLカタログファイルの構造。
//
//	categories:
//	  ats:
//	    providers: [greenhouse, jobfeed]
//	resources:
//	  ats.job:
//	    cron: "0 */4 * * *"
type catalogFile struct {
	Categories map[string]struct {
		Providers []string `yaml:"providers"`
	} `yaml:"categories"`
	Resources map[string]struct {
		Cron string `yaml:"cron"`
	} `yaml:"resources"`
}

// DefaultCatalog は組み込みのプロバイダーカタログを返す。
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Providers: map[model.Category][]string{
			model.CategoryATS:         {"greenhouse", "jobfeed", "ashby", "lever"},
			model.CategoryFileStorage: {"googledrive", "onedrive", "dropbox"},
			model.CategoryEcommerce:   {"shopify", "woocommerce"},
			model.CategoryTicketing:   {"zendesk", "front", "jira"},
		},
		Crons: map[model.ResourceKey]string{},
	}
	for _, key := range model.AllResourceKeys() {
		c.Crons[key] = DefaultCron
	}
	return c
}

// LoadCatalogFile はYAMLファイルからカタログを読み込む。
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog はYAMLのバイト列をカタログに変換する。
// 未知のリソースキーはエラーとする。
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	c := &Catalog{
		Providers: map[model.Category][]string{},
		Crons:     map[model.ResourceKey]string{},
	}
	for category, entry := range f.Categories {
		c.Providers[model.Category(category)] = entry.Providers
	}
	for name, entry := range f.Resources {
		key, err := model.ParseResourceKey(name)
		if err != nil {
			return nil, fmt.Errorf("catalog file: %w", err)
		}
		if entry.Cron != "" {
			c.Crons[key] = entry.Cron
		}
	}
	return c, nil
}

// Override はotherに定義されている項目で上書きした新しいカタログを返す。
func (c *Catalog) Override(other *Catalog) *Catalog {
	out := &Catalog{
		Providers: map[model.Category][]string{},
		Crons:     map[model.ResourceKey]string{},
	}
	for k, v := range c.Providers {
		out.Providers[k] = v
	}
	for k, v := range c.Crons {
		out.Crons[k] = v
	}
	if other == nil {
		return out
	}
	for k, v := range other.Providers {
		out.Providers[k] = v
	}
	for k, v := range other.Crons {
		out.Crons[k] = v
	}
	return out
}

// ProvidersFor はカテゴリの対応プロバイダーを返す。
func (c *Catalog) ProvidersFor(category model.Category) []string {
	return c.Providers[category]
}

// HasProvider はカテゴリがプロバイダーに対応しているかを返す。
func (c *Catalog) HasProvider(category model.Category, provider string) bool {
	for _, p := range c.Providers[category] {
		if p == provider {
			return true
		}
	}
	return false
}

// CronFor はリソースのcron式を返す。未設定の場合はDefaultCronを返す。
func (c *Catalog) CronFor(key model.ResourceKey) string {
	if expr, ok := c.Crons[key]; ok && expr != "" {
		return expr
	}
	return DefaultCron
}

// Categories はカタログに含まれるカテゴリを安定した順序で返す。
func (c *Catalog) Categories() []model.Category {
	out := make([]model.Category, 0, len(c.Providers))
	for k := range c.Providers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
